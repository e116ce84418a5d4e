package auth

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// SignatureLength is the size of an r||s||v signature.
const SignatureLength = 65

// Signer signs requests with an agent's secp256k1 private key. Signatures
// follow the Ethereum personal-message convention so the backend can
// recover the agent address from them.
type Signer struct {
	key     *secp256k1.PrivateKey
	address string
}

// ParsePrivateKey parses a 32-byte hex private key, with or without a 0x prefix.
func ParsePrivateKey(hexKey string) (*Signer, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	raw = strings.TrimPrefix(raw, "0X")

	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("private key is not hex: %w", err)
	}
	if len(b) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", secp256k1.PrivKeyBytesLen, len(b))
	}

	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("private key is outside the curve order")
	}

	key := secp256k1.NewPrivateKey(&scalar)
	return &Signer{
		key:     key,
		address: addressOf(key.PubKey()),
	}, nil
}

// Address returns the agent address derived from the public key.
func (s *Signer) Address() string {
	return s.address
}

// PublicKey returns the compressed public key as 0x-prefixed hex.
func (s *Signer) PublicKey() string {
	return "0x" + hex.EncodeToString(s.key.PubKey().SerializeCompressed())
}

// SignMessage signs msg as a personal message and returns r||s||v with v in {27, 28}.
func (s *Signer) SignMessage(msg []byte) []byte {
	compact := ecdsa.SignCompact(s.key, personalDigest(msg), false)
	// compact is v||r||s
	sig := make([]byte, 0, SignatureLength)
	sig = append(sig, compact[1:]...)
	return append(sig, compact[0])
}

// RecoverAddress returns the address that produced sig over msg.
func RecoverAddress(msg, sig []byte) (string, error) {
	if len(sig) != SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	compact := make([]byte, 0, SignatureLength)
	compact = append(compact, sig[64])
	compact = append(compact, sig[:64]...)

	pub, _, err := ecdsa.RecoverCompact(compact, personalDigest(msg))
	if err != nil {
		return "", err
	}
	return addressOf(pub), nil
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func personalDigest(msg []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))
	return Keccak256([]byte(prefix), msg)
}

func addressOf(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	hash := Keccak256(uncompressed[1:])
	return "0x" + hex.EncodeToString(hash[12:])
}
