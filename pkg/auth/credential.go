// Package auth resolves the credential an SDK client authenticates with and
// attaches it to outgoing requests.
//
// A private key identifies a self-custodied agent and signs every request.
// An API key identifies a hosted agent. Anonymous access is only used when
// explicitly allowed.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	sdkerrors "github.com/openpond/openpond-sdk-go/pkg/errors"
)

// Request headers set by Apply.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderAgentID   = "X-Agent-Id"
	HeaderNonce     = "X-Nonce"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// Kind identifies how a client authenticates.
type Kind int

const (
	KindAnonymous Kind = iota
	KindAPIKey
	KindPrivateKey
)

func (k Kind) String() string {
	switch k {
	case KindAPIKey:
		return "api_key"
	case KindPrivateKey:
		return "private_key"
	default:
		return "anonymous"
	}
}

// Params are the raw inputs to Resolve.
type Params struct {
	PrivateKey     string
	APIKey         string
	AllowAnonymous bool
}

// Credential is the resolved identity. It is immutable and safe for
// concurrent use.
type Credential struct {
	kind          Kind
	apiKey        string
	signer        *Signer
	ignoredAPIKey bool

	now   func() time.Time
	nonce func() (string, error)
}

// Resolve picks the credential to use. A private key wins over an API key;
// with neither, an anonymous credential is returned only when AllowAnonymous
// is set. Resolve performs no I/O.
func Resolve(p Params) (*Credential, error) {
	cred := &Credential{now: time.Now, nonce: randomNonce}

	switch {
	case p.PrivateKey != "":
		signer, err := ParsePrivateKey(p.PrivateKey)
		if err != nil {
			return nil, sdkerrors.InvalidCredential("private key", err)
		}
		cred.kind = KindPrivateKey
		cred.signer = signer
		cred.ignoredAPIKey = p.APIKey != ""
	case p.APIKey != "":
		cred.kind = KindAPIKey
		cred.apiKey = p.APIKey
	case p.AllowAnonymous:
		cred.kind = KindAnonymous
	default:
		return nil, sdkerrors.MissingCredential()
	}
	return cred, nil
}

// Kind reports which credential was resolved.
func (c *Credential) Kind() Kind {
	return c.kind
}

// AgentID returns the agent address for private key credentials and an
// empty string otherwise.
func (c *Credential) AgentID() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address()
}

// Signer returns the request signer, or nil for non private key credentials.
func (c *Credential) Signer() *Signer {
	return c.signer
}

// IgnoredAPIKey reports that an API key was supplied alongside a private key
// and is not being used.
func (c *Credential) IgnoredAPIKey() bool {
	return c.ignoredAPIKey
}

// WithClock returns a copy whose signatures use now and nonce instead of the
// wall clock and crypto/rand.
func (c *Credential) WithClock(now func() time.Time, nonce func() (string, error)) *Credential {
	cp := *c
	if now != nil {
		cp.now = now
	}
	if nonce != nil {
		cp.nonce = nonce
	}
	return &cp
}

// Apply attaches authentication headers to req. body must be the exact
// bytes sent as the request body (nil for none).
//
// Private key requests carry the agent id, a nonce, a millisecond timestamp
// and a signature over "sha256(body)|nonce|timestamp".
func (c *Credential) Apply(req *http.Request, body []byte) error {
	switch c.kind {
	case KindAPIKey:
		req.Header.Set(HeaderAPIKey, c.apiKey)
	case KindPrivateKey:
		nonce, err := c.nonce()
		if err != nil {
			return sdkerrors.SigningFailed(err)
		}
		timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
		sig := c.signer.SignMessage(SigningPayload(body, nonce, timestamp))

		req.Header.Set(HeaderAgentID, c.signer.Address())
		req.Header.Set(HeaderNonce, nonce)
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	}
	return nil
}

// SigningPayload builds the message signed for a request.
func SigningPayload(body []byte, nonce, timestamp string) []byte {
	sum := sha256.Sum256(body)
	return []byte(fmt.Sprintf("%s|%s|%s", hex.EncodeToString(sum[:]), nonce, timestamp))
}

func randomNonce() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
