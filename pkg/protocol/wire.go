package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SendRequest is the body of POST /messages.
type SendRequest struct {
	Recipient string         `json:"recipient"`
	Content   string         `json:"content"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewSendRequest builds a request body from the public arguments.
func NewSendRequest(recipient, content string, opts *SendOptions) SendRequest {
	req := SendRequest{Recipient: recipient, Content: content}
	if opts != nil {
		req.ReplyTo = opts.ReplyTo
		req.Metadata = opts.Metadata
	}
	return req
}

// SendResponse is the reply to POST /messages. Older deployments answer
// with messageId instead of id.
type SendResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
}

// Identifier returns whichever id field was set.
func (r SendResponse) Identifier() string {
	return firstNonEmpty(r.ID, r.MessageID)
}

// RegisterRequest is the body of POST /agents/register.
type RegisterRequest struct {
	Name      string         `json:"name"`
	Address   string         `json:"address,omitempty"`
	PublicKey string         `json:"publicKey,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DecodeMessages decodes a message list given either as a bare array or
// wrapped as {"messages": [...]}. Entries are decoded one by one: an entry
// that fails is left out and its error is returned in skipped, so one bad
// message does not hide the rest of the batch. err is set only when the
// body is not a message list at all. An empty body is an empty list.
func DecodeMessages(data []byte) (msgs []Message, skipped []error, err error) {
	raw, err := rawList(data, "messages")
	if err != nil {
		return nil, nil, err
	}
	msgs = make([]Message, 0, len(raw))
	for i, item := range raw {
		var m Message
		if err := json.Unmarshal(item, &m); err != nil {
			skipped = append(skipped, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, skipped, nil
}

// DecodeAgents decodes an agent list given either as a bare array or
// wrapped as {"agents": [...]}.
func DecodeAgents(data []byte) ([]Agent, error) {
	raw, err := rawList(data, "agents")
	if err != nil {
		return nil, err
	}
	out := make([]Agent, 0, len(raw))
	for i, item := range raw {
		var a Agent
		if err := json.Unmarshal(item, &a); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// rawList splits a list body into its undecoded entries.
func rawList(data []byte, key string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var list []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
	case '{':
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, err
		}
		inner, ok := envelope[key]
		if !ok {
			return nil, fmt.Errorf("response has no %q field", key)
		}
		if bytes.Equal(bytes.TrimSpace(inner), []byte("null")) {
			return nil, nil
		}
		if err := json.Unmarshal(inner, &list); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unexpected response body starting with %q", trimmed[0])
	}
	return list, nil
}
