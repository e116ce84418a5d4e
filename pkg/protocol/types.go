package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Message is a message exchanged between agents.
type Message struct {
	ID        string
	Sender    string
	Recipient string
	Content   string
	Timestamp time.Time
	ReplyTo   string
	Metadata  map[string]any
}

// Agent is a participant known to the network.
type Agent struct {
	ID       string
	Name     string
	LastSeen *time.Time
	Metadata map[string]any
}

// SendOptions are optional parameters for sending a message.
type SendOptions struct {
	// ReplyTo is the id of the message being answered.
	ReplyTo  string
	Metadata map[string]any
}

// EventType distinguishes stream events.
type EventType int

const (
	// EventMessage carries a received message.
	EventMessage EventType = iota
	// EventHeartbeat is a keep-alive with no payload.
	EventHeartbeat
	// EventClosed means the stream ended; no further events follow.
	EventClosed
	// EventError is a frame that could not be decoded. The stream stays open.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventHeartbeat:
		return "heartbeat"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item read from the live stream.
type Event struct {
	Type    EventType
	Message *Message
	// Err explains EventClosed (nil on a clean close) and EventError.
	Err error
}

type messageJSON struct {
	ID          string          `json:"id"`
	FromAgentID string          `json:"from_agent_id,omitempty"`
	FromCamel   string          `json:"fromAgentId,omitempty"`
	Sender      string          `json:"sender,omitempty"`
	ToAgentID   string          `json:"to_agent_id,omitempty"`
	ToCamel     string          `json:"toAgentId,omitempty"`
	Recipient   string          `json:"recipient,omitempty"`
	Content     string          `json:"content"`
	Timestamp   json.RawMessage `json:"timestamp,omitempty"`
	TS          json.RawMessage `json:"ts,omitempty"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	ReplyToAlt  string          `json:"replyTo,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

type messageOut struct {
	ID          string         `json:"id"`
	FromAgentID string         `json:"from_agent_id"`
	ToAgentID   string         `json:"to_agent_id"`
	Content     string         `json:"content"`
	Timestamp   int64          `json:"timestamp"`
	ReplyTo     string         `json:"reply_to,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON encodes the message in the snake_case form.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageOut{
		ID:          m.ID,
		FromAgentID: m.Sender,
		ToAgentID:   m.Recipient,
		Content:     m.Content,
		ReplyTo:     m.ReplyTo,
		Metadata:    m.Metadata,
	}
	if !m.Timestamp.IsZero() {
		out.Timestamp = m.Timestamp.UnixMilli()
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes either wire shape. A message without an id is rejected.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == "" {
		return fmt.Errorf("message has no id")
	}

	tsRaw := raw.Timestamp
	if len(tsRaw) == 0 {
		tsRaw = raw.TS
	}
	ts, err := parseTime(tsRaw)
	if err != nil {
		return fmt.Errorf("message %s: %w", raw.ID, err)
	}

	*m = Message{
		ID:        raw.ID,
		Sender:    firstNonEmpty(raw.FromAgentID, raw.FromCamel, raw.Sender),
		Recipient: firstNonEmpty(raw.ToAgentID, raw.ToCamel, raw.Recipient),
		Content:   raw.Content,
		Timestamp: ts,
		ReplyTo:   firstNonEmpty(raw.ReplyTo, raw.ReplyToAlt),
		Metadata:  raw.Metadata,
	}
	return nil
}

type agentJSON struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	LastSeen    json.RawMessage `json:"last_seen,omitempty"`
	LastSeenAlt json.RawMessage `json:"lastSeen,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

type agentOut struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	LastSeen *int64         `json:"last_seen,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON encodes the agent with a millisecond last_seen.
func (a Agent) MarshalJSON() ([]byte, error) {
	out := agentOut{ID: a.ID, Name: a.Name, Metadata: a.Metadata}
	if a.LastSeen != nil {
		ms := a.LastSeen.UnixMilli()
		out.LastSeen = &ms
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an agent record.
func (a *Agent) UnmarshalJSON(data []byte) error {
	var raw agentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == "" {
		return fmt.Errorf("agent has no id")
	}

	lsRaw := raw.LastSeen
	if len(lsRaw) == 0 {
		lsRaw = raw.LastSeenAlt
	}
	var lastSeen *time.Time
	if ts, err := parseTime(lsRaw); err != nil {
		return fmt.Errorf("agent %s: %w", raw.ID, err)
	} else if !ts.IsZero() {
		lastSeen = &ts
	}

	*a = Agent{ID: raw.ID, Name: raw.Name, LastSeen: lastSeen, Metadata: raw.Metadata}
	return nil
}

// parseTime accepts null, integer milliseconds since the epoch (as a number
// or a numeric string) and RFC 3339 strings.
func parseTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
		}
		return t.UTC(), nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	if ms, err := n.Int64(); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	f, err := n.Float64()
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", n)
	}
	return time.UnixMilli(int64(f)).UTC(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
