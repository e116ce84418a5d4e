package transport

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpond/openpond-sdk-go/pkg/protocol"
)

// stubClient answers every call from fixed fields.
type stubClient struct {
	err   error
	calls []string
}

func (s *stubClient) Register(ctx context.Context, req protocol.RegisterRequest) error {
	s.calls = append(s.calls, OpRegister)
	return s.err
}

func (s *stubClient) SendMessage(ctx context.Context, recipient, content string, opts *protocol.SendOptions) (string, error) {
	s.calls = append(s.calls, OpSendMessage)
	return "m1", s.err
}

func (s *stubClient) ListAgents(ctx context.Context) ([]protocol.Agent, error) {
	s.calls = append(s.calls, OpListAgents)
	return nil, s.err
}

func (s *stubClient) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	s.calls = append(s.calls, OpGetAgent)
	return &protocol.Agent{ID: id}, s.err
}

func (s *stubClient) Poll(ctx context.Context, since string) ([]protocol.Message, error) {
	s.calls = append(s.calls, OpPoll)
	return nil, s.err
}

func (s *stubClient) OpenStream(ctx context.Context) (Stream, error) {
	s.calls = append(s.calls, OpOpenStream)
	return nil, s.err
}

// tagMiddleware records the order in which wrapped clients are entered.
type tagMiddleware struct {
	tag   string
	trail *[]string
}

func (m tagMiddleware) Wrap(next Client) Client {
	return &tagClient{Passthrough: Passthrough{Next: next}, m: m}
}

type tagClient struct {
	Passthrough
	m tagMiddleware
}

func (c *tagClient) ListAgents(ctx context.Context) ([]protocol.Agent, error) {
	*c.m.trail = append(*c.m.trail, c.m.tag)
	return c.Next.ListAgents(ctx)
}

func TestChainMiddlewareOrder(t *testing.T) {
	var trail []string
	stub := &stubClient{}
	client := ChainMiddleware(
		tagMiddleware{"outer", &trail},
		nil,
		tagMiddleware{"inner", &trail},
	).Wrap(stub)

	_, err := client.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, trail)

	// Calls not overridden pass straight through.
	agent, err := client.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", agent.ID)
	assert.Equal(t, []string{OpListAgents, OpGetAgent}, stub.calls)
}

func TestStatsMiddleware(t *testing.T) {
	stub := &stubClient{}
	stats := NewStatsMiddleware(nil)
	client := stats.Wrap(stub)
	ctx := context.Background()

	_, _ = client.SendMessage(ctx, "bob", "hi", nil)
	_, _ = client.SendMessage(ctx, "bob", "hi", nil)
	_, _ = client.Poll(ctx, "")

	stub.err = errors.New("boom")
	_, _ = client.Poll(ctx, "m1")
	_ = client.Register(ctx, protocol.RegisterRequest{Name: "x"})

	snap := stats.Snapshot()
	assert.Equal(t, int64(2), snap.Operations[OpSendMessage].Calls)
	assert.Equal(t, int64(0), snap.Operations[OpSendMessage].Errors)
	assert.Equal(t, int64(2), snap.Operations[OpPoll].Calls)
	assert.Equal(t, int64(1), snap.Operations[OpPoll].Errors)
	assert.Equal(t, int64(1), snap.Operations[OpRegister].Errors)
	assert.NotContains(t, snap.Operations, OpListAgents)

	out := snap.String()
	assert.True(t, strings.Index(out, OpPoll) < strings.Index(out, OpSendMessage), out)
}
