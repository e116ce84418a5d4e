package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openpond/openpond-sdk-go/pkg/logging"
	"github.com/openpond/openpond-sdk-go/pkg/protocol"
)

// Operation names used by middleware and metrics.
const (
	OpRegister    = "register"
	OpSendMessage = "send_message"
	OpListAgents  = "list_agents"
	OpGetAgent    = "get_agent"
	OpPoll        = "poll"
	OpOpenStream  = "open_stream"
)

// StatsMiddleware logs every call and keeps in-process counters per
// operation. It needs no metrics backend.
type StatsMiddleware struct {
	logger logging.Logger

	mu  sync.Mutex
	ops map[string]*durationTracker
}

// NewStatsMiddleware creates a stats middleware. A nil logger disables logging.
func NewStatsMiddleware(logger logging.Logger) *StatsMiddleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StatsMiddleware{
		logger: logger.WithFields(logging.String("component", "transport")),
		ops:    make(map[string]*durationTracker),
	}
}

// Wrap implements the Middleware interface
func (sm *StatsMiddleware) Wrap(next Client) Client {
	return &statsClient{Passthrough: Passthrough{Next: next}, sm: sm}
}

func (sm *StatsMiddleware) observe(ctx context.Context, op string, start time.Time, err error) {
	d := time.Since(start)

	sm.mu.Lock()
	t, ok := sm.ops[op]
	if !ok {
		t = &durationTracker{}
		sm.ops[op] = t
	}
	t.observe(d, err)
	sm.mu.Unlock()

	log := sm.logger.WithContext(ctx)
	if err != nil {
		log.WithError(err).Debug("call failed", logging.String("operation", op), logging.Duration("duration", d))
		return
	}
	log.Debug("call succeeded", logging.String("operation", op), logging.Duration("duration", d))
}

// Snapshot returns a copy of the counters.
func (sm *StatsMiddleware) Snapshot() *StatsSnapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	snap := &StatsSnapshot{Operations: make(map[string]OperationStats, len(sm.ops))}
	for op, t := range sm.ops {
		snap.Operations[op] = t.stats()
	}
	return snap
}

type statsClient struct {
	Passthrough
	sm *StatsMiddleware
}

func (c *statsClient) Register(ctx context.Context, req protocol.RegisterRequest) error {
	start := time.Now()
	err := c.Next.Register(ctx, req)
	c.sm.observe(ctx, OpRegister, start, err)
	return err
}

func (c *statsClient) SendMessage(ctx context.Context, recipient, content string, opts *protocol.SendOptions) (string, error) {
	start := time.Now()
	id, err := c.Next.SendMessage(ctx, recipient, content, opts)
	c.sm.observe(ctx, OpSendMessage, start, err)
	return id, err
}

func (c *statsClient) ListAgents(ctx context.Context) ([]protocol.Agent, error) {
	start := time.Now()
	agents, err := c.Next.ListAgents(ctx)
	c.sm.observe(ctx, OpListAgents, start, err)
	return agents, err
}

func (c *statsClient) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	start := time.Now()
	agent, err := c.Next.GetAgent(ctx, id)
	c.sm.observe(ctx, OpGetAgent, start, err)
	return agent, err
}

func (c *statsClient) Poll(ctx context.Context, since string) ([]protocol.Message, error) {
	start := time.Now()
	msgs, err := c.Next.Poll(ctx, since)
	c.sm.observe(ctx, OpPoll, start, err)
	return msgs, err
}

func (c *statsClient) OpenStream(ctx context.Context) (Stream, error) {
	start := time.Now()
	s, err := c.Next.OpenStream(ctx)
	c.sm.observe(ctx, OpOpenStream, start, err)
	return s, err
}

// durationTracker accumulates call outcomes for one operation. Callers hold
// the middleware lock.
type durationTracker struct {
	count    int64
	errors   int64
	total    time.Duration
	min, max time.Duration
}

func (dt *durationTracker) observe(d time.Duration, err error) {
	dt.count++
	if err != nil {
		dt.errors++
	}
	dt.total += d
	if dt.count == 1 || d < dt.min {
		dt.min = d
	}
	if d > dt.max {
		dt.max = d
	}
}

func (dt *durationTracker) stats() OperationStats {
	s := OperationStats{Calls: dt.count, Errors: dt.errors, Min: dt.min, Max: dt.max}
	if dt.count > 0 {
		s.Avg = dt.total / time.Duration(dt.count)
	}
	return s
}

// OperationStats summarises the calls of one operation.
type OperationStats struct {
	Calls  int64
	Errors int64
	Min    time.Duration
	Max    time.Duration
	Avg    time.Duration
}

// StatsSnapshot is a point-in-time copy of StatsMiddleware counters.
type StatsSnapshot struct {
	Operations map[string]OperationStats
}

// String formats the snapshot one operation per line, sorted by name.
func (s *StatsSnapshot) String() string {
	names := make([]string, 0, len(s.Operations))
	for name := range s.Operations {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		o := s.Operations[name]
		fmt.Fprintf(&b, "%s: calls=%d errors=%d avg=%v min=%v max=%v\n",
			name, o.Calls, o.Errors, o.Avg, o.Min, o.Max)
	}
	return b.String()
}
