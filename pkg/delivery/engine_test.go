package delivery

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpond/openpond-sdk-go/pkg/config"
	sdkerrors "github.com/openpond/openpond-sdk-go/pkg/errors"
	"github.com/openpond/openpond-sdk-go/pkg/logging"
	"github.com/openpond/openpond-sdk-go/pkg/protocol"
	"github.com/openpond/openpond-sdk-go/pkg/transport"
	"github.com/openpond/openpond-sdk-go/pkg/utils"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func msg(id string, ms int64) protocol.Message {
	return protocol.Message{ID: id, Sender: "alice", Recipient: "bob", Content: "c-" + id, Timestamp: time.UnixMilli(ms)}
}

func msgEvent(id string, ms int64) protocol.Event {
	m := msg(id, ms)
	return protocol.Event{Type: protocol.EventMessage, Message: &m}
}

type fakeStream struct {
	events chan protocol.Event
	closed atomic.Bool
}

func newFakeStream(events ...protocol.Event) *fakeStream {
	s := &fakeStream{events: make(chan protocol.Event, 32)}
	for _, ev := range events {
		s.events <- ev
	}
	return s
}

func (s *fakeStream) Events() <-chan protocol.Event { return s.events }

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type openResult struct {
	stream *fakeStream
	err    error
}

// fakeTransport serves queued stream and poll results.
type fakeTransport struct {
	mu      sync.Mutex
	opens   []openResult
	openErr error
	polls   [][]protocol.Message
	pollErr error
	sinces  []string
	opened  int

	// skipped is returned next to the first poll batch, as for entries
	// the transport could not decode.
	skipped error
	// blockOpen makes OpenStream wait for its context.
	blockOpen bool
}

var _ transport.Client = (*fakeTransport)(nil)

func (f *fakeTransport) Register(ctx context.Context, req protocol.RegisterRequest) error { return nil }

func (f *fakeTransport) SendMessage(ctx context.Context, recipient, content string, opts *protocol.SendOptions) (string, error) {
	return "", nil
}

func (f *fakeTransport) ListAgents(ctx context.Context) ([]protocol.Agent, error) { return nil, nil }

func (f *fakeTransport) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	return nil, nil
}

func (f *fakeTransport) Poll(ctx context.Context, since string) ([]protocol.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.polls) == 0 {
		return nil, nil
	}
	batch := f.polls[0]
	f.polls = f.polls[1:]
	skipped := f.skipped
	f.skipped = nil
	return append([]protocol.Message(nil), batch...), skipped
}

func (f *fakeTransport) OpenStream(ctx context.Context) (transport.Stream, error) {
	f.mu.Lock()
	f.opened++
	if f.blockOpen {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, sdkerrors.FromContextError("open stream", ctx.Err())
	}
	defer f.mu.Unlock()
	if len(f.opens) > 0 {
		r := f.opens[0]
		f.opens = f.opens[1:]
		if r.err != nil {
			return nil, r.err
		}
		return r.stream, nil
	}
	if f.openErr != nil {
		return nil, f.openErr
	}
	return nil, sdkerrors.ConnectionFailed("http://test/messages/stream", errors.New("refused"))
}

func (f *fakeTransport) pollSinces() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sinces...)
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// recorder captures everything the registry dispatches.
type recorder struct {
	mu      sync.Mutex
	msgs    []string
	errs    []error
	changes []ConnectionChange
}

func (r *recorder) attach(reg *Registry) {
	reg.OnMessage(func(m protocol.Message) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.msgs = append(r.msgs, m.ID)
		return nil
	})
	reg.OnError(func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errs = append(r.errs, err)
	})
	reg.OnConnectionChange(func(c ConnectionChange) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.changes = append(r.changes, c)
	})
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) transitions() []ConnectionChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionChange(nil), r.changes...)
}

func testConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		PollInterval:          5 * time.Second,
		InactivityTimeout:     60 * time.Second,
		MinBackoff:            500 * time.Millisecond,
		MaxBackoff:            30 * time.Second,
		BackoffFactor:         2,
		Jitter:                0.1,
		DedupWindow:           100,
		PollFallbackAfter:     5,
		StreamUpgradeInterval: 60 * time.Second,
	}
}

func newTestEngine(t *testing.T, ft *fakeTransport, cfg config.DeliveryConfig) (*Engine, *clock.Mock, *recorder) {
	t.Helper()
	mock := clock.NewMock()
	e, err := New(ft, cfg,
		WithClock(mock),
		WithLogger(logging.NewNop()),
		WithRandom(func() float64 { return 0 }),
	)
	require.NoError(t, err)
	rec := &recorder{}
	rec.attach(e.Registry())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e, mock, rec
}

// advanceUntil moves the mock clock forward by step until cond holds.
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		mock.Add(step)
		return cond()
	}, waitFor, tick)
}

func TestLiveDeliveryOrdersAndDeduplicates(t *testing.T) {
	stream := newFakeStream(
		msgEvent("m2", 2000),
		msgEvent("m1", 1000),
		protocol.Event{Type: protocol.EventHeartbeat},
		msgEvent("m1", 1000),
	)
	ft := &fakeTransport{opens: []openResult{{stream: stream}}}
	e, _, rec := newTestEngine(t, ft, testConfig())

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"m1", "m2"}, rec.messages())
	assert.Equal(t, StateLive, e.State())

	// Later arrivals are delivered as they come; replays are dropped.
	stream.events <- msgEvent("m3", 3000)
	stream.events <- msgEvent("m2", 2000)
	require.Eventually(t, func() bool { return len(rec.messages()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"m1", "m2", "m3"}, rec.messages())
	assert.Empty(t, rec.errors())

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, StateStopped, e.State())
	assert.True(t, stream.closed.Load())

	assert.Equal(t, []ConnectionChange{
		{From: StateStopped, To: StateConnecting},
		{From: StateConnecting, To: StateLive},
		{From: StateLive, To: StateStopped},
	}, rec.transitions())
}

func TestLiveMalformedFrameKeepsStream(t *testing.T) {
	stream := newFakeStream(
		protocol.Event{Type: protocol.EventError, Err: sdkerrors.SerializationError("stream frame", errors.New("bad"))},
		msgEvent("m1", 1),
	)
	ft := &fakeTransport{opens: []openResult{{stream: stream}}}
	e, _, rec := newTestEngine(t, ft, testConfig())

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, waitFor, tick)

	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.True(t, sdkerrors.IsCategory(errs[0], sdkerrors.CategorySerialization))
	assert.Equal(t, StateLive, e.State())
	assert.False(t, stream.closed.Load())
}

func TestConnectFailureFallsBackToPolling(t *testing.T) {
	ft := &fakeTransport{
		polls: [][]protocol.Message{
			{msg("m3", 3000), msg("m1", 1000)},
			{msg("m1", 1000), msg("m4", 4000)},
		},
	}
	e, mock, rec := newTestEngine(t, ft, testConfig())

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"m1", "m3"}, rec.messages())
	assert.Equal(t, StatePolling, e.State())

	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.True(t, sdkerrors.IsCode(errs[0], sdkerrors.CodeConnectionFailed))

	advanceUntil(t, mock, 5*time.Second, func() bool { return len(rec.messages()) == 3 })
	assert.Equal(t, []string{"m1", "m3", "m4"}, rec.messages())

	sinces := ft.pollSinces()
	require.GreaterOrEqual(t, len(sinces), 2)
	assert.Equal(t, []string{"", "m3"}, sinces[:2])
}

func TestDisableStreamPollsOnly(t *testing.T) {
	cfg := testConfig()
	cfg.DisableStream = true
	ft := &fakeTransport{polls: [][]protocol.Message{{msg("m1", 1)}}}
	e, mock, rec := newTestEngine(t, ft, cfg)

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, waitFor, tick)

	// Well past the upgrade interval.
	for i := 0; i < 20; i++ {
		mock.Add(5 * time.Second)
	}
	assert.Equal(t, 0, ft.openCount())
	assert.Equal(t, StatePolling, e.State())
	assert.Empty(t, rec.errors())
}

func TestPollErrorIsReportedAndPollingContinues(t *testing.T) {
	cfg := testConfig()
	cfg.DisableStream = true
	ft := &fakeTransport{pollErr: sdkerrors.NewAPIError(http.StatusServiceUnavailable, "down")}
	e, mock, rec := newTestEngine(t, ft, cfg)

	require.NoError(t, e.Start(context.Background()))
	advanceUntil(t, mock, 5*time.Second, func() bool { return len(rec.errors()) >= 3 })

	assert.Equal(t, StatePolling, e.State())
	for _, err := range rec.errors() {
		apiErr, ok := sdkerrors.AsAPIError(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status())
	}
}

func TestReconnectAfterStreamClosed(t *testing.T) {
	first := newFakeStream(msgEvent("m1", 1), protocol.Event{Type: protocol.EventClosed})
	second := newFakeStream(msgEvent("m1", 1), msgEvent("m2", 2))
	ft := &fakeTransport{opens: []openResult{{stream: first}, {stream: second}}}
	e, mock, rec := newTestEngine(t, ft, testConfig())

	require.NoError(t, e.Start(context.Background()))
	advanceUntil(t, mock, 500*time.Millisecond, func() bool { return len(rec.messages()) == 2 })

	assert.Equal(t, []string{"m1", "m2"}, rec.messages())
	assert.Equal(t, StateLive, e.State())
	assert.True(t, first.closed.Load())

	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.True(t, sdkerrors.IsCode(errs[0], sdkerrors.CodeConnectionLost))

	assert.Equal(t, []ConnectionChange{
		{From: StateStopped, To: StateConnecting},
		{From: StateConnecting, To: StateLive},
		{From: StateLive, To: StateReconnecting},
		{From: StateReconnecting, To: StateLive},
	}, rec.transitions())
}

func TestInactivityTimeoutReconnects(t *testing.T) {
	silent := newFakeStream()
	ft := &fakeTransport{
		opens:   []openResult{{stream: silent}},
		openErr: sdkerrors.ConnectionFailed("http://test", errors.New("refused")),
	}
	cfg := testConfig()
	cfg.PollFallbackAfter = -1
	e, mock, rec := newTestEngine(t, ft, cfg)

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return e.State() == StateLive }, waitFor, tick)

	advanceUntil(t, mock, 10*time.Second, func() bool { return len(rec.errors()) > 0 })

	errs := rec.errors()
	assert.True(t, sdkerrors.IsCode(errs[0], sdkerrors.CodeConnectionTimeout))
	assert.True(t, silent.closed.Load())
	assert.Equal(t, StateReconnecting, e.State())
}

func TestHeartbeatsPreventInactivityTimeout(t *testing.T) {
	stream := newFakeStream()
	ft := &fakeTransport{opens: []openResult{{stream: stream}}}
	e, mock, rec := newTestEngine(t, ft, testConfig())

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return e.State() == StateLive }, waitFor, tick)

	for i := 0; i < 5; i++ {
		mock.Add(40 * time.Second)
		stream.events <- protocol.Event{Type: protocol.EventHeartbeat}
		// Let the loop re-arm the timer before time moves again.
		require.Eventually(t, func() bool { return len(stream.events) == 0 }, waitFor, tick)
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, StateLive, e.State())
	assert.Empty(t, rec.errors())
}

func TestReconnectFallsBackToPollingAfterFailures(t *testing.T) {
	cfg := testConfig()
	cfg.PollFallbackAfter = 2
	ft := &fakeTransport{
		opens: []openResult{{stream: newFakeStream(protocol.Event{Type: protocol.EventClosed})}},
		polls: [][]protocol.Message{{msg("p1", 1)}},
	}
	e, mock, rec := newTestEngine(t, ft, cfg)

	require.NoError(t, e.Start(context.Background()))
	advanceUntil(t, mock, 500*time.Millisecond, func() bool { return e.State() == StatePolling })
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, waitFor, tick)

	errs := rec.errors()
	require.Len(t, errs, 3)
	assert.True(t, sdkerrors.IsCode(errs[0], sdkerrors.CodeConnectionLost))
	assert.True(t, sdkerrors.IsCode(errs[1], sdkerrors.CodeConnectionFailed))
	assert.True(t, sdkerrors.IsCode(errs[2], sdkerrors.CodeConnectionFailed))
	assert.Equal(t, 3, ft.openCount())
}

func TestPermanentStreamErrorFallsBackImmediately(t *testing.T) {
	ft := &fakeTransport{
		opens:   []openResult{{stream: newFakeStream(protocol.Event{Type: protocol.EventClosed})}},
		openErr: sdkerrors.NewAPIError(http.StatusUnauthorized, "bad key"),
	}
	e, mock, rec := newTestEngine(t, ft, testConfig())

	require.NoError(t, e.Start(context.Background()))
	advanceUntil(t, mock, 500*time.Millisecond, func() bool { return e.State() == StatePolling })

	assert.Equal(t, 2, ft.openCount())
	assert.Len(t, rec.errors(), 2)
}

func TestPollingUpgradesToStream(t *testing.T) {
	upgraded := newFakeStream(msgEvent("s1", 5))
	ft := &fakeTransport{
		opens: []openResult{
			{err: sdkerrors.ConnectionFailed("http://test", errors.New("refused"))},
			{err: sdkerrors.ConnectionFailed("http://test", errors.New("refused"))},
			{stream: upgraded},
		},
		polls: [][]protocol.Message{{msg("p1", 1)}},
	}
	e, mock, rec := newTestEngine(t, ft, testConfig())

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return e.State() == StatePolling }, waitFor, tick)

	advanceUntil(t, mock, 30*time.Second, func() bool { return e.State() == StateLive })
	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"p1", "s1"}, rec.messages())

	// Only the initial connect failure is reported; upgrade failures are quiet.
	assert.Len(t, rec.errors(), 1)
}

func TestHandlerFailuresDoNotStopDelivery(t *testing.T) {
	stream := newFakeStream(msgEvent("m1", 1), msgEvent("m2", 2), msgEvent("m3", 3))
	ft := &fakeTransport{opens: []openResult{{stream: stream}}}
	e, _, rec := newTestEngine(t, ft, testConfig())

	var seen []string
	var mu sync.Mutex
	e.Registry().OnMessage(func(m protocol.Message) error {
		mu.Lock()
		seen = append(seen, m.ID)
		mu.Unlock()
		switch m.ID {
		case "m1":
			return errors.New("handler refused")
		case "m2":
			panic("handler blew up")
		}
		return nil
	})

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(rec.errors()) == 2 }, waitFor, tick)

	mu.Lock()
	assert.Equal(t, []string{"m1", "m2", "m3"}, seen)
	mu.Unlock()

	for _, err := range rec.errors() {
		assert.True(t, sdkerrors.IsCode(err, sdkerrors.CodeCallbackFailed))
	}
	assert.Equal(t, StateLive, e.State())
}

func TestStartStopLifecycle(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t).
		SetAllowedGrowth(1).
		SetStabilizeDelay(100 * time.Millisecond)
	detector.Start()

	cfg := testConfig()
	cfg.DisableStream = true
	ft := &fakeTransport{polls: [][]protocol.Message{{msg("m1", 1)}, {msg("m1", 1)}}}
	mock := clock.NewMock()
	e, err := New(ft, cfg, WithClock(mock), WithLogger(logging.NewNop()))
	require.NoError(t, err)
	rec := &recorder{}
	rec.attach(e.Registry())
	ctx := context.Background()

	assert.Equal(t, StateStopped, e.State())
	require.NoError(t, e.Stop(ctx))

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Start(ctx))
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, waitFor, tick)

	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, StateStopped, e.State())

	// A restart begins with an empty dedup window.
	require.NoError(t, e.Start(ctx))
	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, waitFor, tick)
	require.NoError(t, e.Stop(ctx))

	detector.Check()
}

func TestStartWithCancelledContext(t *testing.T) {
	e, err := New(&fakeTransport{}, testConfig(), WithLogger(logging.NewNop()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = e.Start(ctx)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsCategory(err, sdkerrors.CategoryCancelled))
	assert.Equal(t, StateStopped, e.State())
}

func TestParentContextCancellationStopsLoop(t *testing.T) {
	cfg := testConfig()
	cfg.DisableStream = true
	e, _, _ := newTestEngine(t, &fakeTransport{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	require.Eventually(t, func() bool { return e.State() == StatePolling }, waitFor, tick)

	cancel()
	require.Eventually(t, func() bool { return e.State() == StateStopped }, waitFor, tick)

	// The engine can be started again afterwards.
	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return e.State() == StatePolling }, waitFor, tick)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = -time.Second

	e, err := New(&fakeTransport{}, cfg)
	require.Error(t, err)
	assert.Nil(t, e)
	assert.True(t, sdkerrors.IsCategory(err, sdkerrors.CategoryConfig))
}

func TestPollDeliversAroundUndecodableEntries(t *testing.T) {
	cfg := testConfig()
	cfg.DisableStream = true
	ft := &fakeTransport{
		polls:   [][]protocol.Message{{msg("m1", 1), msg("m3", 3)}, {msg("m4", 4)}},
		skipped: sdkerrors.SerializationError("message", errors.New("message has no id")),
	}
	e, mock, rec := newTestEngine(t, ft, cfg)

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"m1", "m3"}, rec.messages())

	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.True(t, sdkerrors.IsCategory(errs[0], sdkerrors.CategorySerialization))

	advanceUntil(t, mock, 5*time.Second, func() bool { return len(rec.messages()) == 3 })
	assert.Equal(t, []string{"", "m3"}, ft.pollSinces()[:2])
	assert.Equal(t, StatePolling, e.State())
}

func TestLiveDeliveryAdvancesPollCursor(t *testing.T) {
	stream := newFakeStream(msgEvent("m1", 1000), msgEvent("m2", 2000), protocol.Event{Type: protocol.EventClosed})
	ft := &fakeTransport{
		opens:   []openResult{{stream: stream}},
		openErr: sdkerrors.NewAPIError(http.StatusUnauthorized, "bad key"),
	}
	e, mock, rec := newTestEngine(t, ft, testConfig())

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, waitFor, tick)

	advanceUntil(t, mock, 500*time.Millisecond, func() bool { return len(ft.pollSinces()) > 0 })
	assert.Equal(t, "m2", ft.pollSinces()[0])
	assert.Equal(t, StatePolling, e.State())
}

// lockedBuffer is a log sink safe for the loop goroutine and the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLiveLateMessageIsDeliveredAndLogged(t *testing.T) {
	stream := newFakeStream(msgEvent("m2", 2000))
	ft := &fakeTransport{opens: []openResult{{stream: stream}}}
	var logs lockedBuffer
	e, err := New(ft, testConfig(),
		WithClock(clock.NewMock()),
		WithLogger(logging.New(&logs, logging.NewJSONFormatter())),
	)
	require.NoError(t, err)
	rec := &recorder{}
	rec.attach(e.Registry())
	defer func() { _ = e.Stop(context.Background()) }()

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, waitFor, tick)

	stream.events <- msgEvent("m1", 1000)
	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"m2", "m1"}, rec.messages())
	assert.Contains(t, logs.String(), "message arrived out of order")
}

func TestStopFromMessageHandler(t *testing.T) {
	stream := newFakeStream(msgEvent("m1", 1), msgEvent("m2", 2))
	ft := &fakeTransport{opens: []openResult{{stream: stream}}}
	e, _, rec := newTestEngine(t, ft, testConfig())

	type result struct {
		err     error
		elapsed time.Duration
	}
	stopped := make(chan result, 1)
	var seen []string
	var mu sync.Mutex
	e.Registry().OnMessage(func(m protocol.Message) error {
		mu.Lock()
		seen = append(seen, m.ID)
		mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		start := time.Now()
		err := e.Stop(ctx)
		stopped <- result{err: err, elapsed: time.Since(start)}
		return nil
	})

	require.NoError(t, e.Start(context.Background()))

	var r result
	select {
	case r = <-stopped:
	case <-time.After(waitFor):
		t.Fatal("handler never ran")
	}
	require.NoError(t, r.err)
	assert.Less(t, r.elapsed, 100*time.Millisecond)

	require.Eventually(t, func() bool { return e.State() == StateStopped }, waitFor, tick)
	assert.True(t, stream.closed.Load())
	mu.Lock()
	assert.Equal(t, []string{"m1"}, seen, "the rest of the burst is not dispatched")
	mu.Unlock()
	assert.Empty(t, rec.errors())

	// A later Stop from outside completes normally.
	require.NoError(t, e.Stop(context.Background()))
}

func TestStopWhileReconnecting(t *testing.T) {
	ft := &fakeTransport{opens: []openResult{{stream: newFakeStream(protocol.Event{Type: protocol.EventClosed})}}}
	e, _, _ := newTestEngine(t, ft, testConfig())

	require.NoError(t, e.Start(context.Background()))
	// The mock clock never fires the backoff timer.
	require.Eventually(t, func() bool { return e.State() == StateReconnecting }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, StateStopped, e.State())
	assert.Equal(t, 1, ft.openCount())
}

func TestStopWhileConnectingWithBlockedOpen(t *testing.T) {
	ft := &fakeTransport{blockOpen: true}
	e, _, rec := newTestEngine(t, ft, testConfig())

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return ft.openCount() == 1 }, waitFor, tick)
	assert.Equal(t, StateConnecting, e.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, StateStopped, e.State())
	assert.Empty(t, rec.errors())
}
