package delivery

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/openpond/openpond-sdk-go/pkg/config"
	sdkerrors "github.com/openpond/openpond-sdk-go/pkg/errors"
	"github.com/openpond/openpond-sdk-go/pkg/logging"
	"github.com/openpond/openpond-sdk-go/pkg/protocol"
	"github.com/openpond/openpond-sdk-go/pkg/transport"
)

// Engine receives messages for one agent, preferring the live stream and
// falling back to polling, and hands each message to the registry once.
//
// Messages are dispatched in (timestamp, id) order within each poll batch and
// within each burst of stream events that is already buffered. A stream
// event older than one already dispatched on the same connection is still
// delivered, since dropping it would lose it, but it is logged as out of
// order. No order holds across a reconnect.
//
// Handlers run on the loop goroutine. Stop may be called from a handler: it
// then cancels the loop and returns without waiting for it.
type Engine struct {
	transport transport.Client
	cfg       config.DeliveryConfig
	clock     clock.Clock
	logger    logging.Logger
	metrics   Metrics
	registry  *Registry
	rand      func() float64

	state atomic.Int32

	// inCallback is set while the loop runs a handler.
	inCallback atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRegistry shares an existing callback registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) {
		e.registry = r
	}
}

// WithRandom replaces the jitter source. f must return values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(e *Engine) {
		e.rand = f
	}
}

// New creates a stopped engine. Zero fields of cfg take their defaults; the
// result must pass DeliveryConfig.Validate or New returns the ConfigError.
func New(t transport.Client, cfg config.DeliveryConfig, opts ...Option) (*Engine, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		transport: t,
		cfg:       cfg,
		clock:     clock.New(),
		metrics:   nopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.GetGlobalLogger()
	}
	e.logger = e.logger.WithFields(logging.String("component", "delivery"))
	if e.registry == nil {
		e.registry = NewRegistry(e.logger)
	}
	return e, nil
}

// Registry returns the callback registry used for dispatch.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// State returns the current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Start launches the delivery loop. It returns immediately; calling Start
// on a running engine is a no-op. The loop runs until Stop is called or ctx
// is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return sdkerrors.FromContextError("start", err)
	}

	if e.cancel != nil {
		// Previous run ended on its own when its context was cancelled.
		e.cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	done := make(chan struct{})

	e.cancel = cancel
	e.group = group
	e.done = done

	group.Go(func() error {
		defer close(done)
		return e.run(groupCtx)
	})
	return nil
}

// Stop cancels the loop and waits until it has exited and the state is
// Stopped, or until ctx expires. Stopping a stopped engine is a no-op.
// While a handler is running, as when a handler calls Stop itself, Stop
// cancels the loop and returns at once; the loop reaches Stopped as soon as
// the handler returns.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel == nil {
		e.mu.Unlock()
		return nil
	}
	e.cancel()
	if e.inCallback.Load() {
		e.mu.Unlock()
		return nil
	}
	group, done := e.group, e.done
	e.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return sdkerrors.FromContextError("stop", ctx.Err())
	}
	err := group.Wait()

	e.mu.Lock()
	if e.group == group {
		e.cancel = nil
		e.group = nil
		e.done = nil
	}
	e.mu.Unlock()
	return err
}

// running reports whether a loop is active. Callers hold e.mu.
func (e *Engine) running() bool {
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// deliveryState is owned by one run of the loop.
type deliveryState struct {
	stream   transport.Stream
	backoff  *Backoff
	failures int
	seen     *seenSet

	// since is the id of the newest message delivered in this run, in
	// either mode, and newest its position.
	since  string
	newest protocol.Message

	// sessionNewest is the newest message dispatched on the current
	// stream connection.
	sessionNewest *protocol.Message
}

// advance records msg as delivered and moves since forward when msg is the
// newest so far.
func (st *deliveryState) advance(msg protocol.Message) {
	if st.since == "" || !before(msg, st.newest) {
		st.since = msg.ID
		st.newest = msg
	}
}

func (st *deliveryState) closeStream() {
	if st.stream != nil {
		_ = st.stream.Close()
		st.stream = nil
	}
}

func (e *Engine) run(ctx context.Context) (err error) {
	st := &deliveryState{
		backoff: NewBackoff(e.cfg.MinBackoff, e.cfg.MaxBackoff, e.cfg.BackoffFactor, e.cfg.Jitter, e.rand),
		seen:    newSeenSet(e.cfg.DedupWindow),
	}

	defer func() {
		if p := recover(); p != nil {
			perr := sdkerrors.NewErrorf(sdkerrors.CodeInternalError, sdkerrors.CategoryInternal,
				sdkerrors.SeverityCritical, "delivery loop panicked: %v", p)
			e.logger.WithError(perr).Error("delivery loop stopped")
			e.registry.DispatchError(perr)
			err = perr
		}
		st.closeStream()
		e.setState(StateStopped)
	}()

	next := StateConnecting
	for ctx.Err() == nil {
		e.setState(next)
		switch next {
		case StateConnecting:
			next = e.connect(ctx, st)
		case StateLive:
			next = e.live(ctx, st)
		case StatePolling:
			next = e.poll(ctx, st)
		case StateReconnecting:
			next = e.reconnect(ctx, st)
		default:
			return nil
		}
	}
	return nil
}

func (e *Engine) setState(to State) {
	from := State(e.state.Swap(int32(to)))
	if from == to {
		return
	}
	e.logger.Debug("state changed", logging.String("from", from.String()), logging.String("to", to.String()))
	e.metrics.RecordConnectionState(to.String())
	e.callback(func() { e.registry.DispatchConnectionChange(ConnectionChange{From: from, To: to}) })
}

func (e *Engine) connect(ctx context.Context, st *deliveryState) State {
	if e.cfg.DisableStream {
		return StatePolling
	}

	stream, err := e.transport.OpenStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return StateStopped
		}
		e.report(err)
		return StatePolling
	}
	st.stream = stream
	return StateLive
}

func (e *Engine) live(ctx context.Context, st *deliveryState) State {
	st.sessionNewest = nil
	timer := e.clock.Timer(e.cfg.InactivityTimeout)
	defer timer.Stop()
	events := st.stream.Events()

	for {
		select {
		case <-ctx.Done():
			return StateStopped

		case <-timer.C:
			st.closeStream()
			e.report(sdkerrors.ConnectionTimeout("", e.cfg.InactivityTimeout))
			return StateReconnecting

		case ev, ok := <-events:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.cfg.InactivityTimeout)

			var batch []protocol.Message
			closed, cause := e.absorb(ev, ok, &batch)

			// Drain whatever else is already buffered so a burst is
			// dispatched in order.
		drain:
			for !closed {
				select {
				case ev, ok = <-events:
					closed, cause = e.absorb(ev, ok, &batch)
				default:
					break drain
				}
			}

			e.dispatch(ctx, batch, StateLive, st)

			if closed {
				st.closeStream()
				if ctx.Err() != nil {
					return StateStopped
				}
				e.report(sdkerrors.ConnectionLost("", cause))
				return StateReconnecting
			}
		}
	}
}

// absorb handles one stream event, collecting messages into batch. It
// reports whether the stream has ended and why.
func (e *Engine) absorb(ev protocol.Event, ok bool, batch *[]protocol.Message) (closed bool, cause error) {
	if !ok {
		return true, nil
	}
	switch ev.Type {
	case protocol.EventMessage:
		if ev.Message != nil {
			*batch = append(*batch, *ev.Message)
		}
	case protocol.EventError:
		e.report(ev.Err)
	case protocol.EventClosed:
		return true, ev.Err
	}
	return false, nil
}

func (e *Engine) poll(ctx context.Context, st *deliveryState) State {
	e.pollOnce(ctx, st)

	ticker := e.clock.Ticker(e.cfg.PollInterval)
	defer ticker.Stop()

	var upgrade <-chan time.Time
	if !e.cfg.DisableStream && !e.cfg.DisableStreamUpgrade {
		upgradeTicker := e.clock.Ticker(e.cfg.StreamUpgradeInterval)
		defer upgradeTicker.Stop()
		upgrade = upgradeTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return StateStopped

		case <-ticker.C:
			e.pollOnce(ctx, st)

		case <-upgrade:
			stream, err := e.transport.OpenStream(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return StateStopped
				}
				e.logger.WithError(err).Debug("stream upgrade failed, still polling")
				continue
			}
			st.stream = stream
			st.backoff.Reset()
			return StateLive
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context, st *deliveryState) {
	msgs, err := e.transport.Poll(ctx, st.since)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// A partial batch carries one error per dropped entry.
		for _, perr := range multierr.Errors(err) {
			e.report(perr)
		}
		if len(msgs) == 0 {
			return
		}
	}
	st.backoff.Reset()
	e.dispatch(ctx, msgs, StatePolling, st)
}

func (e *Engine) reconnect(ctx context.Context, st *deliveryState) State {
	delay := st.backoff.Next()
	e.metrics.RecordBackoff(delay)
	e.logger.Debug("reconnecting", logging.Duration("delay", delay), logging.Int("failures", st.failures))

	timer := e.clock.Timer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return StateStopped
	case <-timer.C:
	}

	stream, err := e.transport.OpenStream(ctx)
	if err == nil {
		e.metrics.RecordReconnect("success")
		st.stream = stream
		st.failures = 0
		st.backoff.Reset()
		return StateLive
	}
	if ctx.Err() != nil {
		return StateStopped
	}

	e.metrics.RecordReconnect("failure")
	e.report(err)
	st.failures++

	if permanent(err) || (e.cfg.PollFallbackAfter > 0 && st.failures >= e.cfg.PollFallbackAfter) {
		e.logger.Info("stream unavailable, falling back to polling", logging.Int("failures", st.failures))
		st.failures = 0
		st.backoff.Reset()
		return StatePolling
	}
	return StateReconnecting
}

// permanent reports whether retrying the stream is pointless, which is the
// case for client errors from the backend.
func permanent(err error) bool {
	apiErr, ok := sdkerrors.AsAPIError(err)
	return ok && !apiErr.Retryable()
}

func (e *Engine) dispatch(ctx context.Context, msgs []protocol.Message, mode State, st *deliveryState) {
	sortMessages(msgs)
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		if !st.seen.observe(msg.ID) {
			e.metrics.RecordDuplicate(mode.String())
			continue
		}
		if mode == StateLive {
			if st.sessionNewest != nil && before(msg, *st.sessionNewest) {
				e.logger.Warn("message arrived out of order",
					logging.String("message_id", msg.ID),
					logging.String("after", st.sessionNewest.ID))
			} else {
				newest := msg
				st.sessionNewest = &newest
			}
		}
		st.advance(msg)

		var delivered bool
		e.callback(func() { delivered = e.registry.DispatchMessage(msg) })
		if delivered {
			e.metrics.RecordDelivered(mode.String())
		}
	}
}

func (e *Engine) report(err error) {
	if err == nil {
		return
	}
	category := "unknown"
	if sdkErr, ok := sdkerrors.AsSDKError(err); ok {
		category = string(sdkErr.Category())
	}
	e.metrics.RecordDeliveryError(category)
	e.logger.WithError(err).Debug("delivery error")
	e.callback(func() { e.registry.DispatchError(err) })
}

// callback runs a registry dispatch with inCallback set, so that Stop can
// tell it is being called from a handler.
func (e *Engine) callback(f func()) {
	e.inCallback.Store(true)
	defer e.inCallback.Store(false)
	f()
}

// sortMessages orders by timestamp, then id.
func sortMessages(msgs []protocol.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return before(msgs[i], msgs[j]) })
}

// before reports whether a sorts ahead of b.
func before(a, b protocol.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
