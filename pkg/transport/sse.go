package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	sdkerrors "github.com/openpond/openpond-sdk-go/pkg/errors"
	"github.com/openpond/openpond-sdk-go/pkg/logging"
	"github.com/openpond/openpond-sdk-go/pkg/protocol"
)

const eventBuffer = 64

// eventStream reads Server-Sent Events from a response body.
type eventStream struct {
	endpoint string
	body     io.ReadCloser
	cancel   context.CancelFunc
	events   chan protocol.Event
	done     chan struct{}
	once     sync.Once
	logger   logging.Logger
}

func newEventStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, endpoint string, logger logging.Logger) *eventStream {
	s := &eventStream{
		endpoint: endpoint,
		body:     body,
		cancel:   cancel,
		events:   make(chan protocol.Event, eventBuffer),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go s.readEvents(ctx)
	return s
}

func (s *eventStream) Events() <-chan protocol.Event {
	return s.events
}

func (s *eventStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
		<-s.done
	})
	return err
}

func (s *eventStream) readEvents(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	reader := bufio.NewReaderSize(s.body, 4096)
	var data []string
	eventType := ""

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			s.finish(ctx, err)
			return
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		switch {
		case line == "":
			if len(data) == 0 && eventType == "" {
				continue
			}
			ev, last := s.decode(eventType, strings.Join(data, "\n"))
			if !s.emit(ctx, ev) || last {
				return
			}
			data = data[:0]
			eventType = ""

		case strings.HasPrefix(line, ":"):
			// Comment lines are keep-alives.
			if !s.emit(ctx, protocol.Event{Type: protocol.EventHeartbeat}) {
				return
			}

		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))

		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))

		default:
			// id:, retry: and unknown fields carry nothing we use.
		}
	}
}

// decode turns one dispatched frame into an event. last is true when the
// server asked to end the stream.
func (s *eventStream) decode(eventType, data string) (ev protocol.Event, last bool) {
	switch eventType {
	case "", "message":
		if strings.TrimSpace(data) == "" {
			return protocol.Event{Type: protocol.EventHeartbeat}, false
		}
		var msg protocol.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			s.logger.Warn("undecodable stream frame", logging.ErrorField(err))
			return protocol.Event{
				Type: protocol.EventError,
				Err:  sdkerrors.SerializationError("stream frame", err),
			}, false
		}
		return protocol.Event{Type: protocol.EventMessage, Message: &msg}, false

	case "close", "closed", "end":
		return protocol.Event{Type: protocol.EventClosed}, true

	default:
		// heartbeat, ping and anything unrecognised keep the stream alive.
		return protocol.Event{Type: protocol.EventHeartbeat}, false
	}
}

// finish reports why the body stopped yielding lines. Nothing is reported
// once the stream has been closed locally.
func (s *eventStream) finish(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	ev := protocol.Event{Type: protocol.EventClosed}
	if !errors.Is(err, io.EOF) {
		ev.Err = sdkerrors.EventSourceError(s.endpoint, "read failed", err)
	}
	s.emit(ctx, ev)
}

func (s *eventStream) emit(ctx context.Context, ev protocol.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
