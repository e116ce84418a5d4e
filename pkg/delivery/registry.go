package delivery

import (
	"sync/atomic"

	sdkerrors "github.com/openpond/openpond-sdk-go/pkg/errors"
	"github.com/openpond/openpond-sdk-go/pkg/logging"
	"github.com/openpond/openpond-sdk-go/pkg/protocol"
)

// MessageHandler receives each delivered message once. A returned error is
// forwarded to the error handler.
type MessageHandler func(protocol.Message) error

// ErrorHandler receives asynchronous errors from the engine and from
// message handlers.
type ErrorHandler func(error)

// ConnectionHandler observes state transitions.
type ConnectionHandler func(ConnectionChange)

// Registry holds at most one handler of each kind. Handlers may be replaced
// at any time; the replacement is used from the next dispatch on. All
// dispatch happens on the engine goroutine.
type Registry struct {
	onMessage    atomic.Pointer[MessageHandler]
	onError      atomic.Pointer[ErrorHandler]
	onConnection atomic.Pointer[ConnectionHandler]

	logger logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Registry{logger: logger.WithFields(logging.String("component", "callbacks"))}
}

// OnMessage sets the message handler. nil removes it.
func (r *Registry) OnMessage(h MessageHandler) {
	if h == nil {
		r.onMessage.Store(nil)
		return
	}
	r.onMessage.Store(&h)
}

// OnError sets the error handler. nil removes it.
func (r *Registry) OnError(h ErrorHandler) {
	if h == nil {
		r.onError.Store(nil)
		return
	}
	r.onError.Store(&h)
}

// OnConnectionChange sets the connection handler. nil removes it.
func (r *Registry) OnConnectionChange(h ConnectionHandler) {
	if h == nil {
		r.onConnection.Store(nil)
		return
	}
	r.onConnection.Store(&h)
}

// DispatchMessage hands msg to the message handler. Handler errors and
// panics are wrapped as callback errors and sent to the error handler.
// It reports whether a handler was registered.
func (r *Registry) DispatchMessage(msg protocol.Message) bool {
	h := r.onMessage.Load()
	if h == nil {
		r.logger.Debug("no message handler, dropping message", logging.String("message_id", msg.ID))
		return false
	}

	if err := r.callMessage(*h, msg); err != nil {
		r.DispatchError(err)
	}
	return true
}

func (r *Registry) callMessage(h MessageHandler, msg protocol.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = sdkerrors.CallbackPanic("message", msg.ID, p)
		}
	}()
	if herr := h(msg); herr != nil {
		return sdkerrors.CallbackError("message", msg.ID, herr)
	}
	return nil
}

// DispatchError hands err to the error handler, or logs it when none is set.
func (r *Registry) DispatchError(err error) {
	if err == nil {
		return
	}
	h := r.onError.Load()
	if h == nil {
		r.logger.WithError(err).Warn("unhandled delivery error")
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.WithError(err).Error("error handler panicked", logging.Any("panic", p))
		}
	}()
	(*h)(err)
}

// DispatchConnectionChange hands change to the connection handler.
func (r *Registry) DispatchConnectionChange(change ConnectionChange) {
	h := r.onConnection.Load()
	if h == nil {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.DispatchError(sdkerrors.CallbackPanic("connection", "", p))
		}
	}()
	(*h)(change)
}
