package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/openpond/openpond-sdk-go/pkg/logging"
	"github.com/openpond/openpond-sdk-go/pkg/protocol"
)

// Client is the set of operations the SDK performs against the backend.
type Client interface {
	// Register announces the agent. Registering an already known agent
	// is not an error.
	Register(ctx context.Context, req protocol.RegisterRequest) error

	// SendMessage posts a message and returns the id assigned by the backend.
	SendMessage(ctx context.Context, recipient, content string, opts *protocol.SendOptions) (string, error)

	ListAgents(ctx context.Context) ([]protocol.Agent, error)

	// GetAgent returns an APIError with status 404 for unknown agents.
	GetAgent(ctx context.Context, id string) (*protocol.Agent, error)

	// Poll returns messages newer than since, or the backend's default
	// window when since is empty. Order is not guaranteed. Entries that
	// cannot be decoded are left out; the messages that did decode come back
	// together with an error combining one SerializationError per dropped
	// entry (see multierr.Errors).
	Poll(ctx context.Context, since string) ([]protocol.Message, error)

	// OpenStream opens the live event stream. The stream lives until it is
	// closed, ctx is cancelled or the server ends it.
	OpenStream(ctx context.Context) (Stream, error)
}

// Stream is an open live connection.
type Stream interface {
	// Events delivers stream events in arrival order. The channel is closed
	// after an EventClosed event or after Close.
	Events() <-chan protocol.Event

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// API paths relative to the base URL.
const (
	PathRegister   = "/agents/register"
	PathAgents     = "/agents"
	PathMessages   = "/messages"
	PathStream     = "/messages/stream"
	HeaderRequest  = "X-Request-ID"
	defaultTimeout = 30 * time.Second
)

// Options configures an HTTPClient.
type Options struct {
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	UserAgent      string
	StreamPath     string
	Headers        map[string]string
	Logger         logging.Logger
}

// Option is a function that configures Options
type Option func(*Options)

// NewOptions creates Options with defaults applied
func NewOptions(options ...Option) *Options {
	opts := &Options{
		RequestTimeout: defaultTimeout,
		UserAgent:      "openpond-sdk-go",
		StreamPath:     PathStream,
		Headers:        make(map[string]string),
	}
	for _, opt := range options {
		opt(opts)
	}
	if opts.HTTPClient == nil {
		// No client-wide timeout: it would also cut off the live stream.
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}
	return opts
}

// WithHTTPClient sets the underlying HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = c
	}
}

// WithRequestTimeout bounds each one-shot call and the stream handshake
func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout > 0 {
			o.RequestTimeout = timeout
		}
	}
}

// WithUserAgent overrides the User-Agent header
func WithUserAgent(ua string) Option {
	return func(o *Options) {
		o.UserAgent = ua
	}
}

// WithStreamPath overrides the live stream path
func WithStreamPath(path string) Option {
	return func(o *Options) {
		o.StreamPath = path
	}
}

// WithHeader adds a header to every request
func WithHeader(key, value string) Option {
	return func(o *Options) {
		o.Headers[key] = value
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
