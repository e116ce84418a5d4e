package client

import (
	"net/http"

	"github.com/benbjohnson/clock"

	"github.com/openpond/openpond-sdk-go/pkg/logging"
	"github.com/openpond/openpond-sdk-go/pkg/observability"
	"github.com/openpond/openpond-sdk-go/pkg/transport"
)

// Option configures a Client.
type Option func(*options)

type options struct {
	logger     logging.Logger
	httpClient *http.Client
	transport  transport.Client
	middleware []transport.Middleware
	metrics    observability.MetricsProvider
	tracer     *observability.TracingProvider
	clock      clock.Clock
	lookupEnv  func(string) (string, bool)
}

// WithLogger sets the logger used by every component. It overrides the
// logging section of the configuration.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithTransport replaces the HTTP transport entirely, typically with a fake
// in tests. Middleware still wraps it.
func WithTransport(t transport.Client) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithMiddleware adds transport middleware. The first middleware given is
// the outermost.
func WithMiddleware(m ...transport.Middleware) Option {
	return func(o *options) {
		o.middleware = append(o.middleware, m...)
	}
}

// WithMetrics records request and delivery metrics to m. The caller owns m;
// Stop does not shut it down.
func WithMetrics(m observability.MetricsProvider) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracing traces backend calls with tp. The caller owns tp.
func WithTracing(tp *observability.TracingProvider) Option {
	return func(o *options) {
		o.tracer = tp
	}
}

// WithClock replaces the wall clock used for delivery timers and request
// signatures.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLookupEnv replaces os.LookupEnv when filling empty configuration
// fields from the environment. Passing a func that always reports false
// disables environment overrides.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(o *options) {
		o.lookupEnv = lookup
	}
}
