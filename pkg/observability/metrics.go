package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	sdkerrors "github.com/openpond/openpond-sdk-go/pkg/errors"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Address the /metrics endpoint listens on, e.g. ":9090". Empty means
	// Start does not serve anything; use Handler to mount it elsewhere.
	Address     string
	MetricsPath string // HTTP path for metrics endpoint (default: /metrics)

	// Metric options
	Namespace        string    // Prometheus namespace (default: openpond)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Custom histogram buckets for latency, in milliseconds

	// Labels to add to all metrics
	ConstLabels prometheus.Labels

	// Registerer and Gatherer default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// MetricsProvider records SDK measurements. It satisfies delivery.Metrics.
type MetricsProvider interface {
	// RecordRequest records one backend call.
	RecordRequest(ctx context.Context, operation, status string, duration time.Duration)

	RecordDelivered(mode string)
	RecordDuplicate(mode string)
	RecordReconnect(outcome string)
	RecordBackoff(delay time.Duration)
	RecordConnectionState(state string)
	RecordDeliveryError(category string)

	// Handler serves the collected metrics.
	Handler() http.Handler

	// Management
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// connectionStates are the values of the connection_state label.
var connectionStates = []string{"stopped", "connecting", "live", "polling", "reconnecting"}

// PrometheusMetricsProvider implements MetricsProvider using Prometheus
type PrometheusMetricsProvider struct {
	config MetricsConfig

	mu     sync.Mutex
	server *http.Server

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	messagesDelivered  *prometheus.CounterVec
	messagesDuplicate  *prometheus.CounterVec
	reconnectsTotal    *prometheus.CounterVec
	backoffDelay       prometheus.Histogram
	connectionState    *prometheus.GaugeVec
	deliveryErrorTotal *prometheus.CounterVec
}

// NewMetricsProvider creates a new Prometheus metrics provider
func NewMetricsProvider(config MetricsConfig) (*PrometheusMetricsProvider, error) {
	// Set defaults
	if config.Namespace == "" {
		config.Namespace = "openpond"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}

	labels := prometheus.Labels{}
	for k, v := range config.ConstLabels {
		labels[k] = v
	}
	if config.ServiceName != "" {
		labels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		labels["version"] = config.ServiceVersion
	}
	if config.Environment != "" {
		labels["environment"] = config.Environment
	}
	config.ConstLabels = labels

	p := &PrometheusMetricsProvider{config: config}
	p.initializeMetrics()
	if err := p.registerMetrics(); err != nil {
		return nil, sdkerrors.WrapError(err, sdkerrors.CodeConfigError,
			"failed to register metrics", sdkerrors.CategoryConfig, sdkerrors.SeverityError)
	}
	return p, nil
}

// initializeMetrics creates all metric collectors
func (p *PrometheusMetricsProvider) initializeMetrics() {
	ns, sub, cl := p.config.Namespace, p.config.Subsystem, p.config.ConstLabels

	p.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "request_duration_milliseconds",
			Help:        "Duration of API calls in milliseconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: cl,
		},
		[]string{"operation", "status"},
	)
	p.requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "requests_total",
			Help:        "Total number of API calls",
			ConstLabels: cl,
		},
		[]string{"operation", "status"},
	)
	p.messagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "messages_delivered_total",
			Help:        "Messages handed to the message handler",
			ConstLabels: cl,
		},
		[]string{"mode"},
	)
	p.messagesDuplicate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "messages_duplicate_total",
			Help:        "Messages dropped because their id was already delivered",
			ConstLabels: cl,
		},
		[]string{"mode"},
	)
	p.reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "reconnects_total",
			Help:        "Stream reconnect attempts",
			ConstLabels: cl,
		},
		[]string{"outcome"},
	)
	p.backoffDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "reconnect_backoff_seconds",
			Help:        "Delay before each reconnect attempt",
			Buckets:     prometheus.ExponentialBuckets(0.25, 2, 9),
			ConstLabels: cl,
		},
	)
	p.connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "connection_state",
			Help:        "1 for the current delivery state, 0 otherwise",
			ConstLabels: cl,
		},
		[]string{"state"},
	)
	p.deliveryErrorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "errors_total",
			Help:        "Errors reported to the error handler",
			ConstLabels: cl,
		},
		[]string{"category"},
	)
}

// registerMetrics registers all metrics. Collectors that are already
// registered, for example by an earlier client, are reused.
func (p *PrometheusMetricsProvider) registerMetrics() error {
	var err error
	reg := p.config.Registerer

	if p.requestDuration, err = register(reg, p.requestDuration); err != nil {
		return err
	}
	if p.requestTotal, err = register(reg, p.requestTotal); err != nil {
		return err
	}
	if p.messagesDelivered, err = register(reg, p.messagesDelivered); err != nil {
		return err
	}
	if p.messagesDuplicate, err = register(reg, p.messagesDuplicate); err != nil {
		return err
	}
	if p.reconnectsTotal, err = register(reg, p.reconnectsTotal); err != nil {
		return err
	}
	if p.backoffDelay, err = register(reg, p.backoffDelay); err != nil {
		return err
	}
	if p.connectionState, err = register(reg, p.connectionState); err != nil {
		return err
	}
	if p.deliveryErrorTotal, err = register(reg, p.deliveryErrorTotal); err != nil {
		return err
	}
	return nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordRequest records an API call
func (p *PrometheusMetricsProvider) RecordRequest(ctx context.Context, operation, status string, duration time.Duration) {
	p.requestDuration.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
	p.requestTotal.WithLabelValues(operation, status).Inc()
}

// RecordDelivered counts a delivered message
func (p *PrometheusMetricsProvider) RecordDelivered(mode string) {
	p.messagesDelivered.WithLabelValues(mode).Inc()
}

// RecordDuplicate counts a dropped duplicate
func (p *PrometheusMetricsProvider) RecordDuplicate(mode string) {
	p.messagesDuplicate.WithLabelValues(mode).Inc()
}

// RecordReconnect counts a reconnect attempt
func (p *PrometheusMetricsProvider) RecordReconnect(outcome string) {
	p.reconnectsTotal.WithLabelValues(outcome).Inc()
}

// RecordBackoff observes a reconnect delay
func (p *PrometheusMetricsProvider) RecordBackoff(delay time.Duration) {
	p.backoffDelay.Observe(delay.Seconds())
}

// RecordConnectionState records the current connection state
func (p *PrometheusMetricsProvider) RecordConnectionState(state string) {
	for _, s := range connectionStates {
		p.connectionState.WithLabelValues(s).Set(0)
	}
	p.connectionState.WithLabelValues(state).Set(1)
}

// RecordDeliveryError counts an error by category
func (p *PrometheusMetricsProvider) RecordDeliveryError(category string) {
	p.deliveryErrorTotal.WithLabelValues(category).Inc()
}

// Handler returns an HTTP handler exposing the configured gatherer
func (p *PrometheusMetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.config.Gatherer, promhttp.HandlerOpts{})
}

// Start starts the metrics HTTP server when an address is configured
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.Address == "" || p.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", p.config.Address)
	if err != nil {
		return sdkerrors.ConnectionFailed(p.config.Address, err)
	}

	mux := http.NewServeMux()
	mux.Handle(p.config.MetricsPath, p.Handler())
	p.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(srv *http.Server) {
		_ = srv.Serve(ln)
	}(p.server)

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// StatusOf turns a call result into a status label: "ok" or the error
// category.
func StatusOf(err error) string {
	if err == nil {
		return "ok"
	}
	if sdkErr, ok := sdkerrors.AsSDKError(err); ok {
		return string(sdkErr.Category())
	}
	return "error"
}
