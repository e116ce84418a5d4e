package client

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/openpond/openpond-sdk-go/pkg/auth"
	"github.com/openpond/openpond-sdk-go/pkg/config"
	"github.com/openpond/openpond-sdk-go/pkg/delivery"
	sdkerrors "github.com/openpond/openpond-sdk-go/pkg/errors"
	"github.com/openpond/openpond-sdk-go/pkg/logging"
	"github.com/openpond/openpond-sdk-go/pkg/observability"
	"github.com/openpond/openpond-sdk-go/pkg/protocol"
	"github.com/openpond/openpond-sdk-go/pkg/transport"
)

// Version is the SDK version reported in the User-Agent header and in
// telemetry.
const Version = "0.1.0"

// Client is an OpenPond agent: it sends messages, looks up agents and
// receives messages through the delivery engine.
//
// All methods are safe for concurrent use. SendMessage, ListAgents and
// GetAgent do not depend on Start.
type Client struct {
	cfg        config.Config
	credential *auth.Credential
	logger     logging.Logger

	transport transport.Client
	stats     *transport.StatsMiddleware
	registry  *delivery.Registry
	engine    *delivery.Engine

	metrics    observability.MetricsProvider
	tracer     *observability.TracingProvider
	ownMetrics bool
	ownTracer  bool

	mu         sync.Mutex
	registered bool
}

// New validates cfg and builds a stopped client. Empty credential and URL
// fields are filled from the OPENPOND_* environment variables first;
// explicit values always win.
//
// New fails with a config error for an invalid configuration and with an
// auth error when no usable credential is available. It performs no
// network I/O.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	o := &options{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(o)
	}

	cfg.ApplyEnv(o.lookupEnv)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cred, err := auth.Resolve(auth.Params{
		PrivateKey:     cfg.PrivateKey,
		APIKey:         cfg.APIKey,
		AllowAnonymous: cfg.AllowAnonymous,
	})
	if err != nil {
		return nil, err
	}
	if o.clock != nil {
		cred = cred.WithClock(o.clock.Now, nil)
	}

	logger := o.logger
	if logger == nil {
		if logger, err = newLogger(cfg.Logging); err != nil {
			return nil, err
		}
	}
	logger = logger.WithFields(logging.String("credential", cred.Kind().String()))
	if id := cred.AgentID(); id != "" {
		logger = logger.WithFields(logging.String("agent_id", id))
	}
	if cred.IgnoredAPIKey() {
		logger.Warn("both a private key and an API key are configured; using the private key")
	}

	c := &Client{
		cfg:        cfg,
		credential: cred,
		logger:     logger,
		stats:      transport.NewStatsMiddleware(logger),
		registry:   delivery.NewRegistry(logger),
		metrics:    o.metrics,
		tracer:     o.tracer,
	}

	if err := c.setupObservability(); err != nil {
		return nil, err
	}

	base := o.transport
	if base == nil {
		base = transport.NewHTTPClient(cfg.APIURL, cred, c.transportOptions(o.httpClient)...)
	}

	chain := append([]transport.Middleware{}, o.middleware...)
	chain = append(chain, c.stats)
	if c.metrics != nil || c.tracer != nil {
		chain = append(chain, observability.NewTransportMiddleware(c.metrics, c.tracer))
	}
	c.transport = transport.ChainMiddleware(chain...).Wrap(base)

	engineOpts := []delivery.Option{
		delivery.WithLogger(logger),
		delivery.WithRegistry(c.registry),
	}
	if c.metrics != nil {
		engineOpts = append(engineOpts, delivery.WithMetrics(c.metrics))
	}
	if o.clock != nil {
		engineOpts = append(engineOpts, delivery.WithClock(o.clock))
	}
	engine, err := delivery.New(c.transport, cfg.Delivery, engineOpts...)
	if err != nil {
		return nil, err
	}
	c.engine = engine

	logger.Debug("client created", logging.Any("config", cfg.Redacted()))
	return c, nil
}

func newLogger(lc config.LoggingConfig) (logging.Logger, error) {
	if lc.Level == "" && lc.Format == "" {
		return logging.GetGlobalLogger(), nil
	}
	logger, err := logging.NewFromConfig(os.Stderr, lc.Level, lc.Format)
	if err != nil {
		return nil, sdkerrors.InvalidParameter("logging.level", lc.Level, err.Error())
	}
	return logger, nil
}

// setupObservability builds the providers named in the configuration
// unless the caller supplied their own.
func (c *Client) setupObservability() error {
	obs := c.cfg.Observability

	if c.metrics == nil && obs.MetricsAddress != "" {
		m, err := observability.NewMetricsProvider(observability.MetricsConfig{
			ServiceName:    serviceName(c.cfg),
			ServiceVersion: Version,
			Address:        obs.MetricsAddress,
		})
		if err != nil {
			return err
		}
		c.metrics, c.ownMetrics = m, true
	}

	if c.tracer == nil && obs.TracingEndpoint != "" {
		exporter, err := observability.ParseExporterType(obs.TracingProtocol)
		if err != nil {
			return err
		}
		endpoint, insecure := splitEndpoint(obs.TracingEndpoint)
		tp, err := observability.NewTracingProvider(observability.TracingConfig{
			ServiceName:    serviceName(c.cfg),
			ServiceVersion: Version,
			ExporterType:   exporter,
			Endpoint:       endpoint,
			Insecure:       insecure,
			SampleRate:     obs.SampleRate,
		})
		if err != nil {
			return err
		}
		c.tracer, c.ownTracer = tp, true
	}
	return nil
}

func (c *Client) transportOptions(httpClient *http.Client) []transport.Option {
	opts := []transport.Option{
		transport.WithRequestTimeout(c.cfg.RequestTimeout),
		transport.WithUserAgent("openpond-sdk-go/" + Version),
		transport.WithLogger(c.logger),
	}
	if c.tracer != nil {
		traced := &http.Client{}
		if httpClient != nil {
			*traced = *httpClient
		}
		traced.Transport = c.tracer.RoundTripper(traced.Transport)
		httpClient = traced
	}
	if httpClient != nil {
		opts = append(opts, transport.WithHTTPClient(httpClient))
	}
	return opts
}

func serviceName(cfg config.Config) string {
	if cfg.AgentName != "" {
		return cfg.AgentName
	}
	return "openpond-agent"
}

// splitEndpoint accepts "host:port" or a URL; an http:// scheme selects an
// insecure connection.
func splitEndpoint(endpoint string) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), true
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), false
	default:
		return endpoint, false
	}
}

// Start registers the agent when it uses a private key, starts the metrics
// server if one is configured, and launches message delivery. It returns
// once the delivery loop is running; messages arrive on the OnMessage
// handler. Start on a running client is a no-op.
//
// Delivery runs until Stop is called or ctx is cancelled, so ctx should be
// long lived.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.register(ctx); err != nil {
		return err
	}
	if c.ownMetrics {
		if err := c.metrics.Start(ctx); err != nil {
			c.logger.Warn("metrics server not started", logging.ErrorField(err))
		}
	}
	if err := c.engine.Start(ctx); err != nil {
		return err
	}
	c.logger.Info("client started", logging.String("api_url", c.cfg.APIURL))
	return nil
}

// register announces a private key identity once per client. An agent
// that already exists counts as registered.
func (c *Client) register(ctx context.Context) error {
	if c.registered || c.cfg.SkipRegistration || c.credential.Kind() != auth.KindPrivateKey {
		return nil
	}
	signer := c.credential.Signer()
	err := c.transport.Register(ctx, protocol.RegisterRequest{
		Name:      c.cfg.AgentName,
		Address:   signer.Address(),
		PublicKey: signer.PublicKey(),
	})
	if err != nil {
		return err
	}
	c.registered = true
	c.logger.Info("agent registered", logging.String("name", c.cfg.AgentName))
	return nil
}

// Stop halts message delivery and waits for the delivery loop to exit, or
// for ctx to expire. It also stops the metrics server built from the
// configuration and flushes pending spans. The client may be started again.
//
// Called from inside a handler, Stop does not wait for the loop, which
// finishes as soon as the handler returns.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.engine.Stop(ctx)
	if c.ownMetrics {
		err = multierr.Append(err, c.metrics.Shutdown(ctx))
	}
	if c.ownTracer {
		err = multierr.Append(err, c.tracer.ForceFlush(ctx))
	}
	c.logger.Info("client stopped")
	return err
}

// Close stops the client and releases the telemetry providers it created.
// A closed client must not be started again.
func (c *Client) Close(ctx context.Context) error {
	err := c.Stop(ctx)
	if c.ownTracer {
		err = multierr.Append(err, c.tracer.Shutdown(ctx))
	}
	return err
}

// SendMessage sends content to recipient and returns the id assigned by
// the network. It is never retried.
func (c *Client) SendMessage(ctx context.Context, recipient, content string, opts *protocol.SendOptions) (string, error) {
	id, err := c.transport.SendMessage(ctx, recipient, content, opts)
	if err != nil {
		return "", err
	}
	c.logger.Debug("message sent", logging.String("recipient", recipient), logging.String("message_id", id))
	return id, nil
}

// ListAgents returns every agent known to the network.
func (c *Client) ListAgents(ctx context.Context) ([]protocol.Agent, error) {
	return c.transport.ListAgents(ctx)
}

// GetAgent returns one agent. A missing agent yields an API error for
// which errors.IsNotFound reports true.
func (c *Client) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	return c.transport.GetAgent(ctx, id)
}

// OnMessage sets the handler for incoming messages, replacing any previous
// one. Messages that arrive with no handler are dropped.
func (c *Client) OnMessage(h delivery.MessageHandler) {
	c.registry.OnMessage(h)
}

// OnError sets the handler for errors raised by the delivery loop.
func (c *Client) OnError(h delivery.ErrorHandler) {
	c.registry.OnError(h)
}

// OnConnectionChange sets the handler for delivery state changes.
func (c *Client) OnConnectionChange(h delivery.ConnectionHandler) {
	c.registry.OnConnectionChange(h)
}

// State returns the current delivery state.
func (c *Client) State() delivery.State {
	return c.engine.State()
}

// AgentID returns the agent address for private key identities and an
// empty string otherwise.
func (c *Client) AgentID() string {
	return c.credential.AgentID()
}

// CredentialKind reports how the client authenticates.
func (c *Client) CredentialKind() auth.Kind {
	return c.credential.Kind()
}

// Config returns the effective configuration with secrets masked.
func (c *Client) Config() config.Config {
	return c.cfg.Redacted()
}

// TransportStats returns per-operation call counts and latencies.
func (c *Client) TransportStats() *transport.StatsSnapshot {
	return c.stats.Snapshot()
}
