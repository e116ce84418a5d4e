// Package config holds the settings shared by every OpenPond SDK component.
//
// Values come from three places, in decreasing priority: fields set
// explicitly by the caller (or read from a YAML file with LoadFile), the
// OPENPOND_* environment variables, and built-in defaults.
package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	sdkerrors "github.com/openpond/openpond-sdk-go/pkg/errors"
)

// DefaultAPIURL is the hosted OpenPond API.
const DefaultAPIURL = "https://api.openpond.com"

// Environment variables consulted by ApplyEnv.
const (
	EnvAPIURL     = "OPENPOND_API_URL"
	EnvPrivateKey = "OPENPOND_PRIVATE_KEY"
	EnvAPIKey     = "OPENPOND_API_KEY"
	EnvAgentName  = "OPENPOND_AGENT_NAME"
)

// Defaults applied by SetDefaults to zero-valued fields.
const (
	DefaultRequestTimeout        = 30 * time.Second
	DefaultPollInterval          = 5 * time.Second
	DefaultInactivityTimeout     = 60 * time.Second
	DefaultMinBackoff            = 500 * time.Millisecond
	DefaultMaxBackoff            = 30 * time.Second
	DefaultBackoffFactor         = 2.0
	DefaultJitter                = 0.1
	DefaultDedupWindow           = 1000
	DefaultPollFallbackAfter     = 5
	DefaultStreamUpgradeInterval = 60 * time.Second
)

// Config is the complete SDK configuration.
type Config struct {
	// APIURL is the base URL of the OpenPond API.
	APIURL string

	// PrivateKey is a hex encoded secp256k1 key identifying the agent.
	// It takes precedence over APIKey when both are set.
	PrivateKey string

	// APIKey authenticates a hosted agent.
	APIKey string

	// AgentName is the display name used when registering the agent.
	// Required with PrivateKey unless SkipRegistration is set.
	AgentName string

	// AllowAnonymous permits running without any credential on networks
	// that accept unauthenticated agents.
	AllowAnonymous bool

	// SkipRegistration disables the registration call made by Start.
	SkipRegistration bool

	// RequestTimeout bounds every one-shot HTTP call.
	RequestTimeout time.Duration

	Delivery      DeliveryConfig
	Logging       LoggingConfig
	Observability ObservabilityConfig
}

// DeliveryConfig tunes the message delivery engine.
type DeliveryConfig struct {
	// PollInterval is the delay between polls while in polling mode.
	PollInterval time.Duration

	// InactivityTimeout is how long a live stream may stay silent (no
	// message and no heartbeat) before it is considered dead.
	InactivityTimeout time.Duration

	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	BackoffFactor float64

	// Jitter is the fraction of each backoff delay added at random. It must
	// stay below BackoffFactor-1 so that delays never shrink. Zero takes the
	// default; a negative value disables jitter.
	Jitter float64

	// DedupWindow is how many recent message ids are remembered.
	DedupWindow int

	// PollFallbackAfter is the number of consecutive failed reconnects
	// after which the engine falls back to polling. Negative values keep
	// reconnecting forever.
	PollFallbackAfter int

	// StreamUpgradeInterval is how often polling mode tries to reopen the
	// live stream.
	StreamUpgradeInterval time.Duration

	// DisableStreamUpgrade keeps the engine in polling mode once it got there.
	DisableStreamUpgrade bool

	// DisableStream skips the live stream entirely and always polls.
	DisableStream bool
}

// LoggingConfig selects the default logger built by the client.
type LoggingConfig struct {
	Level  string // debug, info, warn, error, off
	Format string // text or json
}

// ObservabilityConfig enables the optional metrics and tracing exporters.
type ObservabilityConfig struct {
	// MetricsAddress, when set, serves Prometheus metrics on that address.
	MetricsAddress string

	// TracingEndpoint, when set, exports spans over OTLP.
	TracingEndpoint string
	// TracingProtocol is "grpc" or "http".
	TracingProtocol string
	SampleRate      float64
}

// New returns a configuration populated from the environment and defaults.
func New() Config {
	var cfg Config
	cfg.ApplyEnv(os.LookupEnv)
	cfg.SetDefaults()
	return cfg
}

// ApplyEnv fills credential and endpoint fields that are still empty from
// lookup, which is normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	fill := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	fill(&c.APIURL, EnvAPIURL)
	fill(&c.PrivateKey, EnvPrivateKey)
	fill(&c.APIKey, EnvAPIKey)
	fill(&c.AgentName, EnvAgentName)
}

// SetDefaults replaces zero values with the package defaults.
func (c *Config) SetDefaults() {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	c.Delivery.SetDefaults()
}

// SetDefaults replaces zero values with the package defaults.
func (d *DeliveryConfig) SetDefaults() {
	if d.PollInterval == 0 {
		d.PollInterval = DefaultPollInterval
	}
	if d.InactivityTimeout == 0 {
		d.InactivityTimeout = DefaultInactivityTimeout
	}
	if d.MinBackoff == 0 {
		d.MinBackoff = DefaultMinBackoff
	}
	if d.MaxBackoff == 0 {
		d.MaxBackoff = DefaultMaxBackoff
	}
	if d.BackoffFactor == 0 {
		d.BackoffFactor = DefaultBackoffFactor
	}
	if d.Jitter == 0 {
		d.Jitter = DefaultJitter
	}
	if d.DedupWindow == 0 {
		d.DedupWindow = DefaultDedupWindow
	}
	if d.PollFallbackAfter == 0 {
		d.PollFallbackAfter = DefaultPollFallbackAfter
	}
	if d.StreamUpgradeInterval == 0 {
		d.StreamUpgradeInterval = DefaultStreamUpgradeInterval
	}
}

// Validate reports every problem in the configuration as one ConfigError.
// It does not check the credential itself; that is the resolver's job.
func (c *Config) Validate() error {
	var errs []error

	if c.APIURL == "" {
		errs = append(errs, sdkerrors.MissingParameter("api_url"))
	} else if u, err := url.Parse(c.APIURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, sdkerrors.InvalidParameter("api_url", c.APIURL, "must be an absolute http(s) URL"))
	}

	if c.PrivateKey != "" && c.AgentName == "" && !c.SkipRegistration {
		errs = append(errs, sdkerrors.MissingParameter("agent_name").
			WithDetail("required to register a private key identity"))
	}

	if c.RequestTimeout < 0 {
		errs = append(errs, sdkerrors.InvalidParameter("request_timeout", c.RequestTimeout, "must be positive"))
	}

	errs = append(errs, c.Delivery.validate()...)

	if r := c.Observability.SampleRate; r < 0 || r > 1 {
		errs = append(errs, sdkerrors.InvalidParameter("observability.sample_rate", r, "must be between 0 and 1"))
	}
	switch strings.ToLower(c.Observability.TracingProtocol) {
	case "", "grpc", "http":
	default:
		errs = append(errs, sdkerrors.InvalidParameter("observability.tracing_protocol",
			c.Observability.TracingProtocol, "must be grpc or http"))
	}

	if combined := sdkerrors.CombineConfigErrors(errs...); combined != nil {
		return combined
	}
	return nil
}

// Validate checks the delivery settings on their own, after defaults have
// been applied.
func (d *DeliveryConfig) Validate() error {
	if combined := sdkerrors.CombineConfigErrors(d.validate()...); combined != nil {
		return combined
	}
	return nil
}

func (d *DeliveryConfig) validate() []error {
	var errs []error
	positive := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, sdkerrors.InvalidParameter(name, v, "must be positive"))
		}
	}
	positive("delivery.poll_interval", d.PollInterval)
	positive("delivery.inactivity_timeout", d.InactivityTimeout)
	positive("delivery.min_backoff", d.MinBackoff)
	positive("delivery.max_backoff", d.MaxBackoff)
	positive("delivery.stream_upgrade_interval", d.StreamUpgradeInterval)

	if d.MaxBackoff > 0 && d.MinBackoff > d.MaxBackoff {
		errs = append(errs, sdkerrors.InvalidParameter("delivery.min_backoff", d.MinBackoff,
			"must not exceed max_backoff"))
	}
	if d.BackoffFactor <= 1 {
		errs = append(errs, sdkerrors.InvalidParameter("delivery.backoff_factor", d.BackoffFactor,
			"must be greater than 1"))
	}
	if d.Jitter >= d.BackoffFactor-1 {
		errs = append(errs, sdkerrors.InvalidParameter("delivery.jitter", d.Jitter,
			"must be below backoff_factor-1"))
	}
	if d.DedupWindow < 1 {
		errs = append(errs, sdkerrors.InvalidParameter("delivery.dedup_window", d.DedupWindow,
			"must be at least 1"))
	}
	return errs
}

// Redacted returns a copy safe to log: secrets are masked.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		if len(s) <= 8 {
			return "****"
		}
		return s[:4] + "****"
	}
	c.PrivateKey = mask(c.PrivateKey)
	c.APIKey = mask(c.APIKey)
	return c
}
