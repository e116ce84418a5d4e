package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	sdkerrors "github.com/openpond/openpond-sdk-go/pkg/errors"
)

// fileConfig mirrors Config in its YAML form. Durations are kept as strings
// until parseDurations converts them.
type fileConfig struct {
	APIURL           string `yaml:"api_url"`
	PrivateKey       string `yaml:"private_key"`
	APIKey           string `yaml:"api_key"`
	AgentName        string `yaml:"agent_name"`
	AllowAnonymous   bool   `yaml:"allow_anonymous"`
	SkipRegistration bool   `yaml:"skip_registration"`
	RequestTimeout   string `yaml:"request_timeout"`

	Delivery struct {
		PollInterval          string  `yaml:"poll_interval"`
		InactivityTimeout     string  `yaml:"inactivity_timeout"`
		MinBackoff            string  `yaml:"min_backoff"`
		MaxBackoff            string  `yaml:"max_backoff"`
		BackoffFactor         float64 `yaml:"backoff_factor"`
		Jitter                float64 `yaml:"jitter"`
		DedupWindow           int     `yaml:"dedup_window"`
		PollFallbackAfter     int     `yaml:"poll_fallback_after"`
		StreamUpgradeInterval string  `yaml:"stream_upgrade_interval"`
		DisableStreamUpgrade  bool    `yaml:"disable_stream_upgrade"`
		DisableStream         bool    `yaml:"disable_stream"`
	} `yaml:"delivery"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Observability struct {
		MetricsAddress  string  `yaml:"metrics_address"`
		TracingEndpoint string  `yaml:"tracing_endpoint"`
		TracingProtocol string  `yaml:"tracing_protocol"`
		SampleRate      float64 `yaml:"sample_rate"`
	} `yaml:"observability"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadFile reads a YAML configuration file. ${VAR} references are replaced
// with the environment variable's value (empty when unset), durations are
// written as Go duration strings ("5s", "1m30s"). The environment and
// defaults are applied afterwards and the result is validated.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sdkerrors.ConfigFileError(path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, sdkerrors.ConfigFileError(path, err)
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML configuration without consulting the environment
// beyond ${VAR} expansion, applying defaults or validating.
func Parse(data []byte) (*Config, error) {
	expanded := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expanded), &fc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg := &Config{
		APIURL:           fc.APIURL,
		PrivateKey:       fc.PrivateKey,
		APIKey:           fc.APIKey,
		AgentName:        fc.AgentName,
		AllowAnonymous:   fc.AllowAnonymous,
		SkipRegistration: fc.SkipRegistration,
		Delivery: DeliveryConfig{
			BackoffFactor:        fc.Delivery.BackoffFactor,
			Jitter:               fc.Delivery.Jitter,
			DedupWindow:          fc.Delivery.DedupWindow,
			PollFallbackAfter:    fc.Delivery.PollFallbackAfter,
			DisableStreamUpgrade: fc.Delivery.DisableStreamUpgrade,
			DisableStream:        fc.Delivery.DisableStream,
		},
		Logging: LoggingConfig{
			Level:  fc.Logging.Level,
			Format: fc.Logging.Format,
		},
		Observability: ObservabilityConfig{
			MetricsAddress:  fc.Observability.MetricsAddress,
			TracingEndpoint: fc.Observability.TracingEndpoint,
			TracingProtocol: fc.Observability.TracingProtocol,
			SampleRate:      fc.Observability.SampleRate,
		},
	}

	if err := parseDurations(&fc, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDurations(fc *fileConfig, cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"request_timeout", fc.RequestTimeout, &cfg.RequestTimeout},
		{"delivery.poll_interval", fc.Delivery.PollInterval, &cfg.Delivery.PollInterval},
		{"delivery.inactivity_timeout", fc.Delivery.InactivityTimeout, &cfg.Delivery.InactivityTimeout},
		{"delivery.min_backoff", fc.Delivery.MinBackoff, &cfg.Delivery.MinBackoff},
		{"delivery.max_backoff", fc.Delivery.MaxBackoff, &cfg.Delivery.MaxBackoff},
		{"delivery.stream_upgrade_interval", fc.Delivery.StreamUpgradeInterval, &cfg.Delivery.StreamUpgradeInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
