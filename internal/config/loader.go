package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/questwhisper/questwhisper/pkg/audio/capture"
	"github.com/questwhisper/questwhisper/pkg/audio/playback"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultConnectTimeout  = 15 * time.Second
	DefaultLiveProvider    = "gemini"
	DefaultToolTimeout     = 10 * time.Second
)

// KnownLiveProviders lists the provider names shipped with the server.
// Used by [Validate] to warn about unrecognised names.
var KnownLiveProviders = []string{"gemini"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values in cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Live.Provider == "" {
		cfg.Live.Provider = DefaultLiveProvider
	}
	if cfg.Live.ConnectTimeout == 0 {
		cfg.Live.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Capture == (CaptureConfig{}) {
		d := capture.DefaultDetectorConfig()
		cfg.Capture = CaptureConfig{
			StartThreshold: d.StartThreshold,
			StopThreshold:  d.StopThreshold,
			StopDebounce:   d.StopDebounce,
		}
	}
	if cfg.Playback.Epsilon == 0 {
		cfg.Playback.Epsilon = playback.DefaultEpsilon
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = DefaultToolTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", r))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Live provider
	if cfg.Live.Provider != "" && !slices.Contains(KnownLiveProviders, cfg.Live.Provider) {
		slog.Warn("unknown live provider name; it must be registered before startup",
			"name", cfg.Live.Provider,
			"known", KnownLiveProviders,
		)
	}
	if cfg.Live.APIKey != "" && cfg.Live.TokenURL != "" {
		errs = append(errs, errors.New("live.api_key and live.token_url are mutually exclusive"))
	}
	if cfg.Live.APIKey == "" && cfg.Live.TokenURL == "" {
		slog.Warn("neither live.api_key nor live.token_url is set; connects will be rejected by the remote endpoint")
	}
	if cfg.Live.TokenURL != "" {
		if err := validateURL("live.token_url", cfg.Live.TokenURL); err != nil {
			errs = append(errs, err)
		}
	}
	if !cfg.Live.Sensitivity.IsValid() {
		errs = append(errs, fmt.Errorf("live.sensitivity %q is invalid; valid values: low, high", cfg.Live.Sensitivity))
	}
	if cfg.Live.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("live.connect_timeout %v must not be negative", cfg.Live.ConnectTimeout))
	}
	toolsSeen := make(map[string]int, len(cfg.Live.Tools))
	for i, t := range cfg.Live.Tools {
		prefix := fmt.Sprintf("live.tools[%d]", i)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := toolsSeen[t.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of live.tools[%d]", prefix, t.Name, prev))
		}
		toolsSeen[t.Name] = i
	}
	if len(cfg.Live.Tools) > 0 && cfg.Tools.ProxyURL == "" {
		slog.Warn("live.tools are declared but tools.proxy_url is empty; tool calls will fail")
	}

	// Capture
	if err := cfg.DetectorConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("capture: %w", err))
	}

	// Playback
	if cfg.Playback.Epsilon < 0 {
		errs = append(errs, fmt.Errorf("playback.epsilon %v must not be negative", cfg.Playback.Epsilon))
	}

	// Tools
	if cfg.Tools.ProxyURL != "" {
		if err := validateURL("tools.proxy_url", cfg.Tools.ProxyURL); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Tools.Timeout < 0 {
		errs = append(errs, fmt.Errorf("tools.timeout %v must not be negative", cfg.Tools.Timeout))
	}
	if cfg.Tools.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("tools.breaker.max_failures %d must not be negative", cfg.Tools.Breaker.MaxFailures))
	}
	if cfg.Tools.Breaker.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("tools.breaker.cooldown %v must not be negative", cfg.Tools.Breaker.Cooldown))
	}

	// Usage
	if cfg.Usage.PostgresDSN == "" {
		slog.Debug("usage.postgres_dsn is empty; usage is kept in memory")
	}

	// Watch
	if cfg.Watch.Interval < 0 {
		errs = append(errs, fmt.Errorf("watch.interval %v must not be negative", cfg.Watch.Interval))
	}

	return errors.Join(errs...)
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s %q must be an http or https URL", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", field, raw)
	}
	return nil
}
