// Package config provides the configuration schema, loader, hot-reload watcher
// and live provider registry for the QuestWhisper server.
package config

import (
	"time"

	"github.com/questwhisper/questwhisper/pkg/audio/capture"
	"github.com/questwhisper/questwhisper/pkg/provider/live"
)

// LogLevel controls log verbosity for the QuestWhisper server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure for QuestWhisper.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Live     LiveConfig     `yaml:"live"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	Usage    UsageConfig    `yaml:"usage"`
	Tools    ToolsConfig    `yaml:"tools"`
	Watch    WatchConfig    `yaml:"watch"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat is "text" (default) or "json".
	LogFormat LogFormat `yaml:"log_format"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins lists extra origin patterns accepted for browser sockets.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// TraceSampleRatio is the fraction of new traces recorded, in (0, 1].
	// Zero samples everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LiveConfig selects and configures the live voice provider.
type LiveConfig struct {
	// Provider selects the registered implementation (e.g. "gemini").
	Provider string `yaml:"provider"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey is a long-lived key. Mutually exclusive with TokenURL.
	APIKey string `yaml:"api_key"`

	// TokenURL is the collaborator endpoint issuing ephemeral tokens.
	TokenURL string `yaml:"token_url"`

	// Voice is the prebuilt voice name, e.g. "Puck".
	Voice string `yaml:"voice"`

	// Language is a BCP-47 code, e.g. "en-US".
	Language string `yaml:"language"`

	// Instructions is the system prompt sent at setup.
	Instructions string `yaml:"instructions"`

	// Sensitivity tunes remote activity detection: "", "low" or "high".
	Sensitivity live.Sensitivity `yaml:"sensitivity"`

	// ConnectTimeout bounds the handshake. Zero means 15s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Tools are offered to the model and answered by the tool proxy.
	Tools []ToolConfig `yaml:"tools"`
}

// ToolConfig declares one function the model may call.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// CaptureConfig holds the user-speaking heuristic. Hot-reloadable for new
// sessions.
type CaptureConfig struct {
	StartThreshold float64       `yaml:"start_threshold"`
	StopThreshold  float64       `yaml:"stop_threshold"`
	StopDebounce   time.Duration `yaml:"stop_debounce"`
}

// PlaybackConfig holds playback scheduling settings.
type PlaybackConfig struct {
	// Epsilon is the headroom added to the output clock when scheduling.
	Epsilon time.Duration `yaml:"epsilon"`
}

// UsageConfig configures the usage ledger.
type UsageConfig struct {
	// PostgresDSN selects the Postgres ledger. Empty keeps usage in memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ToolsConfig configures the tool-call proxy.
type ToolsConfig struct {
	// ProxyURL receives tool calls as JSON POSTs. Empty disables tools.
	ProxyURL string `yaml:"proxy_url"`

	// Timeout bounds one tool call.
	Timeout time.Duration `yaml:"timeout"`

	// Headers are sent with every tool call.
	Headers map[string]string `yaml:"headers"`

	// Breaker stops calling an endpoint that keeps failing.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of the tool endpoint.
type BreakerConfig struct {
	// MaxFailures consecutive failures open the breaker. Zero means 5.
	MaxFailures int `yaml:"max_failures"`
	// Cooldown is how long an open breaker rejects calls. Zero means 30s.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WatchConfig controls config hot-reload.
type WatchConfig struct {
	// Interval is the polling period. Zero disables the watcher.
	Interval time.Duration `yaml:"interval"`
}

// SessionConfig returns the live session configuration described by c.
func (c *Config) SessionConfig() live.SessionConfig {
	sc := live.SessionConfig{
		Voice:        c.Live.Voice,
		Language:     c.Live.Language,
		Instructions: c.Live.Instructions,
		Sensitivity:  c.Live.Sensitivity,
	}
	for _, t := range c.Live.Tools {
		sc.Tools = append(sc.Tools, live.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return sc
}

// DetectorConfig returns the speaking-detector parameters described by c.
func (c *Config) DetectorConfig() capture.DetectorConfig {
	return capture.DetectorConfig{
		StartThreshold: c.Capture.StartThreshold,
		StopThreshold:  c.Capture.StopThreshold,
		StopDebounce:   c.Capture.StopDebounce,
	}
}
