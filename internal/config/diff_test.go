package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/questwhisper/questwhisper/internal/config"
)

func base() *config.Config {
	cfg := &config.Config{}
	cfg.Live.APIKey = "k"
	cfg.Live.Voice = "Puck"
	cfg.Live.Tools = []config.ToolConfig{{Name: "roll"}}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(base(), base())
	if d.HasHotChanges() || len(d.RestartRequired) != 0 {
		t.Errorf("diff = %+v, want empty", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		check   func(config.ConfigDiff) bool
		restart []string
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check:  func(d config.ConfigDiff) bool { return d.LogLevelChanged && d.NewLogLevel == config.LogDebug },
		},
		{
			name:   "voice",
			mutate: func(c *config.Config) { c.Live.Voice = "Kore" },
			check:  func(d config.ConfigDiff) bool { return d.SessionChanged },
		},
		{
			name:   "tool added",
			mutate: func(c *config.Config) { c.Live.Tools = append(c.Live.Tools, config.ToolConfig{Name: "map"}) },
			check:  func(d config.ConfigDiff) bool { return d.SessionChanged },
		},
		{
			name:   "detector",
			mutate: func(c *config.Config) { c.Capture.StopDebounce = time.Second },
			check:  func(d config.ConfigDiff) bool { return d.DetectorChanged && !d.SessionChanged },
		},
		{
			name:   "playback",
			mutate: func(c *config.Config) { c.Playback.Epsilon = time.Millisecond },
			check:  func(d config.ConfigDiff) bool { return d.PlaybackChanged },
		},
		{
			name: "restart only",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":1"
				c.Usage.PostgresDSN = "postgres://x"
			},
			check:   func(d config.ConfigDiff) bool { return !d.HasHotChanges() },
			restart: []string{"server.listen_addr", "usage.postgres_dsn"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			next := base()
			tc.mutate(next)
			d := config.Diff(base(), next)
			if !tc.check(d) {
				t.Errorf("diff = %+v", d)
			}
			if !slices.Equal(d.RestartRequired, tc.restart) {
				t.Errorf("restart = %v, want %v", d.RestartRequired, tc.restart)
			}
		})
	}
}
