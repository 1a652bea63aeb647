package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Fields that can be
// applied without a restart are reported individually; everything else is
// collected in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is set when voice, language, instructions, sensitivity,
	// tools or the connect timeout differ. Applies to sessions opened later.
	SessionChanged bool

	// DetectorChanged is set when any capture threshold differs.
	DetectorChanged bool

	// PlaybackChanged is set when the playback epsilon differs.
	PlaybackChanged bool

	// RestartRequired lists the dotted paths of changed settings that only
	// take effect after a restart.
	RestartRequired []string
}

// HasHotChanges reports whether d contains anything that can be applied
// without a restart.
func (d ConfigDiff) HasHotChanges() bool {
	return d.LogLevelChanged || d.SessionChanged || d.DetectorChanged || d.PlaybackChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ol, nl := old.Live, new.Live
	if ol.Voice != nl.Voice ||
		ol.Language != nl.Language ||
		ol.Instructions != nl.Instructions ||
		ol.Sensitivity != nl.Sensitivity ||
		ol.ConnectTimeout != nl.ConnectTimeout ||
		!reflect.DeepEqual(ol.Tools, nl.Tools) {
		d.SessionChanged = true
	}

	d.DetectorChanged = old.Capture != new.Capture
	d.PlaybackChanged = old.Playback != new.Playback

	restart := []struct {
		path    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"server.log_format", old.Server.LogFormat != new.Server.LogFormat},
		{"server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS)},
		{"server.allowed_origins", !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins)},
		{"server.trace_sample_ratio", old.Server.TraceSampleRatio != new.Server.TraceSampleRatio},
		{"live.provider", ol.Provider != nl.Provider},
		{"live.model", ol.Model != nl.Model},
		{"live.base_url", ol.BaseURL != nl.BaseURL},
		{"live.api_key", ol.APIKey != nl.APIKey},
		{"live.token_url", ol.TokenURL != nl.TokenURL},
		{"usage.postgres_dsn", old.Usage.PostgresDSN != new.Usage.PostgresDSN},
		{"tools", !reflect.DeepEqual(old.Tools, new.Tools)},
		{"watch.interval", old.Watch.Interval != new.Watch.Interval},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.path)
		}
	}

	return d
}
