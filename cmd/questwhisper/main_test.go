package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/questwhisper/questwhisper/internal/config"
	"github.com/questwhisper/questwhisper/pkg/provider/live/gemini"
)

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	level := new(slog.LevelVar)
	newLogger(&buf, config.LogFormatJSON, level).Info("hello", "k", "v")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "hello" || rec["k"] != "v" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	newLogger(&buf, config.LogFormatText, level).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output = %q", buf.String())
	}

	buf.Reset()
	level.Set(slog.LevelWarn)
	newLogger(&buf, config.LogFormatText, level).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	p, err := reg.Create(config.LiveConfig{Provider: "gemini", APIKey: "k"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := p.(*gemini.Provider); !ok {
		t.Errorf("provider = %T", p)
	}
	if _, err := reg.Create(config.LiveConfig{Provider: "gemini", TokenURL: "https://x/token"}); err != nil {
		t.Errorf("token source: %v", err)
	}
	if _, err := reg.Create(config.LiveConfig{Provider: "gemini"}); err == nil {
		t.Error("expected error without credentials")
	}
}
