package cmd

import (
	"log/slog"
	"os"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseConfigPairs(t *testing.T) {
	configs, err := parseConfigPairs([]string{"org=acme", "url=https://git.acme.io", "empty="})
	if err != nil {
		t.Fatalf("parseConfigPairs() error = %v", err)
	}
	if configs["org"] != "acme" || configs["url"] != "https://git.acme.io" {
		t.Errorf("configs = %v", configs)
	}
	if v, ok := configs["empty"]; !ok || v != "" {
		t.Errorf("empty value not preserved: %v", configs)
	}

	if got, err := parseConfigPairs(nil); err != nil || got != nil {
		t.Errorf("parseConfigPairs(nil) = %v, %v", got, err)
	}

	for _, bad := range []string{"no-separator", "=value"} {
		if _, err := parseConfigPairs([]string{bad}); err == nil {
			t.Errorf("parseConfigPairs(%q) error = nil, want error", bad)
		}
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	// Execute routes on os.Args; unknown commands fail without touching
	// config or the network.
	old := os.Args
	defer func() { os.Args = old }()
	os.Args = []string{"docker-mcp-bridge", "frobnicate"}

	if err := Execute(); err == nil {
		t.Error("Execute() error = nil, want unknown command error")
	}
}
