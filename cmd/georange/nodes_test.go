package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/jpalmerr/georange"
	"github.com/jpalmerr/georange/config"
	"github.com/jpalmerr/georange/transport"
)

func TestRunNodes_SimulatedNetwork(t *testing.T) {
	configPath := writeConfig(t, `
log:
  level: error
transport:
  kind: sim
  sim:
    secondaries: 2
`)

	output, err := executeCmd(t, "nodes", "-c", configPath)
	if err != nil {
		t.Fatalf("nodes command error = %v", err)
	}

	expectedPhrases := []string{
		"Primary:     2",
		"Secondaries: 3, 4",
		"Skipped:     1",
	}
	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("output missing %q\nGot: %s", phrase, output)
		}
	}
}

func TestRunNodes_TransportError(t *testing.T) {
	configPath := writeConfig(t, `
transport:
  kind: uart
  uart:
    port: /nonexistent/tty
`)

	_, err := executeCmd(t, "nodes", "-c", configPath)
	if err == nil {
		t.Fatal("nodes command expected error, got nil")
	}
	if !strings.Contains(err.Error(), "failed to open transport") {
		t.Errorf("error = %v, want transport failure", err)
	}
}

func TestPrintSelection(t *testing.T) {
	var buf bytes.Buffer
	printSelection(&buf, georange.Selection{Primary: 5, Skipped: []transport.NodeID{1, 9}})

	want := "Primary:     5\nSecondaries: none\nSkipped:     1, 9\n"
	if buf.String() != want {
		t.Errorf("printSelection() = %q, want %q", buf.String(), want)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LogConfig
		wantJSON  bool
		wantDebug bool
	}{
		{name: "text info", cfg: config.LogConfig{Level: "info", Format: "text"}},
		{name: "json debug", cfg: config.LogConfig{Level: "debug", Format: "json"}, wantJSON: true, wantDebug: true},
		{name: "unknown level", cfg: config.LogConfig{Level: "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newLogger(tt.cfg, &buf)

			logger.Debug("debug line")
			logger.Info("info line")

			out := buf.String()
			if got := strings.Contains(out, "debug line"); got != tt.wantDebug {
				t.Errorf("debug logged = %v, want %v", got, tt.wantDebug)
			}
			if got := strings.HasPrefix(out, "{"); got != tt.wantJSON {
				t.Errorf("json = %v, want %v\nGot: %s", got, tt.wantJSON, out)
			}
		})
	}

	if parseLevel("warn") != slog.LevelWarn || parseLevel("error") != slog.LevelError {
		t.Error("parseLevel() mismatch")
	}
}
