package logger

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/voyagen/loopcaster/internal/config"
)

func TestNewHonoursLevel(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		l, err := New(config.LogConfig{Level: tt.level, Encoding: "json"})
		if err != nil {
			t.Fatalf("New(%q): %v", tt.level, err)
		}
		if !l.Core().Enabled(tt.want) {
			t.Errorf("level %q: %s not enabled", tt.level, tt.want)
		}
		if tt.want > zapcore.DebugLevel && l.Core().Enabled(tt.want-1) {
			t.Errorf("level %q: %s unexpectedly enabled", tt.level, tt.want-1)
		}
	}
}

func TestNewConsoleEncoding(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "info", Encoding: "console", Sampling: true}); err != nil {
		t.Fatalf("New: %v", err)
	}
}

func TestCronLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := CronLogger(zap.New(core))

	cl.Info("schedule", "entry", 1)
	cl.Error(errors.New("boom"), "job panicked", "entry", 1)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel || entries[0].Message != "schedule" {
		t.Errorf("info entry = %+v", entries[0])
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("error entry level = %s", entries[1].Level)
	}
	if got := entries[1].ContextMap()["error"]; got != "boom" {
		t.Errorf("error field = %v", got)
	}
}
