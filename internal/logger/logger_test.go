package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/jheimann05/sportfolio/internal/config"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"chatty", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, err := New(config.LogConfig{Level: tt.level, Encoding: "json"})
			if err != nil {
				t.Fatal(err)
			}
			if !log.Core().Enabled(tt.want) {
				t.Errorf("level %s should be enabled", tt.want)
			}
			if tt.want > zapcore.DebugLevel && log.Core().Enabled(tt.want-1) {
				t.Errorf("level %s should be disabled", tt.want-1)
			}
		})
	}
}

func TestNew_Encodings(t *testing.T) {
	for _, enc := range []string{"console", "json", "xml"} {
		if _, err := New(config.LogConfig{Level: "info", Encoding: enc, Sampling: true}); err != nil {
			t.Errorf("encoding %q: %v", enc, err)
		}
	}
}
