package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  zerolog.Level
	}{
		{"debug level", "debug", zerolog.DebugLevel},
		{"warn level", "WARN", zerolog.WarnLevel},
		{"error level", "error", zerolog.ErrorLevel},
		{"default info", "", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("prod", tt.level)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}
