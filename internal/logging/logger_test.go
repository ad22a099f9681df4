package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want log.Level
	}{
		{"debug", log.DebugLevel},
		{"warn", log.WarnLevel},
		{"error", log.ErrorLevel},
		{"", log.InfoLevel},
		{"verbose", log.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLoggerWithWriter(t *testing.T) {
	t.Setenv("ARTPROBE_LOG_LEVEL", "warn")
	t.Setenv("ARTPROBE_LOG_PREFIX", "probe")

	var buf bytes.Buffer
	lg := NewLoggerWithWriter(&buf)
	lg.Info("hidden")
	lg.Warn("shown", "target", "0x1000")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line logged at warn level: %q", out)
	}
	if !strings.Contains(out, "probe") || !strings.Contains(out, "shown") {
		t.Errorf("missing prefix or message: %q", out)
	}
	if err := lg.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
