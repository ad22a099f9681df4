package colorize

import (
	"strings"
	"testing"
)

func TestLinePlain(t *testing.T) {
	t.Setenv("ARTPROBE_NO_COLOR", "1")
	got := Line(0x1000, "12 10", "const/4 v0, #1", false, Smali)
	want := " 00001000  12 10                const/4 v0, #1"
	if got != want {
		t.Errorf("Line = %q, want %q", got, want)
	}
	if got := Line(0x1002, "ff", "(bad)", true, Native); !strings.HasPrefix(got, "!") {
		t.Errorf("suspect line not marked: %q", got)
	}
}

func TestCodeKeepsText(t *testing.T) {
	t.Setenv("ARTPROBE_NO_COLOR", "")
	t.Setenv("NO_COLOR", "")
	for _, tt := range []struct {
		name   string
		text   string
		syntax Syntax
	}{
		{"smali", `const-string v1, "hello"`, Smali},
		{"invoke", "invoke-virtual {v0, v1}, method@3", Smali},
		{"native", "bl #0x100", Native},
	} {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Code(tt.text, tt.syntax)
			if err != nil {
				t.Fatalf("Code: %v", err)
			}
			if plain := strings.TrimRight(StripANSI(out), "\n"); plain != tt.text {
				t.Errorf("stripped output = %q, want %q", plain, tt.text)
			}
		})
	}
}

func TestStripANSI(t *testing.T) {
	if got := StripANSI("\033[38;2;79;79;79mabc\033[0m d"); got != "abc d" {
		t.Errorf("StripANSI = %q", got)
	}
}
