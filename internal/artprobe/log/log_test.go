package log

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupAndRecoverPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artprobe.log")
	if err := Setup(path, false); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !Initialized() {
		t.Fatal("not initialized after Setup")
	}

	cleaned := false
	func() {
		defer RecoverPanic("worker", func() { cleaned = true })
		panic("boom")
	}()
	if !cleaned {
		t.Error("cleanup not called")
	}

	slog.Info("after panic")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{"Panic in worker", "boom", "after panic"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}
