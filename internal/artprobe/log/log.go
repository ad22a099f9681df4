package log

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"

	charmlog "github.com/charmbracelet/log"

	"artprobe/internal/logging"
)

var (
	initOnce    sync.Once
	initialized atomic.Bool
	current     *logging.LoggerCloser
)

// Setup routes slog through the charmbracelet logger. An empty logFile
// falls back to the ARTPROBE_LOG_* environment. Only the first call has an
// effect.
func Setup(logFile string, debug bool) error {
	var err error
	initOnce.Do(func() {
		var lg *logging.LoggerCloser
		if logFile != "" {
			f, ferr := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
			if ferr != nil {
				err = fmt.Errorf("open log file: %w", ferr)
				return
			}
			lg = logging.NewLoggerWithWriter(f)
		} else {
			lg = logging.NewLogger()
		}
		if debug || logging.IsDebug() {
			lg.SetLevel(charmlog.DebugLevel)
			lg.SetReportCaller(true)
		}
		current = lg
		slog.SetDefault(slog.New(lg.Logger))
		initialized.Store(true)
	})
	return err
}

func Initialized() bool {
	return initialized.Load()
}

// Close flushes and closes the log file opened by Setup, if any.
func Close() error {
	if current == nil {
		return nil
	}
	return current.Close()
}

func RecoverPanic(name string, cleanup func()) {
	if r := recover(); r != nil {
		if Initialized() {
			slog.Error(fmt.Sprintf("Panic in %s", name),
				"panic", r,
				"stack", string(debug.Stack()))
		}
		if cleanup != nil {
			cleanup()
		}
	}
}
