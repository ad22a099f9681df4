package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/nxadm/tail"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"artprobe/internal/intercept"
	"artprobe/internal/settings"
)

// replayTarget stands in for art::ArtMethod::Invoke in the dispatch table.
const replayTarget = 0x1000

var hookCmd = &cobra.Command{
	Use:   "hook <trace>",
	Short: "Run the method invoke filters over a recorded call trace",
	Long: `Replay a trace of method invocations through the interception engine with the
same filters the ArtMethod::Invoke hook uses: a call budget per method, a
thread filter and method name prefixes. Each trace line is "<tid> <method>".
Filter settings come from the config file and can be changed while the replay
runs by appending key=value lines to the settings file.`,
	Example: `
artprobe hook invokes.trace --settings /tmp/artprobe.settings
echo filterMethodName=android.app. >> /tmp/artprobe.settings

# Follow a trace that is still being written and export metrics
artprobe hook invokes.trace --follow --metrics localhost:9464
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		if cmd.Flags().Changed("settings") {
			cfg.SettingsFile, _ = cmd.Flags().GetString("settings")
		}
		if cmd.Flags().Changed("metrics") {
			cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics")
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		reg := prometheus.NewRegistry()
		store := settings.NewStore()
		for k, v := range cfg.FilterSettings() {
			store.Set(k, v)
		}
		rp, err := newReplay(store, intercept.NewMetrics(reg), cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer rp.Close()

		if cfg.SettingsFile != "" {
			go func() {
				if err := settings.Follow(ctx, cfg.SettingsFile, store); err != nil {
					slog.Error("settings feed stopped", "path", cfg.SettingsFile, "err", err)
				}
			}()
		}
		if cfg.MetricsAddr != "" {
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				slog.Info("Serving metrics", "addr", cfg.MetricsAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics listen", "error", err)
				}
			}()
			defer srv.Close()
		}

		if follow {
			err = rp.follow(ctx, args[0])
		} else {
			var f *os.File
			if f, err = os.Open(args[0]); err != nil {
				return err
			}
			defer f.Close()
			err = rp.run(f)
		}
		rp.summary(cmd.OutOrStdout())
		return err
	},
}

func init() {
	hookCmd.Flags().String("settings", "", "Settings file to follow for filter changes")
	hookCmd.Flags().String("metrics", "", "Serve prometheus metrics on this address")
	hookCmd.Flags().BoolP("follow", "f", false, "Keep reading the trace as it grows")
}

// replay feeds trace lines through an engine hooked on a table routine.
type replay struct {
	table  *intercept.Table
	engine *intercept.Engine
	state  *intercept.FilterState
	hook   *intercept.Handle
	cancel func()
	out    io.Writer

	ids   map[string]uint64
	names []string
	calls int
}

func newReplay(store *settings.Store, metrics *intercept.Metrics, out io.Writer) (*replay, error) {
	rp := &replay{
		table: intercept.NewTable(),
		state: intercept.NewFilterState(),
		out:   out,
		ids:   make(map[string]uint64),
		names: []string{""},
	}
	rp.cancel = store.Subscribe(rp.state)
	rp.table.Define(replayTarget, func(args []uint64) uint64 { return 0 })
	rp.engine = intercept.New(rp.table, intercept.WithFilterState(rp.state), intercept.WithMetrics(metrics))

	pid := os.Getpid()
	onEnter := func(inv *intercept.Invocation) {
		name, _ := rp.nameOf(inv)
		fmt.Fprintf(rp.out, "Called [%d|%d] -> %s\n", pid, inv.ThreadID(), name)
	}
	h, err := rp.engine.Install(replayTarget, onEnter, nil,
		intercept.BudgetPerArg(rp.state, 0),
		intercept.ThreadAffinity(rp.state),
		intercept.NamePrefix(rp.state, rp.nameOf))
	if err != nil {
		rp.cancel()
		return nil, err
	}
	rp.hook = h
	return rp, nil
}

func (rp *replay) nameOf(inv *intercept.Invocation) (string, error) {
	id := inv.Arg(0)
	if id == 0 || id >= uint64(len(rp.names)) {
		return "", fmt.Errorf("unknown method id %d", id)
	}
	return rp.names[id], nil
}

// parseTraceLine splits "<tid> <method>".
func parseTraceLine(line string) (int, string, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return 0, "", false, nil
	}
	tidStr, name, ok := strings.Cut(line, " ")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return 0, "", false, fmt.Errorf("trace line %q: want \"<tid> <method>\"", line)
	}
	tid, err := strconv.Atoi(tidStr)
	if err != nil {
		return 0, "", false, fmt.Errorf("trace line %q: %w", line, err)
	}
	return tid, name, true, nil
}

// feed replays one trace line.
func (rp *replay) feed(line string) error {
	tid, name, ok, err := parseTraceLine(line)
	if err != nil || !ok {
		return err
	}
	id, known := rp.ids[name]
	if !known {
		id = uint64(len(rp.names))
		rp.ids[name] = id
		rp.names = append(rp.names, name)
	}
	rp.calls++
	_, err = rp.table.CallOn(tid, replayTarget, id)
	return err
}

func (rp *replay) run(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := rp.feed(sc.Text()); err != nil {
			slog.Warn("skipping trace line", "err", err)
		}
	}
	return sc.Err()
}

func (rp *replay) follow(ctx context.Context, path string) error {
	t, err := tail.TailFile(path, tail.Config{Follow: true, ReOpen: true, Logger: tail.DiscardingLogger})
	if err != nil {
		return err
	}
	defer t.Cleanup()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				continue
			}
			if err := rp.feed(line.Text); err != nil {
				slog.Warn("skipping trace line", "err", err)
			}
		}
	}
}

// summary prints how much of its budget each method used.
func (rp *replay) summary(w io.Writer) {
	type row struct {
		name string
		n    int64
	}
	var rows []row
	for name, id := range rp.ids {
		if n := rp.state.Count(id); n > 0 {
			rows = append(rows, row{name, n})
		}
	}
	slices.SortFunc(rows, func(a, b row) int { return strings.Compare(a.name, b.name) })
	fmt.Fprintf(w, "\n%d calls, %d methods, %d with budget used\n", rp.calls, len(rp.ids), len(rows))
	for _, r := range rows {
		fmt.Fprintf(w, "%6d  %s\n", r.n, r.name)
	}
}

func (rp *replay) Close() error {
	rp.cancel()
	err := rp.engine.Uninstall(rp.hook)
	rp.engine.Reclaim()
	return err
}
