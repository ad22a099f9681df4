package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"artprobe/internal/artprobe/log"
	"artprobe/internal/config"
	"artprobe/internal/layout"
)

// cfg is loaded by the root command before any subcommand runs.
var cfg = config.Default()

var rootCmd = &cobra.Command{
	Use:   "artprobe",
	Short: "Inspect and instrument Android ART internals",
	Long: `Artprobe reads private ART runtime structures through versioned layout tables,
resolves and calls unexported runtime routines, hooks native entry points with
filters, and decodes dex bytecode and compiled code.`,
	Example: `
# List the structure layouts known for API 31
artprobe layout --api 31

# Show the bytecode of a code item in a dex file
artprobe dex classes.dex --code-off 0x1f4

# Disassemble a runtime routine from a pulled libart.so
artprobe disasm libart.so art::ArtMethod::Invoke -n 32

# Browse the symbols of a library
artprobe inspect libart.so
  `,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		applyFlags(cmd, &loaded)
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		if err := log.Setup(cfg.LogFile, cfg.Debug); err != nil {
			return err
		}
		if !term.IsTerminal(os.Stdout.Fd()) {
			os.Setenv("ARTPROBE_NO_COLOR", "1")
		}
		return startProfiles(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		stopProfiles(cmd)
		return log.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: user config dir)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")
	rootCmd.PersistentFlags().Int("api", 0, "Android API level selecting structure layouts")
	rootCmd.PersistentFlags().String("arch", "", "Target architecture (arm64, amd64, arm, 386)")
	rootCmd.PersistentFlags().Int("pid", 0, "Target process (default: this process)")
	rootCmd.PersistentFlags().String("module", "", "Runtime module exporting ART symbols")
	rootCmd.PersistentFlags().String("layouts", "", "Directory of extra TOML layout tables")
	rootCmd.PersistentFlags().String("cpuprofile", "", "Write CPU profile to file")
	rootCmd.PersistentFlags().String("memprofile", "", "Write memory profile to file")

	rootCmd.AddCommand(layoutCmd, symbolsCmd, resolveCmd, dexCmd, disasmCmd, methodCmd,
		hookCmd, watchCmd, inspectCmd, schemaCmd)
}

// applyFlags lets explicitly set flags override the config file and
// environment.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	fs := cmd.Flags()
	if fs.Changed("debug") {
		c.Debug, _ = fs.GetBool("debug")
	}
	if fs.Changed("api") {
		c.Target.API, _ = fs.GetInt("api")
	}
	if fs.Changed("arch") {
		c.Target.Arch, _ = fs.GetString("arch")
	}
	if fs.Changed("pid") {
		c.Target.PID, _ = fs.GetInt("pid")
	}
	if fs.Changed("module") {
		c.Target.Module, _ = fs.GetString("module")
	}
	if fs.Changed("layouts") {
		c.Target.Layouts, _ = fs.GetString("layouts")
	}
}

var cpuProfile *os.File

func startProfiles(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("cpuprofile")
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("could not start CPU profile: %w", err)
	}
	cpuProfile = f
	return nil
}

func stopProfiles(cmd *cobra.Command) {
	if cpuProfile != nil {
		pprof.StopCPUProfile()
		cpuProfile.Close()
		cpuProfile = nil
	}
	path, _ := cmd.Flags().GetString("memprofile")
	if path == "" {
		return
	}
	f, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
		return
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
	}
}

// registry builds the layout registry for the configured target: the
// builtin tables plus any extra directory.
func registry() (*layout.Registry, error) {
	r, err := layout.Builtin(cfg.PointerSize())
	if err != nil {
		return nil, err
	}
	if cfg.Target.Layouts != "" {
		if err := r.LoadDir(cfg.Target.Layouts); err != nil {
			return nil, fmt.Errorf("load layouts: %w", err)
		}
	}
	return r, nil
}

// targetPID returns the configured pid, or this process.
func targetPID() int {
	if cfg.Target.PID > 0 {
		return cfg.Target.PID
	}
	return os.Getpid()
}

func Execute() {
	// Bypass fang's rendering when output is piped
	if !term.IsTerminal(os.Stdout.Fd()) {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
