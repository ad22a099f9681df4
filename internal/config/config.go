// Package config loads artprobe settings from a TOML file and the
// environment. Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"artprobe/internal/intercept"
	"artprobe/internal/walk"
)

// FileName is looked up in the user config directory when no path is given.
const FileName = "artprobe.toml"

// Config is the file format of artprobe.toml.
type Config struct {
	Debug   bool   `toml:"debug" json:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
	LogFile string `toml:"log_file" json:"logFile,omitempty" jsonschema:"title=Log File,description=Write logs to this file instead of stderr"`

	Target Target `toml:"target" json:"target" jsonschema:"title=Target,description=Runtime being inspected"`
	Filter Filter `toml:"filter" json:"filter" jsonschema:"title=Filter,description=Initial hook filter settings"`
	Walk   Walk   `toml:"walk" json:"walk" jsonschema:"title=Walk,description=Instruction walk limits"`

	// SettingsFile is tailed for key=value lines while hooks are active.
	SettingsFile string `toml:"settings_file" json:"settingsFile,omitempty" jsonschema:"title=Settings File,description=File tailed for key=value filter settings"`
	// MetricsAddr serves prometheus metrics when set.
	MetricsAddr string `toml:"metrics_addr" json:"metricsAddr,omitempty" jsonschema:"title=Metrics Address,description=Listen address for prometheus metrics,example=localhost:9464"`
}

type Target struct {
	PID     int    `toml:"pid" json:"pid,omitempty" jsonschema:"title=PID,description=Process to inspect (0 means this process)"`
	API     int    `toml:"api" json:"api" jsonschema:"title=API Level,description=Android API level selecting structure layouts,minimum=29"`
	Arch    string `toml:"arch" json:"arch" jsonschema:"title=Architecture,enum=arm64,enum=amd64,enum=arm,enum=386"`
	Module  string `toml:"module" json:"module" jsonschema:"title=Runtime Module,description=Shared object exporting the runtime symbols"`
	Layouts string `toml:"layouts" json:"layouts,omitempty" jsonschema:"title=Layout Tables,description=Directory of extra TOML layout tables"`
}

type Filter struct {
	Times      int64  `toml:"times" json:"times" jsonschema:"title=Call Budget,description=Calls reported per method (negative for unlimited)"`
	ThreadID   int64  `toml:"thread_id" json:"threadId" jsonschema:"title=Thread ID,description=Only report this thread (-1 for any)"`
	MethodName string `toml:"method_name" json:"methodName,omitempty" jsonschema:"title=Method Name Prefixes,description=Comma-separated method name prefixes"`
}

type Walk struct {
	MaxSteps int    `toml:"max_steps" json:"maxSteps" jsonschema:"title=Max Steps,description=Iteration ceiling per walk"`
	Stall    string `toml:"stall" json:"stall" jsonschema:"title=Stall Policy,enum=error,enum=truncate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Target: Target{API: 29, Arch: "arm64", Module: "libart.so"},
		Filter: Filter{Times: intercept.DefaultCallBudget, ThreadID: intercept.AnyThread},
		Walk:   Walk{MaxSteps: walk.DefaultMaxSteps, Stall: walk.StallFail.String()},
	}
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "artprobe", FileName)
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error when path is the default location.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		switch {
		case err == nil:
			if undec := md.Undecoded(); len(undec) > 0 {
				return cfg, fmt.Errorf("config %s: unknown keys %v", path, undec)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overrides fields from ARTPROBE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs *multierror.Error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, set func(int64)) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 64)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		set(n)
	}

	if v, ok := lookup("ARTPROBE_DEBUG"); ok {
		c.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	str("ARTPROBE_LOG_FILE", &c.LogFile)
	num("ARTPROBE_PID", func(n int64) { c.Target.PID = int(n) })
	num("ARTPROBE_API", func(n int64) { c.Target.API = int(n) })
	str("ARTPROBE_ARCH", &c.Target.Arch)
	str("ARTPROBE_MODULE", &c.Target.Module)
	str("ARTPROBE_LAYOUTS", &c.Target.Layouts)
	num("ARTPROBE_FILTER_TIMES", func(n int64) { c.Filter.Times = n })
	num("ARTPROBE_FILTER_THREAD_ID", func(n int64) { c.Filter.ThreadID = n })
	str("ARTPROBE_FILTER_METHOD_NAME", &c.Filter.MethodName)
	str("ARTPROBE_SETTINGS_FILE", &c.SettingsFile)
	str("ARTPROBE_METRICS_ADDR", &c.MetricsAddr)
	return errs.ErrorOrNil()
}

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs *multierror.Error
	if c.Target.API <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("target.api: %d is not an API level", c.Target.API))
	}
	switch c.Target.Arch {
	case "arm64", "amd64", "arm", "386":
	default:
		errs = multierror.Append(errs, fmt.Errorf("target.arch: unsupported %q", c.Target.Arch))
	}
	if c.Target.Module == "" {
		errs = multierror.Append(errs, errors.New("target.module: empty"))
	}
	if c.Walk.MaxSteps <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("walk.max_steps: %d must be positive", c.Walk.MaxSteps))
	}
	if _, err := walk.ParseStallPolicy(c.Walk.Stall); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("walk.stall: %w", err))
	}
	return errs.ErrorOrNil()
}

// PointerSize is the pointer width of the target architecture.
func (c Config) PointerSize() int {
	switch c.Target.Arch {
	case "arm", "386":
		return 4
	}
	return 8
}

// WalkOptions converts the walk section. Call Validate first.
func (c Config) WalkOptions() []walk.Option {
	p, _ := walk.ParseStallPolicy(c.Walk.Stall)
	return []walk.Option{walk.WithMaxSteps(c.Walk.MaxSteps), walk.WithStallPolicy(p)}
}

// FilterSettings returns the filter section as settings key/value pairs.
func (c Config) FilterSettings() map[string]string {
	return map[string]string{
		intercept.KeyCallBudget: strconv.FormatInt(c.Filter.Times, 10),
		intercept.KeyThreadID:   strconv.FormatInt(c.Filter.ThreadID, 10),
		intercept.KeyNamePrefix: c.Filter.MethodName,
	}
}
