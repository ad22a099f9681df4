package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"artprobe/internal/art"
	"artprobe/internal/ffi"
	"artprobe/internal/mem"
	"artprobe/internal/modules"
	"artprobe/internal/native"
	"artprobe/internal/ui/colorize"
	"artprobe/internal/walk"
)

var methodCmd = &cobra.Command{
	Use:   "method <artmethod-address>",
	Short: "Read an ArtMethod in a live process",
	Long: `Read the fields of an art::ArtMethod, its dex file and optionally its bytecode
and the start of its compiled code. The pretty name is only available when the
method lives in this process.`,
	Example: `
artprobe method --pid 1234 --api 31 0x70a1b2c8 --code
artprobe method --pid 1234 0x70a1b2c8 --oat 16
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			return fmt.Errorf("address: %w", err)
		}
		showCode, _ := cmd.Flags().GetBool("code")
		oat, _ := cmd.Flags().GetInt("oat")

		rt, proc, err := liveRuntime()
		if err != nil {
			return err
		}
		defer proc.Close()

		m, err := rt.Method(addr)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if err := describeMethod(out, m); err != nil {
			return err
		}
		if showCode {
			insts, err := m.Instructions()
			for _, inst := range insts {
				fmt.Fprintln(out, colorize.Line(inst.Addr, inst.Hex(), inst.String(), inst.Suspect, colorize.Smali))
			}
			if err != nil {
				return err
			}
		}
		if oat > 0 {
			return showCompiled(out, rt, proc, m, oat)
		}
		return nil
	},
}

func init() {
	methodCmd.Flags().Bool("code", false, "Decode the dex bytecode")
	methodCmd.Flags().Int("oat", 0, "List this many instructions of the compiled code")
}

// liveRuntime opens the configured process. Calls into libart are only
// wired up when the target is this process.
func liveRuntime() (*art.Runtime, *modules.Process, error) {
	pid := targetPID()
	proc, err := modules.New(pid)
	if err != nil {
		return nil, nil, err
	}
	r, err := registry()
	if err != nil {
		proc.Close()
		return nil, nil, err
	}
	opts := []art.Option{art.WithModule(cfg.Target.Module), art.WithWalkOptions(cfg.WalkOptions()...)}
	if pid == os.Getpid() {
		if backend, err := ffi.NewHostBackend(); err == nil {
			disp := ffi.NewDispatcher(backend, mem.NewLocal(), ffi.WithABI(ffi.HostABI()))
			opts = append(opts, art.WithCalls(ffi.NewResolver(proc), disp))
		} else {
			slog.Debug("no call backend", "err", err)
		}
	}
	return art.NewRuntime(r, cfg.Target.API, mem.NewProcess(pid), opts...), proc, nil
}

func describeMethod(w io.Writer, m *art.Method) error {
	name := "?"
	if n, err := m.PrettyMethod(true); err == nil {
		name = n
	} else {
		slog.Debug("PrettyMethod", "err", err)
	}
	flags, err := m.PrettyAccessFlags()
	if err != nil {
		return err
	}
	idx, err := m.DexMethodIndex()
	if err != nil {
		return err
	}
	entry, err := m.EntryPointFromQuickCompiledCode()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "method      %s\n", name)
	fmt.Fprintf(w, "address     0x%x\n", m.Addr())
	fmt.Fprintf(w, "flags       %s\n", flags)
	fmt.Fprintf(w, "dex index   %d\n", idx)
	fmt.Fprintf(w, "entry point 0x%x\n", entry)

	df, err := m.DexFile()
	if err != nil {
		slog.Debug("dex file", "err", err)
		return nil
	}
	loc, _ := df.Location()
	begin, _ := df.Begin()
	fmt.Fprintf(w, "dex file    %s @ 0x%x\n", loc, begin)
	return nil
}

func showCompiled(w io.Writer, rt *art.Runtime, proc *modules.Process, m *art.Method, n int) error {
	entry, err := m.EntryPointFromQuickCompiledCode()
	if err != nil {
		return err
	}
	sym := func(addr uint64) (string, uint64) {
		s, err := proc.Symbolize(addr)
		if err != nil {
			return "", 0
		}
		return s, addr
	}
	dec, err := native.ForArch(cfg.Target.Arch, sym)
	if err != nil {
		return err
	}
	// Thumb entry points carry the mode in bit 0.
	entry &^= 1
	insts, err := walk.New(rt.Memory, dec, cfg.WalkOptions()...).Count(entry, n)
	for _, inst := range insts {
		fmt.Fprintln(w, colorize.Line(inst.Addr, inst.Hex(), inst.String(), inst.Suspect, colorize.Native))
	}
	return err
}
