package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"artprobe/internal/ffi"
	"artprobe/internal/modules"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <symbol>...",
	Short: "Resolve runtime symbols in a live process",
	Long: `Resolve mangled symbol names of the runtime module to their load addresses in
the target process. Exported symbols are tried first, then internal ones.`,
	Example: `
artprobe resolve --pid 1234 _ZN3art9ArtMethod6InvokeEPNS_6ThreadEPjjPNS_6JValueEPKc
artprobe resolve --pid 1234 --module libc.so malloc
  `,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := modules.New(targetPID())
		if err != nil {
			return err
		}
		defer proc.Close()

		res := ffi.NewResolver(proc)
		out := cmd.OutOrStdout()
		if m, err := proc.Module(cfg.Target.Module); err == nil {
			if bias, err := proc.Bias(m); err == nil {
				fmt.Fprintf(out, "# %s base %s bias %s\n", m.Path, hex(m.Base), hex(bias))
			}
		}
		var failed int
		for _, sym := range args {
			addr, err := res.Resolve(cfg.Target.Module, sym)
			if err != nil {
				fmt.Fprintf(out, "%-18s %s (%v)\n", "-", sym, err)
				failed++
				continue
			}
			where := ""
			if r, err := proc.Region(addr); err == nil {
				where = r.Perms()
			}
			fmt.Fprintf(out, "%-18s %s %s\n", hex(addr), where, sym)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d symbols unresolved", failed, len(args))
		}
		return nil
	},
}
