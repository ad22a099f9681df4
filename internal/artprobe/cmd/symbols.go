package cmd

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"artprobe/internal/elfx"
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols <library> [filter]",
	Short: "List the symbols of a shared object",
	Long: `List defined function and object symbols of an ELF file in address order,
including internal symbols from .symtab and MiniDebugInfo. The filter matches
mangled or demangled names.`,
	Example: `
artprobe symbols libart.so ArtMethod::Invoke
artprobe symbols libart.so --exported
artprobe symbols libc.so --imports
  `,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		exportedOnly, _ := cmd.Flags().GetBool("exported")
		mangled, _ := cmd.Flags().GetBool("mangled")
		imports, _ := cmd.Flags().GetBool("imports")

		img, err := elfx.Open(args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		filter := ""
		if len(args) > 1 {
			filter = args[1]
		}
		out := cmd.OutOrStdout()
		if imports {
			printImports(out, img.Imports(), filter)
			return nil
		}
		for _, s := range img.Symbols(filter) {
			if exportedOnly && !s.Exported {
				continue
			}
			fmt.Fprintln(out, formatSymbol(s, !mangled))
		}
		return nil
	},
}

func init() {
	symbolsCmd.Flags().BoolP("exported", "e", false, "Only exported symbols")
	symbolsCmd.Flags().Bool("mangled", false, "Print mangled names")
	symbolsCmd.Flags().Bool("imports", false, "List PLT imports instead")
}

// printImports lists PLT stubs by address.
func printImports(w io.Writer, plt map[uint64]string, filter string) {
	for _, addr := range slices.Sorted(maps.Keys(plt)) {
		name := elfx.Demangle(plt[addr])
		if filter != "" && !strings.Contains(plt[addr], filter) && !strings.Contains(name, filter) {
			continue
		}
		fmt.Fprintf(w, "%016x %6s P %s\n", addr, "", name)
	}
}

func formatSymbol(s elfx.Symbol, demangle bool) string {
	kind := "i"
	if s.Exported {
		kind = "E"
	}
	name := s.Name
	if demangle {
		name = s.Demangled()
	}
	return strings.TrimRight(fmt.Sprintf("%016x %6d %s %s", s.Addr, s.Size, kind, name), " ")
}
