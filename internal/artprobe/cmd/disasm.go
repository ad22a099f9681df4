package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"artprobe/internal/elfx"
	"artprobe/internal/mem"
	"artprobe/internal/native"
	"artprobe/internal/ui/colorize"
	"artprobe/internal/walk"
)

// maxNativeInst is the longest encoding any supported decoder reads.
const maxNativeInst = 15

var disasmCmd = &cobra.Command{
	Use:   "disasm <library> <symbol|address>",
	Short: "Disassemble compiled code from a shared object",
	Long: `Disassemble a function of an arm64 or x86-64 ELF file. The function is named
by mangled symbol, demangled name or link-time address. Without --count the
whole symbol is listed.`,
	Example: `
artprobe disasm libart.so art::ArtMethod::Invoke -n 20
artprobe disasm libart.so 0x2e8f40 -n 8
  `,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("count")
		img, err := elfx.Open(args[0])
		if err != nil {
			return err
		}
		defer img.Close()
		return disassemble(cmd.OutOrStdout(), img, args[1], n)
	},
}

func init() {
	disasmCmd.Flags().IntP("count", "n", 0, "Number of instructions (default: whole symbol)")
}

// findFunction resolves a symbol name, demangled name or address.
func findFunction(img *elfx.Image, what string) (elfx.Symbol, error) {
	if strings.HasPrefix(what, "0x") {
		va, err := strconv.ParseUint(what, 0, 64)
		if err != nil {
			return elfx.Symbol{}, err
		}
		if s, ok := img.SymbolAt(va); ok && s.Addr == va {
			return s, nil
		}
		return elfx.Symbol{Name: what, Addr: va}, nil
	}
	if s, ok := img.Lookup(what); ok {
		return s, nil
	}
	if s, ok := img.LookupDemangled(what); ok {
		return s, nil
	}
	// Match on the demangled name without parameters.
	for _, s := range img.Symbols(what) {
		d := s.Demangled()
		if i := strings.IndexByte(d, '('); i >= 0 {
			d = d[:i]
		}
		if d == what {
			return s, nil
		}
	}
	return elfx.Symbol{}, fmt.Errorf("%s: symbol %q not found", img.Path, what)
}

func imageSymbolizer(img *elfx.Image) native.Symbolizer {
	return func(addr uint64) (string, uint64) {
		if s, ok := img.SymbolAt(addr); ok {
			return s.Demangled(), s.Addr
		}
		if img.IsPLTEntry(addr) {
			if name, ok := img.PLTName(addr); ok {
				return name + "@plt", addr
			}
		}
		return "", 0
	}
}

func disassemble(w io.Writer, img *elfx.Image, what string, count int) error {
	sym, err := findFunction(img, what)
	if err != nil {
		return err
	}
	dec, err := native.ForMachine(img.Machine, imageSymbolizer(img))
	if err != nil {
		return err
	}

	size := int(sym.Size)
	if count > 0 {
		size = count * maxNativeInst
	}
	if size == 0 {
		size = 64 * maxNativeInst
	}
	code, ok := img.ReadBytesVA(sym.Addr, size)
	if !ok {
		// Shorter read at the end of the segment.
		for size > 0 && !ok {
			size /= 2
			code, ok = img.ReadBytesVA(sym.Addr, size)
		}
		if !ok || len(code) == 0 {
			return fmt.Errorf("0x%x: not in a loaded segment", sym.Addr)
		}
	}

	buf := mem.NewBuffer(sym.Addr, append([]byte(nil), code...))
	walker := walk.New(buf, dec, cfg.WalkOptions()...)
	fmt.Fprintf(w, "; %s @ 0x%x\n", sym.Demangled(), sym.Addr)
	if count > 0 {
		insts, err := walker.Count(sym.Addr, count)
		for _, inst := range insts {
			fmt.Fprintln(w, colorize.Line(inst.Addr, inst.Hex(), inst.String(), inst.Suspect, colorize.Native))
		}
		return err
	}
	return printListing(w, walker.Walk(sym.Addr, size/dec.UnitSize()), colorize.Native)
}
