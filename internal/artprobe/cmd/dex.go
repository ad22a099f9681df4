package cmd

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"artprobe/internal/dex"
	"artprobe/internal/layout"
	"artprobe/internal/mem"
	"artprobe/internal/ui/colorize"
	"artprobe/internal/walk"
)

var dexCmd = &cobra.Command{
	Use:   "dex <file>",
	Short: "Decode dex bytecode",
	Long: `Print the header counts of a dex file, or with --code-off decode the code item
at that file offset. Indices are resolved to names through the file's id
tables unless --raw is given.`,
	Example: `
artprobe dex classes.dex
artprobe dex classes.dex --code-off 0x1f4
artprobe dex classes.cdex --code-off 0x80 --compact --api 30
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		r, err := registry()
		if err != nil {
			return err
		}
		offStr, _ := cmd.Flags().GetString("code-off")
		compact, _ := cmd.Flags().GetBool("compact")
		raw, _ := cmd.Flags().GetBool("raw")

		buf := mem.NewBuffer(0, data)
		if offStr == "" {
			return dexSummary(cmd.OutOrStdout(), r, buf)
		}
		off, err := strconv.ParseUint(offStr, 0, 64)
		if err != nil {
			return fmt.Errorf("--code-off: %w", err)
		}
		return dexListing(cmd.OutOrStdout(), r, buf, off, compact, raw)
	},
}

func init() {
	dexCmd.Flags().String("code-off", "", "File offset of a code item")
	dexCmd.Flags().Bool("compact", false, "The code item is in compact dex format")
	dexCmd.Flags().Bool("raw", false, "Print indices instead of names")
}

func dexSummary(w io.Writer, r *layout.Registry, buf *mem.Buffer) error {
	hdr, err := r.View(mem.At(buf, 0), "dex::Header", cfg.Target.API)
	if err != nil {
		return err
	}
	magic, err := hdr.Field("magic_")
	if err != nil {
		return err
	}
	b, err := magic.Bytes()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "magic      %q\n", b)
	for _, name := range []string{"file_size_", "string_ids_size_", "type_ids_size_", "proto_ids_size_",
		"field_ids_size_", "method_ids_size_", "class_defs_size_", "data_size_"} {
		v, err := hdr.Uint(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%-18s %d\n", name, v)
	}
	return nil
}

func dexListing(w io.Writer, r *layout.Registry, buf *mem.Buffer, off uint64, compact, raw bool) error {
	ci, err := dex.ReadCodeItem(r, cfg.Target.API, mem.At(buf, off), compact)
	if err != nil {
		return err
	}
	dec := dex.Decoder{Version: cfg.Target.API}
	if !raw {
		pool, err := dex.NewPool(r, cfg.Target.API, mem.At(buf, 0), mem.At(buf, 0))
		if err != nil {
			return err
		}
		dec.Names = pool
	}
	fmt.Fprintf(w, "# %s\n", ci)
	walker := walk.New(buf, dec, cfg.WalkOptions()...)
	return printListing(w, ci.Walk(walker), colorize.Smali)
}

// printListing prints a walk as it is produced. A stall after a partial
// listing is reported after the listing.
func printListing(w io.Writer, seq iter.Seq2[walk.Instruction, error], syntax colorize.Syntax) error {
	var werr error
	for inst, err := range seq {
		if err != nil {
			werr = err
			break
		}
		text := inst.String()
		if inst.Err != nil {
			text += " ; " + inst.Err.Error()
		}
		fmt.Fprintln(w, colorize.Line(inst.Addr, inst.Hex(), text, inst.Suspect, syntax))
	}
	var stall *walk.StallError
	if errors.As(werr, &stall) {
		fmt.Fprintf(w, "; stopped after %d steps at 0x%x\n", stall.Steps, stall.Addr)
	}
	return werr
}
