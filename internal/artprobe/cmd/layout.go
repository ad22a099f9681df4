package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"artprobe/internal/layout"
)

var layoutCmd = &cobra.Command{
	Use:   "layout [kind]",
	Short: "Show structure layouts",
	Long: `Without arguments, list every structure kind and the API levels it has a
layout for. With a kind, show the fields of its layout at the selected API
level and pointer width.`,
	Example: `
artprobe layout
artprobe layout art::ArtMethod --api 33 --arch arm
  `,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := registry()
		if err != nil {
			return err
		}
		var md string
		if len(args) == 0 {
			md = kindsMarkdown(r)
		} else {
			d, err := r.Descriptor(args[0], cfg.Target.API)
			if err != nil {
				return err
			}
			md = descriptorMarkdown(d)
		}
		return renderMarkdown(cmd.OutOrStdout(), md)
	},
}

func kindsMarkdown(r *layout.Registry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Layouts (%d-bit)\n\n", r.PointerSize()*8)
	b.WriteString("| Kind | Versions | Size |\n|---|---|---|\n")
	for _, kind := range r.Kinds() {
		for _, d := range r.Descriptors(kind) {
			fmt.Fprintf(&b, "| `%s` | %s | %d |\n", kind, d.Range(), d.Size)
		}
	}
	return b.String()
}

func descriptorMarkdown(d *layout.Descriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", d.Kind)
	fmt.Fprintf(&b, "API %s, %d-bit, %d bytes\n\n", d.Range(), d.PointerSize*8, d.Size)
	b.WriteString("| Offset | Field | Type | Width |\n|---|---|---|---|\n")
	for _, f := range d.Fields {
		typ := f.Type.String()
		if f.AliasOf != "" {
			typ += " (alias of " + f.AliasOf + ")"
		}
		fmt.Fprintf(&b, "| %d | `%s` | %s | %d |\n", f.Offset, f.Name, typ, f.Width)
	}
	return b.String()
}
