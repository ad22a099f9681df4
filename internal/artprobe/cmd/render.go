package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/x/term"

	"artprobe/internal/artprobe/styles"
)

// renderMarkdown writes md through glamour on a terminal and as plain
// markdown otherwise.
func renderMarkdown(w io.Writer, md string) error {
	if f, ok := w.(*os.File); !ok || !term.IsTerminal(f.Fd()) {
		_, err := io.WriteString(w, md)
		return err
	}
	width := 100
	if tw, _, err := term.GetSize(os.Stdout.Fd()); err == nil && tw > 0 {
		width = tw
	}
	r, err := styles.MarkdownRenderer(width)
	if err != nil {
		return fmt.Errorf("markdown renderer: %w", err)
	}
	out, err := r.Render(md)
	if err != nil {
		return fmt.Errorf("render markdown: %w", err)
	}
	_, err = io.WriteString(w, out)
	return err
}

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }
