// Package colorize highlights instruction listings for the terminal.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// Syntax selects the lexer for a listing.
type Syntax int

const (
	Native Syntax = iota
	Smali
)

// Enabled reports whether colors are on. ARTPROBE_NO_COLOR or NO_COLOR
// turns them off.
func Enabled() bool {
	return os.Getenv("ARTPROBE_NO_COLOR") == "" && os.Getenv("NO_COLOR") == ""
}

// getAssemblyLexer returns an appropriate assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func lexerFor(s Syntax) chroma.Lexer {
	if s == Smali {
		return SmaliLexer
	}
	return getAssemblyLexer()
}

// getListingStyle returns the listing style with fallbacks
func getListingStyle() *chroma.Style {
	for _, name := range []string{ListingDark.Name, "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Code highlights a block of instruction text. On any failure the input is
// returned unchanged along with the error.
func Code(code string, syntax Syntax) (string, error) {
	if !Enabled() {
		return code, nil
	}
	lexer := lexerFor(syntax)
	if lexer == nil {
		return code, nil
	}
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getListingStyle(), iterator); err != nil {
		return code, err
	}
	return buf.String(), nil
}

// Line renders one listing row: address in gray, raw bytes dimmed, the
// instruction text highlighted. Suspect rows are marked with '!'.
func Line(addr uint64, raw, text string, suspect bool, syntax Syntax) string {
	mark := " "
	if suspect {
		mark = "!"
	}
	if !Enabled() {
		return fmt.Sprintf("%s%08x  %-20s %s", mark, addr, raw, text)
	}
	body, _ := Code(text, syntax)
	body = strings.ReplaceAll(body, "\n", "")
	if suspect {
		mark = "\033[38;2;255;95;135m!\033[0m"
	}
	return fmt.Sprintf("%s\033[38;2;79;79;79m%08x\033[0m  \033[38;2;120;120;120m%-20s\033[0m %s",
		mark, addr, raw, body)
}

// StripANSI removes ANSI escape sequences.
func StripANSI(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}
