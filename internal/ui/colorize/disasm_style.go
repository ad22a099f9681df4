package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// ListingDark colors native and smali listings.
var ListingDark = styles.Register(chroma.MustNewStyle("artprobe-dark", chroma.StyleEntries{
	chroma.Text:       "#FFFFFF",
	chroma.Background: "bg:#1e1e1e",
	chroma.Comment:    "#6A9955",

	chroma.Keyword:       "#FFFFFF", // mnemonics
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.Name:          "#7C9C9D", // registers
	chroma.NameBuiltin:   "#7C9C9D",
	chroma.NameVariable:  "#7C9C9D",
	chroma.NameClass:     "#4EC9B0",
	chroma.NameFunction:  "#DCDCAA",

	chroma.LiteralNumber:        "#FF5F87",
	chroma.LiteralNumberHex:     "#FF5F87",
	chroma.LiteralNumberInteger: "#FF5F87",
	chroma.LiteralString:        "#CE9178",

	chroma.NameLabel:   "#FFD700", // branch offsets
	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#808080",
}))

// SmaliLexer tokenizes the dex listing text produced by the dex decoder.
var SmaliLexer = lexers.Register(chroma.MustNewLexer(
	&chroma.Config{
		Name:      "artprobe-smali",
		Aliases:   []string{"artprobe-smali"},
		MimeTypes: []string{"text/x-artprobe-smali"},
	},
	func() chroma.Rules {
		return chroma.Rules{
			"root": {
				{Pattern: `\s+`, Type: chroma.TextWhitespace},
				{Pattern: `#.*$`, Type: chroma.Comment},
				{Pattern: `"(\\\\|\\"|[^"])*"`, Type: chroma.LiteralString},
				{Pattern: `\b[vp][0-9]+\b`, Type: chroma.NameVariable},
				{Pattern: `L[\w/$]+;`, Type: chroma.NameClass},
				{Pattern: `[+-][0-9]+\b`, Type: chroma.NameLabel},
				{Pattern: `#?-?0x[0-9a-fA-F]+\b`, Type: chroma.LiteralNumberHex},
				{Pattern: `#?-?[0-9]+\b`, Type: chroma.LiteralNumberInteger},
				{Pattern: `(string|type|field|method|proto|call_site|method_handle|offset|vtable)@[0-9]+`, Type: chroma.NameLabel},
				{Pattern: `[a-z][a-z0-9/-]*`, Type: chroma.Keyword},
				{Pattern: `[\w.$<>]+(\([^)]*\)\S*)?`, Type: chroma.NameFunction},
				{Pattern: `[{},.:;()\[\]]`, Type: chroma.Punctuation},
				{Pattern: `.`, Type: chroma.Text},
			},
		}
	},
))
