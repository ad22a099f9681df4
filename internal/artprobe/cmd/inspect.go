package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/spf13/cobra"

	"artprobe/internal/artprobe/styles"
	"artprobe/internal/elfx"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <library>",
	Short: "Browse the symbols and code of a shared object",
	Long: `Open an interactive browser over the symbols of an ELF file. Press / to filter,
enter to disassemble the selected symbol, tab to switch views and q to quit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		program := tea.NewProgram(
			newInspectModel(args[0]),
			tea.WithAltScreen(),
			tea.WithContext(cmd.Context()),
		)
		if _, err := program.Run(); err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	},
}

type inspectView int

const (
	viewSymbols inspectView = iota
	viewCode
)

type symbolItem struct {
	sym       elfx.Symbol
	demangled string
}

func (i symbolItem) Title() string       { return fmt.Sprintf("%x  %s", i.sym.Addr, i.demangled) }
func (i symbolItem) Description() string { return "" }
func (i symbolItem) FilterValue() string { return i.demangled }

type itemDelegate struct{}

func (d itemDelegate) Height() int                               { return 1 }
func (d itemDelegate) Spacing() int                              { return 0 }
func (d itemDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(symbolItem)
	if !ok {
		return
	}
	indicator, addr := " ", styles.Address
	if index == m.Index() {
		indicator, addr = ">", styles.Selected
	}
	kind := styles.Subtle.Render("i")
	if i.sym.Exported {
		kind = styles.Warn.Render("E")
	}
	fmt.Fprintf(w, " %s %s %s  %s", indicator, addr.Render(fmt.Sprintf("%12x", i.sym.Addr)), kind, styles.Name.Render(i.demangled))
}

type imageLoadedMsg struct {
	img *elfx.Image
	err error
}

func loadImageCmd(path string) tea.Cmd {
	return func() tea.Msg {
		img, err := elfx.Open(path)
		return imageLoadedMsg{img: img, err: err}
	}
}

type inspectModel struct {
	path    string
	img     *elfx.Image
	err     error
	loading bool

	mode    inspectView
	symbols list.Model
	code    viewport.Model
	spinner spinner.Model
	title   string
	width   int
	height  int
}

func newInspectModel(path string) inspectModel {
	symbols := list.New([]list.Item{}, itemDelegate{}, 80, 24)
	symbols.SetShowStatusBar(true)
	symbols.SetFilteringEnabled(true)
	symbols.Title = filepath.Base(path)
	symbols.Styles.Title = styles.Title.MarginLeft(2)

	code := viewport.New()
	code.SetWidth(80)
	code.SetHeight(24)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.Selected

	return inspectModel{path: path, loading: true, symbols: symbols, code: code, spinner: s}
}

func (m inspectModel) Init() tea.Cmd {
	return tea.Batch(loadImageCmd(m.path), m.spinner.Tick)
}

func (m inspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case imageLoadedMsg:
		m.loading = false
		m.img, m.err = msg.img, msg.err
		if m.err == nil {
			syms := m.img.Symbols("")
			items := make([]list.Item, 0, len(syms))
			for _, s := range syms {
				items = append(items, symbolItem{sym: s, demangled: s.Demangled()})
			}
			cmd = m.symbols.SetItems(items)
		}
		return m, cmd

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.symbols.SetWidth(msg.Width)
		m.symbols.SetHeight(msg.Height - 2)
		m.code.SetWidth(msg.Width)
		m.code.SetHeight(msg.Height - 2)

	case tea.KeyMsg:
		if m.mode == viewSymbols && m.symbols.FilterState() == list.Filtering {
			if msg.String() == "ctrl+c" {
				return m.quit()
			}
			break
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m.quit()
		case "tab", "shift+tab":
			if m.mode == viewSymbols && m.title != "" {
				m.mode = viewCode
			} else {
				m.mode = viewSymbols
			}
			return m, nil
		case "esc":
			if m.mode == viewCode {
				m.mode = viewSymbols
				return m, nil
			}
		case "enter":
			if m.mode != viewSymbols || m.img == nil {
				break
			}
			if it, ok := m.symbols.SelectedItem().(symbolItem); ok {
				m.showCode(it)
				return m, nil
			}
		}
	}

	switch m.mode {
	case viewCode:
		m.code, cmd = m.code.Update(msg)
	default:
		m.symbols, cmd = m.symbols.Update(msg)
	}
	return m, cmd
}

func (m inspectModel) quit() (tea.Model, tea.Cmd) {
	if m.img != nil {
		m.img.Close()
	}
	return m, tea.Quit
}

func (m *inspectModel) showCode(it symbolItem) {
	var b strings.Builder
	addr := fmt.Sprintf("0x%x", it.sym.Addr)
	if err := disassemble(&b, m.img, addr, 0); err != nil {
		fmt.Fprintf(&b, "\n%s\n", styles.Error.Render(err.Error()))
	}
	m.title = it.demangled
	m.code.SetContent(b.String())
	m.code.GotoTop()
	m.mode = viewCode
}

func (m inspectModel) View() string {
	var content, menu string
	switch {
	case m.loading:
		content = fmt.Sprintf("\n  %s loading %s", m.spinner.View(), m.path)
		menu = " Q: quit "
	case m.err != nil:
		content = "\n  " + styles.Error.Render(m.err.Error())
		menu = " Q: quit "
	case m.mode == viewCode:
		content = m.code.View()
		menu = fmt.Sprintf(" %s • Esc/Tab: symbols • Q: quit ", m.title)
	default:
		content = m.symbols.View()
		menu = " Enter: disassemble • /: filter • Tab: code • Q: quit "
	}
	bar := styles.Status.Width(max(m.width, lipgloss.Width(menu))).Render(menu)
	return content + "\n" + bar
}
