// Package styles holds the lipgloss and glamour styles of the artprobe CLI.
package styles

import (
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/exp/charmtone"
)

func tone(k charmtone.Key) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(k.Hex()))
}

var (
	Title    = tone(charmtone.Malibu).Bold(true)
	Subtle   = tone(charmtone.Squid)
	Name     = tone(charmtone.Guac)
	Warn     = tone(charmtone.Zest)
	Address  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	Selected = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	Error    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	Status = tone(charmtone.Smoke).Background(lipgloss.Color(charmtone.Charcoal.Hex())).Padding(0, 1)
	Pane   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color(charmtone.Charcoal.Hex())).Padding(0, 1)
)
