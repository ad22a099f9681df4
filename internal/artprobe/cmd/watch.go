package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"artprobe/internal/artprobe/styles"
	"artprobe/internal/intercept"
	"artprobe/internal/settings"
)

var watchCmd = &cobra.Command{
	Use:   "watch <settings-file>",
	Short: "Follow a settings file and show the effective filter state",
	Long: `Follow a key=value settings file and print every change together with the
filter state it produces. With --set, append settings to the file instead.`,
	Example: `
artprobe watch /tmp/artprobe.settings
artprobe watch /tmp/artprobe.settings --set filterThreadId=4711 --set filterTimes=-1
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		sets, _ := cmd.Flags().GetStringArray("set")
		if len(sets) > 0 {
			return appendSettings(path, sets)
		}

		out := cmd.OutOrStdout()
		store := settings.NewStore()
		state := intercept.NewFilterState()
		defer store.Subscribe(state)()
		defer store.Subscribe(settings.SubscriberFunc(func(key, value string) {
			fmt.Fprintf(out, "%s %s = %s\n",
				styles.Address.Render(time.Now().Format(time.TimeOnly)),
				styles.Name.Render(key), value)
			fmt.Fprintln(out, styles.Subtle.Render(describeFilterState(state)))
		}))()

		fmt.Fprintln(out, styles.Title.Render("watching "+path))
		return settings.Follow(cmd.Context(), path, store)
	},
}

func init() {
	watchCmd.Flags().StringArray("set", nil, "Append key=value to the settings file")
}

func describeFilterState(s *intercept.FilterState) string {
	budget := fmt.Sprint(s.Budget())
	if s.Budget() < 0 {
		budget = "unlimited"
	}
	thread := fmt.Sprint(s.ThreadID())
	if s.ThreadID() == intercept.AnyThread {
		thread = "any"
	}
	prefixes := "all"
	if p := s.Prefixes(); len(p) > 0 {
		prefixes = fmt.Sprint(p)
	}
	return fmt.Sprintf("  budget=%s thread=%s methods=%s", budget, thread, prefixes)
}

func appendSettings(path string, lines []string) error {
	for _, l := range lines {
		if _, _, ok, err := settings.ParseLine(l); err != nil || !ok {
			return fmt.Errorf("--set %q: want key=value", l)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(f, l); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
