package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/learnsync/learnsync/internal/db"
	"github.com/learnsync/learnsync/internal/types"
	"github.com/learnsync/learnsync/internal/ui"
)

var backlogCmd = &cobra.Command{
	Use:     "backlog",
	GroupID: "inspect",
	Short:   "List real-time updates kept for replay",
	Long: `List the updates held in a user's replay backlog.

--since accepts:
  1. natural language ("2 hours ago", "yesterday")
  2. a duration back from now ("90m")
  3. an RFC3339 timestamp`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		deviceID, _ := cmd.Flags().GetString("device")
		sinceText, _ := cmd.Flags().GetString("since")
		format, _ := cmd.Flags().GetString("format")

		since, err := parseSince(sinceText, time.Now())
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer database.Close()

		updates, err := database.ListUpdates(cmd.Context(), userID, deviceID, since)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), format, updates, func(w io.Writer) error {
			return writeBacklogText(w, updates, since)
		})
	},
}

func init() {
	backlogCmd.Flags().StringP("user", "u", "", "User id")
	backlogCmd.Flags().StringP("device", "d", "", "Only updates this device would receive")
	backlogCmd.Flags().StringP("since", "s", "24 hours ago", "Oldest update to show")
	backlogCmd.Flags().StringP("format", "f", formatText, "Output format: text, json or yaml")
	_ = backlogCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(backlogCmd)
}

// parseSince turns a --since value into an absolute time relative to now.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a time, duration or RFC3339 timestamp", text)
	}
	return r.Time, nil
}

func writeBacklogText(w io.Writer, updates []types.RealtimeUpdate, since time.Time) error {
	if len(updates) == 0 {
		fmt.Fprintf(w, "%s No updates since %s\n", ui.RenderMuted("○"), since.Local().Format("2006-01-02 15:04:05"))
		return nil
	}
	rows := make([][]string, 0, len(updates))
	for _, u := range updates {
		targets := "all"
		if len(u.TargetDevices) > 0 {
			targets = strings.Join(u.TargetDevices, ",")
		}
		rows = append(rows, []string{
			u.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			string(u.Kind),
			string(u.DataType),
			u.RecordID,
			fmt.Sprint(u.Priority),
			targets,
		})
	}
	fmt.Fprint(w, ui.Table([]string{"CREATED", "KIND", "TYPE", "RECORD", "PRIORITY", "TARGETS"}, rows, 36))
	fmt.Fprintf(w, "\n%s %d updates\n", ui.RenderAccent("●"), len(updates))
	return nil
}
