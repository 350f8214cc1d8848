package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/learnsync/learnsync/internal/config"
	"github.com/learnsync/learnsync/internal/db"
	"github.com/learnsync/learnsync/internal/types"
	"github.com/learnsync/learnsync/internal/ui"
)

// deviceStatus is one device in the status report.
type deviceStatus struct {
	types.DeviceInfo `yaml:",inline"`
	Pending          int                       `json:"pending" yaml:"pending"`
	Cache            config.CacheConfiguration `json:"cache" yaml:"cache"`
	Sync             config.SyncConfiguration  `json:"sync" yaml:"sync"`
}

// statusReport is what `lsync status` prints.
type statusReport struct {
	UserID    string               `json:"user_id" yaml:"user_id"`
	Devices   []deviceStatus       `json:"devices" yaml:"devices"`
	Queues    []db.QueueSize       `json:"queues" yaml:"queues"`
	Conflicts []types.DataConflict `json:"conflicts" yaml:"conflicts"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show a user's devices, queued operations and open conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		format, _ := cmd.Flags().GetString("format")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer database.Close()

		report, err := buildStatus(cmd.Context(), database, cfg, userID)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), format, report, report.writeText)
	},
}

func init() {
	statusCmd.Flags().StringP("user", "u", "", "User id")
	statusCmd.Flags().StringP("format", "f", formatText, "Output format: text, json or yaml")
	_ = statusCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(statusCmd)
}

func buildStatus(ctx context.Context, database *db.DB, cfg *config.Config, userID string) (*statusReport, error) {
	devices, err := database.ListDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	queues, err := database.ListQueues(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := database.ListUnresolved(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &statusReport{UserID: userID, Conflicts: conflicts}
	pending := make(map[string]int)
	for _, qs := range queues {
		u, d, ok := splitQueueKey(qs.Key)
		if ok && u == userID {
			pending[d] = qs.Count
			report.Queues = append(report.Queues, qs)
		}
	}
	for _, d := range devices {
		report.Devices = append(report.Devices, deviceStatus{
			DeviceInfo: d,
			Pending:    pending[d.ID],
			Cache:      cfg.CacheFor(userID, d.ID),
			Sync:       cfg.SyncFor(userID, d.ID),
		})
	}
	return report, nil
}

func (r *statusReport) writeText(w io.Writer) error {
	fmt.Fprintf(w, "\n%s Sync status for %s\n\n", ui.RenderAccent("●"), r.UserID)

	if len(r.Devices) == 0 {
		fmt.Fprintf(w, "%s No devices recorded\n", ui.RenderWarn("⚠"))
	} else {
		rows := make([][]string, 0, len(r.Devices))
		for _, d := range r.Devices {
			state := ui.RenderMuted("offline")
			switch {
			case d.Online:
				state = ui.RenderPass("online")
			case d.Expired:
				state = ui.RenderWarn("expired")
			}
			strategy := string(d.Sync.Strategy)
			if strategy == "" {
				strategy = "auto"
			}
			if d.Sync.ManualResolution {
				strategy = "manual"
			}
			rows = append(rows, []string{
				d.ID,
				string(d.Class),
				state,
				d.LastSeen.Local().Format("2006-01-02 15:04:05"),
				fmt.Sprint(d.Pending),
				strategy,
				ui.FormatBytes(d.Cache.MaxBytes),
			})
		}
		fmt.Fprint(w, ui.Table([]string{"DEVICE", "CLASS", "STATE", "LAST SEEN", "QUEUED", "STRATEGY", "CACHE"}, rows, 32))
	}

	fmt.Fprintln(w)
	if len(r.Conflicts) == 0 {
		fmt.Fprintf(w, "%s No unresolved conflicts\n\n", ui.RenderPass("✓"))
		return nil
	}
	fmt.Fprintf(w, "%s %d unresolved conflicts\n", ui.RenderFail("✗"), len(r.Conflicts))
	rows := make([][]string, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		rows = append(rows, []string{
			c.ID,
			c.RecordID,
			string(c.DataType),
			string(c.Severity),
			strings.Join(c.Fields, ","),
		})
	}
	fmt.Fprint(w, ui.Table([]string{"CONFLICT", "RECORD", "TYPE", "SEVERITY", "FIELDS"}, rows, 40))
	fmt.Fprintln(w)
	return nil
}

