// Command lsync runs and inspects the learning data sync server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/learnsync/learnsync/internal/config"
	"github.com/learnsync/learnsync/internal/ui"
)

var (
	configPath string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "lsync",
	Short: "Multi-device learning data sync server",
	Long: `lsync keeps a learner's profile, progress, activities, achievements,
settings and tutor sessions consistent across their phone, browser and
extension.

Devices connect over WebSocket, push local changes, replay offline
queues and receive real-time updates from their other devices.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			ui.DisableColor()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
	)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "lsync.toml", "Path to the TOML config file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable coloured output")
}

// loadConfig reads --config. A missing file means defaults.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
