package cli

import (
	"github.com/spf13/cobra"
)

// A failed tick surfaces through RunE and exits non-zero, so cron-level
// monitoring catches broken runs.
var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one agent pass: drain the queue or discover a new asset",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Tick(cmd.Context())
	},
}
