package cli

import (
	"github.com/spf13/cobra"

	"treasury-agent/internal/app"
)

var queueStatus string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Display the suggestion queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Queue(cmd.Context(), app.QueueOptions{
			Status: queueStatus,
		})
	},
}

func init() {
	queueCmd.Flags().StringVar(&queueStatus, "status", "", "Filter by status (pending, processing, completed, failed)")
}
