package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"treasury-agent/internal/app"
)

var (
	analyzeThreshold   float64
	analyzeSubmitterID string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <address-or-handle>",
	Short: "Evaluate one asset and queue it when it clears the bar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.AnalyzeOptions{
			Identifier:  args[0],
			SubmitterID: analyzeSubmitterID,
		}

		// Only an explicitly given flag overrides the configured threshold;
		// --threshold=0 means accept everything, not "use the default".
		if cmd.Flags().Changed("threshold") {
			if analyzeThreshold < 0 || analyzeThreshold > 1 {
				return fmt.Errorf("--threshold must be within [0,1]")
			}
			opts.Threshold = &analyzeThreshold
		}

		return getApp().Analyze(cmd.Context(), opts)
	},
}

func init() {
	analyzeCmd.Flags().Float64Var(&analyzeThreshold, "threshold", 0, "Confidence threshold override (defaults to config)")
	analyzeCmd.Flags().StringVar(&analyzeSubmitterID, "submitter", "", "Identifier of the person requesting the analysis")
}
