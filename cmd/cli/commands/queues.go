package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// GetQueuesCmd returns the queues command
func GetQueuesCmd() *cobra.Command {
	queuesCmd := &cobra.Command{
		Use:   "queues",
		Short: "Inspect the job queues",
	}
	queuesCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show depth, status counts and success rate per queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := apiClient.GetQueueStats(context.Background())
			if err != nil {
				return fmt.Errorf("error fetching queue stats: %w", err)
			}
			return printJSON(cmd, stats)
		},
	})
	return queuesCmd
}
