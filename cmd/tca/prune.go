package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca/internal/app"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Retention maintenance",
}

var pruneNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Delete rows past the retention horizons",
	Long: `Run one retention sweep immediately. Raw messages, ingest errors and
(when item retention is enabled) items past their horizons are deleted in a
single transaction; clusters that lose their representative get a new one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			stats, err := a.Pruner().Run(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Pruned: %d raw messages, %d ingest errors\n", stats.RawMessages, stats.IngestErrors)
			if stats.ItemRetention {
				fmt.Printf("        %d items, %d clusters, %d members; %d representatives recomputed\n",
					stats.Items, stats.Clusters, stats.Members, stats.Recomputed)
			} else {
				fmt.Println("        item retention disabled; items kept")
			}
			return nil
		})
	},
}

func init() {
	pruneCmd.AddCommand(pruneNowCmd)
	rootCmd.AddCommand(pruneCmd)
}
