package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca"
	"github.com/tgfeed/tca/internal/types"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store row counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withReader(cmd, func(ctx context.Context, r *tca.Reader) error {
			stats, err := r.Stats(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				out, err := json.MarshalIndent(stats, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			fmt.Printf("Accounts:       %d\n", stats.Accounts)
			fmt.Printf("Channels:       %d\n", stats.Channels)
			fmt.Printf("Raw messages:   %d\n", stats.RawMessages)
			fmt.Printf("Items:          %d", stats.Items)
			if len(stats.ItemsByState) > 0 {
				fmt.Print("  (")
				first := true
				for _, state := range []types.DedupeState{types.DedupePending, types.DedupeDone, types.DedupeFailed} {
					if n, ok := stats.ItemsByState[state]; ok && n > 0 {
						if !first {
							fmt.Print(", ")
						}
						fmt.Printf("%s %d", state, n)
						first = false
					}
				}
				fmt.Print(")")
			}
			fmt.Println()
			fmt.Printf("Clusters:       %d\n", stats.Clusters)
			fmt.Printf("Decisions:      %d\n", stats.Decisions)
			fmt.Printf("Poll jobs:      %d\n", stats.PollJobs)
			fmt.Printf("Ingest errors:  %d\n", stats.IngestErrors)
			fmt.Printf("Notifications:  %d (%d unacked)\n", stats.Notifications, stats.UnackedNotices)
			return nil
		})
	},
}

func init() {
	statsCmd.Flags().Bool("json", false, "Machine-readable output")
	rootCmd.AddCommand(statsCmd)
}
