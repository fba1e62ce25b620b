package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca/internal/app"
)

var topologyExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export groups and channel assignments to YAML",
	Long: `Write the channel topology (groups, channels, assignments) as a YAML
document. Credentials and sessions are never exported; accounts appear only
as api_id references. "-" writes to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			data, err := app.ExportTopology(ctx, a.Store())
			if err != nil {
				return err
			}
			if args[0] == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Topology written to %s\n", args[0])
			return nil
		})
	},
}

var topologyImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import groups and channel assignments from YAML",
	Long: `Apply a topology document exported from another instance. The import is
atomic: on any error nothing is changed. Channels whose account api_id is
unknown here are skipped and reported; accounts are never created by import.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			stats, err := app.ImportTopology(ctx, a.Store(), a.Writer(), data)
			if err != nil {
				return err
			}
			fmt.Printf("Imported: %d groups created, %d channels created, %d updated\n",
				stats.GroupsCreated, stats.ChannelsCreated, stats.ChannelsUpdated)
			if len(stats.AccountsSkipped) > 0 {
				ids := make([]string, len(stats.AccountsSkipped))
				for i, id := range stats.AccountsSkipped {
					ids[i] = fmt.Sprintf("%d", id)
				}
				fmt.Printf("Skipped channels for unknown api_ids: %s (add the accounts, then re-import)\n",
					strings.Join(ids, ", "))
			}
			return nil
		})
	},
}

func init() {
	channelCmd.AddCommand(topologyExportCmd, topologyImportCmd)
}
