package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca/internal/app"
	"github.com/tgfeed/tca/internal/ops"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage store snapshots",
}

var backupNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Take a snapshot immediately",
	Long: `Take an online snapshot of the store. A snapshot taken on the same day
as an earlier one replaces it; retention applies afterwards as usual.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			path, err := a.Backup().Run(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Backup written: %s\n", path)
			return nil
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List existing snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Pure directory read; no reason to touch the store.
		infos, err := ops.ListBackups(cfg.BackupDir)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No backups.")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%-12s %10d  %s\n", info.Day, info.Size, info.Path)
		}
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupNowCmd, backupListCmd)
	rootCmd.AddCommand(backupCmd)
}
