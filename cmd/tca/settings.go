package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca/internal/app"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect and tune runtime settings",
	Long: `Runtime settings are JSON documents keyed by dotted names. Writes are
validated against the key's expected type; unsetting a key lets the seeded
default show through again.`,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting's raw JSON value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			raw, err := a.Settings().GetRaw(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(raw)
			return nil
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <json-value>",
	Short: "Store a setting",
	Long: `Store a setting. The value must be a standalone JSON document of the
key's expected type.

Examples:
  tca settings set dedupe.horizon_minutes 2880
  tca settings set scheduler.jitter_pct 0.15`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Settings().Set(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", args[0], args[1])
			return nil
		})
	},
}

var settingsUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Delete a stored setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Settings().Unset(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s unset\n", args[0])
			return nil
		})
	},
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			settings, err := a.Settings().List(ctx)
			if err != nil {
				return err
			}
			for _, s := range settings {
				fmt.Printf("%-32s %s\n", s.Key, s.Value)
			}
			return nil
		})
	},
}

func init() {
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd, settingsUnsetCmd, settingsListCmd)
	rootCmd.AddCommand(settingsCmd)
}
