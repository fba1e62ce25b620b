package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca/internal/app"
	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/timeparse"
	"github.com/tgfeed/tca/internal/types"
)

var channelCmd = &cobra.Command{
	Use:     "channel",
	Aliases: []string{"channels"},
	Short:   "Manage tracked channels",
}

var channelAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Track a channel on an account",
	Long: `Track a channel. Public channels are resolved by username over the
account's connection; private ones are registered directly by their numeric
id and pick up an access hash on first successful fetch.

Examples:
  tca channel add --account 1 --username durov
  tca channel add --account 1 --tg-id 1006503122 --name "Backup feed"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, _ := cmd.Flags().GetInt64("account")
		username, _ := cmd.Flags().GetString("username")
		tgID, _ := cmd.Flags().GetInt64("tg-id")
		name, _ := cmd.Flags().GetString("name")
		if accountID <= 0 {
			return errors.New("--account is required")
		}
		if (username == "") == (tgID == 0) {
			return errors.New("exactly one of --username or --tg-id is required")
		}

		if username != "" {
			return withUnlockedApp(cmd, func(ctx context.Context, a *app.App) error {
				client, err := a.Upstream().ClientFor(ctx, accountID)
				if err != nil {
					return err
				}
				info, err := client.ResolveChannel(ctx, username)
				if err != nil {
					return err
				}
				if name == "" {
					name = info.Title
				}
				ch := &types.Channel{
					AccountID:   accountID,
					TGChannelID: info.TGChannelID,
					AccessHash:  &info.AccessHash,
					Name:        name,
					Username:    info.Username,
					IsEnabled:   true,
				}
				return createChannel(ctx, a, ch)
			})
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if name == "" {
				name = fmt.Sprintf("channel %d", tgID)
			}
			ch := &types.Channel{
				AccountID:   accountID,
				TGChannelID: tgID,
				Name:        name,
				IsEnabled:   true,
			}
			return createChannel(ctx, a, ch)
		})
	},
}

func createChannel(ctx context.Context, a *app.App, ch *types.Channel) error {
	if err := a.Writer().Submit(ctx, func(tx *sql.Tx) error {
		return repo.CreateChannel(ctx, tx, ch)
	}); err != nil {
		return err
	}
	fmt.Printf("Channel %d created: %s (tg %d)\n", ch.ID, ch.Name, ch.TGChannelID)
	return nil
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		groupRef, _ := cmd.Flags().GetString("group")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			list := func(page repo.Page) ([]*types.Channel, error) {
				return repo.ListChannels(ctx, a.Store().Read(), page)
			}
			if groupRef != "" {
				g, err := resolveGroup(ctx, a, groupRef)
				if err != nil {
					return err
				}
				list = func(page repo.Page) ([]*types.Channel, error) {
					return repo.ListGroupChannels(ctx, a.Store().Read(), g.ID, page)
				}
			}
			channels, err := listAllPages(list)
			if err != nil {
				return err
			}
			now := time.Now()
			shown := 0
			fmt.Printf("%-5s %-7s %-12s %-24s %-16s %-8s %s\n",
				"ID", "ACCT", "TG_ID", "NAME", "USERNAME", "ENABLED", "PAUSED")
			for _, ch := range channels {
				if !all && !ch.IsEnabled {
					continue
				}
				shown++
				paused := "-"
				state, err := repo.GetChannelState(ctx, a.Store().Read(), ch.ID)
				if err == nil && state.PausedAt(now) {
					paused = "until " + state.PausedUntil.UTC().Format("2006-01-02 15:04")
				}
				fmt.Printf("%-5d %-7d %-12d %-24s %-16s %-8t %s\n",
					ch.ID, ch.AccountID, ch.TGChannelID, truncate(ch.Name, 24), ch.Username, ch.IsEnabled, paused)
			}
			if shown == 0 {
				fmt.Println("(no channels; disabled ones show with --all)")
			}
			return nil
		})
	},
}

var channelEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable polling of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setChannelEnabled(cmd, args[0], true)
	},
}

var channelDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable polling of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setChannelEnabled(cmd, args[0], false)
	},
}

func setChannelEnabled(cmd *cobra.Command, arg string, enabled bool) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid channel id %q", arg)
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if err := a.Writer().Submit(ctx, func(tx *sql.Tx) error {
			return repo.SetChannelEnabled(ctx, tx, id, enabled)
		}); err != nil {
			return err
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Printf("Channel %d %s\n", id, state)
		return nil
	})
}

var channelPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause polling of a channel until a point in time",
	Long: `Pause polling until the given time. --until accepts compact offsets
("2h", "3d"), absolute stamps ("2026-09-01 18:00") and natural language
("tomorrow", "next monday").`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid channel id %q", args[0])
		}
		untilExpr, _ := cmd.Flags().GetString("until")
		if untilExpr == "" {
			return errors.New("--until is required")
		}
		now := time.Now()
		until, err := timeparse.Parse(untilExpr, now)
		if err != nil {
			return err
		}
		if !until.After(now) {
			return fmt.Errorf("--until %q resolves to %s, which is in the past", untilExpr, until.Format(time.RFC3339))
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Writer().Submit(ctx, func(tx *sql.Tx) error {
				return repo.SetChannelPause(ctx, tx, id, &until, now)
			}); err != nil {
				return err
			}
			fmt.Printf("Channel %d paused until %s\n", id, until.UTC().Format(time.RFC3339))
			return nil
		})
	},
}

var channelResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Clear a channel pause",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid channel id %q", args[0])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Writer().Submit(ctx, func(tx *sql.Tx) error {
				return repo.SetChannelPause(ctx, tx, id, nil, time.Now())
			}); err != nil {
				return err
			}
			fmt.Printf("Channel %d resumed\n", id)
			return nil
		})
	},
}

var channelResetCursorCmd = &cobra.Command{
	Use:   "reset-cursor <id>",
	Short: "Restart a channel's ingest from the oldest history",
	Long: `Clear the channel's poll cursor so the next poll starts over. Stored
messages are keyed by (channel, message id), so a reset re-reads history
without duplicating anything. Use it to recover from a corrupt cursor or to
backfill after raising retention.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid channel id %q", args[0])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Writer().Submit(ctx, func(tx *sql.Tx) error {
				return repo.ResetChannelCursor(ctx, tx, id, time.Now().UTC())
			}); err != nil {
				return err
			}
			fmt.Printf("Channel %d cursor reset; the next poll starts from the beginning\n", id)
			return nil
		})
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func init() {
	channelAddCmd.Flags().Int64("account", 0, "Account id the channel is polled through")
	channelAddCmd.Flags().String("username", "", "Public channel username (resolved upstream)")
	channelAddCmd.Flags().Int64("tg-id", 0, "Numeric channel id (no resolution)")
	channelAddCmd.Flags().String("name", "", "Display name (defaults to the resolved title)")
	channelListCmd.Flags().Bool("all", false, "Include disabled channels")
	channelListCmd.Flags().String("group", "", "Only channels in this group (id or name)")
	channelPauseCmd.Flags().String("until", "", "When to resume (duration, stamp, or natural language)")
	channelCmd.AddCommand(channelAddCmd, channelListCmd, channelEnableCmd, channelDisableCmd,
		channelPauseCmd, channelResumeCmd, channelResetCursorCmd)
	rootCmd.AddCommand(channelCmd)
}
