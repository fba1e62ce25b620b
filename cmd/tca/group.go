package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca/internal/app"
	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage channel groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			g := &types.Group{Name: args[0], Description: description}
			if err := a.Writer().Submit(ctx, func(tx *sql.Tx) error {
				return repo.CreateGroup(ctx, tx, g)
			}); err != nil {
				return err
			}
			fmt.Printf("Group %d created: %s\n", g.ID, g.Name)
			return nil
		})
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			groups, err := listAllPages(func(page repo.Page) ([]*types.Group, error) {
				return repo.ListGroups(ctx, a.Store().Read(), page)
			})
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				fmt.Println("No groups.")
				return nil
			}
			fmt.Printf("%-5s %-20s %-10s %s\n", "ID", "NAME", "HORIZON", "DESCRIPTION")
			for _, g := range groups {
				horizon := "default"
				if g.DedupeHorizonMinutes != nil {
					horizon = fmt.Sprintf("%dm", *g.DedupeHorizonMinutes)
				}
				fmt.Printf("%-5d %-20s %-10s %s\n", g.ID, truncate(g.Name, 20), horizon, g.Description)
			}
			return nil
		})
	},
}

var groupAssignCmd = &cobra.Command{
	Use:   "assign <channel-id> <group>",
	Short: "Assign a channel to a group",
	Long: `Assign a channel to a group. The group may be given by id or name.
A channel belongs to at most one group; assigning moves it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid channel id %q", args[0])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			g, err := resolveGroup(ctx, a, args[1])
			if err != nil {
				return err
			}
			if err := a.Writer().Submit(ctx, func(tx *sql.Tx) error {
				// Moving between groups goes through unassign; assigning
				// over an existing binding is a conflict.
				if err := repo.UnassignChannel(ctx, tx, channelID); err != nil {
					return err
				}
				return repo.AssignChannelToGroup(ctx, tx, channelID, g.ID)
			}); err != nil {
				return err
			}
			fmt.Printf("Channel %d assigned to group %s\n", channelID, g.Name)
			return nil
		})
	},
}

var groupUnassignCmd = &cobra.Command{
	Use:   "unassign <channel-id>",
	Short: "Remove a channel from its group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid channel id %q", args[0])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Writer().Submit(ctx, func(tx *sql.Tx) error {
				return repo.UnassignChannel(ctx, tx, channelID)
			}); err != nil {
				return err
			}
			fmt.Printf("Channel %d unassigned\n", channelID)
			return nil
		})
	},
}

var groupSetHorizonCmd = &cobra.Command{
	Use:   "set-horizon <group> <minutes|none>",
	Short: "Override a group's dedupe horizon",
	Long: `Set the group's dedupe-horizon override in minutes, or "none" to fall
back to the global setting. Changes apply to newly ingested items only.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			g, err := resolveGroup(ctx, a, args[0])
			if err != nil {
				return err
			}
			var minutes *int
			if !strings.EqualFold(args[1], "none") {
				n, err := strconv.Atoi(args[1])
				if err != nil || n <= 0 {
					return fmt.Errorf("horizon must be a positive minute count or \"none\", got %q", args[1])
				}
				minutes = &n
			}
			if err := a.Writer().Submit(ctx, func(tx *sql.Tx) error {
				return repo.SetGroupHorizon(ctx, tx, g.ID, minutes)
			}); err != nil {
				return err
			}
			if minutes == nil {
				fmt.Printf("Group %s horizon reset to the global default\n", g.Name)
			} else {
				fmt.Printf("Group %s horizon set to %dm\n", g.Name, *minutes)
			}
			return nil
		})
	},
}

// resolveGroup accepts a numeric id or a group name.
func resolveGroup(ctx context.Context, a *app.App, ref string) (*types.Group, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		g, err := repo.GetGroup(ctx, a.Store().Read(), id)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		// Fall through: a purely numeric name is legal.
	}
	return repo.GetGroupByName(ctx, a.Store().Read(), ref)
}

func init() {
	groupCreateCmd.Flags().String("description", "", "Free-form group description")
	groupCmd.AddCommand(groupCreateCmd, groupListCmd, groupAssignCmd, groupUnassignCmd, groupSetHorizonCmd)
	rootCmd.AddCommand(groupCmd)
}
