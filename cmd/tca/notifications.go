package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca"
	"github.com/tgfeed/tca/internal/app"
	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/types"
	"github.com/tgfeed/tca/internal/ui"
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "Review operator notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		unacked, _ := cmd.Flags().GetBool("unacked")
		return withReader(cmd, func(ctx context.Context, r *tca.Reader) error {
			notifications, err := listAllPages(func(page repo.Page) ([]*types.Notification, error) {
				return r.Notifications(ctx, unacked, page)
			})
			if err != nil {
				return err
			}
			if len(notifications) == 0 {
				fmt.Println("No notifications.")
				return nil
			}
			for _, n := range notifications {
				marker := ui.RenderMuted("·")
				if !n.IsAcknowledged {
					marker = ui.Severity(string(n.Severity)).Render(ui.IconWarn)
				}
				fmt.Printf("%s %-5d %-19s %-8s %-24s %s\n",
					marker, n.ID, n.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
					ui.Severity(string(n.Severity)).Render(string(n.Severity)),
					n.Type, n.Message)
			}
			return nil
		})
	},
}

var notificationsAckCmd = &cobra.Command{
	Use:   "ack <id>",
	Short: "Acknowledge a notification",
	Long: `Mark a notification as handled. Acknowledging twice is fine; the
original acknowledgement time is kept.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid notification id %q", args[0])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			var ackedAt time.Time
			if err := a.Writer().Submit(ctx, func(tx *sql.Tx) error {
				var err error
				ackedAt, err = repo.AcknowledgeNotification(ctx, tx, id, time.Now().UTC())
				return err
			}); err != nil {
				return err
			}
			fmt.Printf("Notification %d acknowledged at %s\n", id, ackedAt.UTC().Format(time.RFC3339))
			return nil
		})
	},
}

func init() {
	notificationsListCmd.Flags().Bool("unacked", false, "Show only unacknowledged notifications")
	notificationsCmd.AddCommand(notificationsListCmd, notificationsAckCmd)
	rootCmd.AddCommand(notificationsCmd)
}
