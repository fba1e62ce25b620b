package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca/internal/app"
	"github.com/tgfeed/tca/internal/ops"
	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/settings"
	"github.com/tgfeed/tca/internal/types"
	"github.com/tgfeed/tca/internal/ui"
)

const (
	statusOK      = "ok"
	statusWarning = "warning"
	statusError   = "error"
)

type doctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type doctorResult struct {
	Path      string        `json:"path"`
	Checks    []doctorCheck `json:"checks"`
	OverallOK bool          `json:"overall_ok"`
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check store and configuration health",
	Long: `Sanity check the installation.

This command checks:
  - SQLite integrity of the store
  - That every stored setting parses as its expected type
  - That the backup directory exists and holds at least one snapshot
  - Accounts paused by risk escalation
  - Unacknowledged high-severity notifications

Exit status is 1 when any check reports an error.

Examples:
  tca doctor
  tca doctor --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		overallOK := true
		err := withApp(cmd, func(ctx context.Context, a *app.App) error {
			result := doctorResult{Path: cfg.DBPath, OverallOK: true}
			result.Checks = append(result.Checks, checkIntegrity(ctx, a))
			result.Checks = append(result.Checks, checkSettings(ctx, a))
			result.Checks = append(result.Checks, checkBackups(a))
			result.Checks = append(result.Checks, checkPausedAccounts(ctx, a))
			result.Checks = append(result.Checks, checkNotifications(ctx, a))
			for _, c := range result.Checks {
				if c.Status == statusError {
					result.OverallOK = false
				}
			}

			if asJSON {
				out, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
			} else {
				fmt.Printf("Store: %s\n\n", result.Path)
				for _, c := range result.Checks {
					icon := ui.RenderOK(ui.IconOK)
					switch c.Status {
					case statusWarning:
						icon = ui.RenderWarn(ui.IconWarn)
					case statusError:
						icon = ui.RenderFail(ui.IconFail)
					}
					fmt.Printf("%s %-20s %s\n", icon, c.Name, c.Message)
				}
			}
			overallOK = result.OverallOK
			return nil
		})
		if err != nil {
			return err
		}
		if !overallOK {
			os.Exit(1)
		}
		return nil
	},
}

func checkIntegrity(ctx context.Context, a *app.App) doctorCheck {
	c := doctorCheck{Name: "integrity", Status: statusOK, Message: "sqlite integrity_check passed"}
	var verdict string
	if err := a.Store().Read().QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&verdict); err != nil {
		c.Status = statusError
		c.Message = "integrity_check failed: " + err.Error()
		return c
	}
	if verdict != "ok" {
		c.Status = statusError
		c.Message = "integrity_check reported: " + verdict
	}
	return c
}

func checkSettings(ctx context.Context, a *app.App) doctorCheck {
	c := doctorCheck{Name: "settings", Status: statusOK}
	stored, err := a.Settings().List(ctx)
	if err != nil {
		c.Status = statusError
		c.Message = "cannot list settings: " + err.Error()
		return c
	}
	bad := 0
	for _, s := range stored {
		if _, err := settings.Parse(s.Key, s.Value); err != nil {
			bad++
			c.Message = fmt.Sprintf("%q does not parse: %v", s.Key, err)
		}
	}
	switch {
	case bad > 1:
		c.Status = statusError
		c.Message = fmt.Sprintf("%d settings do not parse (last: %s)", bad, c.Message)
	case bad == 1:
		c.Status = statusError
	default:
		c.Message = fmt.Sprintf("%d settings parse cleanly", len(stored))
	}
	return c
}

func checkBackups(a *app.App) doctorCheck {
	c := doctorCheck{Name: "backups", Status: statusOK}
	infos, err := ops.ListBackups(cfg.BackupDir)
	if err != nil {
		c.Status = statusError
		c.Message = "cannot list backups: " + err.Error()
		return c
	}
	if len(infos) == 0 {
		c.Status = statusWarning
		c.Message = "no snapshots yet (first one lands after a serve cycle, or run 'tca backup now')"
		return c
	}
	last := infos[len(infos)-1]
	c.Message = fmt.Sprintf("%d snapshots, newest %s", len(infos), last.Day)
	return c
}

func checkPausedAccounts(ctx context.Context, a *app.App) doctorCheck {
	c := doctorCheck{Name: "accounts", Status: statusOK}
	accounts, err := listAllPages(func(page repo.Page) ([]*types.Account, error) {
		return repo.ListAccounts(ctx, a.Store().Read(), page)
	})
	if err != nil {
		c.Status = statusError
		c.Message = "cannot list accounts: " + err.Error()
		return c
	}
	paused := 0
	for _, acct := range accounts {
		if acct.Paused() {
			paused++
		}
	}
	if paused > 0 {
		c.Status = statusWarning
		c.Message = fmt.Sprintf("%d of %d accounts paused (see 'tca account list')", paused, len(accounts))
		return c
	}
	c.Message = fmt.Sprintf("%d accounts, none paused", len(accounts))
	return c
}

func checkNotifications(ctx context.Context, a *app.App) doctorCheck {
	c := doctorCheck{Name: "notifications", Status: statusOK}
	stats, err := repo.GetStoreStats(ctx, a.Store().Read())
	if err != nil {
		c.Status = statusError
		c.Message = "cannot read store stats: " + err.Error()
		return c
	}
	if stats.UnackedNotices > 0 {
		c.Status = statusWarning
		c.Message = fmt.Sprintf("%d unacknowledged (see 'tca notifications list --unacked')", stats.UnackedNotices)
		return c
	}
	c.Message = "none pending"
	return c
}

func init() {
	doctorCmd.Flags().Bool("json", false, "Machine-readable output")
	rootCmd.AddCommand(doctorCmd)
}
