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
	"github.com/tgfeed/tca/internal/types"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage Telegram accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an account's API credentials",
	Long: `Register a Telegram application credential pair. The api hash is
encrypted before it touches the store. Sign the account in afterwards with
'tca login'.

Examples:
  tca account add --api-id 123456 --api-hash 0123456789abcdef`,
	RunE: func(cmd *cobra.Command, args []string) error {
		apiID, _ := cmd.Flags().GetInt64("api-id")
		apiHash, _ := cmd.Flags().GetString("api-hash")
		if apiID <= 0 {
			return errors.New("--api-id is required")
		}
		return withUnlockedApp(cmd, func(ctx context.Context, a *app.App) error {
			hash := strings.TrimSpace(apiHash)
			if hash == "" {
				var err error
				hash, err = promptSecret("API hash: ")
				if err != nil {
					return err
				}
				if hash == "" {
					return errors.New("api hash is required")
				}
			}

			enc, err := a.Secrets().Keyring().Encrypt([]byte(hash))
			if err != nil {
				return err
			}
			version, err := a.Secrets().CurrentKeyVersion(ctx)
			if err != nil {
				return err
			}
			acct := &types.Account{APIID: apiID, APIHashEnc: enc, KeyVersion: int(version)}
			if err := a.Writer().Submit(ctx, func(tx *sql.Tx) error {
				return repo.CreateAccount(ctx, tx, acct)
			}); err != nil {
				return err
			}
			fmt.Printf("Account %d created (api_id %d); run 'tca login --account %d --phone <number>'\n",
				acct.ID, apiID, acct.ID)
			return nil
		})
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			accounts, err := listAllPages(func(page repo.Page) ([]*types.Account, error) {
				return repo.ListAccounts(ctx, a.Store().Read(), page)
			})
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Println("No accounts. Add one with 'tca account add'.")
				return nil
			}
			fmt.Printf("%-5s %-10s %-12s %-20s %s\n", "ID", "API_ID", "SESSION", "PAUSED", "CREATED")
			for _, acct := range accounts {
				paused := "-"
				if acct.Paused() {
					paused = acct.PausedAt.UTC().Format("2006-01-02 15:04")
					if acct.PauseReason != "" {
						paused += " (" + acct.PauseReason + ")"
					}
				}
				session := "none"
				if len(acct.SessionEnc) > 0 {
					session = "stored"
				}
				fmt.Printf("%-5d %-10d %-12s %-20s %s\n",
					acct.ID, acct.APIID, session, paused, acct.CreatedAt.UTC().Format("2006-01-02"))
			}
			return nil
		})
	},
}

var accountResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Clear an account pause",
	Long: `Clear a pause set by the risk escalation path or an operator. Polling of
the account's channels resumes on the next scheduler tick.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid account id %q", args[0])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Writer().Submit(ctx, func(tx *sql.Tx) error {
				return repo.ResumeAccount(ctx, tx, id)
			}); err != nil {
				return err
			}
			fmt.Printf("Account %d resumed\n", id)
			return nil
		})
	},
}

// listAllPages drains a paged repo list call.
func listAllPages[T any](list func(repo.Page) ([]T, error)) ([]T, error) {
	var out []T
	for page := 1; ; page++ {
		batch, err := list(repo.Page{Number: page, Size: repo.MaxPageSize})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < repo.MaxPageSize {
			return out, nil
		}
	}
}

func init() {
	accountAddCmd.Flags().Int64("api-id", 0, "Telegram application api_id")
	accountAddCmd.Flags().String("api-hash", "", "Telegram application api_hash (prompted when omitted)")
	accountCmd.AddCommand(accountAddCmd, accountListCmd, accountResumeCmd)
	rootCmd.AddCommand(accountCmd)
}
