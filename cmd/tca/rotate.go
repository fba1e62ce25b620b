package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca/internal/app"
)

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Re-encrypt all secrets under a new passphrase",
	Long: `Rewrap every account's key material under a key derived from a new
passphrase. The old passphrase unlocks first; progress persists per batch, so
an interrupted rotation resumes when re-run with the same new passphrase.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUnlockedApp(cmd, func(ctx context.Context, a *app.App) error {
			newPass, err := promptSecret("New passphrase: ")
			if err != nil {
				return err
			}
			if newPass == "" {
				return errors.New("passphrase must not be empty")
			}
			confirm, err := promptSecret("Confirm new passphrase: ")
			if err != nil {
				return err
			}
			if newPass != confirm {
				return errors.New("passphrases do not match")
			}

			report, err := a.Secrets().RotateKey(ctx, newPass, time.Now)
			if err != nil {
				return err
			}
			if report.Resumed {
				fmt.Printf("Rotation to key version %d resumed: %d accounts rewrapped this run\n",
					report.TargetVersion, report.AccountsRotated)
			} else {
				fmt.Printf("Rotated to key version %d: %d accounts rewrapped\n",
					report.TargetVersion, report.AccountsRotated)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(rotateKeyCmd)
}
