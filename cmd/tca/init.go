package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca/internal/app"
	"github.com/tgfeed/tca/internal/config"
	"github.com/tgfeed/tca/internal/settings"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create and initialize the store",
	Long: `Create the store file, run migrations, seed default settings, establish
the key-encryption key, and generate the one-time bootstrap token.

In interactive mode the passphrase is prompted twice; in auto-unlock mode it
comes from the configured secret file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if _, err := a.Settings().String(ctx, settings.KeyKEKSalt); err == nil {
				return fmt.Errorf("store %s is already initialized", cfg.DBPath)
			} else if !errors.Is(err, settings.ErrMissingSeed) {
				return err
			}

			if cfg.Mode == config.ModeAutoUnlock {
				if err := a.Unlock(ctx, ""); err != nil {
					return err
				}
			} else {
				pass, err := promptSecret("New passphrase: ")
				if err != nil {
					return err
				}
				confirm, err := promptSecret("Confirm passphrase: ")
				if err != nil {
					return err
				}
				if pass != confirm {
					return errors.New("passphrases do not match")
				}
				if err := a.Unlock(ctx, pass); err != nil {
					return err
				}
			}

			if _, err := a.EnsureBootstrap(ctx); err != nil {
				return err
			}
			fmt.Printf("Store initialized at %s\n", cfg.DBPath)
			fmt.Printf("Bootstrap token written to %s (shown once, keep it safe)\n", cfg.TokenFile)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
