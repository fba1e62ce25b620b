// Command tca operates the Telegram channel aggregator engine: a serving
// mode (scheduler, ingest workers, nightly ops) plus operator commands for
// accounts, channels, groups, settings, and store maintenance.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tgfeed/tca"
	"github.com/tgfeed/tca/internal/app"
	"github.com/tgfeed/tca/internal/config"
	"github.com/tgfeed/tca/internal/logging"
)

// cfg is the loaded static configuration, set by the root PersistentPreRunE
// before any command body runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "tca",
	Short: "tca - Telegram channel aggregator engine",
	Long: `tca ingests messages from Telegram channels, folds near-identical posts
into clusters, and maintains the merged thread. All state lives in a single
SQLite file; configuration comes from TCA_* environment variables or a
tca.yaml next to the working directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return err
		}
		cfg = c
		logging.Init(logging.Config{Level: c.LogLevel, JSONOutput: c.LogJSON})
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp opens the engine container for one command and closes it after.
// The keyring stays locked; commands touching credentials use
// withUnlockedApp.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.Open(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()
	return fn(ctx, a)
}

// withReader opens the store read-only without taking the lockfile, so pure
// read commands keep working while a serving engine owns the store.
func withReader(cmd *cobra.Command, fn func(ctx context.Context, r *tca.Reader) error) error {
	ctx := cmd.Context()
	r, err := tca.OpenReader(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	return fn(ctx, r)
}

// withUnlockedApp is withApp plus an unlock: the secret file in auto-unlock
// mode, a passphrase prompt otherwise.
func withUnlockedApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if err := unlockApp(ctx, a); err != nil {
			return err
		}
		return fn(ctx, a)
	})
}

func unlockApp(ctx context.Context, a *app.App) error {
	if cfg.Mode == config.ModeAutoUnlock {
		return a.Unlock(ctx, "")
	}
	pass, err := promptSecret("Passphrase: ")
	if err != nil {
		return err
	}
	return a.Unlock(ctx, pass)
}

// promptSecret reads one secret line without echo. The prompt goes to
// stderr so command output stays pipeable.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
