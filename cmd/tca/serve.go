package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca"
	"github.com/tgfeed/tca/internal/app"
	"github.com/tgfeed/tca/internal/telemetry"
)

// shutdownTimeout bounds the teardown sequence after SIGINT/SIGTERM.
const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine until interrupted",
	Long: `Run the full engine: unlock key material, re-enqueue leftover poll jobs,
and start the scheduler, ingest workers, and nightly maintenance loop.
Stops cleanly on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := telemetry.Init(ctx, "tca", tca.Version); err != nil {
			return err
		}
		defer telemetry.Shutdown(context.Background())

		a, err := app.Open(ctx, cfg, app.Options{})
		if err != nil {
			return err
		}
		started := false
		defer func() {
			if !started {
				_ = a.Close(context.Background())
			}
		}()

		if err := unlockApp(ctx, a); err != nil {
			return err
		}
		created, err := a.EnsureBootstrap(ctx)
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("Bootstrap token written to %s (shown once, keep it safe)\n", cfg.TokenFile)
		}
		if err := a.Start(ctx); err != nil {
			return err
		}
		started = true
		fmt.Printf("tca %s serving, store %s\n", tca.Version, cfg.DBPath)

		<-ctx.Done()
		stop()
		fmt.Println("shutting down")

		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Shutdown(shCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
