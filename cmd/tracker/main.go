package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-relay/internal/db"
	"github.com/rudransh-shrivastava/peer-relay/internal/logger"
	"github.com/rudransh-shrivastava/peer-relay/internal/store"
	"github.com/rudransh-shrivastava/peer-relay/internal/tracker"
)

var monitorAddr string

var rootCmd = &cobra.Command{
	Use:   "tracker [dbPath] [clearOnStart] [port]",
	Short: "Run the peer-relay tracker",
	Long: `tracker indexes the files peers share and relays file parts between them.
Arguments fall back to DB_PATH, DB_CLEAR_ON_START and SERVER_PORT.`,
	Args:         cobra.MaximumNArgs(3),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args)
	},
}

func run(ctx context.Context, args []string) error {
	log := logger.NewLogger()

	cfg := tracker.LoadConfig(args, os.Getenv)
	cfg.Logger = log
	if monitorAddr != "" {
		cfg.MonitorAddr = monitorAddr
	}

	gdb, err := db.Open(cfg.DBPath, cfg.ClearOnStart, db.PoolConfigFromEnv(os.Getenv), log)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	defer func() {
		if err := db.Close(gdb); err != nil {
			log.Warnf("Failed to close index: %v", err)
		}
	}()
	log.Infof("Index at %s (clear on start: %t)", cfg.DBPath, cfg.ClearOnStart)

	srv, err := tracker.NewServer(cfg, store.NewIndexStore(gdb))
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = srv.Start(ctx)
	if shutdownErr := srv.Shutdown(); shutdownErr != nil {
		log.Warnf("Shutdown: %v", shutdownErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Tracker stopped")
	return nil
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&monitorAddr, "monitor", "", "serve the HTTP monitor on this address (overrides MONITOR_ADDR)")
}

func main() {
	Execute()
}
