package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwohlman/mailpipe/internal/api"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the delivery pipeline server",
	Long: `Starts the pipeline with the configured store, directory and delivery
provider, optionally with the background autoprocessor and the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := buildPipeline(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("starting pipeline: %w", err)
		}

		var srv *api.Server
		if cfg.API.Enabled {
			srv = api.NewServer(cfg.API.Listen, p, slog.Default())
			srv.Start()
		}

		slog.Info("Mailpipe running",
			"queue", cfg.Pipeline.Queue,
			"autoprocess", cfg.Pipeline.Autoprocess,
			"store", cfg.Store.Type,
			"provider", cfg.Provider.Type,
		)

		<-ctx.Done()
		slog.Info("Shutting down")

		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("API shutdown failed", "error", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
