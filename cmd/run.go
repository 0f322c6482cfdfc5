package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quarrysearch/quarry-agent/internal/app"
)

// newRunCmd creates the 'run' subcommand, which starts the agent in its
// configured mode and blocks until interrupted.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Starts the agent",
		Long: `Starts the agent process. Depending on agent.mode this serves the
HTTP API ("manager"), runs the crawl loop ("worker"), or both ("all").`,
		RunE: runAgent,
	}
}

func runAgent(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer a.Close()

	logger := a.Logger
	errCh := make(chan error, 2)

	var httpServer *http.Server
	if a.Mode == app.ModeManager || a.Mode == app.ModeAll {
		httpServer = &http.Server{
			Addr:              a.ServerAddr(),
			Handler:           a.Server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http server listening", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if a.Mode == app.ModeWorker || a.Mode == app.ModeAll {
		go func() {
			if err := a.Processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("processor: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		stop()
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		}
	}
	logger.Info("agent stopped")
	return runErr
}
