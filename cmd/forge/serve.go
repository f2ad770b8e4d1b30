package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/forge/internal/approval"
	"github.com/kingrea/forge/internal/config"
	"github.com/kingrea/forge/internal/server"
)

// serveCmd runs the orchestrator and its HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator HTTP API",
	Long: `Run the orchestrator behind its HTTP API. The server accepts batch
submissions, streams batch events over SSE, exports evidence and takes
approval decisions from authorities holding a bearer token.

The process drains on SIGINT or SIGTERM: new requests are refused while
in-flight requests finish.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(projectDir)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger.Logger

	if cfg.Project.Specs.Watch {
		if err := a.specs.Watch(ctx); err != nil {
			logger.Warn("spec watch unavailable", zap.Error(err))
		} else {
			go logChanges(ctx, logger, a.specs.Changes())
		}
	}
	go a.gate.RunSweeper(ctx, cfg.Project.Approvals.PollInterval)

	opts := []server.Option{server.WithLogger(logger.Named("server"))}
	if a.metrics != nil {
		opts = append(opts, server.WithMetrics(a.metrics.Handler()))
	}
	if secret := cfg.Project.Approvals.TokenSecret(); len(secret) > 0 {
		opts = append(opts, server.WithVerifier(approval.NewTokenVerifier(secret)))
	} else {
		logger.Warn("approval decisions disabled", zap.String("env", cfg.Project.Approvals.TokenSecretEnv))
	}
	srv := server.New(cfg.Project.Server, a.orch, a.gate, a.router, opts...)

	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "forge listening on %s\n", srv.BaseURL())

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Project.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func logChanges(ctx context.Context, logger *zap.Logger, changes <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-changes:
			if !ok {
				return
			}
			logger.Info("contract changed", zap.String("contract", id))
		}
	}
}
