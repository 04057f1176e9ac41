package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gramflow-labs/gramflow/flow"
	"github.com/gramflow-labs/gramflow/instagram"
	"github.com/gramflow-labs/gramflow/nodes"
	gramotel "github.com/gramflow-labs/gramflow/otel"
	"github.com/gramflow-labs/gramflow/server"
	"github.com/gramflow-labs/gramflow/store"
)

// NewServeCmd creates the "serve" subcommand: the webhook ingress, the
// management API, and the background schedulers over a SQLite store.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background schedulers",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().String("addr", ":8080", "Listen address")
	cmd.Flags().String("db", "gramflow.db", "SQLite database path")
	cmd.Flags().String("verify-token", "", "Meta webhook verify token (or GRAMFLOW_VERIFY_TOKEN)")
	cmd.Flags().Duration("resume-poll", 5*time.Second, "Resume scheduler poll interval")
	cmd.Flags().Duration("cron-poll", 30*time.Second, "Cron scheduler poll interval")
	cmd.Flags().String("otel-endpoint", "", "OTLP/HTTP endpoint for trace export (disabled when empty)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	dbPath, _ := cmd.Flags().GetString("db")
	verifyToken, _ := cmd.Flags().GetString("verify-token")
	resumePoll, _ := cmd.Flags().GetDuration("resume-poll")
	cronPoll, _ := cmd.Flags().GetDuration("cron-poll")

	if verifyToken == "" {
		verifyToken = os.Getenv("GRAMFLOW_VERIFY_TOKEN")
	}
	if verifyToken == "" {
		return exitError(exitValidation, "a webhook verify token is required (--verify-token or GRAMFLOW_VERIFY_TOKEN)")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st, err := store.NewSQLiteStore(store.SQLiteStoreConfig{DSN: dbPath})
	if err != nil {
		return exitError(exitRuntime, "opening store: %v", err)
	}
	defer st.Close()

	reg := nodes.MustRegistry(nodes.Deps{
		Sender:   &instagram.LogSender{Logger: logger},
		Composer: &instagram.StaticComposer{},
	})

	handlers := []flow.EventHandler{flow.SlogEventHandler(logger)}
	if otelEndpoint, _ := cmd.Flags().GetString("otel-endpoint"); otelEndpoint != "" {
		tracer, shutdown, err := gramotel.SetupTracing(cmd.Context(), otelEndpoint, "gramflow")
		if err != nil {
			return exitError(exitRuntime, "otel setup: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		handlers = append(handlers, gramotel.NewTracingHandler(tracer).Handle)
	}
	events := flow.MultiEventHandler(handlers...)

	service, err := server.NewRunService(server.RunServiceConfig{
		Graphs:   st,
		Runs:     st,
		Registry: reg,
		Options:  flow.DefaultRunOptions(),
		Events:   events,
		Logger:   logger,
	})
	if err != nil {
		return exitError(exitRuntime, "wiring run service: %v", err)
	}

	resumer, err := server.NewResumeScheduler(server.ResumeSchedulerConfig{
		Service:      service,
		Runs:         st,
		PollInterval: resumePoll,
		Logger:       logger,
	})
	if err != nil {
		return exitError(exitRuntime, "wiring resume scheduler: %v", err)
	}

	croner, err := server.NewCronScheduler(server.CronSchedulerConfig{
		Service:      service,
		Graphs:       st,
		PollInterval: cronPoll,
		Logger:       logger,
	})
	if err != nil {
		return exitError(exitRuntime, "wiring cron scheduler: %v", err)
	}

	srv := server.NewServer(server.ServerConfig{
		Service:     service,
		Graphs:      st,
		Runs:        st,
		VerifyToken: verifyToken,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	resumer.Start()
	croner.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = resumer.Stop(stopCtx)
		_ = croner.Stop(stopCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown: %v", err)
		}
	}
	return nil
}
