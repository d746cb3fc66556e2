package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agent_runtime/internal/config"
	"agent_runtime/internal/service/session"
	"agent_runtime/pkg/allowlist"
	"agent_runtime/pkg/events"
	"agent_runtime/pkg/llm"
	"agent_runtime/pkg/logging"
	"agent_runtime/pkg/server"
	"agent_runtime/pkg/store"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP intake and session workers",
	RunE:  runServe,
}

var serveFlags struct {
	listen string
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.listen, "listen", "", "listen address (overrides listen_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serveFlags.listen != "" {
		cfg.ListenAddr = serveFlags.listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.NewWithLevel(os.Stdout, cfg.LogJSON, logging.ParseLevel(cfg.LogLevel))
	ctx, stop := signal.NotifyContext(log.WithContext(cmd.Context()), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !config.Exists() {
		log.Info("no config file found, using defaults and environment", "global", config.GlobalPath())
	}

	ipAllowlist, err := allowlist.Parse(cfg.IPAllowlist)
	if err != nil {
		return fmt.Errorf("allowlist: %w", err)
	}

	client, err := llm.NewModelClient(llm.ConfigFromRuntime(cfg.LLM))
	if err != nil {
		return fmt.Errorf("model client: %w", err)
	}
	log.Info("model client ready", "provider", client.Name(), "model", cfg.LLM.LLMAPIModel)

	opts := []session.Option{session.WithLogger(log)}

	if cfg.Store.Path != "" {
		st, err := store.Open(store.Config{Path: cfg.Store.Path, PoolSize: cfg.Store.PoolSize, Logger: log})
		if err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts, session.WithStore(st))
		log.Info("event store opened", "path", cfg.Store.Path)
	}

	if cfg.NATS.Enabled {
		broker, err := events.StartEmbedded(ctx, events.EmbeddedOptions{StoreDir: cfg.NATS.StoreDir, Port: cfg.NATS.Port})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(log.WithContext(context.Background()), shutdownTimeout)
			defer cancel()
			if err := broker.Shutdown(shutdownCtx); err != nil {
				log.Warn("nats shutdown", "error", err)
			}
		}()
		opts = append(opts, session.WithEventHandler(events.NewNATSPublisher(broker.Conn())))
	}

	sessions := session.NewManager(ctx, cfg.Session(), client, opts...)
	srv := server.New(sessions, ipAllowlist).WithLogger(log)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr, "workspace_root", cfg.WorkspaceRoot)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(log.WithContext(context.Background()), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	sessions.Shutdown(shutdownCtx)
	return nil
}
