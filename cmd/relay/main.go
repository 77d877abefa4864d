package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relay/internal/broadcast"
	"relay/internal/config"
	"relay/internal/conversation"
	"relay/internal/engine"
	"relay/internal/llm"
	"relay/internal/logging"
	"relay/internal/preparer"
	"relay/internal/registry"
	relayhttp "relay/internal/server/http"
	"relay/internal/toolserver"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Streaming tool-execution chat backend",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewComponentLogger("Server")

	store, err := conversation.NewStore(cfg.StorageDir, logging.NewComponentLogger("Store"))
	if err != nil {
		return err
	}

	servers := make([]*toolserver.Client, 0, len(cfg.ToolServers))
	for _, ts := range cfg.ToolServers {
		servers = append(servers, toolserver.NewClient(ts.Name, ts.BaseURL, time.Duration(ts.Timeout)*time.Second))
	}
	reg := registry.New(servers, logging.NewComponentLogger("Registry"))

	discoverCtx, cancelDiscover := context.WithTimeout(context.Background(), 30*time.Second)
	reg.Discover(discoverCtx)
	cancelDiscover()

	client := llm.NewOpenAIClient(cfg.LLM)
	broadcaster := broadcast.New(logging.NewComponentLogger("Broadcaster"))

	deps := relayhttp.Deps{
		Config:      cfg,
		Store:       store,
		Detector:    conversation.NewDetector(cfg.Dedup),
		Reconciler:  conversation.NewReconciler(store, logging.NewComponentLogger("Reconciler")),
		Preparer:    preparer.New(store, cfg.LLM.HistoryTokenBudget, logging.NewComponentLogger("Preparer")),
		Engine:      engine.New(client, reg, store, cfg.Engine.MaxIterations, logging.NewComponentLogger("Engine")),
		Registry:    reg,
		Broadcaster: broadcaster,
		Logger:      logging.NewComponentLogger("HTTP"),
	}

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     relayhttp.NewRouter(deps),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: completion streams have no hard deadline.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
