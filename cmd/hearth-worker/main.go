// ABOUTME: Entry point for the hearth-worker subprocess
// ABOUTME: Speaks newline-delimited JSON tasks over stdin/stdout

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hearthd/hearth-gateway/internal/config"
	"github.com/hearthd/hearth-gateway/internal/model"
	"github.com/hearthd/hearth-gateway/internal/worker"
)

var version = "dev"

// getConfigPath mirrors the gateway's resolution so both binaries
// read the same file. HEARTH_WORKER_CONFIG takes priority for
// workers that need a separate model configuration.
func getConfigPath() string {
	if envPath := os.Getenv("HEARTH_WORKER_CONFIG"); envPath != "" {
		return envPath
	}
	if envPath := os.Getenv("HEARTH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = homeDir + "/.config"
	}
	return configDir + "/hearth/gateway.yaml"
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run serves tasks until stdin closes or the context is canceled.
// stdout carries the protocol, so all logging goes to stderr.
func run(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	backend, err := model.New(&cfg.LLM)
	if err != nil {
		return fmt.Errorf("creating model backend: %w", err)
	}

	logger.Info("worker starting",
		"component", "worker",
		"version", version,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
	)

	runner := worker.NewRunner(backend, logger)
	if err := runner.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serving tasks: %w", err)
	}

	logger.Info("worker stopped", "component", "worker")
	return nil
}
