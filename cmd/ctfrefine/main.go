package main

import (
	"context"
	"fmt"
	"os"

	"ctfrefine/internal/cli"
	"ctfrefine/internal/config"
	"ctfrefine/internal/logging"
	"ctfrefine/internal/pipeline"
	"ctfrefine/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ctfrefine:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", cfg.Paths.DatabasePath, err)
	}
	defer store.Close()

	pipe := pipeline.New(context.Background(), cfg.Processing.Threads, log, store, cfg)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).Execute()
}
