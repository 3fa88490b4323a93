// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/mysqlbak/internal/config"
	"github.com/nishisan-dev/mysqlbak/internal/logging"
	"github.com/nishisan-dev/mysqlbak/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/mysqlbak/server.yaml", "path to server config file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(64)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if logCloser != nil {
		defer logCloser.Close()
	}

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("server init failed", "error", err)
		os.Exit(69)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(69)
	}
}
