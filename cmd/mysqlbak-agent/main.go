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

	"github.com/nishisan-dev/mysqlbak/internal/agent"
	"github.com/nishisan-dev/mysqlbak/internal/config"
	"github.com/nishisan-dev/mysqlbak/internal/faults"
	"github.com/nishisan-dev/mysqlbak/internal/logging"
)

// Exit codes: 0 sucesso, 64 uso, 65 dados/integridade, 69 serviço
// indisponível (auth/storage), 73 I/O, 124 timeout.
const (
	exitOK          = 0
	exitUsage       = 64
	exitData        = 65
	exitUnavailable = 69
	exitIO          = 73
	exitTimeout     = 124
)

func main() {
	configPath := flag.String("config", "/etc/mysqlbak/agent.yaml", "path to agent config file")
	filePath := flag.String("file", "", "backup artifact to transfer")
	resumeToken := flag.String("resume", "", "resume token of an interrupted transfer")
	progress := flag.Bool("progress", false, "render a progress bar on stderr")
	flag.Parse()

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "Usage: mysqlbak-agent -config <path> -file <artifact> [-resume <token>]")
		os.Exit(exitUsage)
	}

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(exitUsage)
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
		logger.Info("received signal, cancelling transfer", "signal", sig)
		cancel()
	}()

	client, err := agent.NewClient(cfg, logger)
	if err != nil {
		logger.Error("agent init failed", "error", err)
		os.Exit(exitUsage)
	}
	client.ShowProgress = *progress

	var result agent.TransferResult
	if *resumeToken != "" {
		result = client.Resume(ctx, *filePath, *resumeToken)
	} else {
		result = client.Transfer(ctx, *filePath)
	}

	if result.Success {
		logger.Info("done",
			"file", *filePath,
			"bytes", result.BytesTransferred,
			"path", result.FinalPath,
			"duration", result.Duration,
		)
		os.Exit(exitOK)
	}

	logger.Error("transfer failed",
		"file", *filePath,
		"kind", string(result.ErrorKind),
		"error", result.ErrorMessage,
		"attempts", result.Attempts,
		"resume_token", result.ResumeToken,
	)
	os.Exit(exitCode(result.ErrorKind))
}

// exitCode mapeia o kind da falha para o exit code do processo.
func exitCode(kind faults.Kind) int {
	switch kind {
	case faults.KindAuth, faults.KindAuthz, faults.KindTokenExpired,
		faults.KindLockedOut, faults.KindStorageFull, faults.KindUnavailable:
		return exitUnavailable
	case faults.KindIntegrity, faults.KindChecksum, faults.KindOrder, faults.KindProtocol:
		return exitData
	case faults.KindTimeout:
		return exitTimeout
	case faults.KindTransport:
		return exitIO
	default:
		return exitIO
	}
}
