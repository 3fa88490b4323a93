// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o collector de backups (mysqlbak-server).
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/mysqlbak/internal/audit"
	"github.com/nishisan-dev/mysqlbak/internal/auth"
	"github.com/nishisan-dev/mysqlbak/internal/chunk"
	"github.com/nishisan-dev/mysqlbak/internal/config"
	"github.com/nishisan-dev/mysqlbak/internal/credstore"
	"github.com/nishisan-dev/mysqlbak/internal/pki"
)

// statsInterval é o período do reporter de métricas.
const statsInterval = 15 * time.Second

// Server agrega os componentes do collector e o ciclo de vida do listener.
type Server struct {
	cfg     *config.ServerConfig
	logger  *slog.Logger
	handler *Handler
	chunks  *chunk.Manager
	resume  *chunk.ResumeStore
	authSvc *auth.Service
	audit   *audit.Log
	sink    *LocalSink
}

// New monta o server a partir da configuração: credential store, auth,
// audit, resume store, chunk manager, sink local e mirror opcional.
func New(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) (*Server, error) {
	passphrase, err := cfg.Passphrase()
	if err != nil {
		return nil, err
	}

	creds, err := credstore.NewStore(cfg.Credentials.Path, passphrase)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	auditLog := audit.NewLog(cfg.Audit.Path, cfg.Audit.RotateMaxRaw, logger)

	authSvc := auth.NewService(creds, auditLog, auth.Config{
		MaxAttempts:     cfg.Auth.MaxAttempts,
		LockoutDuration: cfg.Auth.LockoutDuration,
		TokenTTL:        cfg.Auth.TokenTTL,
	}, logger)

	resume, err := chunk.NewResumeStore(cfg.Resume.Dir, cfg.Resume.TTL, logger)
	if err != nil {
		return nil, fmt.Errorf("opening resume store: %w", err)
	}

	chunks, err := chunk.NewManager(cfg.Storage.StagingDir, resume, logger)
	if err != nil {
		return nil, fmt.Errorf("opening chunk manager: %w", err)
	}

	sink, err := NewLocalSink(cfg.Storage.BaseDir, cfg.Storage.MinFreeRaw)
	if err != nil {
		return nil, err
	}

	var mirror *S3Mirror
	if cfg.Offsite.Enabled {
		mirror, err = NewS3Mirror(ctx, cfg.Offsite, logger)
		if err != nil {
			return nil, fmt.Errorf("configuring offsite mirror: %w", err)
		}
	}

	handler := NewHandler(cfg, authSvc, chunks, sink, auditLog, mirror, logger)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		chunks:  chunks,
		resume:  resume,
		authSvc: authSvc,
		audit:   auditLog,
		sink:    sink,
	}, nil
}

// Run inicia o listener (TLS por padrão) e bloqueia até o context ser
// cancelado. Plain TCP só com dev_plain_tcp: true.
func (s *Server) Run(ctx context.Context) error {
	var ln net.Listener
	var err error

	if s.cfg.Server.DevPlainTCP {
		s.logger.Warn("TLS disabled (dev_plain_tcp), development only")
		ln, err = net.Listen("tcp", s.cfg.Server.Listen)
	} else {
		var tlsCfg *tls.Config
		tlsCfg, err = pki.NewServerTLSConfig(s.cfg.TLS.ServerCert, s.cfg.TLS.ServerKey, s.cfg.TLS.CACert)
		if err != nil {
			return fmt.Errorf("configuring TLS: %w", err)
		}
		ln, err = tls.Listen("tcp", s.cfg.Server.Listen, tlsCfg)
	}
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	return s.RunWithListener(ctx, ln)
}

// RunWithListener roda o accept loop sobre um listener existente (testes
// usam um listener local). Handlers vivos são aguardados no shutdown com um
// grace period limitado.
func (s *Server) RunWithListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.logger.Info("server listening", "address", ln.Addr().String())

	go s.authSvc.Run(ctx)
	go s.statsReporter(ctx)

	sched := s.startMaintenance()
	defer sched.Stop()

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down server")
		ln.Close()
	}()

	var live sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.joinHandlers(&live)
				s.audit.Close()
				s.logger.Info("server shutdown complete")
				return nil
			default:
				s.logger.Error("accepting connection", "error", err)
				continue
			}
		}

		live.Add(1)
		go func() {
			defer live.Done()
			s.handler.HandleConnection(ctx, conn)
		}()
	}
}

// joinHandlers espera os handlers ativos até o grace period configurado.
func (s *Server) joinHandlers(live *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		live.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.Server.ShutdownGrace):
		s.logger.Warn("shutdown grace elapsed with handlers still live",
			"grace", s.cfg.Server.ShutdownGrace)
	}
}

// startMaintenance agenda as rotinas de manutenção: purge de tokens de
// resume expirados, retenção do audit log e limpeza de sessões ociosas.
func (s *Server) startMaintenance() *cron.Cron {
	sched := cron.New()

	sched.AddFunc(s.cfg.Maintenance.ResumePurgeSchedule, func() {
		purged := s.resume.PurgeExpired()
		expired := s.chunks.CleanupExpired(s.cfg.Server.SessionTTL)
		if purged > 0 || expired > 0 {
			s.logger.Info("maintenance sweep", "resume_purged", purged, "sessions_expired", expired)
		}
	})

	sched.AddFunc(s.cfg.Maintenance.AuditRetentionSchedule, func() {
		removed, err := s.audit.PurgeOlderThan(s.cfg.Audit.RetentionDays)
		if err != nil {
			s.logger.Error("audit retention purge failed", "error", err)
			return
		}
		if removed > 0 {
			s.logger.Info("audit retention purge", "removed", removed, "days", s.cfg.Audit.RetentionDays)
		}
	})

	sched.Start()
	return sched
}

// statsReporter loga métricas agregadas do server a cada 15 segundos.
func (s *Server) statsReporter(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Swap-and-reset: lê o acumulado e zera
			trafficIn := s.handler.TrafficIn.Swap(0)
			diskWrite := s.handler.DiskWrite.Swap(0)
			conns := s.handler.ActiveConns.Load()
			sessions := s.chunks.ActiveSessions()

			secs := statsInterval.Seconds()
			s.logger.Info("server stats",
				"conns", conns,
				"sessions", sessions,
				"traffic_in_MBps", fmt.Sprintf("%.2f", float64(trafficIn)/secs/(1024*1024)),
				"disk_write_MBps", fmt.Sprintf("%.2f", float64(diskWrite)/secs/(1024*1024)),
			)
		}
	}
}

// Handler expõe o handler para testes de integração.
func (s *Server) Handler() *Handler {
	return s.handler
}
