// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package auth valida credenciais de clients, aplica lockout por tentativas
// falhas e emite tokens de curta duração. Todos os desfechos são auditados.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/mysqlbak/internal/audit"
	"github.com/nishisan-dev/mysqlbak/internal/credstore"
	"github.com/nishisan-dev/mysqlbak/internal/faults"
)

// genericDenied é a mensagem única de falha de autenticação.
// Nunca revela qual checagem falhou.
const genericDenied = "invalid credentials"

// tokenPrefix identifica tokens emitidos por este serviço.
const tokenPrefix = "TK_"

// replayWindow é a tolerância máxima entre o timestamp do request e o relógio
// do server.
const replayWindow = 5 * time.Minute

// defaultTokenTTL é a validade de um token emitido.
const defaultTokenTTL = 1 * time.Hour

// RecordSource é a visão do credential store que o serviço consome.
type RecordSource interface {
	Get(ctx context.Context, clientID string) (*credstore.ClientRecord, error)
}

// AuditSink recebe os eventos de auditoria do serviço.
type AuditSink interface {
	LogEvent(e audit.Event)
}

// Token é um token de acesso emitido após autenticação bem-sucedida.
type Token struct {
	TokenID     string
	ClientID    string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	LastUsedAt  time.Time
}

// Grant é o resultado retornado ao caller em autenticação bem-sucedida.
type Grant struct {
	TokenID     string
	ExpiresAt   time.Time
	Permissions []string
}

// Config parametriza o serviço.
type Config struct {
	MaxAttempts     int           // default 5
	LockoutDuration time.Duration // default 5m
	TokenTTL        time.Duration // default 1h
}

// Service implementa autenticação com lockout e emissão de tokens.
type Service struct {
	records RecordSource
	sink    AuditSink
	logger  *slog.Logger
	cfg     Config

	attempts *attemptTracker

	tokenMu sync.Mutex
	tokens  map[string]*Token

	// verifySecret é injetável em testes para contar comparações.
	verifySecret func(rec *credstore.ClientRecord, secret string) bool

	// now é injetável em testes.
	now func() time.Time
}

// NewService cria o serviço de autenticação.
func NewService(records RecordSource, sink AuditSink, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 5 * time.Minute
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}

	return &Service{
		records:  records,
		sink:     sink,
		logger:   logger.With("component", "auth"),
		cfg:      cfg,
		attempts: newAttemptTracker(),
		tokens:   make(map[string]*Token),
		verifySecret: func(rec *credstore.ClientRecord, secret string) bool {
			return rec.VerifySecret(secret)
		},
		now: time.Now,
	}
}

// Authenticate valida as credenciais do client.
//
// Ordem das checagens:
//  1. Replay guard: |now - requestTimestamp| <= 5 minutos.
//  2. Lockout: short-circuit sem comparação de secret.
//  3. Registro existente, ativo e não expirado; secret em tempo constante.
//
// Qualquer falha registra uma tentativa e retorna a mensagem genérica.
func (s *Service) Authenticate(ctx context.Context, clientID, secret string, requestTimestamp time.Time, sourceAddr string) (*Grant, error) {
	start := s.now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	drift := start.Sub(requestTimestamp)
	if drift < 0 {
		drift = -drift
	}
	if drift > replayWindow {
		s.fail(clientID, sourceAddr, "replay_window", start)
		return nil, faults.New(faults.KindAuth, "authenticate", clientID, genericDenied)
	}

	if s.attempts.lockedOut(clientID, s.cfg.MaxAttempts, s.cfg.LockoutDuration, start) {
		// Short-circuit: nenhuma comparação de secret durante lockout
		s.fail(clientID, sourceAddr, "locked_out", start)
		return nil, faults.New(faults.KindAuth, "authenticate", clientID, genericDenied)
	}

	rec, err := s.records.Get(ctx, clientID)
	if err != nil {
		s.fail(clientID, sourceAddr, "unknown_client", start)
		return nil, faults.New(faults.KindAuth, "authenticate", clientID, genericDenied)
	}
	if !rec.Active {
		s.fail(clientID, sourceAddr, "inactive", start)
		return nil, faults.New(faults.KindAuth, "authenticate", clientID, genericDenied)
	}
	if rec.Expired(start) {
		s.fail(clientID, sourceAddr, "expired_record", start)
		return nil, faults.New(faults.KindAuth, "authenticate", clientID, genericDenied)
	}

	if !s.verifySecret(rec, secret) {
		s.fail(clientID, sourceAddr, "bad_secret", start)
		return nil, faults.New(faults.KindAuth, "authenticate", clientID, genericDenied)
	}

	// Sucesso: limpa o bucket e emite o token
	s.attempts.reset(clientID)

	tok := s.mint(rec)

	s.sink.LogEvent(audit.Event{
		ClientID:      clientID,
		Operation:     "authenticate",
		Outcome:       audit.OutcomeSuccess,
		SourceAddress: sourceAddr,
		DurationMs:    s.now().Sub(start).Milliseconds(),
	})

	return &Grant{
		TokenID:     tok.TokenID,
		ExpiresAt:   tok.ExpiresAt,
		Permissions: tok.Permissions,
	}, nil
}

// Introspect valida um token emitido e atualiza lastUsedAt.
func (s *Service) Introspect(ctx context.Context, tokenID string) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now()

	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	tok, ok := s.tokens[tokenID]
	if !ok {
		return nil, faults.New(faults.KindNotFound, "introspect", "", "token not found")
	}
	if now.After(tok.ExpiresAt) {
		delete(s.tokens, tokenID)
		return nil, faults.New(faults.KindTokenExpired, "introspect", tok.ClientID, "token expired")
	}

	tok.LastUsedAt = now
	cp := *tok
	return &cp, nil
}

// Revoke remove um token emitido.
func (s *Service) Revoke(tokenID string) {
	s.tokenMu.Lock()
	delete(s.tokens, tokenID)
	s.tokenMu.Unlock()
}

// Run mantém o sweep periódico de buckets ociosos e tokens expirados.
// Bloqueia até o context ser cancelado.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.LockoutDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			removed := s.attempts.sweep(2*s.cfg.LockoutDuration, now)
			expired := s.sweepTokens(now)
			if removed > 0 || expired > 0 {
				s.logger.Debug("auth sweep", "buckets_removed", removed, "tokens_expired", expired)
			}
		}
	}
}

// mint cria e registra um token novo para o registro.
func (s *Service) mint(rec *credstore.ClientRecord) *Token {
	now := s.now()

	perms := make([]string, len(rec.Permissions))
	copy(perms, rec.Permissions)

	tok := &Token{
		TokenID:     newTokenID(),
		ClientID:    rec.ClientID,
		Permissions: perms,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.cfg.TokenTTL),
		LastUsedAt:  now,
	}

	s.tokenMu.Lock()
	s.tokens[tok.TokenID] = tok
	s.tokenMu.Unlock()

	return tok
}

// fail registra a tentativa falha e audita com o código detalhado.
// O detalhe fica apenas no audit log, nunca na resposta ao client.
func (s *Service) fail(clientID, sourceAddr, code string, start time.Time) {
	s.attempts.recordFailure(clientID, s.now())

	s.sink.LogEvent(audit.Event{
		ClientID:      clientID,
		Operation:     "authenticate",
		Outcome:       audit.OutcomeFailure,
		ErrorCode:     code,
		ErrorMessage:  genericDenied,
		SourceAddress: sourceAddr,
		DurationMs:    s.now().Sub(start).Milliseconds(),
	})
}

func (s *Service) sweepTokens(now time.Time) int {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	expired := 0
	for id, tok := range s.tokens {
		if now.After(tok.ExpiresAt) {
			delete(s.tokens, id)
			expired++
		}
	}
	return expired
}

// newTokenID gera um token opaco de 128 bits: TK_ + 32 hex chars.
func newTokenID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%s%s", tokenPrefix, hex.EncodeToString(b))
}

// IsTokenID informa se a string tem o formato de um token emitido.
func IsTokenID(s string) bool {
	return len(s) == len(tokenPrefix)+32 && s[:len(tokenPrefix)] == tokenPrefix
}
