// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package recovery envolve chamadas externas com deadline e traduz faltas na
// decisão de retry, resume ou abort.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/nishisan-dev/mysqlbak/internal/faults"
)

// Decision é a estratégia de recuperação para uma falta observada.
type Decision int

const (
	// Surface propaga o erro ao caller sem retry.
	Surface Decision = iota
	// Retry refaz a tentativa com backoff; com resume token, retoma.
	Retry
	// RetryChunkOnce refaz apenas o chunk corrente, uma única vez.
	RetryChunkOnce
	// SurfaceDropOutput propaga o erro e descarta o output parcial.
	SurfaceDropOutput
)

// String implementa fmt.Stringer para logging.
func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case RetryChunkOnce:
		return "retry_chunk_once"
	case SurfaceDropOutput:
		return "surface_drop_output"
	default:
		return "surface"
	}
}

// WithDeadline executa op sob um scope de cancelamento encadeado ao context
// pai, limitado a timeout. Deadline estourado vira um TimeoutFault com a
// duração configurada e a medida; cancelamento do pai propaga como está.
func WithDeadline(ctx context.Context, timeout time.Duration, opKind, id string, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := op(opCtx)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &faults.TimeoutFault{
			OpKind:     opKind,
			ID:         id,
			Configured: timeout,
			Actual:     time.Since(start),
		}
	}
	return err
}

// Decide aplica a tabela de decisão padrão a uma falta observada.
//
//	timeout (transfer)        → retry se houver resume token, senão surface
//	checksum (chunk)          → retry do mesmo chunk, uma vez
//	integrity (arquivo todo)  → descarta output e surface, sem retry silencioso
//	order / auth / storage    → não-retryable, surface
//	transport (reset/closed)  → retry com backoff; com token, resume
func Decide(err error, hasResumeToken bool) Decision {
	if err == nil {
		return Surface
	}
	if errors.Is(err, context.Canceled) {
		// Cancelamento explícito nunca é retentado
		return Surface
	}

	switch faults.KindOf(err) {
	case faults.KindTimeout:
		if hasResumeToken {
			return Retry
		}
		return Surface
	case faults.KindChecksum:
		return RetryChunkOnce
	case faults.KindIntegrity:
		return SurfaceDropOutput
	case faults.KindOrder, faults.KindAuth, faults.KindAuthz,
		faults.KindTokenExpired, faults.KindLockedOut,
		faults.KindStorageFull, faults.KindProtocol:
		return Surface
	case faults.KindTransport, faults.KindUnavailable:
		return Retry
	default:
		return Surface
	}
}

// Retryable informa se a decisão leva a uma nova tentativa.
func Retryable(d Decision) bool {
	return d == Retry || d == RetryChunkOnce
}
