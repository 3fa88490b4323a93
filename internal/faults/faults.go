// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package faults define a taxonomia de erros compartilhada entre todos os
// componentes do MySQLBak. Cada erro carrega um Kind que o RecoveryCoordinator
// usa para decidir entre retry, resume ou abort.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifica um erro para fins de política de recuperação.
type Kind string

const (
	KindAuth         Kind = "auth"
	KindAuthz        Kind = "authz"
	KindTokenExpired Kind = "token_expired"
	KindLockedOut    Kind = "locked_out"
	KindStorageFull  Kind = "storage_full"
	KindIntegrity    Kind = "integrity"
	KindChecksum     Kind = "checksum"
	KindOrder        Kind = "order"
	KindProtocol     Kind = "protocol"
	KindTransport    Kind = "transport"
	KindTimeout      Kind = "timeout"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
)

// Fault é um erro classificado com a operação e o identificador que o originou.
type Fault struct {
	Kind Kind
	Op   string // operação que falhou (ex: "ingest", "authenticate")
	ID   string // identificador relacionado (transferId, clientId, ...)
	Msg  string
	Err  error // causa subjacente (opcional)
}

// Error implementa a interface error.
func (f *Fault) Error() string {
	msg := f.Msg
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	if f.ID != "" {
		return fmt.Sprintf("%s: %s [%s]: %s", f.Op, f.Kind, f.ID, msg)
	}
	return fmt.Sprintf("%s: %s: %s", f.Op, f.Kind, msg)
}

// Unwrap expõe a causa para errors.Is/errors.As.
func (f *Fault) Unwrap() error {
	return f.Err
}

// New cria um Fault sem causa subjacente.
func New(kind Kind, op, id, msg string) *Fault {
	return &Fault{Kind: kind, Op: op, ID: id, Msg: msg}
}

// Wrap cria um Fault envolvendo uma causa.
func Wrap(kind Kind, op, id string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, ID: id, Err: err}
}

// KindOf extrai o Kind de um erro. Erros não classificados retornam KindInternal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	var t *TimeoutFault
	if errors.As(err, &t) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind verifica se o erro (ou qualquer causa na cadeia) tem o Kind dado.
func IsKind(err error, kind Kind) bool {
	if kind == KindTimeout {
		var t *TimeoutFault
		if errors.As(err, &t) {
			return true
		}
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}

// TimeoutFault é o erro tipado de deadline estourado, com a duração
// configurada e a duração efetivamente medida.
type TimeoutFault struct {
	OpKind     string // categoria da operação (ex: "transfer", "auth")
	ID         string
	Configured time.Duration
	Actual     time.Duration
}

// Error implementa a interface error.
func (t *TimeoutFault) Error() string {
	return fmt.Sprintf("timeout: %s [%s]: configured=%s actual=%s",
		t.OpKind, t.ID, t.Configured, t.Actual.Round(time.Millisecond))
}
