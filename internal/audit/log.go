// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package audit persiste eventos de autenticação em formato JSONL
// append-only. As escritas são batched: uma fila em memória alimenta uma
// única goroutine de flush (a cada 30s, ao atingir 100 entradas, ou no
// shutdown), preservando a ordem de enfileiramento.
package audit

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Outcomes de um evento de auditoria.
const (
	OutcomeSuccess = "Success"
	OutcomeFailure = "Failure"
)

// flushInterval é o intervalo máximo entre flushes da fila.
const flushInterval = 30 * time.Second

// flushThreshold dispara um flush imediato quando a fila atinge este tamanho.
const flushThreshold = 100

// queueCapacity limita a fila em memória; com a fila cheia o evento é
// descartado com warning em vez de bloquear o caminho de autenticação.
const queueCapacity = 4096

// Event é um evento de auditoria de autenticação/autorização.
type Event struct {
	ID            string `json:"id"`
	Timestamp     string `json:"timestamp"` // ISO-8601 UTC
	ClientID      string `json:"clientId,omitempty"`
	Operation     string `json:"operation"`
	Outcome       string `json:"outcome"`
	ErrorCode     string `json:"errorCode,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	SourceAddress string `json:"sourceAddress,omitempty"`
	DurationMs    int64  `json:"durationMillis"`
}

// Log grava eventos em um arquivo JSONL com flush batched.
type Log struct {
	path        string
	maxFileSize int64 // rotaciona (arquiva em .zst) acima deste tamanho; 0 = sem rotação
	logger      *slog.Logger

	queue  chan Event
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup

	fileMu sync.Mutex // serializa flush, query e purge sobre o arquivo
}

// NewLog cria o audit log e inicia a goroutine de flush.
func NewLog(path string, maxFileSize int64, logger *slog.Logger) *Log {
	l := &Log{
		path:        path,
		maxFileSize: maxFileSize,
		logger:      logger.With("component", "audit"),
		queue:       make(chan Event, queueCapacity),
		done:        make(chan struct{}),
	}
	l.wg.Add(1)
	go l.flushLoop()
	return l
}

// LogEvent enfileira um evento. ID e timestamp são preenchidos se vazios.
// Nunca bloqueia: fila cheia descarta com warning.
func (l *Log) LogEvent(e Event) {
	if e.ID == "" {
		e.ID = newEventID()
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	select {
	case l.queue <- e:
	default:
		l.logger.Warn("audit queue full, dropping event", "operation", e.Operation, "client", e.ClientID)
	}
}

// Close faz o flush final e para a goroutine de flush.
func (l *Log) Close() error {
	l.closed.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

// flushLoop drena a fila periodicamente, por threshold, ou no shutdown.
func (l *Log) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, flushThreshold)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.appendBatch(batch); err != nil {
			l.logger.Error("flushing audit batch", "error", err, "events", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.queue:
			batch = append(batch, e)
			if len(batch) >= flushThreshold {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			// Drena o que restou na fila antes de sair
			for {
				select {
				case e := <-l.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// appendBatch grava o batch no arquivo em ordem de enfileiramento.
func (l *Log) appendBatch(batch []Event) error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening audit file: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, e := range batch {
		data, err := json.Marshal(e)
		if err != nil {
			l.logger.Warn("encoding audit event", "error", err)
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing audit file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing audit file: %w", err)
	}

	return l.rotateLocked()
}

// rotateLocked arquiva o arquivo atual como .zst quando excede maxFileSize.
// Deve ser chamado com fileMu held.
func (l *Log) rotateLocked() error {
	if l.maxFileSize <= 0 {
		return nil
	}

	fi, err := os.Stat(l.path)
	if err != nil || fi.Size() <= l.maxFileSize {
		return nil
	}

	src, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("opening audit file for rotation: %w", err)
	}
	defer src.Close()

	ts := time.Now().UTC().Format("2006-01-02T15-04-05")
	archivePath := fmt.Sprintf("%s.%s.jsonl.zst", l.path, ts)

	dst, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("creating audit archive: %w", err)
	}

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		dst.Close()
		return fmt.Errorf("creating zstd writer: %w", err)
	}

	if _, err := enc.ReadFrom(src); err != nil {
		enc.Close()
		dst.Close()
		os.Remove(archivePath)
		return fmt.Errorf("compressing audit archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		os.Remove(archivePath)
		return fmt.Errorf("closing zstd writer: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing audit archive: %w", err)
	}

	if err := os.Truncate(l.path, 0); err != nil {
		return fmt.Errorf("truncating audit file: %w", err)
	}

	l.logger.Info("audit file rotated", "archive", archivePath, "size", fi.Size())
	return nil
}

// newEventID gera um identificador curto e aleatório para o evento.
func newEventID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
