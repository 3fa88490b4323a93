// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package chunk

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/mysqlbak/internal/faults"
	"github.com/nishisan-dev/mysqlbak/internal/protocol"
)

// resumeTokenPrefix identifica tokens de resume no wire.
const resumeTokenPrefix = "RT_"

// DefaultResumeTTL é a validade padrão de um token de resume.
const DefaultResumeTTL = 7 * 24 * time.Hour

// ChunkRecord registra um chunk completado dentro de uma entry de resume.
type ChunkRecord struct {
	Index  int    `json:"index"`
	Size   int64  `json:"size"`
	Digest string `json:"digest,omitempty"`
}

// ResumeEntry é o estado durável de uma transferência em andamento.
type ResumeEntry struct {
	Token        string                  `json:"token"`
	TransferID   string                  `json:"transferId"`
	Descriptor   protocol.FileDescriptor `json:"descriptor"`
	ChunkSize    int64                   `json:"chunkSize"`
	StagingDir   string                  `json:"stagingDir"`
	Chunks       []ChunkRecord           `json:"chunks"`
	Completed    bool                    `json:"completed"`
	CreatedAt    time.Time               `json:"createdAt"`
	LastActivity time.Time               `json:"lastActivity"`
}

// CompletedSet retorna o conjunto de índices completados.
func (e *ResumeEntry) CompletedSet() map[int]bool {
	set := make(map[int]bool, len(e.Chunks))
	for _, c := range e.Chunks {
		set[c.Index] = true
	}
	return set
}

// ResumeStore é o índice durável token ↔ transferência. Cada entry vive num
// arquivo JSON próprio sob dir, gravado com temp + fsync + rename.
type ResumeStore struct {
	dir    string
	ttl    time.Duration
	logger *slog.Logger

	mu         sync.Mutex
	byToken    map[string]*ResumeEntry
	byTransfer map[string]string // transferId → token
}

// NewResumeStore abre (ou cria) o diretório do store e carrega as entries
// existentes para o índice em memória.
func NewResumeStore(dir string, ttl time.Duration, logger *slog.Logger) (*ResumeStore, error) {
	if ttl <= 0 {
		ttl = DefaultResumeTTL
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating resume store dir: %w", err)
	}

	s := &ResumeStore{
		dir:        dir,
		ttl:        ttl,
		logger:     logger.With("component", "resume_store"),
		byToken:    make(map[string]*ResumeEntry),
		byTransfer: make(map[string]string),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading resume store dir: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable resume entry", "file", de.Name(), "error", err)
			continue
		}
		var e ResumeEntry
		if err := json.Unmarshal(data, &e); err != nil {
			s.logger.Warn("skipping corrupt resume entry", "file", de.Name(), "error", err)
			continue
		}
		s.byToken[e.Token] = &e
		s.byTransfer[e.TransferID] = e.Token
	}

	return s, nil
}

// NewToken gera um token de resume: RT_<unixSeconds>_<hex64>.
func NewToken(now time.Time) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s%d_%s", resumeTokenPrefix, now.Unix(), hex.EncodeToString(b))
}

// IsToken informa se a string tem o formato de um token de resume.
func IsToken(s string) bool {
	return strings.HasPrefix(s, resumeTokenPrefix)
}

// Add insere uma entry nova com escrita durável.
func (s *ResumeStore) Add(e ResumeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byToken[e.Token]; ok {
		return faults.New(faults.KindConflict, "resume_add", e.Token, "token already exists")
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.LastActivity.IsZero() {
		e.LastActivity = e.CreatedAt
	}

	if err := s.persistLocked(&e); err != nil {
		return err
	}
	s.byToken[e.Token] = &e
	s.byTransfer[e.TransferID] = e.Token
	return nil
}

// GetByToken retorna uma cópia da entry do token.
func (s *ResumeStore) GetByToken(token string) (*ResumeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byToken[token]
	if !ok {
		return nil, faults.New(faults.KindNotFound, "resume_get", token, "resume token not found")
	}
	cp := *e
	cp.Chunks = append([]ChunkRecord(nil), e.Chunks...)
	return &cp, nil
}

// GetByTransferID retorna uma cópia da entry da transferência.
func (s *ResumeStore) GetByTransferID(transferID string) (*ResumeEntry, error) {
	s.mu.Lock()
	token, ok := s.byTransfer[transferID]
	s.mu.Unlock()
	if !ok {
		return nil, faults.New(faults.KindNotFound, "resume_get", transferID, "transfer not found")
	}
	return s.GetByToken(token)
}

// AppendCompletedChunk adiciona um chunk completado à entry, com durabilidade.
// Índice já presente é idempotente.
func (s *ResumeStore) AppendCompletedChunk(token string, index int, size int64, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byToken[token]
	if !ok {
		return faults.New(faults.KindNotFound, "resume_append", token, "resume token not found")
	}

	for _, c := range e.Chunks {
		if c.Index == index {
			e.LastActivity = time.Now().UTC()
			return s.persistLocked(e)
		}
	}

	e.Chunks = append(e.Chunks, ChunkRecord{Index: index, Size: size, Digest: digest})
	e.LastActivity = time.Now().UTC()
	return s.persistLocked(e)
}

// MarkCompleted marca a transferência como finalizada, com durabilidade.
func (s *ResumeStore) MarkCompleted(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byToken[token]
	if !ok {
		return faults.New(faults.KindNotFound, "resume_complete", token, "resume token not found")
	}
	e.Completed = true
	e.LastActivity = time.Now().UTC()
	return s.persistLocked(e)
}

// TouchActivity atualiza lastActivity da entry (best-effort, sem fsync).
func (s *ResumeStore) TouchActivity(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byToken[token]
	if !ok {
		return faults.New(faults.KindNotFound, "resume_touch", token, "resume token not found")
	}
	e.LastActivity = time.Now().UTC()
	return nil
}

// Delete remove a entry e seu arquivo.
func (s *ResumeStore) Delete(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byToken[token]
	if !ok {
		return nil
	}
	delete(s.byToken, token)
	delete(s.byTransfer, e.TransferID)
	if err := os.Remove(s.entryPath(token)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing resume entry: %w", err)
	}
	return nil
}

// PurgeExpired remove entries com lastActivity além do TTL.
// Retorna quantas removeu.
func (s *ResumeStore) PurgeExpired() int {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for token, e := range s.byToken {
		if now.Sub(e.LastActivity) <= s.ttl {
			continue
		}
		delete(s.byToken, token)
		delete(s.byTransfer, e.TransferID)
		os.Remove(s.entryPath(token))
		if e.StagingDir != "" {
			os.RemoveAll(e.StagingDir)
		}
		purged++
		s.logger.Info("purged expired resume entry",
			"token", token,
			"transfer", e.TransferID,
			"idle", now.Sub(e.LastActivity).Round(time.Second),
		)
	}
	return purged
}

// entryPath resolve o arquivo JSON de um token.
func (s *ResumeStore) entryPath(token string) string {
	return filepath.Join(s.dir, token+".json")
}

// persistLocked grava a entry com temp + fsync + rename.
// Deve ser chamado com s.mu held.
func (s *ResumeStore) persistLocked(e *ResumeEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding resume entry: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".resume-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp resume entry: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing resume entry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing resume entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing resume entry: %w", err)
	}

	if err := os.Rename(tmpPath, s.entryPath(e.Token)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("committing resume entry: %w", err)
	}
	return nil
}
