// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package chunk gerencia o ciclo de vida de transferências chunked no lado do
// collector: staging em disco, rastreio de chunks completados, tokens de
// resume duráveis e montagem final do artefato.
package chunk

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/mysqlbak/internal/checksum"
	"github.com/nishisan-dev/mysqlbak/internal/faults"
	"github.com/nishisan-dev/mysqlbak/internal/protocol"
)

// Session é o estado em memória de uma transferência ativa.
type Session struct {
	TransferID string
	ClientID   string
	Descriptor protocol.FileDescriptor
	Strategy   protocol.ChunkingStrategy
	ChunkCount int
	StagingDir string
	ResumeTok  string // vazio até MintResume

	mu           sync.Mutex
	completed    map[int]bool
	lastActivity time.Time
	terminal     bool
}

// touch atualiza lastActivity.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// CompletedIndices retorna os índices completados, ordenados.
func (s *Session) CompletedIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.completed))
	for idx := range s.completed {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Manager coordena as sessões de transferência ativas e seu staging em disco.
// O mutex do Manager protege apenas o mapa de sessões; o estado de cada sessão
// tem seu próprio lock.
type Manager struct {
	stagingRoot string
	resume      *ResumeStore
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager cria o manager sobre stagingRoot. O diretório é criado se não
// existir.
func NewManager(stagingRoot string, resume *ResumeStore, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(stagingRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating staging root: %w", err)
	}
	return &Manager{
		stagingRoot: stagingRoot,
		resume:      resume,
		logger:      logger.With("component", "chunk_manager"),
		sessions:    make(map[string]*Session),
	}, nil
}

// Begin abre uma transferência nova. transferID vazio recebe um UUID fresco;
// um ID já em uso é Conflict.
func (m *Manager) Begin(clientID, transferID string, desc protocol.FileDescriptor, strategy protocol.ChunkingStrategy) (*Session, error) {
	if err := ValidatePathComponent(desc.LogicalName, "logicalName"); err != nil {
		return nil, faults.Wrap(faults.KindProtocol, "begin", "", err)
	}
	if desc.Size <= 0 {
		return nil, faults.New(faults.KindProtocol, "begin", "", "file size must be positive")
	}
	if strategy.ChunkSize <= 0 {
		return nil, faults.New(faults.KindProtocol, "begin", "", "chunk size must be positive")
	}

	if transferID == "" {
		transferID = uuid.NewString()
	} else if err := ValidatePathComponent(transferID, "transferId"); err != nil {
		return nil, faults.Wrap(faults.KindProtocol, "begin", "", err)
	}

	sess := &Session{
		TransferID:   transferID,
		ClientID:     clientID,
		Descriptor:   desc,
		Strategy:     strategy,
		ChunkCount:   strategy.ChunkCount(desc.Size),
		StagingDir:   filepath.Join(m.stagingRoot, "chunks_"+transferID),
		completed:    make(map[int]bool),
		lastActivity: time.Now(),
	}

	// Reserva o slot antes de tocar o filesystem: o staging de um ID já em
	// uso pertence à sessão ativa e não pode ser criado nem removido aqui.
	m.mu.Lock()
	if _, exists := m.sessions[transferID]; exists {
		m.mu.Unlock()
		return nil, faults.New(faults.KindConflict, "begin", transferID, "transfer already active")
	}
	m.sessions[transferID] = sess
	m.mu.Unlock()

	if err := os.MkdirAll(sess.StagingDir, 0755); err != nil {
		m.mu.Lock()
		delete(m.sessions, transferID)
		m.mu.Unlock()
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	m.logger.Info("transfer started",
		"transfer", transferID,
		"client", clientID,
		"file", desc.LogicalName,
		"size", desc.Size,
		"chunks", sess.ChunkCount,
	)
	return sess, nil
}

// Restore reabre uma transferência a partir de um token de resume. O conjunto
// de chunks completados é a interseção entre o que o resume store persistiu e
// o que de fato existe no staging em disco; após crash, chunks sem arquivo
// correspondente são descartados do conjunto.
func (m *Manager) Restore(clientID, token string) (*Session, error) {
	entry, err := m.resume.GetByToken(token)
	if err != nil {
		return nil, err
	}
	if entry.Completed {
		return nil, faults.New(faults.KindConflict, "restore", token, "transfer already completed")
	}

	strategy := protocol.ChunkingStrategy{ChunkSize: entry.ChunkSize}
	sess := &Session{
		TransferID:   entry.TransferID,
		ClientID:     clientID,
		Descriptor:   entry.Descriptor,
		Strategy:     strategy,
		ChunkCount:   strategy.ChunkCount(entry.Descriptor.Size),
		StagingDir:   entry.StagingDir,
		ResumeTok:    token,
		completed:    make(map[int]bool),
		lastActivity: time.Now(),
	}

	persisted := entry.CompletedSet()
	for idx := range persisted {
		if _, err := os.Stat(m.chunkPath(sess, idx)); err == nil {
			sess.completed[idx] = true
		}
	}
	if dropped := len(persisted) - len(sess.completed); dropped > 0 {
		m.logger.Warn("dropped persisted chunks missing from staging",
			"transfer", sess.TransferID, "dropped", dropped)
	}

	// Como no Begin: uma sessão viva para este transferId é dona do staging e
	// não pode ser sobrescrita por um resume concorrente.
	m.mu.Lock()
	if _, exists := m.sessions[sess.TransferID]; exists {
		m.mu.Unlock()
		return nil, faults.New(faults.KindConflict, "restore", sess.TransferID, "transfer already active")
	}
	m.sessions[sess.TransferID] = sess
	m.mu.Unlock()

	if err := os.MkdirAll(sess.StagingDir, 0755); err != nil {
		m.mu.Lock()
		delete(m.sessions, sess.TransferID)
		m.mu.Unlock()
		return nil, fmt.Errorf("reopening staging dir: %w", err)
	}

	m.resume.TouchActivity(token)
	m.logger.Info("transfer resumed",
		"transfer", sess.TransferID,
		"client", clientID,
		"token", token,
		"completed", len(sess.completed),
		"chunks", sess.ChunkCount,
	)
	return sess, nil
}

// Lookup retorna a sessão ativa do transferId.
func (m *Manager) Lookup(transferID string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[transferID]
	m.mu.Unlock()
	if !ok {
		return nil, faults.New(faults.KindNotFound, "lookup", transferID, "unknown transfer")
	}
	return sess, nil
}

// Ingest valida e persiste um chunk. Retorna isComplete quando este chunk
// fecha o conjunto: o frame marca isLastChunk e o total completado é
// exatamente index+1.
func (m *Manager) Ingest(sess *Session, frame *protocol.ChunkFrame) (bool, error) {
	idx := frame.ChunkIndex
	if idx < 0 || (sess.ChunkCount > 0 && idx >= sess.ChunkCount) {
		return false, faults.New(faults.KindProtocol, "ingest", sess.TransferID,
			fmt.Sprintf("chunk index %d out of range [0,%d)", idx, sess.ChunkCount))
	}

	sess.mu.Lock()
	if sess.terminal {
		sess.mu.Unlock()
		return false, faults.New(faults.KindConflict, "ingest", sess.TransferID, "transfer already terminal")
	}
	if sess.completed[idx] {
		sess.mu.Unlock()
		return false, faults.New(faults.KindOrder, "ingest", sess.TransferID,
			fmt.Sprintf("chunk %d already received", idx))
	}
	sess.mu.Unlock()

	if err := m.validateChunkSize(sess, idx, int64(len(frame.Data))); err != nil {
		return false, err
	}

	if frame.ChunkChecksum != "" {
		got := checksum.DigestBuffer(frame.Data)
		if got != frame.ChunkChecksum {
			return false, faults.New(faults.KindChecksum, "ingest", sess.TransferID,
				fmt.Sprintf("chunk %d checksum mismatch", idx))
		}
	}

	if err := m.writeChunk(sess, idx, frame.Data); err != nil {
		return false, err
	}

	sess.mu.Lock()
	sess.completed[idx] = true
	total := len(sess.completed)
	sess.lastActivity = time.Now()
	token := sess.ResumeTok
	sess.mu.Unlock()

	if token != "" {
		if err := m.resume.AppendCompletedChunk(token, idx, int64(len(frame.Data)), frame.ChunkChecksum); err != nil {
			m.logger.Warn("failed to persist completed chunk",
				"transfer", sess.TransferID, "chunk", idx, "error", err)
		}
	}

	isComplete := frame.IsLastChunk && total == idx+1
	return isComplete, nil
}

// Finalize monta o artefato final a partir dos chunks do staging, verifica
// tamanho e digests e grava em targetPath com temp + rename. Em sucesso o
// staging é removido, o resume (se houver) marcado como completo e a sessão
// encerrada.
func (m *Manager) Finalize(sess *Session, targetPath string) (string, error) {
	sess.mu.Lock()
	done := len(sess.completed)
	sess.mu.Unlock()
	if done != sess.ChunkCount {
		return "", faults.New(faults.KindOrder, "finalize", sess.TransferID,
			fmt.Sprintf("incomplete transfer: %d/%d chunks", done, sess.ChunkCount))
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return "", fmt.Errorf("creating target dir: %w", err)
	}

	tmpPath := targetPath + ".assembling"
	if err := m.assemble(sess, tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("stating assembled file: %w", err)
	}
	if info.Size() != sess.Descriptor.Size {
		os.Remove(tmpPath)
		return "", faults.New(faults.KindIntegrity, "finalize", sess.TransferID,
			fmt.Sprintf("size mismatch: got %d want %d", info.Size(), sess.Descriptor.Size))
	}

	ok, err := checksum.VerifyFile(tmpPath, sess.Descriptor.MD5, sess.Descriptor.SHA256)
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("verifying assembled file: %w", err)
	}
	if !ok {
		os.Remove(tmpPath)
		return "", faults.New(faults.KindIntegrity, "finalize", sess.TransferID, "digest mismatch on assembled file")
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("committing assembled file: %w", err)
	}

	os.RemoveAll(sess.StagingDir)

	sess.mu.Lock()
	sess.terminal = true
	token := sess.ResumeTok
	sess.mu.Unlock()

	if token != "" {
		m.resume.MarkCompleted(token)
	}

	m.mu.Lock()
	delete(m.sessions, sess.TransferID)
	m.mu.Unlock()

	m.logger.Info("transfer finalized",
		"transfer", sess.TransferID,
		"client", sess.ClientID,
		"file", sess.Descriptor.LogicalName,
		"path", targetPath,
		"size", sess.Descriptor.Size,
	)
	return targetPath, nil
}

// MintResume cria (ou retorna) o token de resume da sessão, persistindo a
// entry durável com o conjunto completado atual.
func (m *Manager) MintResume(sess *Session) (string, error) {
	sess.mu.Lock()
	if sess.ResumeTok != "" {
		tok := sess.ResumeTok
		sess.mu.Unlock()
		return tok, nil
	}
	chunks := make([]ChunkRecord, 0, len(sess.completed))
	for idx := range sess.completed {
		chunks = append(chunks, ChunkRecord{Index: idx})
	}
	sess.mu.Unlock()
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	token := NewToken(time.Now())
	err := m.resume.Add(ResumeEntry{
		Token:      token,
		TransferID: sess.TransferID,
		Descriptor: sess.Descriptor,
		ChunkSize:  sess.Strategy.ChunkSize,
		StagingDir: sess.StagingDir,
		Chunks:     chunks,
	})
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	sess.ResumeTok = token
	sess.mu.Unlock()
	return token, nil
}

// ResumeInfo retorna o descritor e os índices completados de um token.
func (m *Manager) ResumeInfo(token string) (protocol.FileDescriptor, []int, error) {
	entry, err := m.resume.GetByToken(token)
	if err != nil {
		return protocol.FileDescriptor{}, nil, err
	}
	indices := make([]int, 0, len(entry.Chunks))
	for _, c := range entry.Chunks {
		indices = append(indices, c.Index)
	}
	sort.Ints(indices)
	return entry.Descriptor, indices, nil
}

// CleanupResume remove o token e sua entry durável.
func (m *Manager) CleanupResume(token string) error {
	return m.resume.Delete(token)
}

// Release remove a sessão do mapa. Com dropStaging o staging em disco e o
// resume também são descartados (falhas não-retomáveis); caso contrário
// ambos sobrevivem para um resume futuro.
func (m *Manager) Release(sess *Session, dropStaging bool) {
	m.mu.Lock()
	delete(m.sessions, sess.TransferID)
	m.mu.Unlock()

	if dropStaging {
		os.RemoveAll(sess.StagingDir)
		sess.mu.Lock()
		token := sess.ResumeTok
		sess.mu.Unlock()
		if token != "" {
			m.resume.Delete(token)
		}
	}
}

// CleanupExpired remove sessões ociosas há mais que ttl. Sessões com token de
// resume mantêm o staging (o purge do resume store cuida dele no seu TTL);
// sessões sem token têm o staging removido.
func (m *Manager) CleanupExpired(ttl time.Duration) int {
	now := time.Now()

	m.mu.Lock()
	var stale []*Session
	for _, sess := range m.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastActivity)
		sess.mu.Unlock()
		if idle > ttl {
			stale = append(stale, sess)
		}
	}
	for _, sess := range stale {
		delete(m.sessions, sess.TransferID)
	}
	m.mu.Unlock()

	for _, sess := range stale {
		sess.mu.Lock()
		token := sess.ResumeTok
		sess.mu.Unlock()
		if token == "" {
			os.RemoveAll(sess.StagingDir)
		}
		m.logger.Info("expired idle session", "transfer", sess.TransferID, "resumable", token != "")
	}
	return len(stale)
}

// ActiveSessions retorna o número de sessões ativas.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// validateChunkSize aplica as regras de tamanho: chunks intermediários têm
// exatamente chunkSize bytes; o último tem o restante.
func (m *Manager) validateChunkSize(sess *Session, idx int, got int64) error {
	want := sess.Strategy.ChunkSize
	if idx == sess.ChunkCount-1 {
		want = sess.Descriptor.Size - int64(sess.ChunkCount-1)*sess.Strategy.ChunkSize
	}
	if got != want {
		return faults.New(faults.KindProtocol, "ingest", sess.TransferID,
			fmt.Sprintf("chunk %d size mismatch: got %d want %d", idx, got, want))
	}
	return nil
}

// writeChunk persiste o chunk no staging com temp + rename.
func (m *Manager) writeChunk(sess *Session, idx int, data []byte) error {
	final := m.chunkPath(sess, idx)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating chunk file: %w", err)
	}
	w := bufio.NewWriterSize(f, 256*1024)
	if _, err := w.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing chunk %d: %w", idx, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flushing chunk %d: %w", idx, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing chunk %d: %w", idx, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing chunk %d: %w", idx, err)
	}
	return nil
}

// assemble concatena os chunks em ordem de índice no arquivo de saída.
func (m *Manager) assemble(sess *Session, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating assembled file: %w", err)
	}
	buf := bufio.NewWriterSize(out, 256*1024)

	for idx := 0; idx < sess.ChunkCount; idx++ {
		src, err := os.Open(m.chunkPath(sess, idx))
		if err != nil {
			out.Close()
			return fmt.Errorf("opening chunk %d: %w", idx, err)
		}
		if _, err := buf.ReadFrom(src); err != nil {
			src.Close()
			out.Close()
			return fmt.Errorf("copying chunk %d: %w", idx, err)
		}
		src.Close()
	}

	if err := buf.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("flushing assembled file: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("syncing assembled file: %w", err)
	}
	return out.Close()
}

// chunkPath resolve o arquivo de um chunk. A largura do índice cresce com o
// número de chunks para manter a ordenação lexicográfica.
func (m *Manager) chunkPath(sess *Session, idx int) string {
	width := 6
	for limit := 1000000; sess.ChunkCount > limit; limit *= 10 {
		width++
	}
	return filepath.Join(sess.StagingDir, fmt.Sprintf("chunk_%0*d.bin", width, idx))
}
