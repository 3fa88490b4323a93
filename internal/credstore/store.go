// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package credstore mantém o conjunto autoritativo de credenciais de clients
// num único artefato cifrado em disco, com escrita atômica (temp + rename)
// e um espelho em memória com TTL para leituras.
package credstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nishisan-dev/mysqlbak/internal/faults"
)

// storeMagic identifica o arquivo de credenciais no disco.
const storeMagic = "MYSQLBAK"

// minPassphraseLen é o comprimento mínimo da passphrase de deployment.
const minPassphraseLen = 16

// cacheTTL é a validade do espelho em memória.
const cacheTTL = 5 * time.Minute

// maxMetaLen limita o tamanho do metadata JSON no header do arquivo.
const maxMetaLen = 4 * 1024

// ClientRecord é o registro autoritativo de um client.
// ClientID e CreatedAt são imutáveis; mutação apenas via Update.
type ClientRecord struct {
	ClientID    string     `json:"clientId"`
	SecretHash  []byte     `json:"secretHash"`
	SecretSalt  []byte     `json:"secretSalt"`
	DisplayName string     `json:"displayName"`
	Permissions []string   `json:"permissions"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Generation  int64      `json:"generation"`
}

// Expired informa se o registro está expirado em relação a now.
func (r *ClientRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// VerifySecret compara o secret em claro com o hash armazenado,
// em tempo constante.
func (r *ClientRecord) VerifySecret(secret string) bool {
	want := hashSecret(secret, r.SecretSalt)
	return subtle.ConstantTimeCompare(want, r.SecretHash) == 1
}

// storeFile é o plaintext serializado dentro do artefato cifrado.
type storeFile struct {
	Records map[string]*ClientRecord `json:"records"`
}

// Store gerencia o artefato cifrado de credenciais.
type Store struct {
	path       string
	passphrase string

	mu      sync.Mutex // serializa escritas no arquivo
	cacheMu sync.RWMutex
	cache   map[string]*ClientRecord
	cacheAt time.Time
}

// NewStore cria um Store sobre o arquivo indicado. O arquivo não precisa
// existir; o primeiro Put o cria. A passphrase precisa de no mínimo 16 bytes.
func NewStore(path, passphrase string) (*Store, error) {
	if len(passphrase) < minPassphraseLen {
		return nil, fmt.Errorf("passphrase must be at least %d bytes", minPassphraseLen)
	}
	return &Store{
		path:       path,
		passphrase: passphrase,
		cache:      make(map[string]*ClientRecord),
	}, nil
}

// Put insere ou substitui um registro (update-semantics: dois Puts idênticos
// equivalem a um). Se rec.Generation for não-zero e não bater com a geração
// atual, retorna Conflict. O secret em claro é hasheado aqui.
func (s *Store) Put(ctx context.Context, rec ClientRecord, secret string) error {
	if rec.ClientID == "" {
		return faults.New(faults.KindInternal, "put", "", "clientId is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	all, err := s.loadLocked()
	if err != nil {
		return err
	}

	existing := all.Records[rec.ClientID]
	if existing != nil {
		if rec.Generation != 0 && rec.Generation != existing.Generation {
			return faults.New(faults.KindConflict, "put", rec.ClientID,
				fmt.Sprintf("generation mismatch: have %d, got %d", existing.Generation, rec.Generation))
		}
		// clientId e createdAt são imutáveis
		rec.CreatedAt = existing.CreatedAt
		rec.Generation = existing.Generation + 1
	} else {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		rec.Generation = 1
	}

	if secret != "" {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generating secret salt: %w", err)
		}
		rec.SecretSalt = salt
		rec.SecretHash = hashSecret(secret, salt)
	} else if existing != nil {
		rec.SecretSalt = existing.SecretSalt
		rec.SecretHash = existing.SecretHash
	}

	all.Records[rec.ClientID] = &rec
	return s.persistLocked(all)
}

// Get retorna o registro do client, consultando o cache quando válido.
func (s *Store) Get(ctx context.Context, clientID string) (*ClientRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.cacheMu.RLock()
	if time.Since(s.cacheAt) < cacheTTL {
		if rec, ok := s.cache[clientID]; ok {
			cp := *rec
			s.cacheMu.RUnlock()
			return &cp, nil
		}
		// cache válido e sem a entrada: o registro não existe
		s.cacheMu.RUnlock()
		return nil, faults.New(faults.KindNotFound, "get", clientID, "client not found")
	}
	s.cacheMu.RUnlock()

	s.mu.Lock()
	all, err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.refreshCache(all)

	rec, ok := all.Records[clientID]
	if !ok {
		return nil, faults.New(faults.KindNotFound, "get", clientID, "client not found")
	}
	cp := *rec
	return &cp, nil
}

// Update modifica um registro existente. A geração informada precisa bater
// com a atual (optimistic concurrency); zero pula a checagem.
func (s *Store) Update(ctx context.Context, rec ClientRecord, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	all, err := s.loadLocked()
	if err != nil {
		return err
	}

	existing, ok := all.Records[rec.ClientID]
	if !ok {
		return faults.New(faults.KindNotFound, "update", rec.ClientID, "client not found")
	}
	if rec.Generation != 0 && rec.Generation != existing.Generation {
		return faults.New(faults.KindConflict, "update", rec.ClientID,
			fmt.Sprintf("generation mismatch: have %d, got %d", existing.Generation, rec.Generation))
	}

	rec.CreatedAt = existing.CreatedAt
	rec.Generation = existing.Generation + 1

	if secret != "" {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generating secret salt: %w", err)
		}
		rec.SecretSalt = salt
		rec.SecretHash = hashSecret(secret, salt)
	} else {
		rec.SecretSalt = existing.SecretSalt
		rec.SecretHash = existing.SecretHash
	}

	all.Records[rec.ClientID] = &rec
	return s.persistLocked(all)
}

// Delete remove o registro do client.
func (s *Store) Delete(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	all, err := s.loadLocked()
	if err != nil {
		return err
	}

	if _, ok := all.Records[clientID]; !ok {
		return faults.New(faults.KindNotFound, "delete", clientID, "client not found")
	}
	delete(all.Records, clientID)
	return s.persistLocked(all)
}

// ListIDs retorna os clientIds presentes no store.
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	all, err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(all.Records))
	for id := range all.Records {
		ids = append(ids, id)
	}
	return ids, nil
}

// VerifyIntegrity decifra e parseia o arquivo inteiro, retornando erro
// de integridade se qualquer etapa falhar.
func (s *Store) VerifyIntegrity(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	_, err := s.loadLocked()
	s.mu.Unlock()
	return err
}

// loadLocked lê e decifra o arquivo. Deve ser chamado com s.mu held.
// Arquivo inexistente retorna um store vazio.
func (s *Store) loadLocked() (*storeFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &storeFile{Records: make(map[string]*ClientRecord)}, nil
		}
		return nil, fmt.Errorf("reading credential store: %w", err)
	}

	meta, ciphertext, err := parseContainer(data)
	if err != nil {
		return nil, faults.Wrap(faults.KindIntegrity, "load", s.path, err)
	}

	plaintext, err := decrypt(s.passphrase, meta, ciphertext)
	if err != nil {
		return nil, faults.Wrap(faults.KindIntegrity, "load", s.path, err)
	}

	var all storeFile
	if err := json.Unmarshal(plaintext, &all); err != nil {
		return nil, faults.Wrap(faults.KindIntegrity, "load", s.path, fmt.Errorf("parsing store: %w", err))
	}
	if all.Records == nil {
		all.Records = make(map[string]*ClientRecord)
	}
	return &all, nil
}

// persistLocked cifra e grava o arquivo atomicamente (temp + fsync + rename),
// depois invalida o cache. Deve ser chamado com s.mu held.
func (s *Store) persistLocked(all *storeFile) error {
	plaintext, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}

	meta, ciphertext, err := encryptGCM(s.passphrase, plaintext)
	if err != nil {
		return err
	}

	container, err := buildContainer(meta, ciphertext)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credstore-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp store: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(container); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp store: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("committing store: %w", err)
	}

	s.invalidateCache()
	return nil
}

// parseContainer valida magic e extrai metadata + ciphertext.
func parseContainer(data []byte) (*cipherMeta, []byte, error) {
	if len(data) < len(storeMagic)+4 {
		return nil, nil, fmt.Errorf("file too short")
	}
	if !bytes.Equal(data[:len(storeMagic)], []byte(storeMagic)) {
		return nil, nil, fmt.Errorf("invalid magic")
	}

	metaLen := binary.LittleEndian.Uint32(data[len(storeMagic):])
	if metaLen == 0 || metaLen > maxMetaLen {
		return nil, nil, fmt.Errorf("invalid metadata length %d", metaLen)
	}

	rest := data[len(storeMagic)+4:]
	if uint32(len(rest)) < metaLen {
		return nil, nil, fmt.Errorf("truncated metadata")
	}

	var meta cipherMeta
	if err := json.Unmarshal(rest[:metaLen], &meta); err != nil {
		return nil, nil, fmt.Errorf("parsing metadata: %w", err)
	}

	return &meta, rest[metaLen:], nil
}

// buildContainer monta magic + u32-le metaLen + metadata JSON + ciphertext.
func buildContainer(meta *cipherMeta, ciphertext []byte) ([]byte, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	buf := make([]byte, 0, len(storeMagic)+4+len(metaJSON)+len(ciphertext))
	buf = append(buf, storeMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(metaJSON)))
	buf = append(buf, metaJSON...)
	buf = append(buf, ciphertext...)
	return buf, nil
}

func (s *Store) refreshCache(all *storeFile) {
	s.cacheMu.Lock()
	s.cache = make(map[string]*ClientRecord, len(all.Records))
	for id, rec := range all.Records {
		cp := *rec
		s.cache[id] = &cp
	}
	s.cacheAt = time.Now()
	s.cacheMu.Unlock()
}

func (s *Store) invalidateCache() {
	s.cacheMu.Lock()
	s.cache = make(map[string]*ClientRecord)
	s.cacheAt = time.Time{}
	s.cacheMu.Unlock()
}
