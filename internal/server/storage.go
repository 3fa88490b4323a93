// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/nishisan-dev/mysqlbak/internal/chunk"
)

// StorageSink é o contrato de armazenamento final que o handler consome.
type StorageSink interface {
	// TargetPath resolve o caminho final do artefato de um client.
	TargetPath(clientID, logicalName string) (string, error)
	// HasSpace verifica se há espaço para required bytes além da reserva.
	HasSpace(required int64) (bool, error)
}

// LocalSink grava artefatos sob baseDir/<clientId>/ respeitando uma reserva
// mínima de espaço livre no filesystem.
type LocalSink struct {
	baseDir string
	minFree int64
}

// NewLocalSink cria o sink local. baseDir é criado se não existir.
func NewLocalSink(baseDir string, minFree int64) (*LocalSink, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage base dir: %w", err)
	}
	return &LocalSink{baseDir: baseDir, minFree: minFree}, nil
}

// TargetPath resolve baseDir/<clientId>/<ts>_<logicalName>. O timestamp no
// nome evita colisão entre envios do mesmo artefato lógico.
func (s *LocalSink) TargetPath(clientID, logicalName string) (string, error) {
	if err := chunk.ValidatePathComponent(clientID, "clientId"); err != nil {
		return "", err
	}
	if err := chunk.ValidatePathComponent(logicalName, "logicalName"); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102-150405"), logicalName)
	target := filepath.Join(s.baseDir, clientID, name)

	if err := chunk.ValidatePathInBaseDir(s.baseDir, target); err != nil {
		return "", err
	}
	return target, nil
}

// HasSpace consulta o espaço livre do filesystem de baseDir.
func (s *LocalSink) HasSpace(required int64) (bool, error) {
	usage, err := disk.Usage(s.baseDir)
	if err != nil {
		return false, fmt.Errorf("checking disk usage: %w", err)
	}
	return usage.Free >= uint64(required)+uint64(s.minFree), nil
}

// FreeBytes retorna o espaço livre atual, para o stats reporter.
func (s *LocalSink) FreeBytes() (uint64, error) {
	usage, err := disk.Usage(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("checking disk usage: %w", err)
	}
	return usage.Free, nil
}
