// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo de transferência MySQLBak sobre
// TCP+TLS: frames com prefixo de tamanho u32 little-endian seguido de corpo
// JSON UTF-8. Payloads binários de chunk trafegam como base64 dentro do JSON.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nishisan-dev/mysqlbak/internal/faults"
)

// Limites de tamanho de frame no stream autenticado.
const (
	MaxControlFrame = 1 * 1024 * 1024   // 1 MiB para frames de controle
	MaxChunkFrame   = 100 * 1024 * 1024 // 100 MiB para frames de chunk
)

// Erros do protocolo.
var (
	ErrFrameTooLarge  = errors.New("protocol: frame exceeds size limit")
	ErrEmptyFrame     = errors.New("protocol: empty frame")
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
)

// FileDescriptor descreve o artefato sendo transferido. Os digests são
// computados pelo client antes do envio; o artefato em si é um stream opaco.
type FileDescriptor struct {
	LogicalName string `json:"logicalName"`
	Size        int64  `json:"size"`
	MD5         string `json:"md5,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	SourceTag   string `json:"sourceTag,omitempty"`
}

// ChunkingStrategy define o tamanho de chunk da transferência.
type ChunkingStrategy struct {
	ChunkSize int64 `json:"chunkSize"`
}

// ChunkCount deriva o número de chunks para um arquivo de size bytes.
func (c ChunkingStrategy) ChunkCount(size int64) int {
	if c.ChunkSize <= 0 {
		return 0
	}
	return int((size + c.ChunkSize - 1) / c.ChunkSize)
}

// RequestFrame abre uma transferência (Client → Server).
type RequestFrame struct {
	TransferID       string           `json:"transferId"`
	Metadata         FileDescriptor   `json:"metadata"`
	ChunkingStrategy ChunkingStrategy `json:"chunkingStrategy"`
	ResumeTransfer   bool             `json:"resumeTransfer"`
	ResumeToken      string           `json:"resumeToken,omitempty"`
	AuthToken        string           `json:"authToken"`
}

// AckFrame responde ao request (Server → Client). Em resume, AdditionalInfo
// carrega o array JSON de índices de chunks já completados; em transferência
// nova, carrega o token de autenticação emitido.
type AckFrame struct {
	Success        bool   `json:"success"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	AdditionalInfo string `json:"additionalInfo,omitempty"`
}

// ChunkFrame transporta um chunk do arquivo (Client → Server).
// Data é serializado como base64 pelo encoding/json.
type ChunkFrame struct {
	TransferID    string `json:"transferId"`
	ChunkIndex    int    `json:"chunkIndex"`
	Data          []byte `json:"data"`
	ChunkChecksum string `json:"chunkChecksum,omitempty"`
	IsLastChunk   bool   `json:"isLastChunk"`
}

// ChunkAckFrame confirma (ou rejeita) um chunk (Server → Client).
type ChunkAckFrame struct {
	Success      bool   `json:"success"`
	ChunkIndex   int    `json:"chunkIndex"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// FinalFrame encerra a transferência (Server → Client). Em sucesso,
// AdditionalInfo carrega o path final do artefato no collector.
type FinalFrame struct {
	Success        bool   `json:"success"`
	AdditionalInfo string `json:"additionalInfo,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// CredentialEnvelope é o blob de credenciais embutido no campo authToken de
// um request sem token prévio. Timestamp (unix seconds) é o replay guard.
type CredentialEnvelope struct {
	ClientID  string `json:"clientId"`
	Secret    string `json:"secret"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeCredentials serializa o envelope como base64(JSON).
func EncodeCredentials(env CredentialEnvelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding credentials: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeCredentials reverte EncodeCredentials.
func DecodeCredentials(s string) (*CredentialEnvelope, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	var env CredentialEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	return &env, nil
}

// Prefixos de classificação em errorMessage. O detalhe após o prefixo é
// deliberadamente genérico para falhas de autenticação.
const (
	wireAuth        = "AUTH: "
	wireOrder       = "ORDER: "
	wireStorageFull = "STORAGE_FULL: "
	wireIntegrity   = "INTEGRITY: "
	wireChecksum    = "CHECKSUM: "
	wireProtocol    = "PROTOCOL: "
	wireInternal    = "INTERNAL: "
)

// WireError formata uma mensagem de erro classificável para o client.
func WireError(kind faults.Kind, msg string) string {
	switch kind {
	case faults.KindAuth, faults.KindAuthz, faults.KindTokenExpired, faults.KindLockedOut:
		return wireAuth + msg
	case faults.KindOrder:
		return wireOrder + msg
	case faults.KindStorageFull:
		return wireStorageFull + msg
	case faults.KindIntegrity:
		return wireIntegrity + msg
	case faults.KindChecksum:
		return wireChecksum + msg
	case faults.KindProtocol:
		return wireProtocol + msg
	default:
		return wireInternal + msg
	}
}

// ParseWireError classifica uma errorMessage recebida do server.
func ParseWireError(msg string) (faults.Kind, string) {
	switch {
	case strings.HasPrefix(msg, wireAuth):
		return faults.KindAuth, strings.TrimPrefix(msg, wireAuth)
	case strings.HasPrefix(msg, wireOrder):
		return faults.KindOrder, strings.TrimPrefix(msg, wireOrder)
	case strings.HasPrefix(msg, wireStorageFull):
		return faults.KindStorageFull, strings.TrimPrefix(msg, wireStorageFull)
	case strings.HasPrefix(msg, wireIntegrity):
		return faults.KindIntegrity, strings.TrimPrefix(msg, wireIntegrity)
	case strings.HasPrefix(msg, wireChecksum):
		return faults.KindChecksum, strings.TrimPrefix(msg, wireChecksum)
	case strings.HasPrefix(msg, wireProtocol):
		return faults.KindProtocol, strings.TrimPrefix(msg, wireProtocol)
	case strings.HasPrefix(msg, wireInternal):
		return faults.KindInternal, strings.TrimPrefix(msg, wireInternal)
	default:
		return faults.KindInternal, msg
	}
}

// AckInfo é o objeto carregado em AdditionalInfo no ack de uma transferência
// nova: o token de autenticação emitido e, no caminho chunked, o token de
// resume cunhado no begin. O token chega antes de qualquer chunk para que o
// client consiga retomar mesmo após uma queda de conexão sem aviso.
type AckInfo struct {
	AuthToken   string `json:"authToken,omitempty"`
	ResumeToken string `json:"resumeToken,omitempty"`
}

// EncodeAckInfo serializa o AckInfo para o campo AdditionalInfo.
func EncodeAckInfo(info AckInfo) string {
	data, _ := json.Marshal(info)
	return string(data)
}

// DecodeAckInfo reverte EncodeAckInfo.
func DecodeAckInfo(s string) (*AckInfo, error) {
	var info AckInfo
	if err := json.Unmarshal([]byte(s), &info); err != nil {
		return nil, fmt.Errorf("parsing ack info: %w", err)
	}
	return &info, nil
}

// EncodeChunkSet serializa um conjunto de índices completados como array
// JSON ordenado, para o AdditionalInfo do ack de resume.
func EncodeChunkSet(indices []int) string {
	if indices == nil {
		indices = []int{}
	}
	data, _ := json.Marshal(indices)
	return string(data)
}

// DecodeChunkSet reverte EncodeChunkSet.
func DecodeChunkSet(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var indices []int
	if err := json.Unmarshal([]byte(s), &indices); err != nil {
		return nil, fmt.Errorf("parsing completed chunk set: %w", err)
	}
	return indices, nil
}
