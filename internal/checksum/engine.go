// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package checksum calcula e verifica digests MD5 e SHA-256 de arquivos
// e buffers. Os dois hashes são computados numa única passada de leitura.
package checksum

import (
	"bufio"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// DigestFile calcula MD5 e SHA-256 (hex) do arquivo numa única leitura.
// Retorna também o tamanho em bytes.
func DigestFile(path string) (md5Hex, sha256Hex string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", 0, fmt.Errorf("opening file for digest: %w", err)
	}
	defer f.Close()

	m := md5.New()
	s := sha256.New()

	// Uma leitura alimenta os dois hashes
	n, err := io.Copy(io.MultiWriter(m, s), bufio.NewReaderSize(f, 256*1024))
	if err != nil {
		return "", "", 0, fmt.Errorf("hashing file: %w", err)
	}

	return hex.EncodeToString(m.Sum(nil)), hex.EncodeToString(s.Sum(nil)), n, nil
}

// DigestBuffer calcula o MD5 (hex) de um buffer em memória.
// Usado para a verificação rápida por chunk.
func DigestBuffer(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// VerifyFile compara os digests do arquivo com os esperados.
// Digest vazio é pulado (não é erro); quando ambos são fornecidos,
// ambos precisam conferir. Comparação case-insensitive sobre o hex.
func VerifyFile(path, wantMD5, wantSHA256 string) (bool, error) {
	if wantMD5 == "" && wantSHA256 == "" {
		return true, nil
	}

	gotMD5, gotSHA256, _, err := DigestFile(path)
	if err != nil {
		return false, err
	}

	if wantMD5 != "" && !strings.EqualFold(wantMD5, gotMD5) {
		return false, nil
	}
	if wantSHA256 != "" && !strings.EqualFold(wantSHA256, gotSHA256) {
		return false, nil
	}
	return true, nil
}
