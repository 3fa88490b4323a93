// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Versões do formato de cifra do arquivo de credenciais.
// v1 é o formato legado (CBC com chave SHA-256 da passphrase, IV prefixado
// no metadata) e continua decifrável. Escritas novas usam sempre v2 (AES-GCM
// com chave derivada por PBKDF2).
const (
	cipherVersionCBC = 1
	cipherVersionGCM = 2
)

// kdfIterations é o número de iterações PBKDF2 para derivação de chave (v2).
const kdfIterations = 210_000

// cipherMeta é o metadata JSON gravado em claro entre o magic e o ciphertext.
type cipherMeta struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf,omitempty"`        // "pbkdf2-sha256" (v2)
	Iterations int    `json:"iterations,omitempty"` // v2
	Salt       []byte `json:"salt,omitempty"`       // v2
	Nonce      []byte `json:"nonce,omitempty"`      // v2
	IV         []byte `json:"iv,omitempty"`         // v1 (legado)
}

// encryptGCM cifra o plaintext com AES-256-GCM e retorna o metadata + ciphertext.
func encryptGCM(passphrase string, plaintext []byte) (*cipherMeta, []byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generating kdf salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, kdfIterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	meta := &cipherMeta{
		Version:    cipherVersionGCM,
		KDF:        "pbkdf2-sha256",
		Iterations: kdfIterations,
		Salt:       salt,
		Nonce:      nonce,
	}
	return meta, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// decrypt decifra o ciphertext conforme a versão do metadata.
func decrypt(passphrase string, meta *cipherMeta, ciphertext []byte) ([]byte, error) {
	switch meta.Version {
	case cipherVersionGCM:
		return decryptGCM(passphrase, meta, ciphertext)
	case cipherVersionCBC:
		return decryptCBC(passphrase, meta, ciphertext)
	default:
		return nil, fmt.Errorf("unsupported cipher version %d", meta.Version)
	}
}

func decryptGCM(passphrase string, meta *cipherMeta, ciphertext []byte) ([]byte, error) {
	iters := meta.Iterations
	if iters <= 0 {
		iters = kdfIterations
	}
	key := pbkdf2.Key([]byte(passphrase), meta.Salt, iters, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, meta.Nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting store: %w", err)
	}
	return plaintext, nil
}

// decryptCBC decifra artefatos legados: AES-256-CBC com chave
// SHA-256(passphrase) e padding PKCS#7.
func decryptCBC(passphrase string, meta *cipherMeta, ciphertext []byte) ([]byte, error) {
	key := sha256.Sum256([]byte(passphrase))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	if len(meta.IV) != aes.BlockSize {
		return nil, fmt.Errorf("invalid legacy iv length %d", len(meta.IV))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid legacy ciphertext length %d", len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, meta.IV).CryptBlocks(plaintext, ciphertext)

	// Remove padding PKCS#7
	pad := int(plaintext[len(plaintext)-1])
	if pad <= 0 || pad > aes.BlockSize || pad > len(plaintext) {
		return nil, fmt.Errorf("invalid legacy padding")
	}
	for _, b := range plaintext[len(plaintext)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid legacy padding")
		}
	}
	return plaintext[:len(plaintext)-pad], nil
}

// encryptCBC cifra no formato legado v1. Mantido para testes de
// compatibilidade com artefatos antigos.
func encryptCBC(passphrase string, plaintext []byte) (*cipherMeta, []byte, error) {
	key := sha256.Sum256([]byte(passphrase))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generating iv: %w", err)
	}

	// Padding PKCS#7
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+pad)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return &cipherMeta{Version: cipherVersionCBC, IV: iv}, ciphertext, nil
}

// hashSecret deriva o hash salted e one-way de um secret de client.
func hashSecret(secret string, salt []byte) []byte {
	return pbkdf2.Key([]byte(secret), salt, kdfIterations, 32, sha256.New)
}
