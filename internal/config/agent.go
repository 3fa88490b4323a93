// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultChunkSize é o tamanho padrão de cada chunk (4MB).
const DefaultChunkSize = 4 * 1024 * 1024

// AgentConfig representa a configuração completa do mysqlbak-agent.
type AgentConfig struct {
	Server   ServerAddr   `yaml:"server"`
	TLS      TLSClient    `yaml:"tls"`
	Client   ClientInfo   `yaml:"client"`
	Transfer TransferInfo `yaml:"transfer"`
	Retry    RetryInfo    `yaml:"retry"`
	Logging  LoggingInfo  `yaml:"logging"`
}

// ServerAddr contém o endereço do collector.
type ServerAddr struct {
	Address string `yaml:"address"`
}

// TLSClient contém o modo de verificação do certificado do server.
type TLSClient struct {
	Mode       string `yaml:"mode"` // full|thumbprint|insecure (default: full)
	CACert     string `yaml:"ca_cert"`
	Thumbprint string `yaml:"thumbprint"` // SHA-256 hex, requerido no modo thumbprint
	PlainTCP   bool   `yaml:"plain_tcp"`  // desabilita TLS; apenas desenvolvimento
}

// ClientInfo contém as credenciais do agent.
type ClientInfo struct {
	ClientID   string `yaml:"client_id"`
	Secret     string `yaml:"secret"`      // alternativa: secret_file
	SecretFile string `yaml:"secret_file"`
}

// TransferInfo parametriza chunking, banda e timeouts da transferência.
type TransferInfo struct {
	ChunkSize      string        `yaml:"chunk_size"` // ex: "4mb" (default: 4mb)
	ChunkSizeRaw   int64         `yaml:"-"`
	BandwidthLimit string        `yaml:"bandwidth_limit"` // bytes/s, ex: "10mb"; vazio = ilimitado
	BandwidthRaw   int64         `yaml:"-"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // default: 30s
	FrameTimeout   time.Duration `yaml:"frame_timeout"`   // deadline por frame (default: 2m)
	TotalTimeout   time.Duration `yaml:"total_timeout"`   // deadline da tentativa (default: 4h)
}

// RetryInfo contém configurações de retry com exponential backoff.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// LoadAgentConfig lê e valida o arquivo YAML de configuração do agent.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}

	return &cfg, nil
}

// ResolveSecret retorna o secret do client: inline, arquivo ou a variável de
// ambiente MYSQLBAK_SECRET.
func (c *AgentConfig) ResolveSecret() (string, error) {
	if c.Client.Secret != "" {
		return c.Client.Secret, nil
	}
	if c.Client.SecretFile != "" {
		data, err := os.ReadFile(c.Client.SecretFile)
		if err != nil {
			return "", fmt.Errorf("reading secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if s := os.Getenv("MYSQLBAK_SECRET"); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("no client secret: set client.secret, client.secret_file or MYSQLBAK_SECRET")
}

func (c *AgentConfig) validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Client.ClientID == "" {
		return fmt.Errorf("client.client_id is required")
	}

	if !c.TLS.PlainTCP {
		if c.TLS.Mode == "" {
			c.TLS.Mode = "full"
		}
		c.TLS.Mode = strings.ToLower(strings.TrimSpace(c.TLS.Mode))
		switch c.TLS.Mode {
		case "full", "insecure":
		case "thumbprint":
			if c.TLS.Thumbprint == "" {
				return fmt.Errorf("tls.thumbprint is required in thumbprint mode")
			}
		default:
			return fmt.Errorf("tls.mode must be full, thumbprint or insecure, got %q", c.TLS.Mode)
		}
	}

	if c.Transfer.ChunkSize == "" {
		c.Transfer.ChunkSize = "4mb"
	}
	chunkParsed, err := ParseByteSize(c.Transfer.ChunkSize)
	if err != nil {
		return fmt.Errorf("transfer.chunk_size: %w", err)
	}
	if chunkParsed < 64*1024 {
		return fmt.Errorf("transfer.chunk_size must be at least 64kb, got %s", c.Transfer.ChunkSize)
	}
	if chunkParsed > 64*1024*1024 {
		return fmt.Errorf("transfer.chunk_size must be at most 64mb, got %s", c.Transfer.ChunkSize)
	}
	c.Transfer.ChunkSizeRaw = chunkParsed

	if c.Transfer.BandwidthLimit != "" {
		bw, err := ParseByteSize(c.Transfer.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("transfer.bandwidth_limit: %w", err)
		}
		if bw <= 0 {
			return fmt.Errorf("transfer.bandwidth_limit must be > 0, got %s", c.Transfer.BandwidthLimit)
		}
		c.Transfer.BandwidthRaw = bw
	}

	if c.Transfer.ConnectTimeout <= 0 {
		c.Transfer.ConnectTimeout = 30 * time.Second
	}
	if c.Transfer.FrameTimeout <= 0 {
		c.Transfer.FrameTimeout = 2 * time.Minute
	}
	if c.Transfer.TotalTimeout <= 0 {
		c.Transfer.TotalTimeout = 4 * time.Hour
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
