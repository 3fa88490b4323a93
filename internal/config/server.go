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

// ServerConfig representa a configuração completa do mysqlbak-server.
type ServerConfig struct {
	Server      ServerListen      `yaml:"server"`
	TLS         TLSServer         `yaml:"tls"`
	Storage     StorageInfo       `yaml:"storage"`
	Credentials CredentialsInfo   `yaml:"credentials"`
	Auth        AuthInfo          `yaml:"auth"`
	Audit       AuditInfo         `yaml:"audit"`
	Resume      ResumeServerInfo  `yaml:"resume"`
	Maintenance MaintenanceInfo   `yaml:"maintenance"`
	Offsite     OffsiteMirrorInfo `yaml:"offsite"`
	Logging     LoggingInfo       `yaml:"logging"`
}

// ServerListen contém o endereço de escuta e os timeouts de conexão.
type ServerListen struct {
	Listen        string        `yaml:"listen"`
	DevPlainTCP   bool          `yaml:"dev_plain_tcp"` // desabilita TLS; apenas desenvolvimento
	ReadTimeout   time.Duration `yaml:"read_timeout"`   // deadline deslizante por frame (default: 5m)
	WriteTimeout  time.Duration `yaml:"write_timeout"`  // deadline por escrita (default: 1m)
	SessionTTL    time.Duration `yaml:"session_ttl"`    // ociosidade máxima de sessão (default: 30m)
	ShutdownGrace time.Duration `yaml:"shutdown_grace"` // espera por handlers ativos (default: 30s)
}

// TLSServer contém os caminhos dos certificados do server.
// CACert opcional habilita mTLS.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// StorageInfo configura o destino final dos artefatos e a reserva de espaço.
type StorageInfo struct {
	BaseDir     string `yaml:"base_dir"`
	StagingDir  string `yaml:"staging_dir"`  // default: <base_dir>/.staging
	MinFree     string `yaml:"min_free"`     // espaço livre mínimo, ex: "1gb" (default: 1gb)
	MinFreeRaw  int64  `yaml:"-"`
}

// CredentialsInfo aponta o arquivo cifrado de credenciais e sua passphrase.
type CredentialsInfo struct {
	Path           string `yaml:"path"`
	PassphraseFile string `yaml:"passphrase_file"` // alternativa: env MYSQLBAK_PASSPHRASE
}

// AuthInfo parametriza lockout e validade dos tokens.
type AuthInfo struct {
	MaxAttempts     int           `yaml:"max_attempts"`     // default: 5
	LockoutDuration time.Duration `yaml:"lockout_duration"` // default: 5m
	TokenTTL        time.Duration `yaml:"token_ttl"`        // default: 1h
}

// AuditInfo configura o audit log JSON-lines.
type AuditInfo struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`  // default: 90
	RotateMax     string `yaml:"rotate_max"`      // tamanho que dispara rotação, ex: "64mb"
	RotateMaxRaw  int64  `yaml:"-"`
}

// ResumeServerInfo configura o store durável de tokens de resume.
type ResumeServerInfo struct {
	Dir string        `yaml:"dir"` // default: <storage.base_dir>/.resume
	TTL time.Duration `yaml:"ttl"` // default: 168h (7 dias)
}

// MaintenanceInfo contém as cron expressions das rotinas de manutenção.
type MaintenanceInfo struct {
	ResumePurgeSchedule    string `yaml:"resume_purge_schedule"`    // default: "@hourly"
	AuditRetentionSchedule string `yaml:"audit_retention_schedule"` // default: "@daily"
}

// OffsiteMirrorInfo configura o espelhamento opcional para S3 após o commit
// local. Falhas de espelhamento nunca falham a transferência.
type OffsiteMirrorInfo struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // opcional, para S3-compatible
	// Credenciais estáticas opcionais; vazias usam a chain default do SDK
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // opcional; além do stdout
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do server.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// Passphrase resolve a passphrase do credential store: arquivo configurado
// ou a variável de ambiente MYSQLBAK_PASSPHRASE.
func (c *ServerConfig) Passphrase() (string, error) {
	if c.Credentials.PassphraseFile != "" {
		data, err := os.ReadFile(c.Credentials.PassphraseFile)
		if err != nil {
			return "", fmt.Errorf("reading passphrase file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if p := os.Getenv("MYSQLBAK_PASSPHRASE"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("no passphrase: set credentials.passphrase_file or MYSQLBAK_PASSPHRASE")
}

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if !c.Server.DevPlainTCP {
		if c.TLS.ServerCert == "" {
			return fmt.Errorf("tls.server_cert is required")
		}
		if c.TLS.ServerKey == "" {
			return fmt.Errorf("tls.server_key is required")
		}
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 5 * time.Minute
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 1 * time.Minute
	}
	if c.Server.SessionTTL <= 0 {
		c.Server.SessionTTL = 30 * time.Minute
	}
	if c.Server.ShutdownGrace <= 0 {
		c.Server.ShutdownGrace = 30 * time.Second
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.StagingDir == "" {
		c.Storage.StagingDir = c.Storage.BaseDir + "/.staging"
	}
	if c.Storage.MinFree == "" {
		c.Storage.MinFree = "1gb"
	}
	minFree, err := ParseByteSize(c.Storage.MinFree)
	if err != nil {
		return fmt.Errorf("storage.min_free: %w", err)
	}
	c.Storage.MinFreeRaw = minFree

	if c.Credentials.Path == "" {
		return fmt.Errorf("credentials.path is required")
	}

	if c.Auth.MaxAttempts <= 0 {
		c.Auth.MaxAttempts = 5
	}
	if c.Auth.LockoutDuration <= 0 {
		c.Auth.LockoutDuration = 5 * time.Minute
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 1 * time.Hour
	}

	if c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required")
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = 90
	}
	if c.Audit.RotateMax == "" {
		c.Audit.RotateMax = "64mb"
	}
	rotateMax, err := ParseByteSize(c.Audit.RotateMax)
	if err != nil {
		return fmt.Errorf("audit.rotate_max: %w", err)
	}
	c.Audit.RotateMaxRaw = rotateMax

	if c.Resume.Dir == "" {
		c.Resume.Dir = c.Storage.BaseDir + "/.resume"
	}
	if c.Resume.TTL <= 0 {
		c.Resume.TTL = 7 * 24 * time.Hour
	}

	if c.Maintenance.ResumePurgeSchedule == "" {
		c.Maintenance.ResumePurgeSchedule = "@hourly"
	}
	if c.Maintenance.AuditRetentionSchedule == "" {
		c.Maintenance.AuditRetentionSchedule = "@daily"
	}

	if c.Offsite.Enabled {
		if c.Offsite.Bucket == "" {
			return fmt.Errorf("offsite.bucket is required when offsite is enabled")
		}
		if c.Offsite.Region == "" && c.Offsite.Endpoint == "" {
			return fmt.Errorf("offsite.region or offsite.endpoint is required when offsite is enabled")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
