// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1gb", 1024 * 1024 * 1024, false},
		{"256mb", 256 * 1024 * 1024, false},
		{"64kb", 64 * 1024, false},
		{"512b", 512, false},
		{"1024", 1024, false},
		{" 4MB ", 4 * 1024 * 1024, false},
		{"", 0, true},
		{"abc", 0, true},
		{"12tb", 0, true},
		{"1.5mb", 0, true},
	}

	for _, tc := range cases {
		got, err := ParseByteSize(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseByteSize(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadServerConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9440"
  dev_plain_tcp: true
storage:
  base_dir: /var/lib/mysqlbak
credentials:
  path: /etc/mysqlbak/credentials.dat
audit:
  path: /var/log/mysqlbak/audit.jsonl
`)

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}

	if cfg.Server.ReadTimeout != 5*time.Minute || cfg.Server.WriteTimeout != time.Minute {
		t.Errorf("timeouts = %v / %v", cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	}
	if cfg.Server.SessionTTL != 30*time.Minute || cfg.Server.ShutdownGrace != 30*time.Second {
		t.Errorf("session ttl / grace = %v / %v", cfg.Server.SessionTTL, cfg.Server.ShutdownGrace)
	}
	if cfg.Storage.StagingDir != "/var/lib/mysqlbak/.staging" {
		t.Errorf("stagingDir = %s", cfg.Storage.StagingDir)
	}
	if cfg.Storage.MinFreeRaw != 1024*1024*1024 {
		t.Errorf("minFree = %d", cfg.Storage.MinFreeRaw)
	}
	if cfg.Auth.MaxAttempts != 5 || cfg.Auth.LockoutDuration != 5*time.Minute || cfg.Auth.TokenTTL != time.Hour {
		t.Errorf("auth defaults = %+v", cfg.Auth)
	}
	if cfg.Audit.RetentionDays != 90 || cfg.Audit.RotateMaxRaw != 64*1024*1024 {
		t.Errorf("audit defaults = %+v", cfg.Audit)
	}
	if cfg.Resume.Dir != "/var/lib/mysqlbak/.resume" || cfg.Resume.TTL != 7*24*time.Hour {
		t.Errorf("resume defaults = %+v", cfg.Resume)
	}
	if cfg.Maintenance.ResumePurgeSchedule != "@hourly" || cfg.Maintenance.AuditRetentionSchedule != "@daily" {
		t.Errorf("maintenance defaults = %+v", cfg.Maintenance)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing listen", `
storage: {base_dir: /data}
credentials: {path: /c.dat}
audit: {path: /a.jsonl}
`},
		{"tls required without dev mode", `
server: {listen: ":9440"}
storage: {base_dir: /data}
credentials: {path: /c.dat}
audit: {path: /a.jsonl}
`},
		{"missing base_dir", `
server: {listen: ":9440", dev_plain_tcp: true}
credentials: {path: /c.dat}
audit: {path: /a.jsonl}
`},
		{"missing credentials path", `
server: {listen: ":9440", dev_plain_tcp: true}
storage: {base_dir: /data}
audit: {path: /a.jsonl}
`},
		{"bad min_free", `
server: {listen: ":9440", dev_plain_tcp: true}
storage: {base_dir: /data, min_free: "lots"}
credentials: {path: /c.dat}
audit: {path: /a.jsonl}
`},
		{"offsite without bucket", `
server: {listen: ":9440", dev_plain_tcp: true}
storage: {base_dir: /data}
credentials: {path: /c.dat}
audit: {path: /a.jsonl}
offsite: {enabled: true, region: us-east-1}
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadServerConfig(writeConfig(t, tc.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestServerPassphraseSources(t *testing.T) {
	passFile := filepath.Join(t.TempDir(), "passphrase")
	if err := os.WriteFile(passFile, []byte("  from-file-with-padding \n"), 0600); err != nil {
		t.Fatalf("writing passphrase file: %v", err)
	}

	cfg := &ServerConfig{}
	cfg.Credentials.PassphraseFile = passFile
	got, err := cfg.Passphrase()
	if err != nil || got != "from-file-with-padding" {
		t.Errorf("file passphrase = (%q, %v)", got, err)
	}

	cfg.Credentials.PassphraseFile = ""
	t.Setenv("MYSQLBAK_PASSPHRASE", "from-env")
	got, err = cfg.Passphrase()
	if err != nil || got != "from-env" {
		t.Errorf("env passphrase = (%q, %v)", got, err)
	}

	t.Setenv("MYSQLBAK_PASSPHRASE", "")
	if _, err := cfg.Passphrase(); err == nil {
		t.Error("expected error with no passphrase source")
	}
}

func TestLoadAgentConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  address: collector:9440
client:
  client_id: db01
  secret: s3cret
`)

	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}

	if cfg.TLS.Mode != "full" {
		t.Errorf("tls mode = %s", cfg.TLS.Mode)
	}
	if cfg.Transfer.ChunkSizeRaw != DefaultChunkSize {
		t.Errorf("chunkSize = %d", cfg.Transfer.ChunkSizeRaw)
	}
	if cfg.Transfer.ConnectTimeout != 30*time.Second || cfg.Transfer.FrameTimeout != 2*time.Minute || cfg.Transfer.TotalTimeout != 4*time.Hour {
		t.Errorf("timeouts = %+v", cfg.Transfer)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.InitialDelay != time.Second || cfg.Retry.MaxDelay != 5*time.Minute {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
}

func TestLoadAgentConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing address", `
client: {client_id: db01}
`},
		{"missing client_id", `
server: {address: collector:9440}
`},
		{"thumbprint mode without thumbprint", `
server: {address: collector:9440}
client: {client_id: db01}
tls: {mode: thumbprint}
`},
		{"unknown tls mode", `
server: {address: collector:9440}
client: {client_id: db01}
tls: {mode: paranoid}
`},
		{"chunk size below floor", `
server: {address: collector:9440}
client: {client_id: db01}
tls: {plain_tcp: true}
transfer: {chunk_size: "32kb"}
`},
		{"chunk size above ceiling", `
server: {address: collector:9440}
client: {client_id: db01}
tls: {plain_tcp: true}
transfer: {chunk_size: "128mb"}
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadAgentConfig(writeConfig(t, tc.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestAgentResolveSecret(t *testing.T) {
	secretFile := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secretFile, []byte("file-secret\n"), 0600); err != nil {
		t.Fatalf("writing secret file: %v", err)
	}

	cfg := &AgentConfig{}
	cfg.Client.Secret = "inline-secret"
	cfg.Client.SecretFile = secretFile

	// Inline tem precedência sobre o arquivo
	got, err := cfg.ResolveSecret()
	if err != nil || got != "inline-secret" {
		t.Errorf("inline secret = (%q, %v)", got, err)
	}

	cfg.Client.Secret = ""
	got, err = cfg.ResolveSecret()
	if err != nil || got != "file-secret" {
		t.Errorf("file secret = (%q, %v)", got, err)
	}

	cfg.Client.SecretFile = ""
	t.Setenv("MYSQLBAK_SECRET", "env-secret")
	got, err = cfg.ResolveSecret()
	if err != nil || got != "env-secret" {
		t.Errorf("env secret = (%q, %v)", got, err)
	}

	t.Setenv("MYSQLBAK_SECRET", "")
	if _, err := cfg.ResolveSecret(); err == nil {
		t.Error("expected error with no secret source")
	}
}
