// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server_test

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/mysqlbak/internal/agent"
	"github.com/nishisan-dev/mysqlbak/internal/checksum"
	"github.com/nishisan-dev/mysqlbak/internal/chunk"
	"github.com/nishisan-dev/mysqlbak/internal/config"
	"github.com/nishisan-dev/mysqlbak/internal/credstore"
	"github.com/nishisan-dev/mysqlbak/internal/faults"
	"github.com/nishisan-dev/mysqlbak/internal/logging"
	"github.com/nishisan-dev/mysqlbak/internal/protocol"
	"github.com/nishisan-dev/mysqlbak/internal/server"
)

const (
	testClientID = "db01"
	testSecret   = "agent-secret-value"
	testChunk    = 1024
)

// startServer sobe um collector completo (credstore, auth, audit, resume,
// staging) sobre um listener local em plain TCP e retorna o endereço.
func startServer(t *testing.T) (addr string, cfg *config.ServerConfig) {
	t.Helper()
	base := t.TempDir()

	passFile := filepath.Join(base, "passphrase")
	if err := os.WriteFile(passFile, []byte("e2e-test-passphrase-0001"), 0600); err != nil {
		t.Fatalf("writing passphrase: %v", err)
	}

	credPath := filepath.Join(base, "credentials.dat")
	creds, err := credstore.NewStore(credPath, "e2e-test-passphrase-0001")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	rec := credstore.ClientRecord{ClientID: testClientID, Active: true, Permissions: []string{"transfer:write"}}
	if err := creds.Put(context.Background(), rec, testSecret); err != nil {
		t.Fatalf("seeding credentials: %v", err)
	}

	cfg = &config.ServerConfig{}
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.DevPlainTCP = true
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.SessionTTL = time.Minute
	cfg.Server.ShutdownGrace = 2 * time.Second
	cfg.Storage.BaseDir = filepath.Join(base, "backups")
	cfg.Storage.StagingDir = filepath.Join(base, "backups", ".staging")
	cfg.Credentials.Path = credPath
	cfg.Credentials.PassphraseFile = passFile
	cfg.Auth.MaxAttempts = 3
	cfg.Auth.LockoutDuration = time.Hour
	cfg.Auth.TokenTTL = time.Hour
	cfg.Audit.Path = filepath.Join(base, "audit.jsonl")
	cfg.Audit.RetentionDays = 90
	cfg.Resume.Dir = filepath.Join(base, "resume")
	cfg.Resume.TTL = time.Hour
	cfg.Maintenance.ResumePurgeSchedule = "@hourly"
	cfg.Maintenance.AuditRetentionSchedule = "@daily"

	ctx, cancel := context.WithCancel(context.Background())

	srv, err := server.New(ctx, cfg, logging.Discard())
	if err != nil {
		cancel()
		t.Fatalf("server.New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.RunWithListener(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down in time")
		}
	})

	return ln.Addr().String(), cfg
}

// agentConfig monta a configuração do agent apontando para o server de teste.
func agentConfig(addr, clientID, secret string) *config.AgentConfig {
	cfg := &config.AgentConfig{}
	cfg.Server.Address = addr
	cfg.TLS.PlainTCP = true
	cfg.Client.ClientID = clientID
	cfg.Client.Secret = secret
	cfg.Transfer.ChunkSizeRaw = testChunk
	cfg.Transfer.ConnectTimeout = 5 * time.Second
	cfg.Transfer.FrameTimeout = 10 * time.Second
	cfg.Transfer.TotalTimeout = time.Minute
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.InitialDelay = 10 * time.Millisecond
	cfg.Retry.MaxDelay = 100 * time.Millisecond
	return cfg
}

func newAgent(t *testing.T, addr, clientID, secret string) *agent.Client {
	t.Helper()
	c, err := agent.NewClient(agentConfig(addr, clientID, secret), logging.Discard())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// writeArtifact grava um payload determinístico no diretório temporário.
func writeArtifact(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	content := make([]byte, size)
	for i := range content {
		content[i] = byte((i * 7) % 253)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}
	return path, content
}

func TestDirectTransfer(t *testing.T) {
	addr, _ := startServer(t)
	client := newAgent(t, addr, testClientID, testSecret)

	// Abaixo do chunk size: o caminho direto, sem frames de chunk
	path, content := writeArtifact(t, "small.dump.gz", 600)
	res := client.Transfer(context.Background(), path)

	if !res.Success {
		t.Fatalf("transfer failed: %s (%s)", res.ErrorMessage, res.ErrorKind)
	}
	if res.BytesTransferred != 600 || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}

	got, err := os.ReadFile(res.FinalPath)
	if err != nil {
		t.Fatalf("reading delivered artifact: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("delivered content differs from source")
	}
	if filepath.Base(filepath.Dir(res.FinalPath)) != testClientID {
		t.Errorf("artifact outside client dir: %s", res.FinalPath)
	}
}

func TestChunkedTransfer(t *testing.T) {
	addr, cfg := startServer(t)
	client := newAgent(t, addr, testClientID, testSecret)

	path, content := writeArtifact(t, "big.dump.gz", 10*testChunk+512)
	res := client.Transfer(context.Background(), path)

	if !res.Success {
		t.Fatalf("transfer failed: %s (%s)", res.ErrorMessage, res.ErrorKind)
	}
	if res.BytesTransferred != int64(len(content)) {
		t.Errorf("bytes = %d, want %d", res.BytesTransferred, len(content))
	}
	if !chunk.IsToken(res.ResumeToken) {
		t.Errorf("no resume token minted: %q", res.ResumeToken)
	}

	got, err := os.ReadFile(res.FinalPath)
	if err != nil {
		t.Fatalf("reading delivered artifact: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("delivered content differs from source")
	}

	// O staging da transferência não sobra após o commit
	staging, err := filepath.Glob(filepath.Join(cfg.Storage.StagingDir, "chunks_*"))
	if err != nil {
		t.Fatalf("globbing staging: %v", err)
	}
	if len(staging) != 0 {
		t.Errorf("staging left behind: %v", staging)
	}
}

func TestResumeAfterDrop(t *testing.T) {
	addr, _ := startServer(t)

	path, content := writeArtifact(t, "resumable.dump.gz", 4*testChunk+100)
	md5Hex, sha256Hex, size, err := checksum.DigestFile(path)
	if err != nil {
		t.Fatalf("DigestFile: %v", err)
	}
	desc := protocol.FileDescriptor{LogicalName: "resumable.dump.gz", Size: size, MD5: md5Hex, SHA256: sha256Hex}

	// Primeira conexão, crua: envia os chunks 0 e 1 e derruba a conexão
	conn := dialRaw(t, addr)
	writeRequest(t, conn, &protocol.RequestFrame{
		TransferID:       "t-resume-1",
		Metadata:         desc,
		ChunkingStrategy: protocol.ChunkingStrategy{ChunkSize: testChunk},
		AuthToken:        freshEnvelope(t),
	})

	ack := readAck(t, conn)
	if !ack.Success {
		t.Fatalf("ack rejected: %s", ack.ErrorMessage)
	}
	info, err := protocol.DecodeAckInfo(ack.AdditionalInfo)
	if err != nil || !chunk.IsToken(info.ResumeToken) {
		t.Fatalf("ack info = (%+v, %v)", info, err)
	}

	for idx := 0; idx < 2; idx++ {
		sendChunk(t, conn, "t-resume-1", idx, content[idx*testChunk:(idx+1)*testChunk], false)
	}
	conn.Close()

	// O server percebe a queda quando o read do chunk 2 falha
	waitForResumable(t, addr, info.ResumeToken, []int{0, 1})

	// O agent retoma pelo token e envia apenas o restante
	client := newAgent(t, addr, testClientID, testSecret)
	res := client.Resume(context.Background(), path, info.ResumeToken)
	if !res.Success {
		t.Fatalf("resume failed: %s (%s)", res.ErrorMessage, res.ErrorKind)
	}
	if want := int64(len(content) - 2*testChunk); res.BytesTransferred != want {
		t.Errorf("bytes on resume = %d, want %d", res.BytesTransferred, want)
	}

	got, err := os.ReadFile(res.FinalPath)
	if err != nil {
		t.Fatalf("reading delivered artifact: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("delivered content differs from source")
	}
}

// waitForResumable abre conexões de resume até o server aceitar o token e
// confirma o conjunto de chunks completados que ele anuncia.
func waitForResumable(t *testing.T, addr, token string, wantCompleted []int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		conn := dialRaw(t, addr)
		writeRequest(t, conn, &protocol.RequestFrame{
			TransferID:     "t-resume-probe",
			ResumeTransfer: true,
			ResumeToken:    token,
			AuthToken:      freshEnvelope(t),
		})
		ack := readAck(t, conn)
		conn.Close()

		if !ack.Success {
			// A sessão anterior ainda não foi liberada
			time.Sleep(50 * time.Millisecond)
			continue
		}

		got, err := protocol.DecodeChunkSet(ack.AdditionalInfo)
		if err != nil {
			t.Fatalf("DecodeChunkSet: %v", err)
		}
		if len(got) != len(wantCompleted) {
			t.Fatalf("completed set = %v, want %v", got, wantCompleted)
		}
		for i := range got {
			if got[i] != wantCompleted[i] {
				t.Fatalf("completed set = %v, want %v", got, wantCompleted)
			}
		}
		// A conexão de probe também caiu; espera o server liberar a sessão
		time.Sleep(100 * time.Millisecond)
		return
	}
	t.Fatal("server never accepted the resume token")
}

func TestOrderViolationClosesTransfer(t *testing.T) {
	addr, _ := startServer(t)

	path, content := writeArtifact(t, "ordered.dump.gz", 3*testChunk)
	md5Hex, sha256Hex, size, err := checksum.DigestFile(path)
	if err != nil {
		t.Fatalf("DigestFile: %v", err)
	}

	conn := dialRaw(t, addr)
	defer conn.Close()
	writeRequest(t, conn, &protocol.RequestFrame{
		TransferID:       "t-order-1",
		Metadata:         protocol.FileDescriptor{LogicalName: "ordered.dump.gz", Size: size, MD5: md5Hex, SHA256: sha256Hex},
		ChunkingStrategy: protocol.ChunkingStrategy{ChunkSize: testChunk},
		AuthToken:        freshEnvelope(t),
	})
	if ack := readAck(t, conn); !ack.Success {
		t.Fatalf("ack rejected: %s", ack.ErrorMessage)
	}

	// Chunk 1 chega quando o server espera o 0
	data := content[testChunk : 2*testChunk]
	if err := protocol.WriteChunk(conn, &protocol.ChunkFrame{
		TransferID:    "t-order-1",
		ChunkIndex:    1,
		Data:          data,
		ChunkChecksum: checksum.DigestBuffer(data),
	}); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	chunkAck, err := protocol.ReadChunkAck(conn)
	if err != nil {
		t.Fatalf("ReadChunkAck: %v", err)
	}
	if chunkAck.Success {
		t.Fatal("out-of-order chunk accepted")
	}
	kind, _ := protocol.ParseWireError(chunkAck.ErrorMessage)
	if kind != faults.KindOrder {
		t.Errorf("chunk ack kind = %s, want order", kind)
	}

	final, err := protocol.ReadFinal(conn)
	if err != nil {
		t.Fatalf("ReadFinal: %v", err)
	}
	if final.Success {
		t.Fatal("final frame reports success")
	}
	kind, _ = protocol.ParseWireError(final.ErrorMessage)
	if kind != faults.KindOrder {
		t.Errorf("final kind = %s, want order", kind)
	}
	// Violação de ordem não é retomável: nenhum token no final frame
	if final.AdditionalInfo != "" {
		t.Errorf("additionalInfo = %q, want empty", final.AdditionalInfo)
	}
}

func TestDirectTamperedDigestRejected(t *testing.T) {
	addr, cfg := startServer(t)

	path, content := writeArtifact(t, "tampered.dump.gz", 512)
	_, _, size, err := checksum.DigestFile(path)
	if err != nil {
		t.Fatalf("DigestFile: %v", err)
	}

	conn := dialRaw(t, addr)
	defer conn.Close()
	writeRequest(t, conn, &protocol.RequestFrame{
		TransferID: "t-tamper-1",
		Metadata: protocol.FileDescriptor{
			LogicalName: "tampered.dump.gz",
			Size:        size,
			SHA256:      "0000000000000000000000000000000000000000000000000000000000000000",
		},
		ChunkingStrategy: protocol.ChunkingStrategy{ChunkSize: testChunk},
		AuthToken:        freshEnvelope(t),
	})
	if ack := readAck(t, conn); !ack.Success {
		t.Fatalf("ack rejected: %s", ack.ErrorMessage)
	}

	if _, err := conn.Write(content); err != nil {
		t.Fatalf("writing raw stream: %v", err)
	}

	final, err := protocol.ReadFinal(conn)
	if err != nil {
		t.Fatalf("ReadFinal: %v", err)
	}
	if final.Success {
		t.Fatal("tampered artifact accepted")
	}
	kind, _ := protocol.ParseWireError(final.ErrorMessage)
	if kind != faults.KindIntegrity {
		t.Errorf("final kind = %s, want integrity", kind)
	}

	// Nada aterrissa no storage do client
	landed, err := filepath.Glob(filepath.Join(cfg.Storage.BaseDir, testClientID, "*"))
	if err != nil {
		t.Fatalf("globbing storage: %v", err)
	}
	if len(landed) != 0 {
		t.Errorf("artifacts landed despite integrity failure: %v", landed)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	addr, _ := startServer(t)

	path, _ := writeArtifact(t, "locked.dump.gz", 256)

	// Três falhas consecutivas esgotam o budget (auth.max_attempts: 3)
	bad := newAgent(t, addr, testClientID, "wrong-secret")
	for i := 0; i < 3; i++ {
		res := bad.Transfer(context.Background(), path)
		if res.Success {
			t.Fatal("transfer with wrong secret succeeded")
		}
		if res.ErrorKind != faults.KindAuth {
			t.Fatalf("errorKind = %s, want auth", res.ErrorKind)
		}
	}

	// Lockout ativo: até a credencial correta é negada, com a mesma resposta
	good := newAgent(t, addr, testClientID, testSecret)
	res := good.Transfer(context.Background(), path)
	if res.Success {
		t.Fatal("locked out client transferred successfully")
	}
	if res.ErrorKind != faults.KindAuth {
		t.Errorf("errorKind = %s, want auth", res.ErrorKind)
	}
}

func TestReplayWindowRejected(t *testing.T) {
	addr, _ := startServer(t)

	env, err := protocol.EncodeCredentials(protocol.CredentialEnvelope{
		ClientID:  testClientID,
		Secret:    testSecret,
		Timestamp: time.Now().Add(-10 * time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("EncodeCredentials: %v", err)
	}

	conn := dialRaw(t, addr)
	defer conn.Close()
	writeRequest(t, conn, &protocol.RequestFrame{
		TransferID:       "t-replay-1",
		Metadata:         protocol.FileDescriptor{LogicalName: "x.dump.gz", Size: 256},
		ChunkingStrategy: protocol.ChunkingStrategy{ChunkSize: testChunk},
		AuthToken:        env,
	})

	ack := readAck(t, conn)
	if ack.Success {
		t.Fatal("stale credential envelope accepted")
	}
	kind, msg := protocol.ParseWireError(ack.ErrorMessage)
	if kind != faults.KindAuth {
		t.Errorf("ack kind = %s, want auth", kind)
	}
	if msg != "invalid credentials" {
		t.Errorf("denial message = %q, want the generic one", msg)
	}
}

func TestTokenReuseAcrossConnections(t *testing.T) {
	addr, _ := startServer(t)
	client := newAgent(t, addr, testClientID, testSecret)

	path, _ := writeArtifact(t, "first.dump.gz", 600)
	if res := client.Transfer(context.Background(), path); !res.Success {
		t.Fatalf("first transfer failed: %s", res.ErrorMessage)
	}

	// A segunda transferência reusa o token TK_ emitido na primeira
	path2, _ := writeArtifact(t, "second.dump.gz", 600)
	if res := client.Transfer(context.Background(), path2); !res.Success {
		t.Fatalf("second transfer failed: %s", res.ErrorMessage)
	}
}

func dialRaw(t *testing.T, addr string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.SetDeadline(time.Now().Add(10 * time.Second))
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("dialing %s: %v", addr, err)
	return nil
}

func freshEnvelope(t *testing.T) string {
	t.Helper()
	env, err := protocol.EncodeCredentials(protocol.CredentialEnvelope{
		ClientID:  testClientID,
		Secret:    testSecret,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("EncodeCredentials: %v", err)
	}
	return env
}

func writeRequest(t *testing.T, conn net.Conn, req *protocol.RequestFrame) {
	t.Helper()
	if err := protocol.WriteRequest(conn, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
}

func readAck(t *testing.T, conn net.Conn) *protocol.AckFrame {
	t.Helper()
	ack, err := protocol.ReadAck(conn)
	if err != nil {
		t.Fatalf("ReadAck: %v", err)
	}
	return ack
}

func sendChunk(t *testing.T, conn net.Conn, transferID string, idx int, data []byte, last bool) {
	t.Helper()
	if err := protocol.WriteChunk(conn, &protocol.ChunkFrame{
		TransferID:    transferID,
		ChunkIndex:    idx,
		Data:          data,
		ChunkChecksum: checksum.DigestBuffer(data),
		IsLastChunk:   last,
	}); err != nil {
		t.Fatalf("WriteChunk(%d): %v", idx, err)
	}
	ack, err := protocol.ReadChunkAck(conn)
	if err != nil {
		t.Fatalf("ReadChunkAck(%d): %v", idx, err)
	}
	if !ack.Success {
		t.Fatalf("chunk %d rejected: %s", idx, ack.ErrorMessage)
	}
}
