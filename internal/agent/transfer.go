// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package agent implementa o client de transferência (mysqlbak-agent):
// digest do artefato, envio chunked com retry exponencial e resume por token.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/mysqlbak/internal/checksum"
	"github.com/nishisan-dev/mysqlbak/internal/chunk"
	"github.com/nishisan-dev/mysqlbak/internal/config"
	"github.com/nishisan-dev/mysqlbak/internal/faults"
	"github.com/nishisan-dev/mysqlbak/internal/pki"
	"github.com/nishisan-dev/mysqlbak/internal/protocol"
	"github.com/nishisan-dev/mysqlbak/internal/recovery"
)

// TransferResult é o registro devolvido na fronteira pública do client.
// Nenhum erro escapa como error: falhas viram Success=false + ErrorMessage.
type TransferResult struct {
	Success          bool
	BytesTransferred int64
	Duration         time.Duration
	Attempts         int
	ResumeToken      string
	FinalPath        string
	ErrorKind        faults.Kind
	ErrorMessage     string
}

// Client envia artefatos de backup para o collector.
type Client struct {
	cfg    *config.AgentConfig
	tlsCfg *tls.Config // nil quando plain_tcp
	secret string
	logger *slog.Logger

	// ShowProgress habilita a barra de progresso no stderr.
	ShowProgress bool

	mu        sync.Mutex
	authToken string // token TK_ reusado entre conexões
}

// NewClient monta o client a partir da configuração.
func NewClient(cfg *config.AgentConfig, logger *slog.Logger) (*Client, error) {
	secret, err := cfg.ResolveSecret()
	if err != nil {
		return nil, err
	}

	var tlsCfg *tls.Config
	if !cfg.TLS.PlainTCP {
		tlsCfg, err = pki.NewClientTLSConfig(pki.VerifyMode(cfg.TLS.Mode), cfg.TLS.CACert, cfg.TLS.Thumbprint)
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		cfg:    cfg,
		tlsCfg: tlsCfg,
		secret: secret,
		logger: logger.With("component", "agent"),
	}, nil
}

// Transfer envia o arquivo em path para o collector.
func (c *Client) Transfer(ctx context.Context, path string) TransferResult {
	return c.run(ctx, path, "")
}

// Resume retoma uma transferência interrompida a partir do token.
func (c *Client) Resume(ctx context.Context, path, resumeToken string) TransferResult {
	return c.run(ctx, path, resumeToken)
}

// run é o loop de tentativas: backoff exponencial base·2^(attempt−1), resume
// automático quando um token foi obtido, sem retry após cancelamento.
func (c *Client) run(ctx context.Context, path, resumeToken string) TransferResult {
	start := time.Now()
	res := TransferResult{ResumeToken: resumeToken}

	desc, err := c.describe(path)
	if err != nil {
		res.Duration = time.Since(start)
		res.ErrorKind = faults.KindInternal
		res.ErrorMessage = err.Error()
		return res
	}

	var progress *ProgressReporter
	if c.ShowProgress {
		progress = NewProgressReporter(desc.LogicalName, desc.Size,
			int64(protocol.ChunkingStrategy{ChunkSize: c.cfg.Transfer.ChunkSizeRaw}.ChunkCount(desc.Size)))
		defer progress.Stop()
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		res.Attempts = attempt

		if attempt > 1 {
			if progress != nil {
				progress.AddRetry()
			}
			if !c.backoff(ctx, attempt) {
				break
			}
		}

		sent, finalPath, minted, err := c.attempt(ctx, path, desc, res.ResumeToken, progress)
		res.BytesTransferred += sent
		if minted != "" {
			res.ResumeToken = minted
		}

		if err == nil {
			res.Success = true
			res.FinalPath = finalPath
			res.Duration = time.Since(start)
			c.logger.Info("transfer complete",
				"file", desc.LogicalName,
				"bytes", res.BytesTransferred,
				"attempts", attempt,
				"duration", res.Duration.Round(time.Millisecond),
			)
			return res
		}
		lastErr = err

		if ctx.Err() != nil {
			// Cancelamento no meio da tentativa não é retentado
			break
		}

		decision := recovery.Decide(err, res.ResumeToken != "")
		c.logger.Warn("attempt failed",
			"file", desc.LogicalName,
			"attempt", attempt,
			"kind", string(faults.KindOf(err)),
			"decision", decision.String(),
			"error", err,
		)
		if decision != recovery.Retry {
			break
		}
	}

	res.Duration = time.Since(start)
	if lastErr != nil {
		res.ErrorKind = faults.KindOf(lastErr)
		res.ErrorMessage = lastErr.Error()
	} else if ctx.Err() != nil {
		res.ErrorKind = faults.KindTimeout
		res.ErrorMessage = ctx.Err().Error()
	}
	return res
}

// describe computa os digests e monta o descritor do artefato.
func (c *Client) describe(path string) (protocol.FileDescriptor, error) {
	md5Hex, sha256Hex, size, err := checksum.DigestFile(path)
	if err != nil {
		return protocol.FileDescriptor{}, fmt.Errorf("digesting %s: %w", path, err)
	}

	host, _ := os.Hostname()
	return protocol.FileDescriptor{
		LogicalName: filepath.Base(path),
		Size:        size,
		MD5:         md5Hex,
		SHA256:      sha256Hex,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		SourceTag:   host,
	}, nil
}

// backoff dorme base·2^(attempt−1) limitado a MaxDelay. Retorna false se o
// context foi cancelado durante a espera.
func (c *Client) backoff(ctx context.Context, attempt int) bool {
	delay := c.cfg.Retry.InitialDelay * (1 << (attempt - 2))
	if delay > c.cfg.Retry.MaxDelay || delay <= 0 {
		delay = c.cfg.Retry.MaxDelay
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// attempt executa uma tentativa completa sob o deadline total configurado.
func (c *Client) attempt(ctx context.Context, path string, desc protocol.FileDescriptor, resumeToken string, progress *ProgressReporter) (sent int64, finalPath, minted string, err error) {
	err = recovery.WithDeadline(ctx, c.cfg.Transfer.TotalTimeout, "transfer", desc.LogicalName, func(opCtx context.Context) error {
		var opErr error
		sent, finalPath, minted, opErr = c.attemptConn(opCtx, path, desc, resumeToken, progress)
		return opErr
	})
	return sent, finalPath, minted, err
}

func (c *Client) attemptConn(ctx context.Context, path string, desc protocol.FileDescriptor, resumeToken string, progress *ProgressReporter) (int64, string, string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, "", "", err
	}
	defer conn.Close()

	// Cancelamento derruba qualquer I/O pendente na conexão
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-watchdogDone:
		}
	}()

	transferID := uuid.NewString()
	req := &protocol.RequestFrame{
		TransferID:       transferID,
		Metadata:         desc,
		ChunkingStrategy: protocol.ChunkingStrategy{ChunkSize: c.cfg.Transfer.ChunkSizeRaw},
		ResumeTransfer:   resumeToken != "",
		ResumeToken:      resumeToken,
		AuthToken:        c.buildAuthToken(),
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.Transfer.FrameTimeout))
	if err := protocol.WriteRequest(conn, req); err != nil {
		return 0, "", "", faults.Wrap(faults.KindTransport, "request", transferID, err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.Transfer.FrameTimeout))
	ack, err := protocol.ReadAck(conn)
	if err != nil {
		return 0, "", "", faults.Wrap(faults.KindTransport, "ack", transferID, err)
	}
	if !ack.Success {
		kind, msg := protocol.ParseWireError(ack.ErrorMessage)
		if kind == faults.KindAuth {
			// Token pode ter expirado: a próxima tentativa reautentica
			c.setAuthToken("")
		}
		return 0, "", "", faults.New(kind, "ack", transferID, msg)
	}

	completed := make(map[int]bool)
	var minted string
	if req.ResumeTransfer {
		indices, err := protocol.DecodeChunkSet(ack.AdditionalInfo)
		if err != nil {
			return 0, "", "", faults.Wrap(faults.KindProtocol, "ack", transferID, err)
		}
		for _, idx := range indices {
			completed[idx] = true
		}
		minted = resumeToken
	} else if ack.AdditionalInfo != "" {
		info, err := protocol.DecodeAckInfo(ack.AdditionalInfo)
		if err != nil {
			return 0, "", "", faults.Wrap(faults.KindProtocol, "ack", transferID, err)
		}
		if info.AuthToken != "" {
			c.setAuthToken(info.AuthToken)
		}
		minted = info.ResumeToken
	}

	var sent int64
	if desc.Size <= c.cfg.Transfer.ChunkSizeRaw {
		sent, err = c.streamDirect(ctx, conn, path, desc, progress)
	} else {
		sent, err = c.streamChunks(ctx, conn, path, desc, transferID, completed, progress)
	}
	if err != nil {
		return sent, "", minted, err
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.Transfer.FrameTimeout))
	final, err := protocol.ReadFinal(conn)
	if err != nil {
		return sent, "", minted, faults.Wrap(faults.KindTransport, "final", transferID, err)
	}
	if !final.Success {
		kind, msg := protocol.ParseWireError(final.ErrorMessage)
		if chunk.IsToken(final.AdditionalInfo) {
			minted = final.AdditionalInfo
		}
		return sent, "", minted, faults.New(kind, "final", transferID, msg)
	}

	return sent, final.AdditionalInfo, minted, nil
}

// streamChunks envia os chunks em ordem ascendente, pulando os que o server
// já confirmou. Falha de checksum em um chunk permite um único reenvio.
func (c *Client) streamChunks(ctx context.Context, conn net.Conn, path string, desc protocol.FileDescriptor, transferID string, completed map[int]bool, progress *ProgressReporter) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	chunkSize := c.cfg.Transfer.ChunkSizeRaw
	count := protocol.ChunkingStrategy{ChunkSize: chunkSize}.ChunkCount(desc.Size)
	w := NewThrottledWriter(ctx, conn, c.cfg.Transfer.BandwidthRaw)

	buf := make([]byte, chunkSize)
	var sent int64

	for idx := 0; idx < count; idx++ {
		if completed[idx] {
			if progress != nil {
				progress.AddChunk()
			}
			continue
		}

		offset := int64(idx) * chunkSize
		want := chunkSize
		if desc.Size-offset < want {
			want = desc.Size - offset
		}
		if _, err := f.ReadAt(buf[:want], offset); err != nil {
			return sent, fmt.Errorf("reading chunk %d: %w", idx, err)
		}

		frame := &protocol.ChunkFrame{
			TransferID:    transferID,
			ChunkIndex:    idx,
			Data:          buf[:want],
			ChunkChecksum: checksum.DigestBuffer(buf[:want]),
			IsLastChunk:   idx == count-1,
		}

		resent := false
		for {
			conn.SetWriteDeadline(time.Now().Add(c.cfg.Transfer.FrameTimeout))
			if err := protocol.WriteChunk(w, frame); err != nil {
				return sent, faults.Wrap(faults.KindTransport, "chunk", transferID, err)
			}

			conn.SetReadDeadline(time.Now().Add(c.cfg.Transfer.FrameTimeout))
			ack, err := protocol.ReadChunkAck(conn)
			if err != nil {
				return sent, faults.Wrap(faults.KindTransport, "chunk_ack", transferID, err)
			}
			if ack.Success {
				sent += int64(want)
				if progress != nil {
					progress.AddBytes(int64(want))
					progress.AddChunk()
				}
				break
			}

			kind, msg := protocol.ParseWireError(ack.ErrorMessage)
			if kind == faults.KindChecksum && !resent {
				// Reenvia o mesmo chunk uma única vez
				resent = true
				c.logger.Warn("chunk rejected, resending once", "chunk", idx, "error", msg)
				continue
			}
			return sent, faults.New(kind, "chunk", transferID, msg)
		}
	}

	return sent, nil
}

// streamDirect envia o arquivo inteiro como bytes crus (caminho
// não-chunked), respeitando o limite de banda.
func (c *Client) streamDirect(ctx context.Context, conn net.Conn, path string, desc protocol.FileDescriptor, progress *ProgressReporter) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	w := NewThrottledWriter(ctx, conn, c.cfg.Transfer.BandwidthRaw)
	buf := make([]byte, 256*1024)
	var sent int64

	for sent < desc.Size {
		want := int64(len(buf))
		if desc.Size-sent < want {
			want = desc.Size - sent
		}
		n, err := f.Read(buf[:want])
		if n > 0 {
			conn.SetWriteDeadline(time.Now().Add(c.cfg.Transfer.FrameTimeout))
			if _, werr := w.Write(buf[:n]); werr != nil {
				return sent, faults.Wrap(faults.KindTransport, "direct", desc.LogicalName, werr)
			}
			sent += int64(n)
			if progress != nil {
				progress.AddBytes(int64(n))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && sent == desc.Size {
				break
			}
			return sent, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	return sent, nil
}

// dial abre a conexão TCP e, salvo plain_tcp, executa o handshake TLS.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.Transfer.ConnectTimeout}
	raw, err := d.DialContext(ctx, "tcp", c.cfg.Server.Address)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransport, "dial", c.cfg.Server.Address, err)
	}

	if c.tlsCfg == nil {
		return raw, nil
	}

	tlsConn := tls.Client(raw, c.tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, faults.Wrap(faults.KindTransport, "tls_handshake", c.cfg.Server.Address, err)
	}
	return tlsConn, nil
}

// buildAuthToken retorna o token TK_ cacheado ou um envelope de credenciais
// fresco com o timestamp do replay guard.
func (c *Client) buildAuthToken() string {
	c.mu.Lock()
	tok := c.authToken
	c.mu.Unlock()
	if tok != "" {
		return tok
	}

	env, err := protocol.EncodeCredentials(protocol.CredentialEnvelope{
		ClientID:  c.cfg.Client.ClientID,
		Secret:    c.secret,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return ""
	}
	return env
}

func (c *Client) setAuthToken(tok string) {
	c.mu.Lock()
	c.authToken = tok
	c.mu.Unlock()
}
