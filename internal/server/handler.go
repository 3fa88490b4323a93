// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/mysqlbak/internal/audit"
	"github.com/nishisan-dev/mysqlbak/internal/auth"
	"github.com/nishisan-dev/mysqlbak/internal/checksum"
	"github.com/nishisan-dev/mysqlbak/internal/chunk"
	"github.com/nishisan-dev/mysqlbak/internal/config"
	"github.com/nishisan-dev/mysqlbak/internal/faults"
	"github.com/nishisan-dev/mysqlbak/internal/protocol"
	"github.com/nishisan-dev/mysqlbak/internal/recovery"
)

// maxChunkResends limita reenvios do mesmo índice após falha de checksum.
const maxChunkResends = 3

// directCopyBuffer é o tamanho de leitura do caminho direto (não-chunked).
const directCopyBuffer = 256 * 1024

// Handler processa conexões individuais de transferência.
type Handler struct {
	cfg    *config.ServerConfig
	logger *slog.Logger
	auth   *auth.Service
	chunks *chunk.Manager
	sink   StorageSink
	audit  *audit.Log
	mirror *S3Mirror // opcional

	// Métricas observáveis pelo stats reporter
	TrafficIn   atomic.Int64 // bytes recebidos da rede
	DiskWrite   atomic.Int64 // bytes escritos em disco
	ActiveConns atomic.Int32 // conexões ativas no momento
}

// NewHandler cria um novo Handler. mirror pode ser nil.
func NewHandler(cfg *config.ServerConfig, authSvc *auth.Service, chunks *chunk.Manager, sink StorageSink, auditLog *audit.Log, mirror *S3Mirror, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:    cfg,
		logger: logger,
		auth:   authSvc,
		chunks: chunks,
		sink:   sink,
		audit:  auditLog,
		mirror: mirror,
	}
}

// HandleConnection processa uma conexão: request → authorize → ack →
// ingest → finalize → final frame. Qualquer erro transiciona para FAIL,
// que envia um frame de erro best-effort e fecha.
func (h *Handler) HandleConnection(ctx context.Context, conn net.Conn) {
	h.ActiveConns.Add(1)
	defer h.ActiveConns.Add(-1)
	defer conn.Close()

	start := time.Now()
	remote := conn.RemoteAddr().String()
	logger := h.logger.With("remote", remote)

	conn.SetReadDeadline(time.Now().Add(h.cfg.Server.ReadTimeout))
	req, err := protocol.ReadRequest(conn)
	if err != nil {
		logger.Warn("reading request frame", "error", err)
		return
	}

	clientID, authToken, err := h.authorize(ctx, req, remote)
	if err != nil {
		kind := faults.KindOf(err)
		if kind == faults.KindInternal {
			kind = faults.KindAuth
		}
		h.writeAck(conn, &protocol.AckFrame{
			Success:      false,
			ErrorMessage: protocol.WireError(kind, "invalid credentials"),
		}, logger)
		return
	}
	logger = logger.With("client", clientID)

	if req.ResumeTransfer {
		h.handleResume(ctx, conn, req, clientID, start, logger)
		return
	}

	ok, err := h.sink.HasSpace(req.Metadata.Size)
	if err != nil {
		logger.Error("checking free space", "error", err)
		h.writeAck(conn, &protocol.AckFrame{
			Success:      false,
			ErrorMessage: protocol.WireError(faults.KindInternal, "storage check failed"),
		}, logger)
		return
	}
	if !ok {
		h.auditTransfer(clientID, remote, audit.OutcomeFailure, "storage_full", start)
		h.writeAck(conn, &protocol.AckFrame{
			Success:      false,
			ErrorMessage: protocol.WireError(faults.KindStorageFull, "insufficient storage for artifact"),
		}, logger)
		return
	}

	// Caminho direto: artefatos de um chunk só trafegam como bytes crus
	if req.Metadata.Size <= req.ChunkingStrategy.ChunkSize {
		h.handleDirect(conn, req, clientID, authToken, start, logger)
		return
	}

	sess, err := h.chunks.Begin(clientID, req.TransferID, req.Metadata, req.ChunkingStrategy)
	if err != nil {
		h.writeAck(conn, &protocol.AckFrame{
			Success:      false,
			ErrorMessage: protocol.WireError(faults.KindOf(err), err.Error()),
		}, logger)
		return
	}

	resumeToken, err := h.chunks.MintResume(sess)
	if err != nil {
		logger.Error("minting resume token", "error", err)
		h.chunks.Release(sess, true)
		h.writeAck(conn, &protocol.AckFrame{
			Success:      false,
			ErrorMessage: protocol.WireError(faults.KindInternal, "resume bookkeeping failed"),
		}, logger)
		return
	}

	if !h.writeAck(conn, &protocol.AckFrame{
		Success: true,
		AdditionalInfo: protocol.EncodeAckInfo(protocol.AckInfo{
			AuthToken:   authToken,
			ResumeToken: resumeToken,
		}),
	}, logger) {
		h.chunks.Release(sess, false)
		return
	}

	h.ingestLoop(conn, sess, sess.TransferID, remote, start, logger)
}

// authorize resolve o authToken do request: token TK_ emitido anteriormente
// (introspect) ou envelope base64 de credenciais (authenticate). Retorna o
// clientId autorizado e o token válido para conexões futuras.
func (h *Handler) authorize(ctx context.Context, req *protocol.RequestFrame, remote string) (string, string, error) {
	if auth.IsTokenID(req.AuthToken) {
		tok, err := h.auth.Introspect(ctx, req.AuthToken)
		if err != nil {
			return "", "", err
		}
		return tok.ClientID, req.AuthToken, nil
	}

	env, err := protocol.DecodeCredentials(req.AuthToken)
	if err != nil {
		return "", "", faults.Wrap(faults.KindProtocol, "authorize", "", err)
	}

	grant, err := h.auth.Authenticate(ctx, env.ClientID, env.Secret, time.Unix(env.Timestamp, 0), remote)
	if err != nil {
		return "", "", err
	}
	return env.ClientID, grant.TokenID, nil
}

// handleResume reabre uma transferência e devolve no ack o conjunto de
// chunks que o server já tem.
func (h *Handler) handleResume(ctx context.Context, conn net.Conn, req *protocol.RequestFrame, clientID string, start time.Time, logger *slog.Logger) {
	sess, err := h.chunks.Restore(clientID, req.ResumeToken)
	if err != nil {
		logger.Warn("resume rejected", "token", req.ResumeToken, "error", err)
		h.writeAck(conn, &protocol.AckFrame{
			Success:      false,
			ErrorMessage: protocol.WireError(faults.KindOf(err), "resume token rejected"),
		}, logger)
		return
	}

	completed := sess.CompletedIndices()
	if !h.writeAck(conn, &protocol.AckFrame{
		Success:        true,
		AdditionalInfo: protocol.EncodeChunkSet(completed),
	}, logger) {
		h.chunks.Release(sess, false)
		return
	}

	// O client referencia a transferência pelo ID que enviou no request;
	// a sessão retomada mantém o ID original da entry.
	wireID := req.TransferID
	if wireID == "" {
		wireID = sess.TransferID
	}
	h.ingestLoop(conn, sess, wireID, conn.RemoteAddr().String(), start, logger)
}

// ingestLoop consome chunks em ordem estritamente ascendente de índice,
// pulando os já completados. Índice fora da expectativa é OrderError e fecha
// a conexão. Falha de checksum permite reenvio do mesmo índice (limitado).
func (h *Handler) ingestLoop(conn net.Conn, sess *chunk.Session, wireID, remote string, start time.Time, logger *slog.Logger) {
	completed := make(map[int]bool)
	for _, idx := range sess.CompletedIndices() {
		completed[idx] = true
	}

	for idx := 0; idx < sess.ChunkCount; idx++ {
		if completed[idx] {
			continue
		}

		resends := 0
		for {
			// Deadline deslizante: renovado a cada frame recebido
			conn.SetReadDeadline(time.Now().Add(h.cfg.Server.ReadTimeout))
			frame, err := protocol.ReadChunk(conn)
			if err != nil {
				h.failConn(conn, sess, remote, start,
					faults.Wrap(faults.KindTransport, "ingest", sess.TransferID, err), logger)
				return
			}

			if frame.TransferID != wireID {
				h.writeChunkAck(conn, &protocol.ChunkAckFrame{
					Success:      false,
					ChunkIndex:   frame.ChunkIndex,
					ErrorMessage: protocol.WireError(faults.KindProtocol, "transferId mismatch"),
				}, logger)
				h.failConn(conn, sess, remote, start,
					faults.New(faults.KindProtocol, "ingest", sess.TransferID, "transferId mismatch"), logger)
				return
			}

			if frame.ChunkIndex != idx {
				msg := fmt.Sprintf("expected chunk %d, got %d", idx, frame.ChunkIndex)
				h.writeChunkAck(conn, &protocol.ChunkAckFrame{
					Success:      false,
					ChunkIndex:   frame.ChunkIndex,
					ErrorMessage: protocol.WireError(faults.KindOrder, msg),
				}, logger)
				h.failConn(conn, sess, remote, start,
					faults.New(faults.KindOrder, "ingest", sess.TransferID, msg), logger)
				return
			}

			h.TrafficIn.Add(int64(len(frame.Data)))

			_, err = h.chunks.Ingest(sess, frame)
			if err == nil {
				h.DiskWrite.Add(int64(len(frame.Data)))
				h.writeChunkAck(conn, &protocol.ChunkAckFrame{
					Success:    true,
					ChunkIndex: idx,
				}, logger)
				break
			}

			if faults.IsKind(err, faults.KindChecksum) && resends < maxChunkResends {
				resends++
				logger.Warn("chunk checksum mismatch, awaiting resend",
					"transfer", sess.TransferID, "chunk", idx, "resends", resends)
				h.writeChunkAck(conn, &protocol.ChunkAckFrame{
					Success:      false,
					ChunkIndex:   idx,
					ErrorMessage: protocol.WireError(faults.KindChecksum, "chunk digest mismatch"),
				}, logger)
				continue
			}

			h.writeChunkAck(conn, &protocol.ChunkAckFrame{
				Success:      false,
				ChunkIndex:   idx,
				ErrorMessage: protocol.WireError(faults.KindOf(err), err.Error()),
			}, logger)
			h.failConn(conn, sess, remote, start, err, logger)
			return
		}
	}

	h.finalize(conn, sess, remote, start, logger)
}

// finalize monta o artefato, envia o final frame e dispara o mirror.
func (h *Handler) finalize(conn net.Conn, sess *chunk.Session, remote string, start time.Time, logger *slog.Logger) {
	target, err := h.sink.TargetPath(sess.ClientID, sess.Descriptor.LogicalName)
	if err != nil {
		h.failConn(conn, sess, remote, start,
			faults.Wrap(faults.KindInternal, "finalize", sess.TransferID, err), logger)
		return
	}

	finalPath, err := h.chunks.Finalize(sess, target)
	if err != nil {
		h.failConn(conn, sess, remote, start, err, logger)
		return
	}

	h.auditTransfer(sess.ClientID, remote, audit.OutcomeSuccess, "", start)
	h.writeFinal(conn, &protocol.FinalFrame{
		Success:        true,
		AdditionalInfo: finalPath,
	}, logger)

	if h.mirror != nil {
		clientID := sess.ClientID
		go func() {
			if err := h.mirror.Mirror(context.Background(), finalPath, clientID); err != nil {
				logger.Error("offsite mirror failed", "path", finalPath, "error", err)
			}
		}()
	}
}

// handleDirect trata o caminho não-chunked: após o ack, exatamente size
// bytes crus no stream. Integridade só pelo digest do arquivo inteiro.
func (h *Handler) handleDirect(conn net.Conn, req *protocol.RequestFrame, clientID, authToken string, start time.Time, logger *slog.Logger) {
	remote := conn.RemoteAddr().String()

	target, err := h.sink.TargetPath(clientID, req.Metadata.LogicalName)
	if err != nil {
		h.writeAck(conn, &protocol.AckFrame{
			Success:      false,
			ErrorMessage: protocol.WireError(faults.KindProtocol, err.Error()),
		}, logger)
		return
	}

	if !h.writeAck(conn, &protocol.AckFrame{
		Success:        true,
		AdditionalInfo: protocol.EncodeAckInfo(protocol.AckInfo{AuthToken: authToken}),
	}, logger) {
		return
	}

	tmpPath := target + ".receiving"
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		logger.Error("creating target dir", "error", err)
		h.writeFinal(conn, &protocol.FinalFrame{
			Success:      false,
			ErrorMessage: protocol.WireError(faults.KindInternal, "storage unavailable"),
		}, logger)
		return
	}

	if err := h.receiveRaw(conn, tmpPath, req.Metadata.Size); err != nil {
		os.Remove(tmpPath)
		logger.Warn("direct receive failed", "error", err)
		h.auditTransfer(clientID, remote, audit.OutcomeFailure, "transport", start)
		h.writeFinal(conn, &protocol.FinalFrame{
			Success:      false,
			ErrorMessage: protocol.WireError(faults.KindTransport, "incomplete stream"),
		}, logger)
		return
	}

	ok, err := checksum.VerifyFile(tmpPath, req.Metadata.MD5, req.Metadata.SHA256)
	if err != nil || !ok {
		os.Remove(tmpPath)
		h.auditTransfer(clientID, remote, audit.OutcomeFailure, "integrity", start)
		h.writeFinal(conn, &protocol.FinalFrame{
			Success:      false,
			ErrorMessage: protocol.WireError(faults.KindIntegrity, "digest mismatch on received artifact"),
		}, logger)
		return
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		logger.Error("committing artifact", "error", err)
		h.writeFinal(conn, &protocol.FinalFrame{
			Success:      false,
			ErrorMessage: protocol.WireError(faults.KindInternal, "commit failed"),
		}, logger)
		return
	}

	h.auditTransfer(clientID, remote, audit.OutcomeSuccess, "", start)
	logger.Info("direct transfer finalized", "file", req.Metadata.LogicalName, "path", target, "size", req.Metadata.Size)
	h.writeFinal(conn, &protocol.FinalFrame{
		Success:        true,
		AdditionalInfo: target,
	}, logger)

	if h.mirror != nil {
		go func() {
			if err := h.mirror.Mirror(context.Background(), target, clientID); err != nil {
				logger.Error("offsite mirror failed", "path", target, "error", err)
			}
		}()
	}
}

// receiveRaw lê exatamente size bytes do stream para o arquivo, com deadline
// deslizante por bloco. EOF prematuro é erro duro.
func (h *Handler) receiveRaw(conn net.Conn, path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating receive file: %w", err)
	}
	w := bufio.NewWriterSize(f, directCopyBuffer)

	buf := make([]byte, directCopyBuffer)
	var written int64
	for written < size {
		want := int64(len(buf))
		if size-written < want {
			want = size - written
		}
		conn.SetReadDeadline(time.Now().Add(h.cfg.Server.ReadTimeout))
		n, err := io.ReadFull(conn, buf[:want])
		if err != nil {
			f.Close()
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return protocol.ErrTruncatedFrame
			}
			return fmt.Errorf("reading raw stream: %w", err)
		}
		if _, err := w.Write(buf[:n]); err != nil {
			f.Close()
			return fmt.Errorf("writing raw stream: %w", err)
		}
		written += int64(n)
		h.TrafficIn.Add(int64(n))
		h.DiskWrite.Add(int64(n))
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing receive file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing receive file: %w", err)
	}
	return f.Close()
}

// failConn aplica a política de recuperação à falha e envia o frame de erro
// best-effort. Falha retryable preserva staging e resume; não-retryable
// descarta ambos.
func (h *Handler) failConn(conn net.Conn, sess *chunk.Session, remote string, start time.Time, err error, logger *slog.Logger) {
	kind := faults.KindOf(err)
	decision := recovery.Decide(err, sess.ResumeTok != "")
	retriable := recovery.Retryable(decision)

	h.chunks.Release(sess, !retriable)

	logger.Warn("transfer failed",
		"transfer", sess.TransferID,
		"kind", string(kind),
		"decision", decision.String(),
		"retriable", retriable,
		"error", err,
	)
	h.auditTransfer(sess.ClientID, remote, audit.OutcomeFailure, string(kind), start)

	final := &protocol.FinalFrame{
		Success:      false,
		ErrorMessage: protocol.WireError(kind, err.Error()),
	}
	if retriable {
		final.AdditionalInfo = sess.ResumeTok
	}
	// Best-effort: erro ao enviar o frame de erro é apenas logado
	h.writeFinal(conn, final, logger)
}

// auditTransfer emite o evento de auditoria da transferência.
func (h *Handler) auditTransfer(clientID, remote string, outcome string, errorCode string, start time.Time) {
	h.audit.LogEvent(audit.Event{
		ClientID:      clientID,
		Operation:     "transfer",
		Outcome:       outcome,
		ErrorCode:     errorCode,
		SourceAddress: remote,
		DurationMs:    time.Since(start).Milliseconds(),
	})
}

func (h *Handler) writeAck(conn net.Conn, f *protocol.AckFrame, logger *slog.Logger) bool {
	conn.SetWriteDeadline(time.Now().Add(h.cfg.Server.WriteTimeout))
	if err := protocol.WriteAck(conn, f); err != nil {
		logger.Warn("writing ack frame", "error", err)
		return false
	}
	return true
}

func (h *Handler) writeChunkAck(conn net.Conn, f *protocol.ChunkAckFrame, logger *slog.Logger) bool {
	conn.SetWriteDeadline(time.Now().Add(h.cfg.Server.WriteTimeout))
	if err := protocol.WriteChunkAck(conn, f); err != nil {
		logger.Warn("writing chunk ack frame", "error", err)
		return false
	}
	return true
}

func (h *Handler) writeFinal(conn net.Conn, f *protocol.FinalFrame, logger *slog.Logger) bool {
	conn.SetWriteDeadline(time.Now().Add(h.cfg.Server.WriteTimeout))
	if err := protocol.WriteFinal(conn, f); err != nil {
		logger.Warn("writing final frame", "error", err)
		return false
	}
	return true
}
