// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// WriteFrame serializa v como JSON e escreve com o prefixo u32-le.
// limit protege contra frames maiores que o lado receptor aceitaria.
func WriteFrame(w io.Writer, v any, limit uint32) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if uint64(len(payload)) > uint64(limit) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), limit)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// WriteRequest escreve um RequestFrame.
func WriteRequest(w io.Writer, f *RequestFrame) error {
	return WriteFrame(w, f, MaxControlFrame)
}

// WriteAck escreve um AckFrame.
func WriteAck(w io.Writer, f *AckFrame) error {
	return WriteFrame(w, f, MaxControlFrame)
}

// WriteChunk escreve um ChunkFrame.
func WriteChunk(w io.Writer, f *ChunkFrame) error {
	return WriteFrame(w, f, MaxChunkFrame)
}

// WriteChunkAck escreve um ChunkAckFrame.
func WriteChunkAck(w io.Writer, f *ChunkAckFrame) error {
	return WriteFrame(w, f, MaxControlFrame)
}

// WriteFinal escreve um FinalFrame.
func WriteFinal(w io.Writer, f *FinalFrame) error {
	return WriteFrame(w, f, MaxControlFrame)
}
