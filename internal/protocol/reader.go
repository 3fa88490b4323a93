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

// ReadFrame lê um frame completo: prefixo u32-le + corpo JSON.
// limit é o tamanho máximo aceito para o corpo; acima dele o frame é
// rejeitado sem consumir o payload. EOF prematuro no corpo é erro duro.
func ReadFrame(r io.Reader, limit uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncatedFrame
		}
		return nil, err // io.EOF limpo propaga para o caller decidir
	}

	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen == 0 {
		return nil, ErrEmptyFrame
	}
	if frameLen > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, frameLen, limit)
	}

	payload := make([]byte, frameLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncatedFrame
		}
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}

	return payload, nil
}

// ReadRequest lê e parseia um RequestFrame.
func ReadRequest(r io.Reader) (*RequestFrame, error) {
	payload, err := ReadFrame(r, MaxControlFrame)
	if err != nil {
		return nil, err
	}
	var f RequestFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("parsing request frame: %w", err)
	}
	return &f, nil
}

// ReadAck lê e parseia um AckFrame.
func ReadAck(r io.Reader) (*AckFrame, error) {
	payload, err := ReadFrame(r, MaxControlFrame)
	if err != nil {
		return nil, err
	}
	var f AckFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("parsing ack frame: %w", err)
	}
	return &f, nil
}

// ReadChunk lê e parseia um ChunkFrame (limite maior que o de controle).
func ReadChunk(r io.Reader) (*ChunkFrame, error) {
	payload, err := ReadFrame(r, MaxChunkFrame)
	if err != nil {
		return nil, err
	}
	var f ChunkFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("parsing chunk frame: %w", err)
	}
	return &f, nil
}

// ReadChunkAck lê e parseia um ChunkAckFrame.
func ReadChunkAck(r io.Reader) (*ChunkAckFrame, error) {
	payload, err := ReadFrame(r, MaxControlFrame)
	if err != nil {
		return nil, err
	}
	var f ChunkAckFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("parsing chunk ack frame: %w", err)
	}
	return &f, nil
}

// ReadFinal lê e parseia um FinalFrame.
func ReadFinal(r io.Reader) (*FinalFrame, error) {
	payload, err := ReadFrame(r, MaxControlFrame)
	if err != nil {
		return nil, err
	}
	var f FinalFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("parsing final frame: %w", err)
	}
	return &f, nil
}
