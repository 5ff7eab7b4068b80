// Package framing implements length-prefixed framing over byte streams:
// a big-endian u32 length prefix followed by the payload, with a hard
// maximum frame size enforced on both read and write.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/agentries/amp/pkg/amperrors"
)

// MaxFrameSize is the largest payload a single frame may carry.
const MaxFrameSize = 8 * 1024 * 1024

// WriteFrame writes one length-prefixed frame and flushes if w implements
// an explicit Flush method (callers wrapping a buffered writer should pass
// something that exposes Flush, or flush themselves after the call).
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return amperrors.InvalidMessage(fmt.Sprintf("frame payload of %d bytes exceeds max %d", len(payload), MaxFrameSize))
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))

	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("framing: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("framing: write payload: %w", err)
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("framing: flush: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. An oversize declared length
// fails with INVALID_MESSAGE before any payload bytes are read; a
// truncated stream surfaces io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("framing: read length prefix: %w", io.ErrUnexpectedEOF)
	}

	length := binary.BigEndian.Uint32(lenPrefix[:])
	if length > MaxFrameSize {
		return nil, amperrors.InvalidMessage(fmt.Sprintf("declared frame length %d exceeds max %d", length, MaxFrameSize))
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("framing: read payload: %w", err)
	}
	return payload, nil
}
