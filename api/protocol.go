package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultMaxFrameSize bounds an ingest frame when no limit is configured.
const DefaultMaxFrameSize = 50 << 20

const frameHeaderSize = 4

var (
	// ErrFrameTooLarge is returned for a frame above the size limit.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	// ErrTruncatedFrame is returned when the stream ends inside a frame.
	ErrTruncatedFrame = errors.New("stream ended inside a frame")
)

func frameLimit(limit int) int {
	if limit <= 0 {
		return DefaultMaxFrameSize
	}
	return min(limit, math.MaxUint32)
}

// ReadFrame reads one frame: a big-endian uint32 length, then that many
// bytes. A stream that ends cleanly before a header yields io.EOF. A limit
// of zero or less means DefaultMaxFrameSize.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	limit = frameLimit(limit)

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: partial header", ErrTruncatedFrame)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, size, limit)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: expected %d bytes", ErrTruncatedFrame, size)
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload as one frame with a single Write call.
func WriteFrame(w io.Writer, payload []byte, limit int) error {
	limit = frameLimit(limit)
	if len(payload) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(payload), limit)
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload))) // #nosec G115 - bounded by frameLimit
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}
