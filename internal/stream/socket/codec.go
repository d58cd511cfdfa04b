package socket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Commit frames travel as a 4-byte big-endian length prefix followed by the
// protobuf payload. A single repo commit is small; MaxCommitFrame bounds the
// allocation against a corrupt or lying length prefix.
const MaxCommitFrame = 4 << 20

var errEmptyFrame = errors.New("zero-length commit frame")

// WriteFrame emits one length-prefixed frame. The prefix and payload go out
// in a single Write so a frame is never interleaved on the wire.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return errEmptyFrame
	}
	if len(payload) > MaxCommitFrame {
		return fmt.Errorf("commit frame exceeds %d bytes: %d", MaxCommitFrame, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads the next frame payload. Errors from the length prefix are
// unrecoverable for the stream; the caller should reconnect.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	sz := binary.BigEndian.Uint32(header[:])
	switch {
	case sz == 0:
		return nil, errEmptyFrame
	case sz > MaxCommitFrame:
		return nil, fmt.Errorf("commit frame exceeds %d bytes: %d", MaxCommitFrame, sz)
	}
	payload := make([]byte, sz)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("short commit frame (want %d bytes): %w", sz, err)
	}
	return payload, nil
}
