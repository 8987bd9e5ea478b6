package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// defaultMaxMessageSize applies when Config.MaxMessageSize is zero.
	defaultMaxMessageSize = 1 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4
)

// ErrMessageTooLarge is returned when a frame exceeds the node's message limit.
var ErrMessageTooLarge = errors.New("message too large")

// writeMessage writes one frame: [4 bytes big-endian length] [payload].
func writeMessage(w io.Writer, data []byte, limit int) error {
	if len(data) > limit {
		return fmt.Errorf("write %d > %d:\n%w", len(data), limit, ErrMessageTooLarge)
	}

	frame := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[lengthPrefixSize:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readMessage reads one frame. The length is checked against limit before the payload is allocated.
func readMessage(r io.Reader, limit int) ([]byte, error) {
	var prefix [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if uint64(length) > uint64(limit) {
		return nil, fmt.Errorf("read %d > %d:\n%w", length, limit, ErrMessageTooLarge)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}
