package session

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// EventID is the content-derived identifier of a note.
type EventID [32]byte

// ComputeEventID hashes the note content. Identical content yields the same id.
func ComputeEventID(content []byte) EventID {
	return blake3.Sum256(content)
}

// ParseEventID decodes a hex event id.
func ParseEventID(s string) (EventID, error) {
	var id EventID

	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode event id:\n%w", err)
	}

	if len(b) != len(id) {
		return id, fmt.Errorf("event id is %d bytes, want %d", len(b), len(id))
	}

	copy(id[:], b)

	return id, nil
}

// String returns the full hex id.
func (id EventID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first four bytes in hex, for logs.
func (id EventID) Short() string {
	return hex.EncodeToString(id[:4])
}

// Event is an immutable note.
type Event struct {
	ID        EventID   // ID is blake3(Content)
	Content   []byte    // Content is the signed payload
	CreatedAt time.Time // CreatedAt is millisecond precision
}

// NewEvent builds the note for content created at now.
func NewEvent(content []byte, now time.Time) Event {
	return Event{
		ID:        ComputeEventID(content),
		Content:   content,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
	}
}
