package session

import (
	"sort"
	"time"

	"Roastr/internal/types"
)

// State is the lifecycle position of a signing session.
type State = types.SessionState

const (
	StatePending          = types.SessionStatePending
	StateSoliciting       = types.SessionStateSoliciting
	StateThresholdReached = types.SessionStateThresholdReached
	StateAggregated       = types.SessionStateAggregated
	StateBroadcast        = types.SessionStateBroadcast
	StateFailed           = types.SessionStateFailed
)

// Share is a verified signature share from one guardian.
type Share struct {
	PeerID     uint16
	Signature  []byte
	ReceivedAt time.Time
}

// Exclusion records a guardian that is no longer trusted for a session.
type Exclusion struct {
	PeerID     uint16
	Reason     string
	ExcludedAt time.Time
}

// Session is the persisted signing progress of one event.
type Session struct {
	Event      Event
	Threshold  int
	State      State
	Shares     map[uint16]Share
	Exclusions map[uint16]Exclusion
	Signature  []byte   // Signature is the aggregated group signature
	Signers    []uint16 // Signers are the peers whose shares formed Signature
	Receipt    []byte   // Receipt is the publication acknowledgement
	FailReason string
	UpdatedAt  time.Time
}

func newSession(event Event, threshold int, now time.Time) *Session {
	return &Session{
		Event:      event,
		Threshold:  threshold,
		State:      StatePending,
		Shares:     make(map[uint16]Share),
		Exclusions: make(map[uint16]Exclusion),
		UpdatedAt:  now,
	}
}

// HasShare reports whether peer already supplied a share.
func (s *Session) HasShare(peer uint16) bool {
	_, ok := s.Shares[peer]
	return ok
}

// IsExcluded reports whether peer is excluded from the session.
func (s *Session) IsExcluded(peer uint16) bool {
	_, ok := s.Exclusions[peer]
	return ok
}

// SortedShares returns the shares in ascending peer id order.
func (s *Session) SortedShares() []Share {
	out := make([]Share, 0, len(s.Shares))
	for _, sh := range s.Shares {
		out = append(out, sh)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })

	return out
}

// Signed reports whether the session holds an aggregated signature.
func (s *Session) Signed() bool {
	return s.State == StateAggregated || s.State == StateBroadcast
}
