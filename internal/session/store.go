package session

import (
	"errors"
	"fmt"
	"time"

	"Roastr/internal/logger"
	"Roastr/internal/storage"
)

var (
	// ErrAlreadyExists is returned by Create when a non-failed session exists for the event.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrNotFound is returned by Get for unknown events.
	ErrNotFound = errors.New("session not found")

	// ErrUnknownSession is returned when recording a share for an event with no session.
	ErrUnknownSession = errors.New("unknown session")

	// ErrInvalidShare is returned for shares that fail verification.
	ErrInvalidShare = errors.New("invalid signature share")

	// ErrDuplicatePeer is returned when a peer already supplied a share.
	ErrDuplicatePeer = errors.New("peer already supplied a share")

	// ErrPeerExcluded is returned for shares from a peer excluded from the session.
	ErrPeerExcluded = errors.New("peer excluded from session")

	// ErrSessionFailed is returned when mutating a failed session.
	ErrSessionFailed = errors.New("session failed")

	// ErrInvalidTransition is returned when a state change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// sessionPrefix is the key prefix of session records.
var sessionPrefix = []byte("s/")

// RecordResult is the outcome of RecordShare.
type RecordResult struct {
	Session *Session // Session is the state after the share was persisted
	Crossed bool     // Crossed is true only for the share that reached the threshold
}

// AggregateFunc combines the session's shares into a group signature.
// It returns the signature and the peers whose shares were used.
type AggregateFunc func(s *Session) (signature []byte, signers []uint16, err error)

// Store persists signing sessions, one record per event id.
// Every mutation is a single storage transaction, so concurrent calls are serialized.
type Store struct {
	db       storage.Engine
	verifier Verifier
	codec    *codec
	now      func() time.Time
}

// NewStore creates a session store over db. Shares are checked with verifier before being persisted.
func NewStore(db storage.Engine, verifier Verifier) (*Store, error) {
	c, err := newCodec()
	if err != nil {
		return nil, err
	}

	return &Store{db: db, verifier: verifier, codec: c, now: time.Now}, nil
}

// Close releases the codec. It does not close the underlying engine.
func (s *Store) Close() {
	s.codec.close()
}

// Create opens a session for event. If a non-failed session exists, it is returned
// together with ErrAlreadyExists. A failed session is replaced.
func (s *Store) Create(event Event, threshold int) (*Session, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("threshold %d must be positive", threshold)
	}

	if ComputeEventID(event.Content) != event.ID {
		return nil, fmt.Errorf("event %s: id does not match content", event.ID.Short())
	}

	var result *Session
	var exists bool

	err := s.db.Update(func(txn storage.Txn) error {
		existing, err := s.load(txn, event.ID)
		if err != nil {
			return err
		}

		if existing != nil && existing.State != StateFailed {
			result, exists = existing, true
			return nil
		}

		result = newSession(event, threshold, s.now())
		return s.save(txn, result)
	})
	if err != nil {
		return nil, fmt.Errorf("create session %s:\n%w", event.ID.Short(), err)
	}

	if exists {
		return result, ErrAlreadyExists
	}

	logger.Info("session created", "event", event.ID.Short(), "threshold", threshold)

	return result, nil
}

// Get returns the session for id.
func (s *Store) Get(id EventID) (*Session, error) {
	raw, err := s.db.Get(sessionKey(id))
	if err != nil {
		return nil, fmt.Errorf("read session %s:\n%w", id.Short(), err)
	}

	if raw == nil {
		return nil, fmt.Errorf("event %s:\n%w", id.Short(), ErrNotFound)
	}

	return s.codec.decode(raw)
}

// Shares returns the verified shares of a session in ascending peer order.
func (s *Store) Shares(id EventID) ([]Share, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	return sess.SortedShares(), nil
}

// List returns every session in ascending event id order.
func (s *Store) List() ([]*Session, error) {
	var out []*Session

	err := s.db.IteratePrefix(sessionPrefix, func(_, value []byte) error {
		sess, err := s.codec.decode(value)
		if err != nil {
			return err
		}

		out = append(out, sess)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions:\n%w", err)
	}

	return out, nil
}

// RecordShare verifies share and persists it. The share is acknowledged only
// after the transaction holding it has committed.
func (s *Store) RecordShare(id EventID, share Share) (*RecordResult, error) {
	current, err := s.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("event %s:\n%w", id.Short(), ErrUnknownSession)
	}
	if err != nil {
		return nil, err
	}

	if err := s.verifier.VerifyShare(share.PeerID, current.Event.Content, share.Signature); err != nil {
		return nil, fmt.Errorf("event %s:\n%w", id.Short(), err)
	}

	if share.ReceivedAt.IsZero() {
		share.ReceivedAt = s.now()
	}

	var result RecordResult

	err = s.db.Update(func(txn storage.Txn) error {
		sess, err := s.mustLoad(txn, id)
		if err != nil {
			return err
		}

		switch {
		case sess.State == StateFailed:
			return ErrSessionFailed
		case sess.IsExcluded(share.PeerID):
			return fmt.Errorf("peer %d:\n%w", share.PeerID, ErrPeerExcluded)
		case sess.HasShare(share.PeerID):
			return fmt.Errorf("peer %d:\n%w", share.PeerID, ErrDuplicatePeer)
		}

		before := len(sess.Shares)
		sess.Shares[share.PeerID] = share

		if before < sess.Threshold && len(sess.Shares) >= sess.Threshold {
			if sess.State == StatePending || sess.State == StateSoliciting {
				sess.State = StateThresholdReached
				result.Crossed = true
			}
		}

		sess.UpdatedAt = s.now()
		result.Session = sess

		return s.save(txn, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("record share for %s:\n%w", id.Short(), err)
	}

	if result.Crossed {
		logger.Info("session threshold reached", "event", id.Short(), "state", result.Session.State, "shares", len(result.Session.Shares))
	}

	return &result, nil
}

// MarkSoliciting moves a pending session to Soliciting. Other states are left unchanged.
func (s *Store) MarkSoliciting(id EventID) (*Session, error) {
	return s.mutate(id, "mark soliciting", func(sess *Session) error {
		switch sess.State {
		case StatePending:
			sess.State = StateSoliciting
			return nil
		case StateFailed:
			return ErrSessionFailed
		default:
			return errUnchanged
		}
	})
}

// Exclude marks peer as untrusted for the session.
func (s *Store) Exclude(id EventID, peer uint16, reason string) (*Session, error) {
	sess, err := s.mutate(id, "exclude peer", func(sess *Session) error {
		if sess.IsExcluded(peer) {
			return errUnchanged
		}

		sess.Exclusions[peer] = Exclusion{PeerID: peer, Reason: reason, ExcludedAt: s.now()}
		return nil
	})
	if err == nil {
		logger.Warn("guardian excluded from session", "event", id.Short(), "peer", peer, "reason", reason)
	}

	return sess, err
}

// Fail marks the session permanently failed. Signed sessions cannot fail.
func (s *Store) Fail(id EventID, reason string) (*Session, error) {
	sess, err := s.mutate(id, "fail session", func(sess *Session) error {
		switch sess.State {
		case StateFailed:
			return errUnchanged
		case StateAggregated, StateBroadcast:
			return fmt.Errorf("%s session:\n%w", sess.State, ErrInvalidTransition)
		}

		sess.State = StateFailed
		sess.FailReason = reason
		return nil
	})
	if err == nil {
		logger.Warn("session failed", "event", id.Short(), "state", sess.State, "reason", reason)
	}

	return sess, err
}

// Aggregate runs fn once for a session that reached its threshold and stores the result.
// A session that is already signed is returned unchanged without calling fn.
// If fn fails, the session is persisted as Failed and fn's error is returned.
func (s *Store) Aggregate(id EventID, fn AggregateFunc) (*Session, error) {
	var result *Session
	var fnErr error

	err := s.db.Update(func(txn storage.Txn) error {
		sess, err := s.mustLoad(txn, id)
		if err != nil {
			return err
		}

		result = sess

		switch sess.State {
		case StateAggregated, StateBroadcast:
			return nil
		case StateFailed:
			return ErrSessionFailed
		case StateThresholdReached:
		default:
			return fmt.Errorf("aggregate from %s:\n%w", sess.State, ErrInvalidTransition)
		}

		signature, signers, err := fn(sess)
		if err != nil {
			fnErr = err
			sess.State = StateFailed
			sess.FailReason = err.Error()
		} else {
			sess.State = StateAggregated
			sess.Signature = signature
			sess.Signers = signers
		}

		sess.UpdatedAt = s.now()

		return s.save(txn, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate %s:\n%w", id.Short(), err)
	}

	if fnErr != nil {
		logger.Error("aggregation failed", "event", id.Short(), "error", fnErr)
		return result, fnErr
	}

	logger.Info("session aggregated", "event", id.Short(), "state", result.State, "signers", result.Signers)

	return result, nil
}

// MarkBroadcast records a successful publication. Only aggregated sessions can be broadcast;
// a broadcast session is returned unchanged.
func (s *Store) MarkBroadcast(id EventID, receipt []byte) (*Session, error) {
	sess, err := s.mutate(id, "mark broadcast", func(sess *Session) error {
		switch sess.State {
		case StateBroadcast:
			return errUnchanged
		case StateAggregated:
			sess.State = StateBroadcast
			sess.Receipt = receipt
			return nil
		default:
			return fmt.Errorf("broadcast from %s:\n%w", sess.State, ErrInvalidTransition)
		}
	})
	if err == nil {
		logger.Info("session broadcast", "event", id.Short(), "state", sess.State)
	}

	return sess, err
}

// errUnchanged aborts a mutation without writing; mutate treats it as success.
var errUnchanged = errors.New("unchanged")

// mutate applies fn to the stored session in one transaction.
func (s *Store) mutate(id EventID, op string, fn func(sess *Session) error) (*Session, error) {
	var result *Session

	err := s.db.Update(func(txn storage.Txn) error {
		sess, err := s.mustLoad(txn, id)
		if err != nil {
			return err
		}

		result = sess

		if err := fn(sess); err != nil {
			return err
		}

		sess.UpdatedAt = s.now()

		return s.save(txn, sess)
	})
	if errors.Is(err, errUnchanged) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s:\n%w", op, id.Short(), err)
	}

	return result, nil
}

func (s *Store) load(txn storage.Txn, id EventID) (*Session, error) {
	raw, err := txn.Get(sessionKey(id))
	if err != nil {
		return nil, fmt.Errorf("read session:\n%w", err)
	}

	if raw == nil {
		return nil, nil
	}

	return s.codec.decode(raw)
}

func (s *Store) mustLoad(txn storage.Txn, id EventID) (*Session, error) {
	sess, err := s.load(txn, id)
	if err != nil {
		return nil, err
	}

	if sess == nil {
		return nil, ErrUnknownSession
	}

	return sess, nil
}

func (s *Store) save(txn storage.Txn, sess *Session) error {
	return txn.Set(sessionKey(sess.Event.ID), s.codec.encode(sess))
}

func sessionKey(id EventID) []byte {
	key := make([]byte, 0, len(sessionPrefix)+len(id))
	key = append(key, sessionPrefix...)
	return append(key, id[:]...)
}
