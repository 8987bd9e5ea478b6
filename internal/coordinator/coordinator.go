package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"Roastr/internal/federation"
	"Roastr/internal/guardian"
	"Roastr/internal/logger"
	"Roastr/internal/session"
	"Roastr/internal/threshold"
)

// ShareStatus is the per-guardian view of a session.
type ShareStatus string

const (
	StatusMissing  ShareStatus = "missing"
	StatusVerified ShareStatus = "verified"
	StatusExcluded ShareStatus = "excluded"
)

// SessionStatus is the introspection view returned by SigningSessions.
type SessionStatus struct {
	EventID    session.EventID
	State      session.State
	Threshold  int
	Peers      map[uint16]ShareStatus
	Signature  []byte
	FailReason string
}

// Note is a finished, group-signed note.
type Note struct {
	Event     session.Event
	Signature []byte
	Signers   []uint16
	Receipt   *guardian.PublishReceipt // Receipt is nil until the note is broadcast
}

// Coordinator drives the threshold signing protocol for the client.
// It is the only writer of signing sessions.
type Coordinator struct {
	cfg        Config
	membership *federation.Membership
	store      *session.Store
	link       guardian.Link
	log        *slog.Logger

	runs singleflight.Group // runs deduplicates solicitation per event id

	ctx    context.Context    // ctx is cancelled on Close
	cancel context.CancelFunc // cancel stops all runs
	mu     sync.Mutex         // mu guards closed against wg.Add, and strikes
	closed bool               // closed is set by Close

	strikes map[session.EventID]int // strikes counts consecutive runs without a reachable quorum
	wg     sync.WaitGroup     // wg tracks runs and straggling guardian calls

	now func() time.Time
}

// New creates a coordinator for the joined federation.
func New(cfg Config, membership *federation.Membership, store *session.Store, link guardian.Link) *Coordinator {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		cfg:        cfg,
		membership: membership,
		store:      store,
		link:       link,
		log:        logger.With("component", "coordinator"),
		ctx:        ctx,
		cancel:     cancel,
		strikes:    make(map[session.EventID]int),
		now:        time.Now,
	}
}

// Close cancels in-flight runs and waits for every guardian call to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// CreateNote opens a signing session for content. Creating the same content again
// returns the existing event.
func (c *Coordinator) CreateNote(content []byte) (session.Event, error) {
	event := session.NewEvent(content, c.now())

	sess, err := c.store.Create(event, c.membership.Threshold())
	if errors.Is(err, session.ErrAlreadyExists) {
		c.log.Debug("note already exists", "event", event.ID.Short(), "state", sess.State)
		return sess.Event, nil
	}
	if err != nil {
		return session.Event{}, err
	}

	return sess.Event, nil
}

// SignNote collects shares until the note is group-signed. It is idempotent:
// a signed note is returned as-is, and concurrent calls share one run.
// The run continues in the background if ctx is cancelled; a later call resumes it.
func (c *Coordinator) SignNote(ctx context.Context, id session.EventID) (*session.Session, error) {
	sess, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}

	if sess.Signed() {
		return sess, nil
	}

	if sess.State == session.StateFailed {
		return sess, fmt.Errorf("event %s: %s:\n%w", id.Short(), sess.FailReason, session.ErrSessionFailed)
	}

	if c.isClosed() {
		return nil, ErrClosed
	}

	// only the caller that starts a flight runs this, so the run is tracked once
	ch := c.runs.DoChan(id.String(), func() (any, error) {
		if !c.track() {
			return nil, ErrClosed
		}
		defer c.wg.Done()

		return c.run(id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session.Session), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("sign %s:\n%w", id.Short(), ctx.Err())
	}
}

// BroadcastNote publishes an aggregated note, first to the admin's guardian and then to the others.
// Failures are retried with backoff; the session stays Aggregated until a guardian acknowledges.
func (c *Coordinator) BroadcastNote(ctx context.Context, id session.EventID) (*guardian.PublishReceipt, error) {
	sess, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}

	switch sess.State {
	case session.StateBroadcast:
		return decodeReceipt(sess.Receipt)
	case session.StateAggregated:
	default:
		return nil, fmt.Errorf("event %s is %s:\n%w", id.Short(), sess.State, ErrNotAggregated)
	}

	receipt, err := c.publish(ctx, sess)
	if err != nil {
		return nil, err
	}

	if _, err := c.store.MarkBroadcast(id, receipt.MarshalBinary()); err != nil {
		return nil, err
	}

	return receipt, nil
}

// SigningSessions reports the share status of every guardian for the event.
// Only verified shares are counted as present.
func (c *Coordinator) SigningSessions(id session.EventID) (*SessionStatus, error) {
	sess, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}

	status := &SessionStatus{
		EventID:    id,
		State:      sess.State,
		Threshold:  sess.Threshold,
		Peers:      make(map[uint16]ShareStatus),
		Signature:  sess.Signature,
		FailReason: sess.FailReason,
	}

	for _, g := range c.membership.Guardians() {
		switch {
		case sess.HasShare(g.PeerID):
			status.Peers[g.PeerID] = StatusVerified
		case sess.IsExcluded(g.PeerID):
			status.Peers[g.PeerID] = StatusExcluded
		default:
			status.Peers[g.PeerID] = StatusMissing
		}
	}

	return status, nil
}

// Note returns the signed note for id.
func (c *Coordinator) Note(id session.EventID) (*Note, error) {
	sess, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}

	if !sess.Signed() {
		return nil, fmt.Errorf("event %s is %s:\n%w", id.Short(), sess.State, ErrNotAggregated)
	}

	note := &Note{Event: sess.Event, Signature: sess.Signature, Signers: sess.Signers}

	if sess.State == session.StateBroadcast {
		if note.Receipt, err = decodeReceipt(sess.Receipt); err != nil {
			return nil, err
		}
	}

	return note, nil
}

// Sessions lists every stored session.
func (c *Coordinator) Sessions() ([]*session.Session, error) {
	return c.store.List()
}

// isClosed reports whether Close was called.
func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// strike records a run of id that ended without a reachable quorum and returns the count so far.
func (c *Coordinator) strike(id session.EventID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.strikes[id]++
	return c.strikes[id]
}

// clearStrikes forgets the quorum history of id.
func (c *Coordinator) clearStrikes(id session.EventID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.strikes, id)
}

// track registers a background task unless the coordinator is closed.
func (c *Coordinator) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	c.wg.Add(1)
	return true
}

// aggregate combines the first t shares in ascending peer order and verifies the result.
func (c *Coordinator) aggregate(id session.EventID) (*session.Session, error) {
	c.clearStrikes(id)
	groupKey := c.membership.GroupKey()

	return c.store.Aggregate(id, func(s *session.Session) ([]byte, []uint16, error) {
		shares := s.SortedShares()
		if len(shares) < s.Threshold {
			return nil, nil, fmt.Errorf("%d shares below threshold %d", len(shares), s.Threshold)
		}

		selected := shares[:s.Threshold]
		parts := make([]threshold.PartialSignature, len(selected))
		signers := make([]uint16, len(selected))

		for i, sh := range selected {
			parts[i] = threshold.PartialSignature{PeerID: sh.PeerID, Signature: sh.Signature}
			signers[i] = sh.PeerID
		}

		sig, err := threshold.Combine(parts)
		if err != nil {
			return nil, nil, fmt.Errorf("combine: %v:\n%w", err, ErrAggregationVerificationFailed)
		}

		if !threshold.Verify(sig, s.Event.Content, groupKey) {
			return nil, nil, fmt.Errorf("signers %v:\n%w", signers, ErrAggregationVerificationFailed)
		}

		return sig, signers, nil
	})
}

// decodeReceipt parses a stored publication receipt.
func decodeReceipt(raw []byte) (*guardian.PublishReceipt, error) {
	var receipt guardian.PublishReceipt
	if err := receipt.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode receipt:\n%w", err)
	}
	return &receipt, nil
}

// publishTargets orders guardians with the admin's guardian first, then ascending peer id.
func (c *Coordinator) publishTargets() []federation.Guardian {
	admin := c.membership.Credentials().Admin.PeerID
	targets := c.membership.Guardians()

	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].PeerID == admin && targets[j].PeerID != admin
	})

	return targets
}
