package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"Roastr/internal/federation"
	"Roastr/internal/guardian"
	"Roastr/internal/session"
)

// outcomeKind classifies how a guardian's solicitation ended.
type outcomeKind int

const (
	outcomeRecorded outcomeKind = iota // share verified and persisted
	outcomeExcluded                    // guardian sent invalid shares and was excluded
	outcomeFailed                      // guardian rejected or never answered within its retries
	outcomeError                       // local failure while recording the share
	outcomeStopped                     // threshold reached elsewhere before a retry
)

// outcome is the result of soliciting one guardian.
type outcome struct {
	peer    uint16
	kind    outcomeKind
	session *session.Session // session is set for outcomeRecorded
	err     error
}

// run solicits missing shares and aggregates once the threshold is reached.
// It runs under the coordinator's lifetime, not the caller's.
func (c *Coordinator) run(id session.EventID) (*session.Session, error) {
	sess, err := c.store.MarkSoliciting(id)
	if err != nil {
		return nil, err
	}

	if sess.Signed() {
		return sess, nil
	}

	if len(sess.Shares) >= sess.Threshold {
		return c.aggregate(id)
	}

	candidates := c.candidates(sess)

	if len(sess.Shares)+len(candidates) < sess.Threshold {
		return nil, c.failQuorum(sess, len(candidates))
	}

	start := time.Now()
	c.log.Info("soliciting shares",
		"event", id.Short(),
		"state", sess.State,
		"have", len(sess.Shares),
		"threshold", sess.Threshold,
		"asking", len(candidates),
	)

	// solicitation outlives this call so in-flight requests can finish after the threshold is reached
	solCtx, solCancel := context.WithTimeout(c.ctx, c.cfg.SignTimeout)
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopSoliciting := func() { stopOnce.Do(func() { close(stop) }) }

	results := make(chan outcome, len(candidates))
	var peers sync.WaitGroup

	for _, g := range candidates {
		peers.Add(1)
		c.wg.Add(1)

		go func(g federation.Guardian) {
			defer c.wg.Done()
			defer peers.Done()
			results <- c.solicit(solCtx, stop, sess.Event, g)
		}(g)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		peers.Wait()
		solCancel()
	}()

	defer stopSoliciting()

	peerErrs := make([]error, 0, len(candidates))
	lost := make(map[uint16]bool)

	// every solicit returns once solCtx is done, so exactly one outcome arrives per candidate
	for range candidates {
		out := <-results

		switch out.kind {
		case outcomeRecorded:
			if len(out.session.Shares) >= out.session.Threshold {
				stopSoliciting()
				c.log.Info("threshold reached", "event", id.Short(), "shares", len(out.session.Shares), "elapsed", time.Since(start))
				return c.aggregate(id)
			}
		case outcomeFailed:
			lost[out.peer] = true
			peerErrs = append(peerErrs, out.err)
		case outcomeExcluded, outcomeError:
			peerErrs = append(peerErrs, out.err)
		}
	}

	return c.settle(id, lost, peerErrs)
}

// settle decides the result of a run that ended without reaching the threshold in-loop.
// Guardians in lost did not answer this run. When the rest cannot make up the threshold for
// UnreachableRuns runs in a row, the session fails.
func (c *Coordinator) settle(id session.EventID, lost map[uint16]bool, peerErrs []error) (*session.Session, error) {
	sess, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}

	if sess.Signed() || len(sess.Shares) >= sess.Threshold {
		return c.aggregate(id)
	}

	if sess.State == session.StateFailed {
		return nil, fmt.Errorf("event %s: %s:\n%w", id.Short(), sess.FailReason, session.ErrSessionFailed)
	}

	remaining := c.candidates(sess)
	if len(sess.Shares)+len(remaining) < sess.Threshold {
		return nil, c.failQuorum(sess, len(remaining))
	}

	reachable := 0
	for _, g := range remaining {
		if !lost[g.PeerID] {
			reachable++
		}
	}

	switch {
	case c.ctx.Err() != nil:
		// closing, the run says nothing about the guardians
	case len(sess.Shares)+reachable < sess.Threshold:
		runs := c.strike(id)
		if runs >= c.cfg.UnreachableRuns {
			c.clearStrikes(id)
			return nil, c.failQuorum(sess, reachable)
		}
		c.log.Warn("quorum unreachable this run", "event", id.Short(), "reachable", reachable, "run", runs, "limit", c.cfg.UnreachableRuns)
	default:
		c.clearStrikes(id)
	}

	c.log.Warn("threshold not reached", "event", id.Short(), "have", len(sess.Shares), "threshold", sess.Threshold)

	return nil, fmt.Errorf("event %s: %d/%d shares:\n%w", id.Short(), len(sess.Shares), sess.Threshold,
		errors.Join(append([]error{ErrThresholdNotReached}, peerErrs...)...))
}

// candidates returns the guardians that have neither supplied a share nor been excluded.
func (c *Coordinator) candidates(sess *session.Session) []federation.Guardian {
	var out []federation.Guardian

	for _, g := range c.membership.Guardians() {
		if !sess.HasShare(g.PeerID) && !sess.IsExcluded(g.PeerID) {
			out = append(out, g)
		}
	}

	return out
}

// failQuorum marks the session failed because the threshold can no longer be reached.
func (c *Coordinator) failQuorum(sess *session.Session, remaining int) error {
	reason := fmt.Sprintf("%d shares and %d reachable guardians left, threshold %d", len(sess.Shares), remaining, sess.Threshold)

	if _, err := c.store.Fail(sess.Event.ID, reason); err != nil {
		return err
	}

	return fmt.Errorf("event %s: %s:\n%w", sess.Event.ID.Short(), reason, ErrQuorumUnreachable)
}

// solicit asks one guardian for its share, retrying transient failures and one invalid share.
// No new request is issued after stop is closed.
func (c *Coordinator) solicit(ctx context.Context, stop <-chan struct{}, event session.Event, g federation.Guardian) outcome {
	bo := c.newBackoff(0)

	attempts := 0
	invalid := 0

	for {
		select {
		case <-stop:
			return outcome{peer: g.PeerID, kind: outcomeStopped}
		default:
		}

		attempts++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		share, err := c.link.RequestShare(callCtx, g, event)
		cancel()

		if err == nil {
			res, recErr := c.store.RecordShare(event.ID, share)

			switch {
			case recErr == nil:
				return outcome{peer: g.PeerID, kind: outcomeRecorded, session: res.Session}

			case errors.Is(recErr, session.ErrDuplicatePeer):
				sess, getErr := c.store.Get(event.ID)
				if getErr != nil {
					return outcome{peer: g.PeerID, kind: outcomeError, err: getErr}
				}
				return outcome{peer: g.PeerID, kind: outcomeRecorded, session: sess}

			case errors.Is(recErr, session.ErrInvalidShare):
				invalid++
				c.log.Warn("invalid share", "event", event.ID.Short(), "peer", g.PeerID, "attempt", invalid)

				if invalid > c.cfg.InvalidShareRetries {
					if _, exErr := c.store.Exclude(event.ID, g.PeerID, "invalid share"); exErr != nil {
						return outcome{peer: g.PeerID, kind: outcomeError, err: exErr}
					}
					return outcome{peer: g.PeerID, kind: outcomeExcluded, err: recErr}
				}

			case errors.Is(recErr, session.ErrPeerExcluded):
				return outcome{peer: g.PeerID, kind: outcomeExcluded, err: recErr}

			default:
				return outcome{peer: g.PeerID, kind: outcomeError, err: recErr}
			}
		} else {
			c.log.Debug("share request failed", "event", event.ID.Short(), "peer", g.PeerID, "attempt", attempts, "error", err)

			switch {
			case errors.Is(err, guardian.ErrRejected):
				return outcome{peer: g.PeerID, kind: outcomeFailed, err: err}
			case ctx.Err() != nil:
				return outcome{peer: g.PeerID, kind: outcomeFailed, err: err}
			case attempts >= c.cfg.MaxAttempts:
				return outcome{peer: g.PeerID, kind: outcomeFailed, err: err}
			}
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return outcome{peer: g.PeerID, kind: outcomeFailed, err: fmt.Errorf("guardian %d: retries exhausted", g.PeerID)}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return outcome{peer: g.PeerID, kind: outcomeStopped}
		case <-ctx.Done():
			timer.Stop()
			return outcome{peer: g.PeerID, kind: outcomeFailed, err: ctx.Err()}
		}
	}
}

// publish sends the note to the publish targets until one acknowledges, with backoff between rounds.
func (c *Coordinator) publish(ctx context.Context, sess *session.Session) (*guardian.PublishReceipt, error) {
	req := guardian.PublishRequest{
		Event:     sess.Event,
		Signature: sess.Signature,
		Auth:      c.membership.Credentials().Admin.Auth,
	}

	targets := c.publishTargets()
	round := 0

	op := func() (*guardian.PublishReceipt, error) {
		round++
		errs := make([]error, 0, len(targets))
		rejected := 0

		for _, g := range targets {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
			receipt, err := c.link.Publish(callCtx, g, req)
			cancel()

			if err == nil {
				c.log.Info("note broadcast", "event", sess.Event.ID.Short(), "peer", g.PeerID, "duplicate", receipt.Duplicate, "round", round)
				return receipt, nil
			}

			c.log.Debug("publish failed", "event", sess.Event.ID.Short(), "peer", g.PeerID, "error", err)
			errs = append(errs, err)

			if errors.Is(err, guardian.ErrRejected) {
				rejected++
			}

			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
		}

		err := fmt.Errorf("publish %s:\n%w", sess.Event.ID.Short(), errors.Join(errs...))
		if rejected == len(targets) {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	}

	return backoff.RetryWithData(op, backoff.WithContext(c.newBackoff(c.cfg.PublishMaxElapsed), ctx))
}

// newBackoff returns an exponential backoff starting at RetryBackoff.
// A zero maxElapsed never stops on its own.
func (c *Coordinator) newBackoff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBackoff
	bo.MaxInterval = 10 * c.cfg.RetryBackoff
	bo.MaxElapsedTime = maxElapsed
	bo.Reset()

	return bo
}
