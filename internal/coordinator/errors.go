package coordinator

import (
	"context"
	"errors"

	"Roastr/internal/guardian"
	"Roastr/internal/storage"
)

var (
	// ErrThresholdNotReached is returned when a run ended below threshold but the
	// quorum is still reachable. Calling SignNote again resumes the session.
	ErrThresholdNotReached = errors.New("threshold not reached yet")

	// ErrQuorumUnreachable is returned when too few trusted guardians remain to ever reach the threshold.
	ErrQuorumUnreachable = errors.New("quorum unreachable")

	// ErrAggregationVerificationFailed is returned when individually valid shares combine
	// into a signature that does not verify. It indicates a bug, not a guardian fault.
	ErrAggregationVerificationFailed = errors.New("aggregated signature failed verification")

	// ErrNotAggregated is returned when broadcasting a note that has no group signature yet.
	ErrNotAggregated = errors.New("note not aggregated")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator closed")
)

// IsRetryable reports whether err means "still in progress, retry later"
// rather than a permanent failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrThresholdNotReached),
		errors.Is(err, guardian.ErrUnreachable),
		errors.Is(err, guardian.ErrTimeout),
		errors.Is(err, storage.ErrLockBusy),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return true
	default:
		return false
	}
}
