package guardian

import (
	"context"
	"errors"
	"fmt"

	"Roastr/internal/federation"
	"Roastr/internal/session"
)

var (
	// ErrUnreachable is returned when the guardian cannot be contacted.
	ErrUnreachable = errors.New("guardian unreachable")

	// ErrRejected is returned when the guardian refused the request.
	ErrRejected = errors.New("guardian rejected request")

	// ErrTimeout is returned when the guardian did not answer in time.
	ErrTimeout = errors.New("guardian timed out")
)

// RejectError carries the reason a guardian gave for refusing a request.
type RejectError struct {
	PeerID  uint16
	Reason  byte
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("guardian %d rejected request (reason 0x%02x): %s", e.PeerID, e.Reason, e.Message)
}

func (e *RejectError) Unwrap() error {
	return ErrRejected
}

// Link speaks to one guardian per call. Implementations do one round trip,
// honour the context deadline, and never retry.
type Link interface {
	// RequestShare asks g for its signature share over the event content.
	// The returned share is not verified.
	RequestShare(ctx context.Context, g federation.Guardian, event session.Event) (session.Share, error)
	// Publish hands an aggregated note to g.
	Publish(ctx context.Context, g federation.Guardian, req PublishRequest) (*PublishReceipt, error)
}
