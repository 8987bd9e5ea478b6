package guardian

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"Roastr/internal/federation"
	"Roastr/internal/logger"
	"Roastr/internal/network"
	"Roastr/internal/session"
)

// defaultLinkTimeout bounds one guardian call when the caller sets no timeout.
const defaultLinkTimeout = 5 * time.Second

// QUICLink is a Link over the QUIC request/response transport.
// Guardian identities are pinned from the federation descriptor.
type QUICLink struct {
	node    *network.Node // node is the dial-only transport
	timeout time.Duration // timeout bounds each call
}

// NewQUICLink creates a link that dials guardians through node.
func NewQUICLink(node *network.Node, timeout time.Duration) *QUICLink {
	if timeout <= 0 {
		timeout = defaultLinkTimeout
	}

	return &QUICLink{node: node, timeout: timeout}
}

// RequestShare implements Link.
func (l *QUICLink) RequestShare(ctx context.Context, g federation.Guardian, event session.Event) (session.Share, error) {
	reqID := uuid.New()

	data, err := l.roundTrip(ctx, g, EncodeShareRequest(&ShareRequest{RequestID: reqID, Event: event}))
	if err != nil {
		return session.Share{}, err
	}

	if err := asReject(g, data); err != nil {
		return session.Share{}, err
	}

	resp, err := DecodeShareResponse(data)
	if err != nil {
		return session.Share{}, fmt.Errorf("guardian %d: %v:\n%w", g.PeerID, err, ErrRejected)
	}

	if resp.RequestID != reqID {
		return session.Share{}, fmt.Errorf("guardian %d answered request %s, sent %s:\n%w", g.PeerID, resp.RequestID, reqID, ErrRejected)
	}

	logger.Debug("share received", "event", event.ID.Short(), "peer", g.PeerID, "request", reqID)

	// the share is attributed to the guardian asked, so a mislabelled share fails verification
	return session.Share{
		PeerID:     g.PeerID,
		Signature:  resp.Signature,
		ReceivedAt: time.Now(),
	}, nil
}

// Publish implements Link.
func (l *QUICLink) Publish(ctx context.Context, g federation.Guardian, req PublishRequest) (*PublishReceipt, error) {
	req.RequestID = uuid.New()

	data, err := l.roundTrip(ctx, g, EncodePublishRequest(&req))
	if err != nil {
		return nil, err
	}

	if err := asReject(g, data); err != nil {
		return nil, err
	}

	reqID, receipt, err := DecodePublishAck(data)
	if err != nil {
		return nil, fmt.Errorf("guardian %d: %v:\n%w", g.PeerID, err, ErrRejected)
	}

	if reqID != req.RequestID || receipt.EventID != req.Event.ID {
		return nil, fmt.Errorf("guardian %d acknowledged another request:\n%w", g.PeerID, ErrRejected)
	}

	return receipt, nil
}

// roundTrip sends one request to g and classifies transport failures.
func (l *QUICLink) roundTrip(ctx context.Context, g federation.Guardian, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	peer, err := l.node.Connect(ctx, g.Endpoint, ed25519.PublicKey(g.IdentityKey))
	if err != nil {
		return nil, classify(ctx, g, "connect", err)
	}

	data, err := peer.Request(ctx, payload)
	if err != nil {
		return nil, classify(ctx, g, "request", err)
	}

	return data, nil
}

// asReject returns a RejectError if data is a reject message.
func asReject(g federation.Guardian, data []byte) error {
	msgType, err := MessageType(data)
	if err != nil {
		return fmt.Errorf("guardian %d: %v:\n%w", g.PeerID, err, ErrRejected)
	}

	if msgType != msgTypeReject {
		return nil
	}

	rej, err := DecodeReject(data)
	if err != nil {
		return fmt.Errorf("guardian %d: %v:\n%w", g.PeerID, err, ErrRejected)
	}

	return &RejectError{PeerID: g.PeerID, Reason: rej.Reason, Message: rej.Message}
}

// classify maps transport errors to ErrTimeout, ErrUnreachable, or the caller's cancellation.
func classify(ctx context.Context, g federation.Guardian, op string, err error) error {
	var netErr net.Error

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("guardian %d %s: %w:\n%w", g.PeerID, op, err, ErrTimeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("guardian %d %s:\n%w", g.PeerID, op, ctx.Err())
	default:
		return fmt.Errorf("guardian %d %s: %w:\n%w", g.PeerID, op, err, ErrUnreachable)
	}
}
