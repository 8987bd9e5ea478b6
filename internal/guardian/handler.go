package guardian

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"Roastr/internal/logger"
	"Roastr/internal/network"
	"Roastr/internal/session"
	"Roastr/internal/storage"
	"Roastr/internal/threshold"
)

// publishedPrefix is the key prefix of published notes in the guardian store.
var publishedPrefix = []byte("p/")

// HandlerConfig configures the guardian side of the protocol.
type HandlerConfig struct {
	Share     *threshold.KeyShare // Share is this guardian's secret share
	GroupKey  []byte              // GroupKey verifies published notes
	AdminAuth []byte              // AdminAuth is the secret required to publish
	Store     storage.Engine      // Store persists published notes
}

// PublishedNote is a note accepted for publication.
type PublishedNote struct {
	Receipt   PublishReceipt
	Signature []byte
	Content   []byte
}

// Handler answers share and publish requests for one guardian.
type Handler struct {
	share     *threshold.KeyShare
	groupKey  []byte
	adminAuth []byte
	store     storage.Engine
	now       func() time.Time
}

// NewHandler creates a guardian handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Share == nil {
		return nil, fmt.Errorf("secret share is required")
	}

	if err := threshold.ValidatePublicKey(cfg.GroupKey); err != nil {
		return nil, fmt.Errorf("group key:\n%w", err)
	}

	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	return &Handler{
		share:     cfg.Share,
		groupKey:  cfg.GroupKey,
		adminAuth: cfg.AdminAuth,
		store:     cfg.Store,
		now:       time.Now,
	}, nil
}

// PeerID returns the guardian's peer id.
func (h *Handler) PeerID() uint16 {
	return h.share.PeerID
}

// HandleRequest dispatches one request. It matches network.RequestHandler.
func (h *Handler) HandleRequest(_ *network.Peer, data []byte) ([]byte, error) {
	msgType, err := MessageType(data)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case msgTypeShareRequest:
		return h.handleShareRequest(data), nil
	case msgTypePublishRequest:
		return h.handlePublish(data), nil
	default:
		return nil, fmt.Errorf("unexpected message type 0x%02x", msgType)
	}
}

// handleShareRequest signs the content of a well-formed request.
func (h *Handler) handleShareRequest(data []byte) []byte {
	req, err := DecodeShareRequest(data)
	if err != nil {
		return EncodeReject(&Reject{RequestID: requestIDOf(data), Reason: ReasonBadRequest, Message: err.Error()})
	}

	if session.ComputeEventID(req.Event.Content) != req.Event.ID {
		return EncodeReject(&Reject{RequestID: req.RequestID, Reason: ReasonBadRequest, Message: "event id does not match content"})
	}

	logger.Debug("signing share", "event", req.Event.ID.Short(), "peer", h.share.PeerID, "request", req.RequestID)

	return EncodeShareResponse(&ShareResponse{
		RequestID: req.RequestID,
		PeerID:    h.share.PeerID,
		Signature: h.share.Sign(req.Event.Content),
	})
}

// handlePublish accepts an authenticated, correctly signed note. Repeats return the first receipt.
func (h *Handler) handlePublish(data []byte) []byte {
	req, err := DecodePublishRequest(data)
	if err != nil {
		return EncodeReject(&Reject{RequestID: requestIDOf(data), Reason: ReasonBadRequest, Message: err.Error()})
	}

	if subtle.ConstantTimeCompare(req.Auth, h.adminAuth) != 1 {
		return EncodeReject(&Reject{RequestID: req.RequestID, Reason: ReasonUnauthorized, Message: "bad admin auth"})
	}

	if session.ComputeEventID(req.Event.Content) != req.Event.ID {
		return EncodeReject(&Reject{RequestID: req.RequestID, Reason: ReasonBadRequest, Message: "event id does not match content"})
	}

	if !threshold.Verify(req.Signature, req.Event.Content, h.groupKey) {
		return EncodeReject(&Reject{RequestID: req.RequestID, Reason: ReasonInvalidSignature, Message: "signature does not verify under group key"})
	}

	var receipt PublishReceipt

	err = h.store.Update(func(txn storage.Txn) error {
		key := publishedKey(req.Event.ID)

		raw, err := txn.Get(key)
		if err != nil {
			return err
		}

		if raw != nil {
			note, err := decodePublished(raw)
			if err != nil {
				return err
			}

			receipt = note.Receipt
			receipt.Duplicate = true
			return nil
		}

		receipt = PublishReceipt{
			PeerID:      h.share.PeerID,
			EventID:     req.Event.ID,
			PublishedAt: time.UnixMilli(h.now().UnixMilli()),
		}

		return txn.Set(key, encodePublished(&PublishedNote{
			Receipt:   receipt,
			Signature: req.Signature,
			Content:   req.Event.Content,
		}))
	})
	if err != nil {
		logger.Error("persist publication", "event", req.Event.ID.Short(), "error", err)
		return EncodeReject(&Reject{RequestID: req.RequestID, Reason: ReasonInternal, Message: "storage failure"})
	}

	if !receipt.Duplicate {
		logger.Info("note published", "event", req.Event.ID.Short(), "peer", h.share.PeerID, "bytes", len(req.Event.Content))
	}

	return EncodePublishAck(req.RequestID, &receipt)
}

// Published returns a note accepted by this guardian, or nil if unknown.
func (h *Handler) Published(id session.EventID) (*PublishedNote, error) {
	raw, err := h.store.Get(publishedKey(id))
	if err != nil || raw == nil {
		return nil, err
	}

	return decodePublished(raw)
}

// requestIDOf recovers the request id of an undecodable message, if present.
func requestIDOf(data []byte) uuid.UUID {
	var id uuid.UUID
	if len(data) >= headerSize {
		copy(id[:], data[1:headerSize])
	}
	return id
}

func publishedKey(id session.EventID) []byte {
	key := make([]byte, 0, len(publishedPrefix)+len(id))
	key = append(key, publishedPrefix...)
	return append(key, id[:]...)
}

// encodePublished lays out [receipt] [96B signature] [4B len] [content].
func encodePublished(n *PublishedNote) []byte {
	buf := make([]byte, 0, receiptSize+threshold.SignatureSize+4+len(n.Content))
	buf = append(buf, n.Receipt.MarshalBinary()...)
	buf = append(buf, n.Signature...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(n.Content)))
	return append(buf, n.Content...)
}

func decodePublished(data []byte) (*PublishedNote, error) {
	head := receiptSize + threshold.SignatureSize + 4
	if len(data) < head {
		return nil, fmt.Errorf("published record too short: %d", len(data))
	}

	n := &PublishedNote{}
	if err := n.Receipt.UnmarshalBinary(data[:receiptSize]); err != nil {
		return nil, err
	}

	n.Signature = append([]byte(nil), data[receiptSize:receiptSize+threshold.SignatureSize]...)

	size := int(binary.BigEndian.Uint32(data[head-4 : head]))
	if len(data) != head+size {
		return nil, fmt.Errorf("published record truncated")
	}

	n.Content = append([]byte(nil), data[head:]...)

	return n, nil
}
