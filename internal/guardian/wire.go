package guardian

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"Roastr/internal/session"
	"Roastr/internal/threshold"
)

// Message types of the guardian protocol.
const (
	msgTypeShareRequest   = 0x01 // Request for a signature share
	msgTypeShareResponse  = 0x02 // Signature share
	msgTypeReject         = 0x03 // Request refused
	msgTypePublishRequest = 0x04 // Publication of an aggregated note
	msgTypePublishAck     = 0x05 // Publication accepted
)

// Reject reasons.
const (
	ReasonBadRequest       = 0x01 // Malformed request or event id mismatch
	ReasonUnauthorized     = 0x02 // Admin auth secret does not match
	ReasonInvalidSignature = 0x03 // Aggregated signature does not verify under the group key
	ReasonInternal         = 0x04 // Guardian-side failure
)

// headerSize is the type byte plus the request id.
const headerSize = 1 + 16

// receiptSize is the encoded size of a PublishReceipt.
const receiptSize = 2 + 32 + 8 + 1

const (
	// MaxContentSize bounds the note content carried by one request.
	MaxContentSize = 256 << 10

	// MaxAuthSize bounds the admin secret of a publish request.
	MaxAuthSize = 64

	// MaxMessageSize is the largest frame of the protocol, a publish request at both bounds.
	MaxMessageSize = headerSize + 32 + 8 + threshold.SignatureSize + 2 + MaxAuthSize + 4 + MaxContentSize
)

var errTruncated = errors.New("message truncated")

// ShareRequest asks a guardian to sign a note.
type ShareRequest struct {
	RequestID uuid.UUID
	Event     session.Event
}

// ShareResponse carries a guardian's signature share.
type ShareResponse struct {
	RequestID uuid.UUID
	PeerID    uint16
	Signature []byte
}

// Reject is a guardian's refusal.
type Reject struct {
	RequestID uuid.UUID
	Reason    byte
	Message   string
}

// PublishRequest publishes an aggregated note.
type PublishRequest struct {
	RequestID uuid.UUID
	Event     session.Event
	Signature []byte // Signature is the group signature over the content
	Auth      []byte // Auth is the admin secret
}

// PublishReceipt is a guardian's acknowledgement of a publication.
type PublishReceipt struct {
	PeerID      uint16          // PeerID is the acknowledging guardian
	EventID     session.EventID // EventID is the published note
	PublishedAt time.Time       // PublishedAt is when the guardian first accepted the note
	Duplicate   bool            // Duplicate is set when the note had already been published
}

// EncodeShareRequest encodes a share request.
// Format: [1B type] [16B reqid] [32B event id] [8B created_at ms] [4B len] [content]
func EncodeShareRequest(req *ShareRequest) []byte {
	content := req.Event.Content

	buf := make([]byte, headerSize+32+8+4+len(content))
	off := putHeader(buf, msgTypeShareRequest, req.RequestID)
	off += copy(buf[off:], req.Event.ID[:])
	binary.BigEndian.PutUint64(buf[off:], uint64(req.Event.CreatedAt.UnixMilli()))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(content)))
	off += 4
	copy(buf[off:], content)

	return buf
}

// DecodeShareRequest decodes a share request.
func DecodeShareRequest(data []byte) (*ShareRequest, error) {
	r, err := newWireReader(data, msgTypeShareRequest)
	if err != nil {
		return nil, err
	}

	req := &ShareRequest{RequestID: r.requestID}
	copy(req.Event.ID[:], r.bytes(32))
	req.Event.CreatedAt = time.UnixMilli(int64(r.u64()))
	req.Event.Content = r.bytes(int(r.u32()))

	if r.err != nil {
		return nil, fmt.Errorf("decode share request:\n%w", r.err)
	}

	return req, nil
}

// EncodeShareResponse encodes a share response.
// Format: [1B type] [16B reqid] [2B peer id] [96B signature]
func EncodeShareResponse(resp *ShareResponse) []byte {
	buf := make([]byte, headerSize+2+threshold.SignatureSize)
	off := putHeader(buf, msgTypeShareResponse, resp.RequestID)
	binary.BigEndian.PutUint16(buf[off:], resp.PeerID)
	copy(buf[off+2:], resp.Signature)

	return buf
}

// DecodeShareResponse decodes a share response.
func DecodeShareResponse(data []byte) (*ShareResponse, error) {
	r, err := newWireReader(data, msgTypeShareResponse)
	if err != nil {
		return nil, err
	}

	resp := &ShareResponse{
		RequestID: r.requestID,
		PeerID:    r.u16(),
		Signature: r.bytes(threshold.SignatureSize),
	}

	if r.err != nil {
		return nil, fmt.Errorf("decode share response:\n%w", r.err)
	}

	return resp, nil
}

// EncodeReject encodes a reject message.
// Format: [1B type] [16B reqid] [1B reason] [2B len] [message]
func EncodeReject(rej *Reject) []byte {
	msg := rej.Message
	if len(msg) > 0xFFFF {
		msg = msg[:0xFFFF]
	}

	buf := make([]byte, headerSize+1+2+len(msg))
	off := putHeader(buf, msgTypeReject, rej.RequestID)
	buf[off] = rej.Reason
	binary.BigEndian.PutUint16(buf[off+1:], uint16(len(msg)))
	copy(buf[off+3:], msg)

	return buf
}

// DecodeReject decodes a reject message.
func DecodeReject(data []byte) (*Reject, error) {
	r, err := newWireReader(data, msgTypeReject)
	if err != nil {
		return nil, err
	}

	rej := &Reject{RequestID: r.requestID, Reason: r.u8()}
	rej.Message = string(r.bytes(int(r.u16())))

	if r.err != nil {
		return nil, fmt.Errorf("decode reject:\n%w", r.err)
	}

	return rej, nil
}

// EncodePublishRequest encodes a publish request.
// Format: [1B type] [16B reqid] [32B event id] [8B created_at ms] [96B sig] [2B len] [auth] [4B len] [content]
func EncodePublishRequest(req *PublishRequest) []byte {
	content := req.Event.Content

	buf := make([]byte, headerSize+32+8+threshold.SignatureSize+2+len(req.Auth)+4+len(content))
	off := putHeader(buf, msgTypePublishRequest, req.RequestID)
	off += copy(buf[off:], req.Event.ID[:])
	binary.BigEndian.PutUint64(buf[off:], uint64(req.Event.CreatedAt.UnixMilli()))
	off += 8
	copy(buf[off:off+threshold.SignatureSize], req.Signature)
	off += threshold.SignatureSize
	binary.BigEndian.PutUint16(buf[off:], uint16(len(req.Auth)))
	off += 2
	off += copy(buf[off:], req.Auth)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(content)))
	off += 4
	copy(buf[off:], content)

	return buf
}

// DecodePublishRequest decodes a publish request.
func DecodePublishRequest(data []byte) (*PublishRequest, error) {
	r, err := newWireReader(data, msgTypePublishRequest)
	if err != nil {
		return nil, err
	}

	req := &PublishRequest{RequestID: r.requestID}
	copy(req.Event.ID[:], r.bytes(32))
	req.Event.CreatedAt = time.UnixMilli(int64(r.u64()))
	req.Signature = r.bytes(threshold.SignatureSize)
	req.Auth = r.bytes(int(r.u16()))
	req.Event.Content = r.bytes(int(r.u32()))

	if r.err != nil {
		return nil, fmt.Errorf("decode publish request:\n%w", r.err)
	}

	return req, nil
}

// EncodePublishAck encodes a publish acknowledgement.
// Format: [1B type] [16B reqid] [receipt]
func EncodePublishAck(reqID uuid.UUID, receipt *PublishReceipt) []byte {
	buf := make([]byte, headerSize, headerSize+receiptSize)
	putHeader(buf, msgTypePublishAck, reqID)

	return append(buf, receipt.MarshalBinary()...)
}

// DecodePublishAck decodes a publish acknowledgement.
func DecodePublishAck(data []byte) (uuid.UUID, *PublishReceipt, error) {
	r, err := newWireReader(data, msgTypePublishAck)
	if err != nil {
		return uuid.UUID{}, nil, err
	}

	var receipt PublishReceipt
	if err := receipt.UnmarshalBinary(r.bytes(receiptSize)); err != nil || r.err != nil {
		return uuid.UUID{}, nil, fmt.Errorf("decode publish ack:\n%w", errTruncated)
	}

	return r.requestID, &receipt, nil
}

// MarshalBinary encodes the receipt.
// Format: [2B peer id] [32B event id] [8B published_at ms] [1B duplicate]
func (r *PublishReceipt) MarshalBinary() []byte {
	buf := make([]byte, receiptSize)
	binary.BigEndian.PutUint16(buf[0:2], r.PeerID)
	copy(buf[2:34], r.EventID[:])
	binary.BigEndian.PutUint64(buf[34:42], uint64(r.PublishedAt.UnixMilli()))

	if r.Duplicate {
		buf[42] = 1
	}

	return buf
}

// UnmarshalBinary decodes a receipt written by MarshalBinary.
func (r *PublishReceipt) UnmarshalBinary(data []byte) error {
	if len(data) != receiptSize {
		return fmt.Errorf("receipt is %d bytes, want %d", len(data), receiptSize)
	}

	r.PeerID = binary.BigEndian.Uint16(data[0:2])
	copy(r.EventID[:], data[2:34])
	r.PublishedAt = time.UnixMilli(int64(binary.BigEndian.Uint64(data[34:42])))
	r.Duplicate = data[42] == 1

	return nil
}

// MessageType returns the type byte of an encoded message.
func MessageType(data []byte) (byte, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty message")
	}

	return data[0], nil
}

// putHeader writes the type and request id, returning the payload offset.
func putHeader(buf []byte, msgType byte, reqID uuid.UUID) int {
	buf[0] = msgType
	copy(buf[1:headerSize], reqID[:])
	return headerSize
}

// wireReader reads big-endian fields, remembering the first truncation.
type wireReader struct {
	data      []byte
	off       int
	err       error
	requestID uuid.UUID
}

func newWireReader(data []byte, want byte) (*wireReader, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("message too short: %d < %d", len(data), headerSize)
	}

	if data[0] != want {
		return nil, fmt.Errorf("invalid message type: 0x%02x", data[0])
	}

	r := &wireReader{data: data, off: headerSize}
	copy(r.requestID[:], data[1:headerSize])

	return r, nil
}

func (r *wireReader) bytes(n int) []byte {
	if r.err != nil || n < 0 || r.off+n > len(r.data) {
		r.err = errTruncated
		return nil
	}

	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+n])
	r.off += n

	return out
}

func (r *wireReader) u8() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *wireReader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *wireReader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *wireReader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
