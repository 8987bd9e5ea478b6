package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"Roastr/internal/coordinator"
	"Roastr/internal/federation"
	"Roastr/internal/guardian"
	"Roastr/internal/session"
)

const (
	// maxBodySize bounds a request body.
	maxBodySize = 1 << 20 // 1 MB

	// maxContentSize bounds note content so a share request fits one guardian message.
	maxContentSize = guardian.MaxContentSize

	// maxWait bounds the wait query parameter of sign requests.
	maxWait = 10 * time.Minute
)

// requestError is a malformed or invalid request.
type requestError struct {
	msg string
}

func (e *requestError) Error() string {
	return e.msg
}

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// JoinRequest is the body of POST /federation/join.
type JoinRequest struct {
	InviteCode  string              `json:"invite_code"`
	AdminPeerID uint16              `json:"admin_peer_id"`
	AdminAuth   federation.HexBytes `json:"admin_auth"`
}

func (r *JoinRequest) validate() error {
	if r.InviteCode == "" {
		return badRequest("invite_code is required")
	}
	if len(r.AdminAuth) == 0 {
		return badRequest("admin_auth is required")
	}
	if len(r.AdminAuth) > guardian.MaxAuthSize {
		return badRequest("admin_auth is %d bytes, limit %d", len(r.AdminAuth), guardian.MaxAuthSize)
	}
	return nil
}

// JoinResponse describes the joined federation.
type JoinResponse struct {
	FederationID federation.HexBytes `json:"federation_id"`
	Threshold    int                 `json:"threshold"`
	Guardians    []uint16            `json:"guardians"`
	AdminPeerID  uint16              `json:"admin_peer_id"`
}

func newJoinResponse(m *federation.Membership) JoinResponse {
	id := m.ID()
	resp := JoinResponse{
		FederationID: id[:],
		Threshold:    m.Threshold(),
		AdminPeerID:  m.Credentials().Admin.PeerID,
	}

	for _, g := range m.Guardians() {
		resp.Guardians = append(resp.Guardians, g.PeerID)
	}

	return resp
}

// CreateNoteRequest is the body of POST /notes. Content is base64 in JSON.
type CreateNoteRequest struct {
	Content []byte `json:"content"`
}

func (r *CreateNoteRequest) validate() error {
	if len(r.Content) == 0 {
		return badRequest("content is required")
	}
	if len(r.Content) > maxContentSize {
		return badRequest("content is %d bytes, limit %d", len(r.Content), maxContentSize)
	}
	return nil
}

// CreateNoteResponse names the created note.
type CreateNoteResponse struct {
	EventID   string    `json:"event_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SignResponse is the state of a signing session.
type SignResponse struct {
	EventID    string              `json:"event_id"`
	State      string              `json:"state"`
	Threshold  int                 `json:"threshold"`
	Shares     int                 `json:"shares"`
	Signature  federation.HexBytes `json:"signature,omitempty"`
	Signers    []uint16            `json:"signers,omitempty"`
	FailReason string              `json:"fail_reason,omitempty"`
}

func newSignResponse(s *session.Session) SignResponse {
	return SignResponse{
		EventID:    s.Event.ID.String(),
		State:      s.State.String(),
		Threshold:  s.Threshold,
		Shares:     len(s.Shares),
		Signature:  s.Signature,
		Signers:    s.Signers,
		FailReason: s.FailReason,
	}
}

// ReceiptResponse is a guardian's publication acknowledgement.
type ReceiptResponse struct {
	EventID     string    `json:"event_id"`
	PeerID      uint16    `json:"peer_id"`
	PublishedAt time.Time `json:"published_at"`
	Duplicate   bool      `json:"duplicate"`
}

func newReceiptResponse(r *guardian.PublishReceipt) ReceiptResponse {
	return ReceiptResponse{
		EventID:     r.EventID.String(),
		PeerID:      r.PeerID,
		PublishedAt: r.PublishedAt,
		Duplicate:   r.Duplicate,
	}
}

// NoteResponse is a group-signed note.
type NoteResponse struct {
	EventID   string              `json:"event_id"`
	Content   []byte              `json:"content"`
	CreatedAt time.Time           `json:"created_at"`
	Signature federation.HexBytes `json:"signature"`
	Signers   []uint16            `json:"signers"`
	Receipt   *ReceiptResponse    `json:"receipt,omitempty"`
}

func newNoteResponse(n *coordinator.Note) NoteResponse {
	resp := NoteResponse{
		EventID:   n.Event.ID.String(),
		Content:   n.Event.Content,
		CreatedAt: n.Event.CreatedAt,
		Signature: n.Signature,
		Signers:   n.Signers,
	}

	if n.Receipt != nil {
		r := newReceiptResponse(n.Receipt)
		resp.Receipt = &r
	}

	return resp
}

// PeerStatus is one guardian's share status.
type PeerStatus struct {
	PeerID uint16 `json:"peer_id"`
	Status string `json:"status"`
}

// SessionsResponse is the per-guardian view of a signing session.
type SessionsResponse struct {
	EventID    string              `json:"event_id"`
	State      string              `json:"state"`
	Threshold  int                 `json:"threshold"`
	Peers      []PeerStatus        `json:"peers"`
	Signature  federation.HexBytes `json:"signature,omitempty"`
	FailReason string              `json:"fail_reason,omitempty"`
}

func newSessionsResponse(s *coordinator.SessionStatus) SessionsResponse {
	resp := SessionsResponse{
		EventID:    s.EventID.String(),
		State:      s.State.String(),
		Threshold:  s.Threshold,
		Signature:  s.Signature,
		FailReason: s.FailReason,
	}

	for peer, st := range s.Peers {
		resp.Peers = append(resp.Peers, PeerStatus{PeerID: peer, Status: string(st)})
	}

	sort.Slice(resp.Peers, func(i, j int) bool { return resp.Peers[i].PeerID < resp.Peers[j].PeerID })

	return resp
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// decodeJSON decodes a size-limited request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return badRequest("invalid body: %v", err)
	}

	return nil
}

// parseWait reads the optional wait query parameter: seconds, or a Go duration.
func parseWait(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, badRequest("invalid wait %q", raw)
		}
		d = time.Duration(secs) * time.Second
	}

	if d <= 0 || d > maxWait {
		return 0, badRequest("wait must be in (0, %s]", maxWait)
	}

	return d, nil
}
