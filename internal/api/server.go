package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"Roastr/internal/coordinator"
	"Roastr/internal/federation"
	"Roastr/internal/guardian"
	"Roastr/internal/logger"
	"Roastr/internal/session"
)

// Server is the HTTP API of the client daemon.
type Server struct {
	addr   string       // addr is the HTTP listen address
	bridge *Bridge      // bridge executes the commands
	server *http.Server // server is the underlying HTTP server
	ln     net.Listener // ln is the bound listener
}

// New creates a new HTTP API server.
func New(addr string, bridge *Bridge) *Server {
	return &Server{addr: addr, bridge: bridge}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/federation/join", s.handleJoin)

	r.Route("/notes", func(r chi.Router) {
		r.Get("/", s.handleListNotes)
		r.Post("/", s.handleCreateNote)
		r.Get("/{id}", s.handleGetNote)
		r.Post("/{id}/sign", s.handleSignNote)
		r.Post("/{id}/broadcast", s.handleBroadcastNote)
		r.Get("/{id}/sessions", s.handleSigningSessions)
	})

	return r
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.ln = ln
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "joined": false}

	if m, err := s.bridge.Membership(); err == nil {
		id := m.ID()
		resp["joined"] = true
		resp["federation_id"] = federation.HexBytes(id[:])
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleJoin handles POST /federation/join requests.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	m, err := s.bridge.Join(r.Context(), req.InviteCode, federation.AdminCredentials{PeerID: req.AdminPeerID, Auth: req.AdminAuth})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newJoinResponse(m))
}

// handleCreateNote handles POST /notes requests.
func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	coord, err := s.bridge.Coordinator()
	if err != nil {
		writeError(w, err)
		return
	}

	var req CreateNoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	event, err := coord.CreateNote(req.Content)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CreateNoteResponse{EventID: event.ID.String(), CreatedAt: event.CreatedAt})
}

// handleListNotes handles GET /notes requests.
func (s *Server) handleListNotes(w http.ResponseWriter, _ *http.Request) {
	coord, err := s.bridge.Coordinator()
	if err != nil {
		writeError(w, err)
		return
	}

	sessions, err := coord.Sessions()
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]SignResponse, len(sessions))
	for i, sess := range sessions {
		out[i] = newSignResponse(sess)
	}

	writeJSON(w, http.StatusOK, out)
}

// handleGetNote handles GET /notes/{id} requests.
func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	coord, id, ok := s.noteTarget(w, r)
	if !ok {
		return
	}

	note, err := coord.Note(id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newNoteResponse(note))
}

// handleSignNote handles POST /notes/{id}/sign requests.
// The run keeps going after the request ends; calling again resumes it.
func (s *Server) handleSignNote(w http.ResponseWriter, r *http.Request) {
	coord, id, ok := s.noteTarget(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if timeout, err := parseWait(r); err != nil {
		writeError(w, err)
		return
	} else if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sess, err := coord.SignNote(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newSignResponse(sess))
}

// handleBroadcastNote handles POST /notes/{id}/broadcast requests.
func (s *Server) handleBroadcastNote(w http.ResponseWriter, r *http.Request) {
	coord, id, ok := s.noteTarget(w, r)
	if !ok {
		return
	}

	receipt, err := coord.BroadcastNote(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

// handleSigningSessions handles GET /notes/{id}/sessions requests.
func (s *Server) handleSigningSessions(w http.ResponseWriter, r *http.Request) {
	coord, id, ok := s.noteTarget(w, r)
	if !ok {
		return
	}

	status, err := coord.SigningSessions(id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newSessionsResponse(status))
}

// noteTarget resolves the coordinator and the {id} parameter, writing the error response on failure.
func (s *Server) noteTarget(w http.ResponseWriter, r *http.Request) (*coordinator.Coordinator, session.EventID, bool) {
	coord, err := s.bridge.Coordinator()
	if err != nil {
		writeError(w, err)
		return nil, session.EventID{}, false
	}

	id, err := session.ParseEventID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, badRequest("invalid event id: %v", err))
		return nil, session.EventID{}, false
	}

	return coord, id, true
}

// statusOf maps an error to its HTTP status and whether retrying later can succeed.
func statusOf(err error) (int, bool) {
	var br *requestError

	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, false
	case errors.Is(err, ErrNotJoined):
		return http.StatusPreconditionFailed, false
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, federation.ErrInvalidInvite):
		return http.StatusBadRequest, false
	case errors.Is(err, federation.ErrInvalidConfig):
		return http.StatusUnprocessableEntity, false
	case errors.Is(err, federation.ErrConfigFetchFailed):
		return http.StatusBadGateway, true
	case coordinator.IsRetryable(err):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, federation.ErrFederationMismatch),
		errors.Is(err, coordinator.ErrNotAggregated),
		errors.Is(err, coordinator.ErrQuorumUnreachable),
		errors.Is(err, session.ErrSessionFailed),
		errors.Is(err, guardian.ErrRejected):
		return http.StatusConflict, false
	default:
		return http.StatusInternalServerError, false
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response with its retry classification.
func writeError(w http.ResponseWriter, err error) {
	status, retryable := statusOf(err)

	if status >= http.StatusInternalServerError && !retryable {
		logger.Error("api request failed", "error", err)
	}

	writeJSON(w, status, ErrorResponse{Error: err.Error(), Retryable: retryable})
}
