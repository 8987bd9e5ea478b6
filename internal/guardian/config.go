package guardian

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"Roastr/internal/federation"
	"Roastr/internal/session"
)

// ConfigRouter serves the federation descriptor at GET /config and published notes at
// GET /notes/{id}. Clients fetch the descriptor when redeeming an invite.
func ConfigRouter(desc *federation.Descriptor, h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/config", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, desc)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "peer_id": h.PeerID()})
	})

	r.Get("/notes/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := session.ParseEventID(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		note, err := h.Published(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if note == nil {
			http.Error(w, errors.New("note not published").Error(), http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"event_id":     id.String(),
			"content":      note.Content,
			"signature":    federation.HexBytes(note.Signature),
			"published_at": note.Receipt.PublishedAt,
			"peer_id":      note.Receipt.PeerID,
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
