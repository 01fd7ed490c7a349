package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"collabtext/engine/internal/presence"
	"collabtext/engine/internal/session"
	"collabtext/engine/internal/store"
)

// Documents answers introspection requests about open documents.
type Documents interface {
	Inspect(ctx context.Context, docID string) (session.Info, error)
	Sessions() []string
}

// DocumentView is the JSON body of GET /documents/{id}.
type DocumentView struct {
	DocumentID   string                 `json:"documentId"`
	Open         bool                   `json:"open"`
	Content      string                 `json:"content"`
	Version      int                    `json:"version"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
	SavedAt      *time.Time             `json:"savedAt,omitempty"`
	State        string                 `json:"state,omitempty"`
	Persistent   bool                   `json:"persistent,omitempty"`
	LogStart     int                    `json:"logStart,omitempty"`
	LogLen       int                    `json:"logLen,omitempty"`
	Log          []string               `json:"log,omitempty"`
	Participants []presence.Participant `json:"participants,omitempty"`
}

// NewRouter serves the websocket endpoint plus health and document
// introspection. Documents that are not open are read from st.
func NewRouter(h *Hub, docs Documents, st store.SnapshotStore) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.ServeWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": h.Connections(),
			"documents":   len(docs.Sessions()),
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		ctx, cancel := context.WithTimeout(r.Context(), h.opts.RequestTimeout)
		defer cancel()
		view, err := lookup(ctx, docs, st, id)
		switch {
		case err != nil:
			h.log.WithError(err).WithField("document", id).Error("document lookup failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		case view == nil:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown document"})
		default:
			writeJSON(w, http.StatusOK, view)
		}
	}).Methods(http.MethodGet)
	return r
}

func lookup(ctx context.Context, docs Documents, st store.SnapshotStore, id string) (*DocumentView, error) {
	info, err := docs.Inspect(ctx, id)
	if err == nil {
		v := &DocumentView{
			DocumentID:   id,
			Open:         true,
			Content:      info.Snapshot.Content,
			Version:      info.Snapshot.Version,
			Metadata:     info.Snapshot.Metadata,
			State:        info.State.String(),
			Persistent:   info.Persistent,
			LogStart:     info.LogStart,
			LogLen:       info.LogLen,
			Log:          info.Log,
			Participants: info.Participants,
		}
		if !info.LastSaved.IsZero() {
			v.SavedAt = &info.LastSaved
		}
		return v, nil
	}
	if !errors.Is(err, session.ErrUnknownDocument) {
		return nil, err
	}
	snap, err := st.Get(ctx, id)
	if err != nil || snap == nil {
		return nil, err
	}
	v := &DocumentView{
		DocumentID: id,
		Content:    snap.Content,
		Version:    snap.Version,
		Metadata:   snap.Metadata,
	}
	if !snap.SavedAt.IsZero() {
		v.SavedAt = &snap.SavedAt
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
