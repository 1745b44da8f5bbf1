package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gptme/gptme/pkg/models"
)

// pingInterval is the SSE keepalive period.
const pingInterval = 15 * time.Second

// handleEvents streams session events as SSE data frames. Reconnecting
// with the same session_id replays the retained event log from the start.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Logs.Exists(id) {
		s.error(w, http.StatusNotFound, "conversation not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	session := s.Sessions.GetOrCreate(id, r.URL.Query().Get("session_id"))
	session.AddClient()
	defer session.RemoveClient()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeFrame := func(event models.Event) bool {
		data, err := json.Marshal(event)
		if err != nil {
			s.Logger.Error("encode event", "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		return true
	}

	if !writeFrame(models.Event{Type: models.EventConnected, SessionID: session.ID}) {
		return
	}
	flusher.Flush()

	after := 0
	for {
		waitCtx, cancel := context.WithTimeout(r.Context(), pingInterval)
		events, next := session.Events(waitCtx, after)
		cancel()
		if r.Context().Err() != nil {
			return
		}
		if len(events) == 0 {
			// Timeout or session closed; a ping distinguishes a live quiet
			// stream from a dead socket.
			if !writeFrame(models.Event{Type: models.EventPing}) {
				return
			}
			flusher.Flush()
			continue
		}
		for _, event := range events {
			if !writeFrame(event) {
				return
			}
		}
		flusher.Flush()
		after = next
	}
}
