package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/repo"
)

const heartbeatInterval = 15 * time.Second

// registerStream mounts the round stream as a raw SSE endpoint. Huma's typed
// handlers buffer responses, so this one lives directly on the router.
func registerStream(r chi.Router, basePath string, e *engine.Engine) {
	r.Get(basePath+"/stories/{story_id}/stream", func(w http.ResponseWriter, req *http.Request) {
		storyID := chi.URLParam(req, "story_id")
		round, history, live, cancel, err := e.Subscribe(req.Context(), storyID)
		if err != nil {
			status := http.StatusInternalServerError
			code := "internal_error"
			if errors.Is(err, repo.ErrNotFound) {
				status, code = http.StatusNotFound, "not_found"
			}
			respondStatusError(w, newAPIError(status, code, err.Error(), nil))
			return
		}
		defer cancel()

		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Round-Id", round.ID)
		w.WriteHeader(http.StatusOK)

		for _, m := range history {
			writeSSE(w, m)
		}
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-req.Context().Done():
				return
			case m, open := <-live:
				if !open {
					// Dropped as a slow subscriber; the client should
					// reconnect and replay.
					return
				}
				writeSSE(w, m)
				flusher.Flush()
			case <-heartbeat.C:
				// Heartbeats keep the connection alive; they carry no seq
				// and are never persisted.
				writeSSE(w, domain.RoundMessage{
					RoundID: round.ID,
					Type:    domain.MessageHeartbeat,
					TS:      time.Now().UTC().Format(time.RFC3339),
				})
				flusher.Flush()
			}
		}
	})
}

func writeSSE(w http.ResponseWriter, m domain.RoundMessage) {
	payload, err := json.Marshal(messageResponse(m))
	if err != nil {
		return
	}
	w.Write([]byte("event: " + m.Type + "\ndata: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}
