package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/allyourbase/smsbatch/internal/httputil"
)

// keepaliveInterval spaces SSE comment lines so idle proxies keep the
// connection open.
const keepaliveInterval = 25 * time.Second

// handleEvents streams record changes as Server-Sent Events. The stream opens
// with a "snapshot" event holding the current registry, then one unnamed
// event per changed record.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	updates, cancel := s.sess.Registry().Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	snapshot, err := json.Marshal(s.recipientsBody())
	if err != nil {
		s.logger.Error("failed to marshal snapshot", "error", err)
		return
	}
	fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", snapshot)
	flusher.Flush()

	reqID := middleware.GetReqID(r.Context())
	s.logger.Info("events client connected", "request_id", reqID)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("events client disconnected", "request_id", reqID)
			return
		case <-s.batchCtx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case rec, open := <-updates:
			if !open {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				s.logger.Error("failed to marshal record", "error", err, "number", rec.Number)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
