// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/pipeline/bus"
)

// handleEvents streams job progress as Server-Sent Events. The first event
// is the current snapshot; the stream ends after a terminal event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, r, http.StatusInternalServerError, "INTERNAL", "streaming unsupported", nil)
		return
	}
	j, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	// Subscribe before the snapshot so a transition in between is not lost.
	sub, err := s.jobs.Events(r.Context(), j.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer func() { _ = sub.Close() }()
	if j, err = s.jobs.GetStatus(r.Context(), j.ID); err != nil {
		writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger := log.WithComponentFromContext(r.Context(), "sse")
	snapshot := bus.JobEvent{
		JobID:           j.ID,
		Status:          j.Status,
		ProgressPercent: j.ProgressPercent,
		Error:           j.LastError,
		AtUnix:          j.UpdatedAtUnix,
	}
	if err := writeEvent(w, snapshot); err != nil {
		return
	}
	flusher.Flush()
	if snapshot.Terminal() {
		return
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				logger.Debug().Err(err).Msg("event stream closed")
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev bus.JobEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", b)
	return err
}
