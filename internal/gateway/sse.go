package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// handleChat starts a session from the request body and streams its event
// envelopes as SSE, one frame per event, terminated by `event: done`. Pings
// on the heartbeat interval keep intermediaries from closing an idle stream
// while a tool or gate is waiting.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req dazee.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeStatus(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionID, events, err := s.chat.Send(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Debug("gateway: sse stream opened", "session_id", sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client went away; the session keeps running and the event log
			// stays replayable.
			s.logger.Debug("gateway: sse client disconnected", "session_id", sessionID)
			return

		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case ev, open := <-events:
			if !open {
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				s.logger.Debug("gateway: sse stream closed", "session_id", sessionID)
				return
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug("gateway: sse write failed", "session_id", sessionID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev dazee.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
