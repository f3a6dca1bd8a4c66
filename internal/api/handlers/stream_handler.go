package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skystack/engine/internal/api/types"
	"github.com/skystack/engine/internal/relay"
	"github.com/skystack/engine/internal/services"
	"github.com/skystack/engine/pkg/logger"
)

// heartbeatInterval keeps intermediaries from closing idle SSE streams.
const heartbeatInterval = 25 * time.Second

// StreamHandler serves the live progress stream over SSE. A late subscriber
// first gets the persisted log history, then tails live events until the
// closing done event.
type StreamHandler struct {
	svc services.DeploymentService
	hub *relay.Hub
}

func NewStreamHandler(svc services.DeploymentService, hub *relay.Hub) *StreamHandler {
	return &StreamHandler{svc: svc, hub: hub}
}

func (h *StreamHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	d, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, types.HTTPStatus(err), err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorStr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before replay so no live event falls between history and
	// the tail.
	ch, cancel := h.hub.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, line := range strings.Split(d.Logs, "\n") {
		if line == "" {
			continue
		}
		writeSSE(w, relay.Event{Type: relay.TypeLog, Line: line, Ts: d.CreatedAt})
	}
	flusher.Flush()

	if d.Status.Terminal() {
		writeSSE(w, relay.Event{Type: relay.TypeStatus, Status: string(d.Status), Message: d.ErrorMessage})
		writeSSE(w, relay.Event{Type: relay.TypeDone})
		flusher.Flush()
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// The hub only carries events from a worker in this process.
			// Re-read the row so streams for deployments finished by a
			// remote worker still close.
			if cur, err := h.svc.Get(r.Context(), id); err == nil && cur.Status.Terminal() {
				writeSSE(w, relay.Event{Type: relay.TypeStatus, Status: string(cur.Status), Message: cur.ErrorMessage})
				writeSSE(w, relay.Event{Type: relay.TypeDone})
				flusher.Flush()
				return
			}
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev relay.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.L().Warn("marshal sse event failed", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
