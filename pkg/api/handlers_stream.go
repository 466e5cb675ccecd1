package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/caseval/caseval/pkg/telemetry"
)

const streamHeartbeatInterval = 30 * time.Second

// handleTaskEvents streams a task's run progress over SSE. Subscribers that
// join mid-run receive a snapshot event first so they can rehydrate from the
// latest run's persisted results.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the snapshot so no event falls in the gap.
	events, unsubscribe := s.hub.Subscribe(taskID)
	defer unsubscribe()

	ctx := r.Context()
	writeSSE(w, flusher, s.connectionSnapshot(ctx, taskID))

	ticker := time.NewTicker(streamHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !writeSSE(w, flusher, telemetry.Event{Type: "heartbeat", TaskID: taskID, Timestamp: time.Now()}) {
				return
			}
		case event, open := <-events:
			if !open {
				return
			}
			if !writeSSE(w, flusher, event) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event telemetry.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// handleTaskWebSocket streams the same task events over a websocket, with
// ping/pong support for clients that prefer bidirectional transport.
func (s *Server) handleTaskWebSocket(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		writeStoreError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to upgrade to websocket: "+err.Error())
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.hub.Subscribe(taskID)
	defer unsubscribe()

	if err := wsjson.Write(ctx, conn, s.connectionSnapshot(ctx, taskID)); err != nil {
		return
	}

	// Reader goroutine: answers pings and tears the stream down when the
	// client goes away.
	go func() {
		for {
			var msg map[string]any
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				cancel()
				return
			}
			if t, _ := msg["type"].(string); t == "ping" {
				wsjson.Write(ctx, conn, telemetry.Event{Type: "pong", TaskID: taskID, Timestamp: time.Now()})
			}
		}
	}()

	ticker := time.NewTicker(streamHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, telemetry.Event{Type: "heartbeat", TaskID: taskID, Timestamp: time.Now()}); err != nil {
				return
			}
		case event, open := <-events:
			if !open {
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

// connectionSnapshot builds the initial event for a new subscriber: the
// latest run (if any) and how many of its results are already persisted, so
// late joiners know what to fetch over the REST API.
func (s *Server) connectionSnapshot(ctx context.Context, taskID string) telemetry.Event {
	event := telemetry.Event{
		Type:      "connected",
		TaskID:    taskID,
		Timestamp: time.Now(),
		Data:      map[string]any{},
	}
	run, err := s.store.LatestRun(ctx, taskID)
	if err != nil {
		return event
	}
	count, err := s.store.CountResults(ctx, run.ID)
	if err != nil {
		count = 0
	}
	event.RunID = run.ID
	event.Data["run_number"] = run.RunNumber
	event.Data["status"] = run.Status
	event.Data["results_persisted"] = count
	if run.Summary != nil {
		event.Data["summary"] = run.Summary
	}
	return event
}
