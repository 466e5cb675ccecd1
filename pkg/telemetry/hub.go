// Package telemetry broadcasts live run progress to streaming subscribers.
// Subscriptions are task-scoped: a watcher of one task never sees another
// task's events.
package telemetry

import (
	"sync"
	"time"
)

// EventType identifies the kind of progress event.
type EventType string

const (
	EventRunCreated EventType = "run_created"
	EventResult     EventType = "result"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// Event describes run progress that streaming clients consume.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"task_id"`
	RunID     string         `json:"run_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub fans out run events to per-task subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	closed      bool
}

// NewHub constructs a progress hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[chan Event]struct{})}
}

// Publish notifies the task's subscribers of an event. Non-blocking; a slow
// subscriber loses events rather than stalling the run.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for ch := range h.subscribers[event.TaskID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel receiving future events for one task and a
// cleanup func. The channel is closed on unsubscribe or hub shutdown.
func (h *Hub) Subscribe(taskID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, func() {}
	}

	ch := make(chan Event, 64)
	if h.subscribers[taskID] == nil {
		h.subscribers[taskID] = make(map[chan Event]struct{})
	}
	h.subscribers[taskID][ch] = struct{}{}

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subscribers[taskID]
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(h.subscribers, taskID)
			}
		}
	}
	return ch, unsubscribe
}

// SubscriberCount reports how many clients are watching a task.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[taskID])
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for taskID, subs := range h.subscribers {
		for ch := range subs {
			close(ch)
		}
		delete(h.subscribers, taskID)
	}
}
