package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the progress subscription protocol's event kinds.
type EventType string

const (
	TypeLog      EventType = "log"
	TypeStatus   EventType = "status"
	TypeProgress EventType = "progress"
	TypeComplete EventType = "complete"
	TypeError    EventType = "error"
	TypeDone     EventType = "done"
)

// Event is one progress event for a deployment.
type Event struct {
	DeploymentID uuid.UUID      `json:"-"`
	Type         EventType      `json:"type"`
	Phase        string         `json:"phase,omitempty"`
	Line         string         `json:"line,omitempty"`
	Percent      int            `json:"percent,omitempty"`
	Status       string         `json:"status,omitempty"`
	Message      string         `json:"message,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Ts           time.Time      `json:"ts"`
}

// Terminal reports whether this event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == TypeDone
}

// Sink accepts events from a running job. Implementations must never block
// the caller.
type Sink interface {
	Publish(ev Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

// subscriberBuffer bounds each observer's channel; a full buffer means the
// observer loses events rather than the worker waiting.
const subscriberBuffer = 256

type subscriber struct {
	ch chan Event
}

// Hub multiplexes a running deployment's events to zero or more observers.
// Delivery is best-effort: a slow or disconnected observer never slows the
// producing worker.
type Hub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[uuid.UUID]map[*subscriber]struct{}{}}
}

var _ Sink = (*Hub)(nil)

// Subscribe registers an observer for one deployment. The returned channel
// closes after a done event is delivered or cancel is called. cancel is
// idempotent and must be called when the observer goes away.
func (h *Hub) Subscribe(deploymentID uuid.UUID) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	set, ok := h.subs[deploymentID]
	if !ok {
		set = map[*subscriber]struct{}{}
		h.subs[deploymentID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[deploymentID]; ok {
				if _, live := set[sub]; live {
					delete(set, sub)
					close(sub.ch)
				}
				if len(set) == 0 {
					delete(h.subs, deploymentID)
				}
			}
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to all current observers of its deployment.
// Observers with full buffers are skipped. A done event detaches and closes
// every observer after delivery.
func (h *Hub) Publish(ev Event) {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}

	if ev.Terminal() {
		h.mu.Lock()
		set := h.subs[ev.DeploymentID]
		delete(h.subs, ev.DeploymentID)
		h.mu.Unlock()
		for sub := range set {
			select {
			case sub.ch <- ev:
			default:
			}
			close(sub.ch)
		}
		return
	}

	h.mu.RLock()
	set := h.subs[ev.DeploymentID]
	for sub := range set {
		select {
		case sub.ch <- ev:
		default:
			// observer too slow; drop
		}
	}
	h.mu.RUnlock()
}

// Observers returns the current observer count for a deployment.
func (h *Hub) Observers(deploymentID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[deploymentID])
}
