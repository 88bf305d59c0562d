package proxy

import (
	"sync"
	"time"

	"focusshield/internal/messaging"
)

// Event types pushed to tab subscribers.
const (
	EventApplied = "applied"
	EventPass    = "pass"
	EventInsert  = "insert"
	EventClosed  = "closed"
)

// Event is one entry of a tab's event stream.
type Event struct {
	Type    string             `json:"type"`
	TabID   string             `json:"tabId"`
	Time    time.Time          `json:"time"`
	Trigger string             `json:"trigger,omitempty"`
	Hidden  int                `json:"hidden,omitempty"`
	Nodes   int                `json:"nodes,omitempty"`
	Context *messaging.Context `json:"context,omitempty"`
}

const subscriberBuffer = 64

// eventHub fans events out to subscribers. Publishing never blocks: a
// subscriber that falls behind loses events.
type eventHub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan Event]struct{})}
}

// subscribe returns the event channel and a cancel func. The channel is
// closed on cancel or when the hub closes.
func (h *eventHub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// close delivers ev, if non-nil, and closes every subscription.
func (h *eventHub) close(last *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		if last != nil {
			select {
			case ch <- *last:
			default:
			}
		}
		close(ch)
		delete(h.subs, ch)
	}
}
