// Package stream fans connection outcomes out to live admin subscribers. A
// slow subscriber loses events; it never stalls the proxy.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeReady      = "ready"
	TypeConnection = "connection"
)

// Event is one finished connection, or the greeting a new subscriber gets.
type Event struct {
	Type     string    `json:"type"`
	At       time.Time `json:"at"`
	ConnID   string    `json:"conn_id,omitempty"`
	Peer     string    `json:"peer,omitempty"`
	Method   string    `json:"method,omitempty"`
	Path     string    `json:"path,omitempty"`
	State    string    `json:"state,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	Decision string    `json:"verdict,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Status   int       `json:"status,omitempty"`
}

func Ready() Event {
	return Event{Type: TypeReady, At: time.Now().UTC()}
}

var ErrTooManySubscribers = errors.New("stream: subscriber limit reached")

const DefaultMaxSubscribers = 16

type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	max     int
	dropped atomic.Int64
}

func NewHub(maxSubscribers int) *Hub {
	if maxSubscribers <= 0 {
		maxSubscribers = DefaultMaxSubscribers
	}
	return &Hub{subs: map[chan Event]struct{}{}, max: maxSubscribers}
}

func (h *Hub) Subscribe(buffer int) (chan Event, error) {
	if buffer <= 0 {
		buffer = 32
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) >= h.max {
		return nil, ErrTooManySubscribers
	}
	ch := make(chan Event, buffer)
	h.subs[ch] = struct{}{}
	return ch, nil
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish delivers evt to every subscriber with room for it.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts events lost to full subscriber buffers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
