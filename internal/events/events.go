// Package events carries best-effort channel status notifications.
// Nothing in the orchestrator depends on an event being delivered.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/voyagen/loopcaster/internal/models"
)

// Type names an event kind.
type Type string

const (
	ChannelCreated Type = "channel.created"
	ChannelUpdated Type = "channel.updated"
	ChannelDeleted Type = "channel.deleted"
	DownloadStatus Type = "download.status"
	StreamStatus   Type = "stream.status"
)

// Event is a single status notification.
type Event struct {
	Type      Type            `json:"type"`
	ChannelID int64           `json:"channel_id"`
	Channel   *models.Channel `json:"channel,omitempty"`
	Message   string          `json:"message,omitempty"`
	At        time.Time       `json:"at"`
}

// Publisher delivers events. Implementations must not block the caller for long.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// subscriberBuffer is the per-subscriber queue depth before events are dropped.
const subscriberBuffer = 64

// Hub is an in-process fan-out. Slow subscribers lose events rather than
// stalling publishers.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Publish delivers ev to every current subscriber without blocking.
func (h *Hub) Publish(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func removes it
// and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later Subscribe calls get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
