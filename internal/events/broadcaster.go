// Package events fans typed events out to live subscribers. The
// broadcaster is a stateless fan-out: clients that reconnect after a
// drop have missed events and must reconcile via a full re-fetch.
package events

import (
	"sync"

	"github.com/taskpilot/taskpilot/internal/domain"
)

// EventType discriminates the frames on the stream.
type EventType string

const (
	EventLog        EventType = "log"
	EventStatus     EventType = "status"
	EventError      EventType = "error"
	EventDataChange EventType = "data-change"
)

// Event is one frame delivered to subscribers.
type Event struct {
	Type    EventType `json:"type"`
	TaskID  string    `json:"task_id,omitempty"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message,omitempty"`
	Status  string    `json:"status,omitempty"`
	Entity  string    `json:"entity,omitempty"`
	Action  string    `json:"action,omitempty"`
	ID      string    `json:"id,omitempty"`
}

// Sink is the interface runners emit through. The broadcaster implements
// it; tests substitute a recorder. Implementations must not block the
// caller.
type Sink interface {
	Log(taskID, level, message string)
	Status(taskID string, status domain.TaskStatus)
	Error(taskID, message string)
	Change(entity, action, id string)
}

// clientBuffer is the per-client event queue depth. A client that falls
// this far behind is dropped rather than allowed to block the emitter.
const clientBuffer = 64

// Client is one live subscriber connection.
type Client struct {
	ch   chan Event
	once sync.Once
}

// Events returns the client's receive channel. It is closed when the
// client is unregistered.
func (c *Client) Events() <-chan Event {
	return c.ch
}

func (c *Client) close() {
	c.once.Do(func() { close(c.ch) })
}

// Broadcaster maintains the set of live clients and pushes every emitted
// event to all of them.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[*Client]bool
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{clients: make(map[*Client]bool)}
}

// Register adds a new subscriber and returns its client handle.
func (b *Broadcaster) Register() *Client {
	c := &Client{ch: make(chan Event, clientBuffer)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
	return c
}

// Unregister removes a client and closes its channel. It is idempotent:
// a client can be removed concurrently by a write failure and an
// explicit close.
func (b *Broadcaster) Unregister(c *Client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	c.close()
}

// ClientCount returns the number of live subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Broadcast delivers an event to every client. Delivery is per-client
// isolated: a full (stalled) client is dropped without affecting the
// others, and events stay ordered per client.
func (b *Broadcaster) Broadcast(ev Event) {
	b.mu.Lock()
	var dropped []*Client
	for c := range b.clients {
		select {
		case c.ch <- ev:
		default:
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		delete(b.clients, c)
	}
	b.mu.Unlock()

	for _, c := range dropped {
		c.close()
	}
}

// Log emits a log-line frame.
func (b *Broadcaster) Log(taskID, level, message string) {
	b.Broadcast(Event{Type: EventLog, TaskID: taskID, Level: level, Message: message})
}

// Status emits a status-change frame.
func (b *Broadcaster) Status(taskID string, status domain.TaskStatus) {
	b.Broadcast(Event{Type: EventStatus, TaskID: taskID, Status: string(status)})
}

// Error emits an error frame.
func (b *Broadcaster) Error(taskID, message string) {
	b.Broadcast(Event{Type: EventError, TaskID: taskID, Message: message})
}

// Change emits an entity-changed notification (task or repo) so
// observers can invalidate cached views.
func (b *Broadcaster) Change(entity, action, id string) {
	b.Broadcast(Event{Type: EventDataChange, Entity: entity, Action: action, ID: id})
}
