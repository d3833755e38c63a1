// Package hub tracks room membership and fans refresh signals out to members.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/comments/internal/domain"
	"github.com/xiaot623/gogo/comments/internal/metrics"
)

// DefaultRoom is the room every comment session joins.
const DefaultRoom = "chat_room"

// ErrStopped is returned by Publish once the hub loop has exited.
var ErrStopped = errors.New("hub stopped")

// DefaultEventBuffer is the per-member signal buffer.
const DefaultEventBuffer = 1

// Event tells room members that the comment listing changed. It carries no
// rendered payload; each member re-renders with its own view.
type Event struct {
	Room string
	// Origin is the session id of the writer, empty for out-of-band refreshes.
	Origin string
	// Query is the writer's view when the event was published.
	Query domain.ListQuery
}

// Member is one registered session.
type Member struct {
	ID     string
	Room   string
	Events chan Event
}

// Hub manages room membership.
type Hub struct {
	// Members indexed by member ID
	members map[string]*Member

	// Rooms maps room name to set of member IDs
	rooms map[string]map[string]bool

	register   chan *Member
	unregister chan *Member
	publish    chan Event
	done       chan struct{}

	bufferSize int
	mu         sync.RWMutex
}

// NewHub creates a new Hub. bufferSize below 1 selects DefaultEventBuffer.
func NewHub(bufferSize int) *Hub {
	if bufferSize < 1 {
		bufferSize = DefaultEventBuffer
	}
	return &Hub{
		members:    make(map[string]*Member),
		rooms:      make(map[string]map[string]bool),
		register:   make(chan *Member),
		unregister: make(chan *Member),
		publish:    make(chan Event),
		done:       make(chan struct{}),
		bufferSize: bufferSize,
	}
}

// NewMember creates a member of room with a fresh ID. It is not registered yet.
func (h *Hub) NewMember(room string) *Member {
	if room == "" {
		room = DefaultRoom
	}
	return &Member{
		ID:     uuid.New().String(),
		Room:   room,
		Events: make(chan Event, h.bufferSize),
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case m := <-h.register:
			h.mu.Lock()
			h.members[m.ID] = m
			if h.rooms[m.Room] == nil {
				h.rooms[m.Room] = make(map[string]bool)
			}
			h.rooms[m.Room][m.ID] = true
			h.mu.Unlock()
			metrics.ActiveSessions.Inc()
			slog.Debug("member registered", "member", m.ID, "room", m.Room)

		case m := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.members[m.ID]; ok {
				delete(h.members, m.ID)
				if h.rooms[m.Room] != nil {
					delete(h.rooms[m.Room], m.ID)
					if len(h.rooms[m.Room]) == 0 {
						delete(h.rooms, m.Room)
					}
				}
				close(m.Events)
				metrics.ActiveSessions.Dec()
			}
			h.mu.Unlock()
			slog.Debug("member unregistered", "member", m.ID)

		case ev := <-h.publish:
			metrics.Broadcasts.Inc()
			h.mu.RLock()
			for id := range h.rooms[ev.Room] {
				m := h.members[id]
				select {
				case m.Events <- ev:
					metrics.FanoutDeliveries.WithLabelValues("delivered").Inc()
				default:
					// A refresh is already pending for this member.
					metrics.FanoutDeliveries.WithLabelValues("coalesced").Inc()
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a member to its room. It returns false if the hub has stopped.
func (h *Hub) Register(m *Member) bool {
	select {
	case h.register <- m:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a member and closes its Events channel. Unregistering a
// member twice is a no-op.
func (h *Hub) Unregister(m *Member) {
	select {
	case h.unregister <- m:
	case <-h.done:
	}
}

// Publish hands ev to the hub loop for every member of ev.Room. Members
// registered before Publish returns are included in the fan-out.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	if ev.Room == "" {
		ev.Room = DefaultRoom
	}
	select {
	case h.publish <- ev:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetConnectionCount returns the number of registered members.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// GetRoomCount returns the number of rooms with at least one member.
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// RoomSize returns the number of members in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
