package relay

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Target delivers events to a single live connection. Deliver runs under
// the hub lock and must never block: a broken or slow peer fails its own
// delivery and nothing else.
type Target interface {
	Deliver(e Event) error
}

// AdmitFunc gates which room ids may be joined or uploaded to
type AdmitFunc func(roomID string) bool

// AcceptAllRooms is the default admission check
func AcceptAllRooms(string) bool { return true }

// member is one connection's row in the hub table. room is empty until the
// first accepted join; username is set by that join and never changes.
type member struct {
	username string
	room     string
	seq      uint64
	target   Target
}

// Hub is the single synchronization boundary around connection state: which
// connection belongs to which user and room. Rosters are always rebuilt from
// this table, never cached or diffed, and delivered under the same lock that
// guards the mutation, so every target observes membership changes in the
// order they were applied.
type Hub struct {
	logger *zap.SugaredLogger

	mu    sync.Mutex
	conns map[string]*member
	seq   uint64
}

// NewHub returns an empty Hub
func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		logger: logger,
		conns:  make(map[string]*member),
	}
}

// Register records a freshly connected, not yet joined connection
func (h *Hub) Register(id string, t Target) {
	h.mu.Lock()
	h.conns[id] = &member{target: t}
	h.mu.Unlock()
}

// Admit places a connection into a room and acknowledges the join on that
// connection's own wire. The first admit also fixes the connection's
// username. Re-admitting into the current room re-sends the acknowledgment
// but changes no membership and triggers no roster traffic, so a reconnect
// replaying its join is harmless. A switch leaves the old room and enters
// the new one atomically; each room whose membership changed gets exactly
// one fresh roster broadcast.
//
// Mutation, acknowledgment and rosters happen under a single lock hold, in
// that order: a client holding the ack is already a member, so any message
// broadcast afterwards reaches it live and any message broadcast before was
// durable before the client could issue its history fetch.
func (h *Hub) Admit(id, username, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.conns[id]
	if !ok {
		h.logger.Warnf("admit for unknown connection %s", id)
		return
	}

	ack := Event{Event: EventMessage, Data: JoinAck{Status: StatusOK, RoomID: room}}
	if m.room == room {
		h.deliverLocked([]recipient{{id: id, target: m.target}}, ack)
		return
	}

	old := m.room
	if m.username == "" {
		m.username = username
	}
	h.seq++
	m.seq = h.seq
	m.room = room

	h.deliverLocked([]recipient{{id: id, target: m.target}}, ack)

	if old != "" {
		u := h.rosterLocked(old)
		h.deliverLocked(u.recipients, Event{Event: EventRoomParticipants, Data: u.usernames})
	}
	u := h.rosterLocked(room)
	h.deliverLocked(u.recipients, Event{Event: EventRoomParticipants, Data: u.usernames})
}

// Remove drops a connection entirely (transport-level disconnect) and
// broadcasts the vacated room's roster
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.conns[id]
	if !ok {
		return
	}
	delete(h.conns, id)

	if m.room != "" {
		u := h.rosterLocked(m.room)
		h.deliverLocked(u.recipients, Event{Event: EventRoomParticipants, Data: u.usernames})
	}
}

// Room reports the current room of a connection. ok is false until the
// connection's first accepted join.
func (h *Hub) Room(id string) (room, username string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, found := h.conns[id]
	if !found || m.room == "" {
		return "", "", false
	}
	return m.room, m.username, true
}

// Broadcast delivers an event to every connection that is a member of the
// room at call time. Delivery happens under the lock, so it is ordered
// against membership changes; failures are isolated per target.
func (h *Hub) Broadcast(room string, e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	u := h.rosterLocked(room)
	h.deliverLocked(u.recipients, e)
}

// roster is a point-in-time snapshot of one room: usernames in admission
// order plus the delivery handles to push to
type roster struct {
	usernames  []string
	recipients []recipient
}

type recipient struct {
	id     string
	target Target
}

func (h *Hub) rosterLocked(room string) roster {
	var members []*member
	var r roster
	for id, m := range h.conns {
		if m.room != room {
			continue
		}
		members = append(members, m)
		r.recipients = append(r.recipients, recipient{id: id, target: m.target})
	}

	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })

	r.usernames = make([]string, len(members))
	for i, m := range members {
		r.usernames[i] = m.username
	}

	return r
}

func (h *Hub) deliverLocked(recipients []recipient, e Event) {
	for _, rc := range recipients {
		if err := rc.target.Deliver(e); err != nil {
			h.logger.Warnf("dropping %s event for connection %s: %v", e.Event, rc.id, err)
		}
	}
}
