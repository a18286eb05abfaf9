package relay

// Wire event names shared by server and client. A frame is a small JSON
// envelope: {"event": "...", "data": ...}.
const (
	// EventMessage is the generic message event. Client to server it carries
	// a join/switch request {username, roomId}; server to client it carries
	// the join acknowledgment {status, roomId}.
	EventMessage = "message"
	// EventPostMessage carries a text message body from a joined client.
	EventPostMessage = "postMessage"
	// EventChatMessage delivers a persisted message to room occupants.
	EventChatMessage = "chatMessage"
	// EventRoomParticipants delivers a freshly rebuilt roster.
	EventRoomParticipants = "roomParticipants"
)

// Join request statuses.
const (
	StatusOK       = "OK"
	StatusRejected = "REJECTED"
)

// Event is the envelope for every frame on the live channel
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// JoinAck answers a join/switch request
type JoinAck struct {
	Status string `json:"status"`
	RoomID string `json:"roomId"`
}
