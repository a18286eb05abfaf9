package relay

import (
	"context"

	"chat-relay/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// Relay owns everything a live connection needs: the hub for presence, the
// gateway for posting and the admission check gating joins
type Relay struct {
	logger  *zap.SugaredLogger
	hub     *Hub
	gateway *Gateway
	admit   AdmitFunc
}

// NewRelay returns a Relay. A nil admit accepts every room.
func NewRelay(logger *zap.SugaredLogger, hub *Hub, gateway *Gateway, admit AdmitFunc) *Relay {
	if admit == nil {
		admit = AcceptAllRooms
	}
	return &Relay{
		logger:  logger,
		hub:     hub,
		gateway: gateway,
		admit:   admit,
	}
}

// Admit exposes the admission check for collaborators outside the live
// channel (the upload endpoint consults it too)
func (r *Relay) Admit(roomID string) bool {
	return r.admit(roomID)
}

// ServeConn drives one connection from registration to disconnect. It blocks
// in the read loop, so one client's frames are handled strictly in order:
// a join is fully admitted before the next frame of the same client is read.
func (r *Relay) ServeConn(conn *websocket.Conn) {
	s := &session{
		id:     xid.New().String(),
		relay:  r,
		target: newWSTarget(conn),
	}

	r.logger.Infof("connection %s established", s.id)

	r.hub.Register(s.id, s.target)
	defer func() {
		r.hub.Remove(s.id)
		s.target.close()
		conn.Close()
		r.logger.Infof("connection %s closed", s.id)
	}()

	var p fastjson.Parser
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warnf("connection %s read: %v", s.id, err)
			}
			return
		}

		v, err := p.ParseBytes(data)
		if err != nil {
			r.logger.Warnf("connection %s sent malformed frame: %v", s.id, err)
			continue
		}

		switch string(v.GetStringBytes("event")) {
		case EventMessage:
			s.handleJoin(v.Get("data"))
		case EventPostMessage:
			s.handlePost(v.Get("data"))
		default:
			r.logger.Warnf("connection %s sent unknown event %q", s.id, v.GetStringBytes("event"))
		}
	}
}

// session is the per-connection state of the join/switch protocol. All
// methods run on the connection's read goroutine.
type session struct {
	id     string
	relay  *Relay
	target *wsTarget
}

// handleJoin processes a generic message frame. It is a join/switch request
// only when both username and roomId are present; anything else is noise.
func (s *session) handleJoin(data *fastjson.Value) {
	if data == nil {
		return
	}
	username := string(data.GetStringBytes("username"))
	room := string(data.GetStringBytes("roomId"))
	if username == "" || room == "" {
		s.relay.logger.Warnf("connection %s sent generic message without join fields", s.id)
		return
	}

	if !s.relay.admit(room) {
		s.relay.logger.Infof("connection %s rejected for room (%s)", s.id, room)
		s.ack(JoinAck{Status: StatusRejected, RoomID: room})
		return
	}

	// the hub acknowledges accepted joins itself, after the membership
	// mutation and before the roster broadcasts
	s.relay.hub.Admit(s.id, username, room)

	s.relay.logger.Infof("connection %s joined room (%s) as (%s)", s.id, room, username)
}

// handlePost accepts a text message from a joined connection. The room is
// taken from hub state, never from the frame, so a client cannot post into a
// room it has not joined.
func (s *session) handlePost(data *fastjson.Value) {
	if data == nil {
		return
	}
	room, username, ok := s.relay.hub.Room(s.id)
	if !ok {
		s.relay.logger.Warnf("connection %s posted before joining", s.id)
		return
	}

	text := string(data.GetStringBytes("message"))
	m := &storage.Message{
		Sender:      username,
		Receiver:    room,
		MessageType: storage.TypeText,
		Message:     text,
	}

	// fire-and-forget: a persistence failure is logged by the gateway and
	// the sender receives nothing either way
	_ = s.relay.gateway.Post(context.Background(), m)
}

func (s *session) ack(a JoinAck) {
	if err := s.target.Deliver(Event{Event: EventMessage, Data: a}); err != nil {
		s.relay.logger.Warnf("connection %s ack: %v", s.id, err)
	}
}
