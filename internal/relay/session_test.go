package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chat-relay/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func startRelay(t *testing.T, admit AdmitFunc) (*httptest.Server, *fakeWriter) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	sugar := logger.Sugar()

	hub := NewHub(sugar)
	writer := &fakeWriter{}
	gw := NewGateway(sugar, writer, hub)
	rly := NewRelay(sugar, hub, gw, admit)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rly.ServeConn(conn)
	}))
	t.Cleanup(srv.Close)

	return srv, writer
}

func dialRelay(t *testing.T, srv *httptest.Server) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func join(t *testing.T, conn *websocket.Conn, username, room string) {
	require.NoError(t, conn.WriteJSON(Event{
		Event: EventMessage,
		Data:  map[string]string{"username": username, "roomId": room},
	}))
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func requireSilence(t *testing.T, conn *websocket.Conn) {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var f wireFrame
	require.Error(t, conn.ReadJSON(&f))
}

func TestJoinAckPrecedesRoster(t *testing.T) {
	t.Parallel()

	srv, _ := startRelay(t, nil)
	conn := dialRelay(t, srv)

	join(t, conn, "alice", "lobby")

	f := readFrame(t, conn)
	require.Equal(t, EventMessage, f.Event)
	var ack JoinAck
	require.NoError(t, json.Unmarshal(f.Data, &ack))
	require.Equal(t, StatusOK, ack.Status)
	require.Equal(t, "lobby", ack.RoomID)

	f = readFrame(t, conn)
	require.Equal(t, EventRoomParticipants, f.Event)
	var roster []string
	require.NoError(t, json.Unmarshal(f.Data, &roster))
	require.Equal(t, []string{"alice"}, roster)
}

func TestJoinRejectedLeavesConnectionUnjoined(t *testing.T) {
	t.Parallel()

	srv, writer := startRelay(t, func(room string) bool { return room != "forbidden" })
	conn := dialRelay(t, srv)

	join(t, conn, "alice", "forbidden")

	f := readFrame(t, conn)
	require.Equal(t, EventMessage, f.Event)
	var ack JoinAck
	require.NoError(t, json.Unmarshal(f.Data, &ack))
	require.Equal(t, StatusRejected, ack.Status)

	// still unjoined: posting goes nowhere
	require.NoError(t, conn.WriteJSON(Event{
		Event: EventPostMessage,
		Data:  map[string]string{"message": "hi"},
	}))
	requireSilence(t, conn)
	require.Zero(t, writer.count())
}

func TestPostMessagePersistsThenEchoes(t *testing.T) {
	t.Parallel()

	srv, writer := startRelay(t, nil)
	conn := dialRelay(t, srv)

	join(t, conn, "alice", "lobby")
	readFrame(t, conn) // ack
	readFrame(t, conn) // roster

	require.NoError(t, conn.WriteJSON(Event{
		Event: EventPostMessage,
		Data:  map[string]string{"message": "hi there"},
	}))

	f := readFrame(t, conn)
	require.Equal(t, EventChatMessage, f.Event)
	var m storage.Message
	require.NoError(t, json.Unmarshal(f.Data, &m))
	require.Equal(t, "alice", m.Sender)
	require.Equal(t, "lobby", m.Receiver)
	require.Equal(t, storage.TypeText, m.MessageType)
	require.Equal(t, "hi there", m.Message)
	require.NotEqual(t, uuid.Nil, m.ID)
	require.Equal(t, 1, writer.count())
}

func TestPostBeforeJoinIsDropped(t *testing.T) {
	t.Parallel()

	srv, writer := startRelay(t, nil)
	conn := dialRelay(t, srv)

	require.NoError(t, conn.WriteJSON(Event{
		Event: EventPostMessage,
		Data:  map[string]string{"message": "hi"},
	}))

	requireSilence(t, conn)
	require.Zero(t, writer.count())
}

func TestSwitchRoomUpdatesBothRooms(t *testing.T) {
	t.Parallel()

	srv, _ := startRelay(t, nil)
	alice := dialRelay(t, srv)
	bob := dialRelay(t, srv)

	join(t, alice, "alice", "roomA")
	readFrame(t, alice) // ack
	readFrame(t, alice) // roster [alice]

	join(t, bob, "bob", "roomA")
	readFrame(t, bob)   // ack
	readFrame(t, bob)   // roster [alice bob]
	readFrame(t, alice) // roster [alice bob]

	join(t, bob, "bob", "roomB")

	f := readFrame(t, bob)
	require.Equal(t, EventMessage, f.Event)
	f = readFrame(t, bob)
	require.Equal(t, EventRoomParticipants, f.Event)
	var roster []string
	require.NoError(t, json.Unmarshal(f.Data, &roster))
	require.Equal(t, []string{"bob"}, roster)

	f = readFrame(t, alice)
	require.Equal(t, EventRoomParticipants, f.Event)
	require.NoError(t, json.Unmarshal(f.Data, &roster))
	require.Equal(t, []string{"alice"}, roster)
}

func TestDisconnectBroadcastsRoster(t *testing.T) {
	t.Parallel()

	srv, _ := startRelay(t, nil)
	alice := dialRelay(t, srv)
	bob := dialRelay(t, srv)

	join(t, alice, "alice", "lobby")
	readFrame(t, alice) // ack
	readFrame(t, alice) // roster [alice]

	join(t, bob, "bob", "lobby")
	readFrame(t, bob)   // ack
	readFrame(t, bob)   // roster
	readFrame(t, alice) // roster [alice bob]

	require.NoError(t, bob.Close())

	f := readFrame(t, alice)
	require.Equal(t, EventRoomParticipants, f.Event)
	var roster []string
	require.NoError(t, json.Unmarshal(f.Data, &roster))
	require.Equal(t, []string{"alice"}, roster)
}
