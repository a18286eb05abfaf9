package chatclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"
	"time"

	"chat-relay/internal/relay"
	"chat-relay/internal/storage"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RosterFunc receives a freshly rebuilt participant list
type RosterFunc func(usernames []string)

var errNotConnected = errors.New("client is not connected")

// Client is the chat client library: one persistent live channel, one
// reconciliation Timeline per room visit and at most one history fetch in
// flight per join. JoinRoom and SendMessage may be called from any goroutine.
type Client struct {
	logger     *zap.SugaredLogger
	apiURL     string
	httpClient *http.Client

	mu       sync.Mutex
	conn     *websocket.Conn
	username string
	timeline *Timeline
	onRoster RosterFunc
}

// Dial connects the live channel of the relay at serverURL
// (e.g. "http://localhost:9000") and starts the event loop
func Dial(logger *zap.SugaredLogger, serverURL string) (*Client, error) {
	base := strings.TrimRight(serverURL, "/")
	wsURL := strings.Replace(strings.Replace(base, "https://", "wss://", 1), "http://", "ws://", 1) + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	c := &Client{
		logger:     logger,
		apiURL:     base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		conn:       conn,
	}

	go c.readLoop(conn)

	return c, nil
}

// Close tears down the live channel. Any pending room visit state is
// discarded with it.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.timeline = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// JoinRoom requests to join (or switch to) roomID. onReload fires when the
// rendered view must be cleared, onMessage for every rendered message in
// order, onRoster for every participant list update. The view callbacks are
// rebound on every join; a previous room's late history response is
// discarded.
func (c *Client) JoinRoom(username, roomID string, onMessage MessageFunc, onReload ReloadFunc, onRoster RosterFunc) error {
	c.mu.Lock()
	c.username = username
	if c.timeline == nil {
		c.timeline = NewTimeline(onMessage, onReload)
	} else {
		c.timeline.Rebind(onMessage, onReload)
	}
	c.onRoster = onRoster
	c.mu.Unlock()

	return c.send(relay.Event{
		Event: relay.EventMessage,
		Data:  map[string]string{"username": username, "roomId": roomID},
	})
}

// SendMessage posts a text message to the currently joined room. Delivery is
// fire-and-forget: the message comes back on the live channel once durable.
func (c *Client) SendMessage(text string) error {
	return c.send(relay.Event{
		Event: relay.EventPostMessage,
		Data:  map[string]string{"message": text},
	})
}

func (c *Client) send(e relay.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errNotConnected
	}
	return c.conn.WriteJSON(e)
}

// inboundEvent defers payload decoding until the event name is known
type inboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// readLoop serializes every live-channel event: message and roster handling
// happen strictly in arrival order on this one goroutine, only the history
// fetch runs beside it
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Infof("live channel closed: %v", err)
			return
		}

		var e inboundEvent
		if err := json.Unmarshal(data, &e); err != nil {
			c.logger.Warnf("malformed frame from server: %v", err)
			continue
		}

		switch e.Event {
		case relay.EventMessage:
			c.handleJoinAck(e.Data)
		case relay.EventChatMessage:
			c.handleChatMessage(e.Data)
		case relay.EventRoomParticipants:
			c.handleRoster(e.Data)
		default:
			c.logger.Warnf("unknown event %q from server", e.Event)
		}
	}
}

// handleJoinAck completes a join: on acceptance the view is reset first
// (reload before fetch, so no live message can slip past the rebuild) and
// only then the history fetch for the acknowledged room is issued
func (c *Client) handleJoinAck(data json.RawMessage) {
	var ack relay.JoinAck
	if err := json.Unmarshal(data, &ack); err != nil {
		c.logger.Warnf("malformed join ack: %v", err)
		return
	}

	if ack.Status != relay.StatusOK {
		c.logger.Warnf("join rejected for room (%s): %s", ack.RoomID, ack.Status)
		return
	}

	c.mu.Lock()
	timeline := c.timeline
	c.mu.Unlock()
	if timeline == nil {
		return
	}

	c.logger.Infof("joined room (%s)", ack.RoomID)

	generation := timeline.Reset()
	go c.fetchHistory(timeline, generation, ack.RoomID)
}

func (c *Client) handleChatMessage(data json.RawMessage) {
	var m storage.Message
	if err := json.Unmarshal(data, &m); err != nil {
		c.logger.Warnf("malformed chat message: %v", err)
		return
	}

	c.mu.Lock()
	timeline := c.timeline
	c.mu.Unlock()
	if timeline == nil {
		return
	}

	timeline.LiveMessage(m)
}

func (c *Client) handleRoster(data json.RawMessage) {
	var usernames []string
	if err := json.Unmarshal(data, &usernames); err != nil {
		c.logger.Warnf("malformed roster: %v", err)
		return
	}

	c.mu.Lock()
	onRoster := c.onRoster
	c.mu.Unlock()
	if onRoster == nil {
		return
	}

	onRoster(usernames)
}

// fetchHistory loads the room's durable history and hands it to the
// timeline. The visit's generation travels with the response so a fetch
// outlived by a later join cannot touch the newer view. On failure the
// timeline's buffer is left intact; the next join discards it.
func (c *Client) fetchHistory(timeline *Timeline, generation uint64, roomID string) {
	payload, _ := json.Marshal(map[string]string{"roomId": roomID})

	resp, err := c.httpClient.Post(c.apiURL+"/load_message", "application/json", bytes.NewReader(payload))
	if err != nil {
		c.logger.Errorf("loading history for room (%s): %v", roomID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		c.logger.Errorf("loading history for room (%s): status %d: %s", roomID, resp.StatusCode, body)
		return
	}

	var history []storage.Message
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		c.logger.Errorf("decoding history for room (%s): %v", roomID, err)
		return
	}

	timeline.HistoryLoaded(generation, history)
}
