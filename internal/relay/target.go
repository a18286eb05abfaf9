package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 32
	writeTimeout   = 5 * time.Second
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errTargetClosed   = errors.New("connection closed")
)

// wsTarget adapts one gorilla connection to the Target interface. Writes are
// serialized through a buffered channel drained by a single pump goroutine,
// so concurrent broadcasts never interleave frames and a dead peer costs at
// most a full buffer, never a stalled hub.
type wsTarget struct {
	conn *websocket.Conn
	send chan Event
	done chan struct{}
	once sync.Once
}

func newWSTarget(conn *websocket.Conn) *wsTarget {
	t := &wsTarget{
		conn: conn,
		send: make(chan Event, sendBufferSize),
		done: make(chan struct{}),
	}
	go t.writePump()
	return t
}

// Deliver queues an event for the write pump. It never blocks: a full buffer
// or a closed connection is the target's own failure.
func (t *wsTarget) Deliver(e Event) error {
	select {
	case <-t.done:
		return errTargetClosed
	default:
	}

	select {
	case t.send <- e:
		return nil
	default:
		return errSendBufferFull
	}
}

func (t *wsTarget) close() {
	t.once.Do(func() { close(t.done) })
}

func (t *wsTarget) writePump() {
	for {
		select {
		case e := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := t.conn.WriteJSON(e); err != nil {
				t.close()
				return
			}
		case <-t.done:
			return
		}
	}
}
