package relay

import (
	"context"

	"chat-relay/internal/storage"

	"go.uber.org/zap"
)

// MessageWriter is the slice of the storage layer the gateway needs
type MessageWriter interface {
	SaveMessage(ctx context.Context, m *storage.Message) error
}

// Broadcaster is the slice of the hub the gateway needs
type Broadcaster interface {
	Broadcast(room string, e Event)
}

// Gateway funnels every new message through the persist-then-broadcast
// ordering: a message reaches live listeners only after it is durable. That
// ordering is what lets clients merge history and buffered live messages by
// plain concatenation.
type Gateway struct {
	logger *zap.SugaredLogger
	store  MessageWriter
	hub    Broadcaster
}

// NewGateway returns a Gateway writing to store and fanning out via hub
func NewGateway(logger *zap.SugaredLogger, store MessageWriter, hub Broadcaster) *Gateway {
	return &Gateway{
		logger: logger,
		store:  store,
		hub:    hub,
	}
}

// Post persists m (the store assigns id and timestamp) and, only on success,
// broadcasts the stored message to its room. On failure nothing is broadcast
// and the error is returned for logging; senders get no delivery receipt
// either way.
func (g *Gateway) Post(ctx context.Context, m *storage.Message) error {
	if err := g.store.SaveMessage(ctx, m); err != nil {
		g.logger.Errorf("message from (%s) to room (%s) failed to save: %v", m.Sender, m.Receiver, err)
		return err
	}

	g.hub.Broadcast(m.Receiver, Event{Event: EventChatMessage, Data: *m})

	return nil
}
