package storage

import (
	"time"

	"github.com/google/uuid"
)

// Message types accepted by the store. Anything else violates a check
// constraint on the messages table.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeFile  = "file"
)

// Message is a single chat message addressed to a room (Receiver).
// FilePath and FileMimeType never leave the server: they are excluded both
// from JSON and from the history listing query.
type Message struct {
	ID               uuid.UUID `json:"id"`
	Sender           string    `json:"sender"`
	Receiver         string    `json:"receiver"`
	MessageType      string    `json:"messageType"`
	Message          string    `json:"message,omitempty"`
	OriginalFilename string    `json:"originalFilename,omitempty"`
	FilePath         string    `json:"-"`
	FileMimeType     string    `json:"-"`
	Timestamp        time.Time `json:"timestamp"`
}
