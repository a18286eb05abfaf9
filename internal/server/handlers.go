package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"chat-relay/internal/relay"
	"chat-relay/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// TODO limit reading from body

// MessageStore is the slice of the storage layer the HTTP surface reads from
type MessageStore interface {
	MessagesByRoom(ctx context.Context, room string) ([]storage.Message, error)
	MessageByID(ctx context.Context, id uuid.UUID) (storage.Message, error)
}

// MessagePoster persists a message and, on success, broadcasts it to its room
type MessagePoster interface {
	Post(ctx context.Context, m *storage.Message) error
}

type parsers struct {
	messagesByRoomPool fastjson.ParserPool
}

type handler struct {
	logger    *zap.SugaredLogger
	store     MessageStore
	poster    MessagePoster
	admit     relay.AdmitFunc
	relay     *relay.Relay
	uploadDir string
	upgrader  websocket.Upgrader
	parsers   parsers
}

// messagesByRoom handles HTTP requests on "/load_message" endpoint.
// It returns every recorded message for a room in ascending timestamp order,
// restricted to listing fields (no attachment path or MIME type).
func (h *handler) messagesByRoom(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.messagesByRoomPool.Get()
	defer h.parsers.messagesByRoomPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	if !v.Exists("roomId") {
		http.Error(w, "Missing Field \"roomId\"", http.StatusBadRequest)
		return
	}

	roomValue := v.Get("roomId")
	if roomValue.Type() != fastjson.TypeString {
		http.Error(w, "Field \"roomId\" must be a string", http.StatusBadRequest)
		return
	}

	room := strings.Trim(string(roomValue.MarshalTo(nil)), `"`)
	if len(room) == 0 {
		http.Error(w, "Field \"roomId\" must have non-zero length", http.StatusBadRequest)
		return
	}

	messages, err := h.store.MessagesByRoom(r.Context(), room)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(payload)
	if err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

// upload handles HTTP requests on "/upload" endpoint. File and image messages
// arrive here as multipart forms; the attachment is written to the upload
// directory first, then the receiver passes the admission check. A rejected
// receiver gets the file deleted before the response is written and nothing
// is persisted.
func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		w.Header().Set("Allow", "POST")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	sender := strings.TrimSpace(r.FormValue("sender"))
	if len(sender) == 0 {
		http.Error(w, "Missing Field \"sender\"", http.StatusBadRequest)
		return
	}

	receiver := strings.TrimSpace(r.FormValue("receiver"))
	if len(receiver) == 0 {
		http.Error(w, "Missing Field \"receiver\"", http.StatusBadRequest)
		return
	}

	messageType := strings.TrimSpace(r.FormValue("messageType"))
	if messageType != storage.TypeImage && messageType != storage.TypeFile {
		http.Error(w, "Field \"messageType\" must be \"image\" or \"file\"", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("attachment")
	if err != nil {
		http.Error(w, "Missing attachment file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	path := filepath.Join(h.uploadDir, uuid.New().String())
	dst, err := os.Create(path)
	if err != nil {
		h.logger.Errorf("creating upload file: %v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	_, err = io.Copy(dst, file)
	dst.Close()
	if err != nil {
		h.logger.Errorf("storing upload: %v", err)
		h.removeUpload(path)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if !h.admit(receiver) {
		h.logger.Infof("upload rejected for room (%s)", receiver)
		h.removeUpload(path)
		http.Error(w, "Room rejected by admission check", http.StatusBadRequest)
		return
	}

	m := &storage.Message{
		Sender:           sender,
		Receiver:         receiver,
		MessageType:      messageType,
		OriginalFilename: header.Filename,
		FilePath:         path,
		FileMimeType:     header.Header.Get("Content-Type"),
	}

	if err := h.poster.Post(r.Context(), m); err != nil {
		h.removeUpload(path)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	payload := []byte(`{"status":"OK","id":"` + m.ID.String() + `"}`)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, err = w.Write(payload)
	if err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}

	h.logger.Infof("<%s> was uploaded to room (%s)", header.Filename, receiver)
}

// download handles HTTP requests on "/file/{id}" endpoint.
// image messages stream inline with their recorded MIME type, file messages
// are served as a named download; unknown ids and non-attachment message
// types fall through to not-found.
func (h *handler) download(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.Header().Set("Allow", "GET")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	id, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/file/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	m, err := h.store.MessageByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotExist) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	switch m.MessageType {
	case storage.TypeImage:
		h.serveAttachment(w, r, m, "")
	case storage.TypeFile:
		h.serveAttachment(w, r, m, m.OriginalFilename)
	default:
		http.NotFound(w, r)
	}
}

// serveAttachment streams a stored attachment. A non-empty downloadName turns
// the response into a named download instead of inline content.
func (h *handler) serveAttachment(w http.ResponseWriter, r *http.Request, m storage.Message, downloadName string) {
	f, err := os.Open(m.FilePath)
	if err != nil {
		h.logger.Errorf("opening attachment of message %s: %v", m.ID, err)
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	contentType := m.FileMimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if downloadName != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+downloadName+`"`)
	}

	if _, err := io.Copy(w, f); err != nil {
		h.logger.Errorf("streaming attachment of message %s: %v", m.ID, err)
	}
}

// liveChannel handles HTTP requests on "/ws" endpoint: it upgrades the
// connection and hands it to the relay, blocking until disconnect
func (h *handler) liveChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("websocket upgrade: %v", err)
		return
	}

	h.relay.ServeConn(conn)
}

func (h *handler) removeUpload(path string) {
	if err := os.Remove(path); err != nil {
		h.logger.Errorf("deleting upload %s: %v", path, err)
	} else {
		h.logger.Infof("successfully deleted %s", path)
	}
}
