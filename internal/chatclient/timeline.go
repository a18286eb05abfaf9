package chatclient

import (
	"sync"

	"chat-relay/internal/storage"
)

// MessageFunc renders one message into the client's view
type MessageFunc func(m storage.Message)

// ReloadFunc clears the client's rendered view
type ReloadFunc func()

// Timeline resolves the race between the two asynchronous message sources of
// a room visit: the live stream and the bulk history fetch. Live messages
// arriving while the fetch is in flight are buffered in arrival order; once
// the fetch resolves, the rendered sequence is history followed by the
// buffer, with nothing re-sorted, dropped or delivered twice.
//
// Each Reset starts a new visit and returns its generation; a history
// response only applies when it carries the current generation, so a fetch
// outlived by a later visit (a room switch, or a re-join of the same room)
// is discarded instead of clobbering the newer view.
//
// Callbacks run with the internal lock held and must not call back into the
// Timeline.
type Timeline struct {
	mu            sync.Mutex
	generation    uint64
	historyLoaded bool
	pending       []storage.Message
	onMessage     MessageFunc
	onReload      ReloadFunc
}

// NewTimeline returns a Timeline rendering through the provided callbacks
func NewTimeline(onMessage MessageFunc, onReload ReloadFunc) *Timeline {
	return &Timeline{
		onMessage: onMessage,
		onReload:  onReload,
	}
}

// Rebind swaps the render callbacks for the next room visit. The timeline
// object itself must survive room switches: a history fetch started for an
// earlier visit still holds it, and only the generation check inside
// HistoryLoaded keeps that stale response away from the new visit's view.
func (t *Timeline) Rebind(onMessage MessageFunc, onReload ReloadFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onMessage = onMessage
	t.onReload = onReload
}

// Reset starts a room visit and returns its generation, to be handed back
// through HistoryLoaded. It fires the reload callback synchronously and
// discards any buffered state, so it must be called on the join
// acknowledgment before the history fetch is issued: from that point every
// live message is either buffered or rendered, never lost to a view rebuild.
func (t *Timeline) Reset() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.generation++
	t.historyLoaded = false
	t.pending = nil
	t.onReload()

	return t.generation
}

// LiveMessage feeds one message from the live stream. While the visit's
// history is still loading the message is buffered; afterwards it renders
// immediately.
func (t *Timeline) LiveMessage(m storage.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.historyLoaded {
		t.pending = append(t.pending, m)
		return
	}
	t.onMessage(m)
}

// HistoryLoaded feeds the result of the history fetch issued by the Reset
// that returned generation. A response from a superseded visit is discarded:
// its snapshot predates the newer visit's reload, and applying it would
// resurrect a view the client already cleared. On acceptance the reconciled
// sequence (history first, buffered live messages second) renders in order
// and the buffer is cleared.
func (t *Timeline) HistoryLoaded(generation uint64, history []storage.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if generation != t.generation || t.historyLoaded {
		return
	}

	t.historyLoaded = true
	reconciled := make([]storage.Message, 0, len(history)+len(t.pending))
	reconciled = append(reconciled, history...)
	reconciled = append(reconciled, t.pending...)
	t.pending = nil

	for _, m := range reconciled {
		t.onMessage(m)
	}
}
