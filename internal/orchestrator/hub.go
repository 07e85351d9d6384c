package orchestrator

import (
	"context"
	"sync"

	"github.com/example/navi/internal/models"
)

type subscriber chan models.Event

// Hub fans task frames out to watchers other than the caller that started the
// task. Delivery is best-effort: a watcher that falls behind misses frames.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[subscriber]struct{} // taskID -> set of subscribers
}

func NewHub() *Hub { return &Hub{subs: map[string]map[subscriber]struct{}{}} }

// Subscribe registers a watcher for taskID. The channel is closed after the
// task's terminal frame, or by the returned unsubscribe func.
func (h *Hub) Subscribe(taskID string) (<-chan models.Event, func()) {
	ch := make(subscriber, 64)
	h.mu.Lock()
	set := h.subs[taskID]
	if set == nil {
		set = map[subscriber]struct{}{}
		h.subs[taskID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[taskID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, taskID)
			}
		}
	}
	return ch, unsubscribe
}

func (h *Hub) Publish(ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Finish closes every watcher of taskID.
func (h *Hub) Finish(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[taskID] {
		close(ch)
	}
	delete(h.subs, taskID)
}

// emitter is the single producer of one task's frames. It numbers frames,
// allows at most one terminal frame and stops emitting once ctx is done.
type emitter struct {
	taskID string
	ctx    context.Context
	out    chan models.Event
	hub    *Hub
	seq    int
	closed bool
}

func (e *emitter) emit(ev models.Event) bool {
	if e.closed || e.ctx.Err() != nil {
		return false
	}
	e.seq++
	ev.TaskID = e.taskID
	ev.Seq = e.seq
	if ev.Type.Terminal() {
		e.closed = true
	}
	e.hub.Publish(ev)
	select {
	case e.out <- ev:
		return true
	case <-e.ctx.Done():
		e.closed = true
		return false
	}
}

func (e *emitter) close() {
	e.closed = true
	close(e.out)
	e.hub.Finish(e.taskID)
}

func statusEvent(phase models.Status) models.Event {
	return models.Event{Type: models.EventStatus, Phase: phase}
}

func textEvent(text string) models.Event {
	return models.Event{Type: models.EventText, Text: text}
}

func completeEvent(summary string, success bool) models.Event {
	return models.Event{Type: models.EventComplete, Summary: summary, Success: &success}
}

func errorEvent(msg string) models.Event {
	return models.Event{Type: models.EventError, Message: msg}
}
