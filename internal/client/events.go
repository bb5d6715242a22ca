package client

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/hpkv"
)

type handlerEntry struct {
	id      hpkv.ListenerID
	handler hpkv.EventHandler
}

// emitter is an observer list per event kind. Emission iterates a snapshot so
// handlers may register or remove handlers while being called.
type emitter struct {
	logger zerolog.Logger

	mu       sync.Mutex
	nextID   hpkv.ListenerID
	handlers map[hpkv.EventKind][]handlerEntry
	kinds    map[hpkv.ListenerID]hpkv.EventKind
}

func newEmitter(logger zerolog.Logger) *emitter {
	return &emitter{
		logger:   logger,
		handlers: make(map[hpkv.EventKind][]handlerEntry),
		kinds:    make(map[hpkv.ListenerID]hpkv.EventKind),
	}
}

func (e *emitter) on(kind hpkv.EventKind, handler hpkv.EventHandler) hpkv.ListenerID {
	if handler == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	e.handlers[kind] = append(e.handlers[kind], handlerEntry{id: e.nextID, handler: handler})
	e.kinds[e.nextID] = kind
	return e.nextID
}

func (e *emitter) off(id hpkv.ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	kind, ok := e.kinds[id]
	if !ok {
		return false
	}
	delete(e.kinds, id)
	entries := e.handlers[kind]
	for i, h := range entries {
		if h.id == id {
			e.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	return true
}

func (e *emitter) count(kind hpkv.EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[kind])
}

func (e *emitter) emit(ev hpkv.Event) {
	e.mu.Lock()
	entries := append([]handlerEntry(nil), e.handlers[ev.Kind]...)
	e.mu.Unlock()

	for _, h := range entries {
		e.call(h, ev)
	}
}

func (e *emitter) call(h handlerEntry, ev hpkv.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("event", ev.Kind.String()).Msg("event handler panicked")
		}
	}()
	h.handler(ev)
}
