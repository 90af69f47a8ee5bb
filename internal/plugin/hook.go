package plugin

import "sync"

// HookID identifies a connected handler.
type HookID uint64

type hookEntry[T any] struct {
	id   HookID
	fn   func(T)
	once bool
}

// Hook is a per-object event. Handlers run in connection order on the
// goroutine that calls Emit, outside the hook's lock, so a handler may
// connect or disconnect other handlers.
//
// The zero value is ready to use.
type Hook[T any] struct {
	mu      sync.Mutex
	entries []hookEntry[T]
	nextID  HookID
}

// Connect adds a handler that runs on every Emit.
func (h *Hook[T]) Connect(fn func(T)) HookID {
	return h.add(fn, false)
}

// ConnectOnce adds a handler that runs on the next Emit only.
func (h *Hook[T]) ConnectOnce(fn func(T)) HookID {
	return h.add(fn, true)
}

func (h *Hook[T]) add(fn func(T), once bool) HookID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.entries = append(h.entries, hookEntry[T]{id: h.nextID, fn: fn, once: once})
	return h.nextID
}

// Disconnect removes a handler. Unknown ids are ignored.
func (h *Hook[T]) Disconnect(id HookID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.entries {
		if e.id == id {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return
		}
	}
}

// Emit calls every connected handler with v. One-shot handlers are removed
// before any handler runs, so each of them fires at most once even if a
// handler emits again.
func (h *Hook[T]) Emit(v T) {
	h.mu.Lock()
	fns := make([]func(T), 0, len(h.entries))
	kept := h.entries[:0]
	for _, e := range h.entries {
		fns = append(fns, e.fn)
		if !e.once {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(h.entries); i++ {
		h.entries[i] = hookEntry[T]{}
	}
	h.entries = kept
	h.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of connected handlers.
func (h *Hook[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
