package composition

import "sync"

// EventKind identifies a composition event
type EventKind int

const (
	// EventPlay fires when playback starts
	EventPlay EventKind = iota
	// EventPause fires when playback stops
	EventPause
	// EventFrame fires after every seek with the new cursor
	EventFrame
)

func (k EventKind) String() string {
	switch k {
	case EventPlay:
		return "play"
	case EventPause:
		return "pause"
	case EventFrame:
		return "currentframe"
	default:
		return "unknown"
	}
}

// Event is delivered to handlers registered with On
type Event struct {
	Kind  EventKind
	Frame int64
}

// Handler receives events synchronously on the emitting goroutine
type Handler func(Event)

type handlerEntry struct {
	id uint64
	fn Handler
}

type registry struct {
	mu       sync.Mutex
	next     uint64
	handlers map[EventKind][]handlerEntry
}

func newRegistry() *registry {
	return &registry{handlers: make(map[EventKind][]handlerEntry)}
}

// Subscription removes its handler when closed
type Subscription struct {
	once sync.Once
	r    *registry
	kind EventKind
	id   uint64
}

// Close unregisters the handler. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.r.remove(s.kind, s.id) })
}

func (r *registry) add(kind EventKind, fn Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.handlers[kind] = append(r.handlers[kind], handlerEntry{id: r.next, fn: fn})
	return &Subscription{r: r, kind: kind, id: r.next}
}

func (r *registry) remove(kind EventKind, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[kind]
	for i, h := range list {
		if h.id == id {
			r.handlers[kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// emit calls handlers in registration order without holding the lock, so a
// handler may subscribe or unsubscribe
func (r *registry) emit(ev Event) {
	r.mu.Lock()
	list := append([]handlerEntry(nil), r.handlers[ev.Kind]...)
	r.mu.Unlock()
	for _, h := range list {
		h.fn(ev)
	}
}
