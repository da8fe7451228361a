package calling

import "sync"

// listeners is an observer list with one replaceable convenience slot
type listeners[T any] struct {
	mu     sync.RWMutex
	fns    map[int]func(T)
	nextID int
	slot   int
}

func newListeners[T any]() *listeners[T] {
	return &listeners[T]{fns: make(map[int]func(T)), slot: -1}
}

// set replaces the slot callback; nil clears it
func (l *listeners[T]) set(fn func(T)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.slot >= 0 {
		delete(l.fns, l.slot)
		l.slot = -1
	}
	if fn == nil {
		return
	}
	l.slot = l.nextID
	l.fns[l.nextID] = fn
	l.nextID++
}

// add registers fn alongside any others and returns its remover
func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}
