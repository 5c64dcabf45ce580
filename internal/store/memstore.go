package store

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// watchBuffer bounds the per-watcher event queue. Events beyond the buffer
// are dropped with a warning; watchers are expected to re-read state on
// reconnect rather than rely on an unbounded backlog.
const watchBuffer = 256

// MemStore is an in-process Store used by tests and single-node deployments.
// It honors the full boundary contract: atomic multi-path updates, subtree
// watches, session disconnect hooks, and clock-sourced timestamps.
type MemStore struct {
	mu       sync.RWMutex
	root     map[string]any
	watchers map[*watcher]struct{}
	clock    clockwork.Clock
	closed   bool
}

type watcher struct {
	prefix string

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// send delivers under the watcher's own lock so a concurrent close cannot
// race a send onto the closed channel.
func (w *watcher) send(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- ev:
	default:
		log.Warn().Str("prefix", w.prefix).Str("path", ev.Path).
			Msg("watcher buffer full, dropping event")
	}
}

func (w *watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.ch)
}

// NewMemStore creates an empty in-memory store driven by the given clock.
func NewMemStore(clock clockwork.Clock) *MemStore {
	return &MemStore{
		root:     make(map[string]any),
		watchers: make(map[*watcher]struct{}),
		clock:    clock,
	}
}

// Get returns a detached copy of the subtree at path.
func (m *MemStore) Get(ctx context.Context, path string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v := lookup(m.root, SplitPath(path))
	if v == nil {
		return nil, nil
	}
	// Detach from the live tree so callers cannot alias internal state.
	return Normalize(v, m.clock.Now())
}

// Update applies all writes under one lock, then notifies watchers.
func (m *MemStore) Update(ctx context.Context, writes Writes) error {
	now := m.clock.Now()

	// Normalize outside the lock; reject the whole batch on any bad value.
	normalized := make(map[string]any, len(writes))
	for path, v := range writes {
		if v == nil {
			normalized[path] = nil
			continue
		}
		nv, err := Normalize(v, now)
		if err != nil {
			return err
		}
		normalized[path] = nv
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	events := make([]Event, 0, len(normalized))
	for path, v := range normalized {
		segs := SplitPath(path)
		if v == nil {
			remove(m.root, segs)
		} else {
			insert(m.root, segs, v)
		}
		events = append(events, Event{Path: path, Value: v, At: now})
	}
	targets := make([]*watcher, 0, len(m.watchers))
	for w := range m.watchers {
		targets = append(targets, w)
	}
	m.mu.Unlock()

	for _, w := range targets {
		for _, ev := range events {
			if !Under(ev.Path, w.prefix) && !Under(w.prefix, ev.Path) {
				continue
			}
			w.send(ev)
		}
	}
	return nil
}

// Watch subscribes to events for path and everything beneath it.
func (m *MemStore) Watch(ctx context.Context, path string) (<-chan Event, func()) {
	w := &watcher{prefix: path, ch: make(chan Event, watchBuffer)}
	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.watchers, w)
		m.mu.Unlock()
		w.close()
	}
	return w.ch, cancel
}

// Session opens a session whose hooks fire on Drop but not on Close.
func (m *MemStore) Session(ctx context.Context) (Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return &memSession{store: m, hooks: make(map[*memHook]struct{})}, nil
}

// Now returns the store clock's current time.
func (m *MemStore) Now(ctx context.Context) time.Time {
	return m.clock.Now()
}

// Close shuts the store down; subsequent operations return ErrClosed.
func (m *MemStore) Close() {
	m.mu.Lock()
	m.closed = true
	targets := make([]*watcher, 0, len(m.watchers))
	for w := range m.watchers {
		targets = append(targets, w)
		delete(m.watchers, w)
	}
	m.mu.Unlock()
	for _, w := range targets {
		w.close()
	}
}

type memSession struct {
	store  *MemStore
	mu     sync.Mutex
	hooks  map[*memHook]struct{}
	closed bool
}

type memHook struct {
	session *memSession
	writes  Writes
}

func (s *memSession) OnDisconnect(writes Writes) (Hook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	h := &memHook{session: s, writes: writes}
	s.hooks[h] = struct{}{}
	return h, nil
}

// Close tears the session down cleanly without firing hooks.
func (s *memSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.hooks = make(map[*memHook]struct{})
	return nil
}

// Drop simulates a lost connection: every armed hook's writes are applied
// server-side, then the session becomes unusable.
func (s *memSession) Drop(ctx context.Context) error {
	s.mu.Lock()
	hooks := make([]*memHook, 0, len(s.hooks))
	for h := range s.hooks {
		hooks = append(hooks, h)
	}
	s.closed = true
	s.hooks = make(map[*memHook]struct{})
	s.mu.Unlock()

	for _, h := range hooks {
		if err := s.store.Update(ctx, h.writes); err != nil {
			return err
		}
	}
	return nil
}

func (h *memHook) Cancel() {
	h.session.mu.Lock()
	delete(h.session.hooks, h)
	h.session.mu.Unlock()
}

// lookup walks the tree; returns nil when any segment is missing.
func lookup(node map[string]any, segs []string) any {
	cur := any(node)
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// insert writes v at the given segments, materializing intermediate maps and
// replacing any non-map value on the way down.
func insert(node map[string]any, segs []string, v any) {
	for i, seg := range segs {
		if i == len(segs)-1 {
			node[seg] = v
			return
		}
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}
}

// remove deletes the subtree at segs and prunes emptied parents.
func remove(node map[string]any, segs []string) {
	if len(segs) == 1 {
		delete(node, segs[0])
		return
	}
	child, ok := node[segs[0]].(map[string]any)
	if !ok {
		return
	}
	remove(child, segs[1:])
	if len(child) == 0 {
		delete(node, segs[0])
	}
}
