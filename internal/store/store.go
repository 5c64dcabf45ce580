// Package store defines the shared hierarchical key-value store boundary the
// synchronization core is built on: atomic multi-path writes, subtree change
// notifications delivered at-least-once, per-session on-disconnect writes, and
// server-assigned timestamps. Implementations: MemStore (in-process) and
// redisstore.Store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Writes is a set of path -> value pairs applied atomically in one call.
// A nil value deletes the subtree at that path. Values are normalized to
// plain JSON types (maps, slices, strings, numbers, bools) on write.
type Writes map[string]any

// ServerTimestamp is a sentinel value; the store replaces it with its own
// clock at write time. Only valid as a direct path value, not nested inside
// a struct.
var ServerTimestamp = serverTimestamp{}

type serverTimestamp struct{}

// Event is a change notification for a watched subtree. Delivery is
// at-least-once and unordered across different paths; consumers must not
// rely on arrival order for correctness.
type Event struct {
	// Path is the exact path that was written or deleted.
	Path string
	// Value is the new value at Path, nil for a delete.
	Value any
	// At is the server-assigned time of the write.
	At time.Time
}

// Hook is an armed on-disconnect write registration.
type Hook interface {
	// Cancel disarms the hook so it will not fire on disconnect.
	Cancel()
}

// Session represents one client connection to the store. Hooks registered on
// a session fire if the connection drops without an explicit Close.
type Session interface {
	// OnDisconnect arms writes to be applied if this session's connection is
	// lost without explicit teardown.
	OnDisconnect(writes Writes) (Hook, error)
	// Close tears the session down cleanly; armed hooks do not fire.
	Close() error
}

// Store is the shared store consumed by the room synchronization core.
type Store interface {
	// Get returns the subtree at path as plain JSON types, or nil when the
	// path does not exist.
	Get(ctx context.Context, path string) (any, error)
	// Update applies all writes atomically: either every path is written or
	// none is.
	Update(ctx context.Context, writes Writes) error
	// Watch subscribes to change events for path and everything under it.
	// The returned cancel func releases the subscription and closes the
	// channel.
	Watch(ctx context.Context, path string) (<-chan Event, func())
	// Session opens a connection-scoped session for disconnect hooks.
	Session(ctx context.Context) (Session, error)
	// Now returns the store's server-assigned current time, usable as a
	// monotonic clock source across clients.
	Now(ctx context.Context) time.Time
}

// ErrClosed is returned by operations on a store that has been shut down.
var ErrClosed = errors.New("store: closed")

// Decode converts a value returned by Get into a typed struct via a JSON
// round trip.
func Decode(v, into any) error {
	if v == nil {
		return errors.New("store: decode nil value")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, into)
}

// Normalize converts an arbitrary value into plain JSON types, resolving the
// ServerTimestamp sentinel against now.
func Normalize(v any, now time.Time) (any, error) {
	if _, ok := v.(serverTimestamp); ok {
		return now.Format(time.RFC3339Nano), nil
	}
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SplitPath breaks a slash-separated path into its segments.
func SplitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// Under reports whether path equals prefix or lies beneath it.
func Under(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
