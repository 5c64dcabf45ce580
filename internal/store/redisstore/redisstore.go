// Package redisstore implements the shared store boundary on Redis: values
// are flattened to one key per leaf path, multi-path writes go through a single
// MULTI/EXEC pipeline, change notifications ride pub/sub, and disconnect
// hooks are emulated with per-session TTL keys swept by a reaper.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/store"
)

const (
	keyPrefix     = "sp:data:"
	sessionPrefix = "sp:session:"
	hooksPrefix   = "sp:hooks:"
	eventChannel  = "sp:events"
	sessionTTL    = 30 * time.Second
	refreshEvery  = 10 * time.Second
	reapEvery     = 15 * time.Second
	watchBuffer   = 256
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Store is a Redis-backed shared store.
type Store struct {
	client *redis.Client

	mu      sync.Mutex
	cancels []func()
	done    chan struct{}
}

type event struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
	At    time.Time       `json:"at"`
}

// New connects to Redis and starts the disconnect-hook reaper.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := &Store{client: client, done: make(chan struct{})}
	go s.reapLoop(ctx)
	return s, nil
}

// Get assembles the subtree at path from the flattened key space.
func (s *Store) Get(ctx context.Context, path string) (any, error) {
	exact, err := s.client.Get(ctx, keyPrefix+path).Result()
	if err == nil {
		var v any
		if uerr := json.Unmarshal([]byte(exact), &v); uerr != nil {
			return nil, fmt.Errorf("decode %s: %w", path, uerr)
		}
		return v, nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	root := make(map[string]any)
	iter := s.client.Scan(ctx, 0, keyPrefix+path+"/*", 512).Iterator()
	found := false
	for iter.Next(ctx) {
		key := iter.Val()
		raw, gerr := s.client.Get(ctx, key).Result()
		if gerr != nil {
			continue
		}
		var v any
		if uerr := json.Unmarshal([]byte(raw), &v); uerr != nil {
			continue
		}
		rel := strings.TrimPrefix(key, keyPrefix+path+"/")
		insert(root, store.SplitPath(rel), v)
		found = true
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	if !found {
		return nil, nil
	}
	return root, nil
}

// Update applies all writes in one MULTI/EXEC pipeline, then publishes one
// change event per path. Map values are flattened to one key per leaf so
// that later writes to individual children stay visible to Get; a parent
// blob would go stale the moment any child key is written on its own.
// Deletes cover the whole subtree under the path.
func (s *Store) Update(ctx context.Context, writes store.Writes) error {
	now := s.Now(ctx)

	type op struct {
		path    string
		event   []byte // nil means delete
		leaves  map[string][]byte
		victims []string
	}
	ops := make([]op, 0, len(writes))
	for path, v := range writes {
		// Any write replaces whatever flattened keys lived under the path.
		victims, err := s.subtreeKeys(ctx, path)
		if err != nil {
			return err
		}
		if v == nil {
			ops = append(ops, op{path: path, victims: victims})
			continue
		}
		nv, err := store.Normalize(v, now)
		if err != nil {
			return err
		}
		eventPayload, err := json.Marshal(nv)
		if err != nil {
			return err
		}
		leaves := make(map[string][]byte)
		if err := flatten(path, nv, leaves); err != nil {
			return err
		}
		ops = append(ops, op{path: path, event: eventPayload, leaves: leaves, victims: victims})
	}

	pipe := s.client.TxPipeline()
	for _, o := range ops {
		pipe.Del(ctx, keyPrefix+o.path)
		if len(o.victims) > 0 {
			pipe.Del(ctx, o.victims...)
		}
		for leaf, payload := range o.leaves {
			pipe.Set(ctx, keyPrefix+leaf, payload, 0)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis exec: %w", err)
	}

	for _, o := range ops {
		ev := event{Path: o.path, Value: o.event, At: now}
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := s.client.Publish(ctx, eventChannel, payload).Err(); err != nil {
			log.Warn().Err(err).Str("path", o.path).Msg("event publish failed")
		}
	}
	return nil
}

// flatten splits a normalized value into one payload per leaf path. Empty
// maps produce no keys: the subtree does not exist until a child is written,
// which matches Get returning nil for missing paths.
func flatten(path string, v any, out map[string][]byte) error {
	if m, ok := v.(map[string]any); ok {
		for k, child := range m {
			if err := flatten(path+"/"+k, child, out); err != nil {
				return err
			}
		}
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	out[path] = payload
	return nil
}

// Watch subscribes to the shared event channel and filters by prefix.
func (s *Store) Watch(ctx context.Context, path string) (<-chan store.Event, func()) {
	out := make(chan store.Event, watchBuffer)
	sub := s.client.Subscribe(ctx, eventChannel)

	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if !store.Under(ev.Path, path) && !store.Under(path, ev.Path) {
					continue
				}
				var v any
				if ev.Value != nil {
					if err := json.Unmarshal(ev.Value, &v); err != nil {
						continue
					}
				}
				select {
				case out <- store.Event{Path: ev.Path, Value: v, At: ev.At}:
				default:
					log.Warn().Str("path", ev.Path).Msg("watch buffer full, dropping event")
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
	return out, cancel
}

// Session opens a TTL-backed session; its hooks fire when the session key
// expires without a clean Close.
func (s *Store) Session(ctx context.Context) (store.Session, error) {
	id := uuid.NewString()
	if err := s.client.Set(ctx, sessionPrefix+id, "1", sessionTTL).Err(); err != nil {
		return nil, fmt.Errorf("redis session: %w", err)
	}
	sess := &session{store: s, id: id, stop: make(chan struct{})}
	go sess.refresh(ctx)
	return sess, nil
}

// Now returns Redis server time, a monotonic clock source shared by all
// clients.
func (s *Store) Now(ctx context.Context) time.Time {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Now()
	}
	return t
}

// Close releases the client and all active subscriptions.
func (s *Store) Close() error {
	close(s.done)
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return s.client.Close()
}

func (s *Store) subtreeKeys(ctx context.Context, path string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, keyPrefix+path+"/*", 512).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// reapLoop applies the armed hooks of sessions whose TTL key has expired.
func (s *Store) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce(ctx)
		}
	}
}

func (s *Store) reapOnce(ctx context.Context) {
	iter := s.client.Scan(ctx, 0, hooksPrefix+"*", 128).Iterator()
	for iter.Next(ctx) {
		hooksKey := iter.Val()
		sessionID := strings.TrimPrefix(hooksKey, hooksPrefix)
		alive, err := s.client.Exists(ctx, sessionPrefix+sessionID).Result()
		if err != nil || alive > 0 {
			continue
		}
		entries, err := s.client.HGetAll(ctx, hooksKey).Result()
		if err != nil {
			continue
		}
		for _, raw := range entries {
			var writes map[string]json.RawMessage
			if err := json.Unmarshal([]byte(raw), &writes); err != nil {
				continue
			}
			batch := make(store.Writes, len(writes))
			for path, rv := range writes {
				if string(rv) == "null" {
					batch[path] = nil
					continue
				}
				var v any
				if err := json.Unmarshal(rv, &v); err != nil {
					continue
				}
				batch[path] = v
			}
			if err := s.Update(ctx, batch); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("disconnect hook apply failed")
			}
		}
		s.client.Del(ctx, hooksKey)
		log.Info().Str("session_id", sessionID).Msg("applied disconnect hooks for expired session")
	}
}

type session struct {
	store *Store
	id    string
	stop  chan struct{}
	once  sync.Once
}

func (s *session) OnDisconnect(writes store.Writes) (store.Hook, error) {
	ctx := context.Background()
	now := s.store.Now(ctx)
	normalized := make(map[string]any, len(writes))
	for path, v := range writes {
		nv, err := store.Normalize(v, now)
		if err != nil {
			return nil, err
		}
		normalized[path] = nv
	}
	payload, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	hookID := uuid.NewString()
	if err := s.store.client.HSet(ctx, hooksPrefix+s.id, hookID, payload).Err(); err != nil {
		return nil, fmt.Errorf("redis hook: %w", err)
	}
	return &hook{session: s, id: hookID}, nil
}

func (s *session) Close() error {
	s.once.Do(func() { close(s.stop) })
	ctx := context.Background()
	pipe := s.store.client.TxPipeline()
	pipe.Del(ctx, sessionPrefix+s.id)
	pipe.Del(ctx, hooksPrefix+s.id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *session) refresh(ctx context.Context) {
	ticker := time.NewTicker(refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.client.Expire(ctx, sessionPrefix+s.id, sessionTTL).Err(); err != nil {
				log.Warn().Err(err).Str("session_id", s.id).Msg("session refresh failed")
			}
		}
	}
}

type hook struct {
	session *session
	id      string
}

func (h *hook) Cancel() {
	ctx := context.Background()
	h.session.store.client.HDel(ctx, hooksPrefix+h.session.id, h.id)
}

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
