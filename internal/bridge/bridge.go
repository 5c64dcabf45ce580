// Package bridge relays room broadcasts across horizontally-scaled gateway
// instances over NATS JetStream. An instance whose store watch is process
// local (MemStore) still sees events produced elsewhere: every applied
// broadcast is published to poker.rooms.<roomID>.events and consumed by the
// other instances, which feed it to their own WebSocket pools.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/gateway"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/store"
)

// Config holds JetStream connection and consumer settings.
type Config struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectPrefix string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default bridge settings. ConsumerName is left empty
// so New can derive a per-instance durable name.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "POKER_EVENTS",
		SubjectPrefix: "poker.rooms",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

type envelope struct {
	InstanceID string            `json:"instanceId"`
	RoomID     string            `json:"roomId"`
	Event      *gateway.RoomEvent `json:"event"`
}

// Bridge publishes local broadcasts and consumes remote ones.
type Bridge struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	consumer   jetstream.Consumer
	manager    *gateway.ConnectionManager
	st         store.Store
	cfg        Config
	instanceID string
}

// New connects to NATS and provisions the stream and this instance's
// consumer.
func New(ctx context.Context, manager *gateway.ConnectionManager, st store.Store, cfg Config) (*Bridge, error) {
	instanceID := uuid.NewString()
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "poker-gateway-" + instanceID[:8]
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	b := &Bridge{
		nc:         nc,
		js:         js,
		manager:    manager,
		st:         st,
		cfg:        cfg,
		instanceID: instanceID,
	}
	if err := b.ensureConsumer(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bridge) ensureConsumer(ctx context.Context) error {
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     b.cfg.StreamName,
		Subjects: []string{b.cfg.SubjectPrefix + ".>"},
		MaxAge:   time.Hour,
	})
	if err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          b.cfg.ConsumerName,
		Durable:       b.cfg.ConsumerName,
		Description:   "Room gateway cross-instance consumer",
		FilterSubject: b.cfg.SubjectPrefix + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    b.cfg.MaxDeliver,
		AckWait:       b.cfg.AckWait,
		MaxAckPending: b.cfg.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer: %w", err)
	}
	b.consumer = consumer
	return nil
}

// Run publishes local broadcast writes and consumes remote ones until ctx
// is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	events, cancelWatch := b.st.Watch(ctx, "rooms")
	defer cancelWatch()

	msgCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := b.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case msgCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	log.Info().
		Str("stream", b.cfg.StreamName).
		Str("consumer", b.cfg.ConsumerName).
		Msg("bridge running")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("bridge shutting down")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.publishIfBroadcast(ctx, ev)
		case msg := <-msgCh:
			if err := b.deliver(msg); err != nil {
				log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to deliver bridged event")
				msg.Nak()
			} else {
				msg.Ack()
			}
		}
	}
}

// publishIfBroadcast relays writes to a room's broadcasts subtree.
func (b *Bridge) publishIfBroadcast(ctx context.Context, ev store.Event) {
	roomID, btype, ok := parseBroadcastPath(ev.Path)
	if !ok || ev.Value == nil {
		return
	}
	var rec room.BroadcastRecord
	if err := store.Decode(ev.Value, &rec); err != nil {
		return
	}
	wire := &gateway.RoomEvent{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		Type:          gateway.EventBroadcast,
		BroadcastType: string(btype),
		Version:       rec.Version,
		ActorID:       rec.ActorID,
		Phase:         rec.Phase,
		Timestamp:     rec.At,
	}
	payload, err := json.Marshal(envelope{InstanceID: b.instanceID, RoomID: roomID, Event: wire})
	if err != nil {
		return
	}
	subject := fmt.Sprintf("%s.%s.events", b.cfg.SubjectPrefix, roomID)
	if _, err := b.js.Publish(ctx, subject, payload); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("bridge publish failed")
	}
}

// deliver feeds a remote event into the local connection pools, skipping
// echoes of this instance's own publishes.
func (b *Bridge) deliver(msg jetstream.Msg) error {
	var env envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.InstanceID == b.instanceID || env.Event == nil {
		return nil
	}
	b.manager.BroadcastToRoom(env.RoomID, env.Event)
	return nil
}

// Stop closes the NATS connection.
func (b *Bridge) Stop() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// parseBroadcastPath matches rooms/{roomID}/broadcasts/{type}.
func parseBroadcastPath(path string) (roomID string, btype room.BroadcastType, ok bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 4 || parts[0] != "rooms" || parts[2] != "broadcasts" {
		return "", "", false
	}
	return parts[1], room.BroadcastType(parts[3]), true
}
