package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "transit:"

// PubSubClient is the subset of go-redis used by RedisBus.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisBus publishes through Redis pub/sub so subscribers attached to any
// process receive the event. Incoming messages are relayed into a local
// MemoryBus, which owns the subscriptions.
type RedisBus struct {
	client PubSubClient
	local  *MemoryBus
	logger *slog.Logger
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

func NewRedisBus(ctx context.Context, client PubSubClient, buffer int, logger *slog.Logger) *RedisBus {
	b := &RedisBus{client: client, local: NewMemoryBus(buffer), logger: logger}
	b.pubsub = client.PSubscribe(ctx, channelPrefix+"*")
	b.wg.Add(1)
	go b.relay()
	return b
}

func (b *RedisBus) Publish(ctx context.Context, topic, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: encode %s: %w", eventType, err)
	}
	ev := Event{Topic: topic, Type: eventType, Payload: raw, PublishedAt: time.Now()}
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channelPrefix+topic, msg).Err(); err != nil {
		// keep local subscribers fed even if Redis is unreachable
		b.logger.Warn("redis publish failed, delivering locally", "topic", topic, "error", err)
		return b.local.deliver(ev)
	}
	return nil
}

func (b *RedisBus) Subscribe(topics ...string) (*Subscription, error) {
	return b.local.Subscribe(topics...)
}

func (b *RedisBus) relay() {
	defer b.wg.Done()
	for msg := range b.pubsub.Channel() {
		ev, err := decodeMessage(msg.Channel, msg.Payload)
		if err != nil {
			b.logger.Warn("dropping malformed bus message", "channel", msg.Channel, "error", err)
			continue
		}
		_ = b.local.deliver(ev)
	}
}

func decodeMessage(channel, payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, err
	}
	if topic := strings.TrimPrefix(channel, channelPrefix); ev.Topic == "" {
		ev.Topic = topic
	}
	return ev, nil
}

func (b *RedisBus) Close() error {
	err := b.pubsub.Close()
	b.wg.Wait()
	_ = b.local.Close()
	return err
}
