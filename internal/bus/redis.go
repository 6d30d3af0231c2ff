package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "tracematrix:"

// envelope is the wire form of an event on a Redis channel.
type envelope struct {
	Sender string `json:"sender"`
	Event
}

// RedisBus shares events between processes over Redis pub/sub.
//
// Local subscribers receive events synchronously, exactly as with LocalBus;
// the event is also published to Redis, and events arriving from other
// processes are delivered locally. Messages sent by this instance are not
// delivered twice.
type RedisBus struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	local    *LocalBus
	instance string
	logger   *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRedisBus connects to the Redis server at redisURL.
func NewRedisBus(ctx context.Context, redisURL string, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBusWithClient(ctx, client, logger)
}

// NewRedisBusWithClient creates a bus from an existing Redis client. The
// subscription is confirmed before it returns, so nothing published after
// it returns is missed.
func NewRedisBusWithClient(ctx context.Context, client *redis.Client, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pubsub := client.Subscribe(ctx, channel(TopicRelationChange), channel(TopicCardSelection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	b := &RedisBus{
		client:   client,
		pubsub:   pubsub,
		local:    NewLocalBus(logger),
		instance: uuid.NewString(),
		logger:   logger,
	}

	b.wg.Add(1)
	go b.receive()
	return b, nil
}

func channel(topic Topic) string {
	return channelPrefix + string(topic)
}

func (b *RedisBus) receive() {
	defer b.wg.Done()

	for msg := range b.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Warn("dropping malformed bus message",
				slog.String("channel", msg.Channel),
				slog.String("error", err.Error()))
			continue
		}
		if env.Sender == b.instance {
			continue
		}
		b.local.deliver(env.Event)
	}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, topic Topic, payload any) error {
	ev, err := NewEvent(topic, payload)
	if err != nil {
		return err
	}

	b.local.deliver(ev)

	data, err := json.Marshal(envelope{Sender: b.instance, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel(topic), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(topic Topic, handler Handler) func() {
	return b.local.Subscribe(topic, handler)
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.pubsub.Close()
		b.wg.Wait()
		_ = b.local.Close()
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
