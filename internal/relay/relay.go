package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-squadchat/internal/types"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "go-squadchat:broadcast"

// Envelope carries a serialized room event between server instances.
type Envelope struct {
	Origin  string          `json:"origin"`
	RoomRef types.RoomRef   `json:"room_ref"`
	Exclude []string        `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Relay fans room events out to other instances of the server.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe blocks delivering envelopes published by other instances
	// until ctx is done.
	Subscribe(ctx context.Context, handler func(Envelope)) error
	Close() error
}

type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	held    holdings
	log     *log.Logger
}

func NewRedisRelay(url, channel string, logger *log.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if channel == "" {
		channel = DefaultChannel
	}

	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		log:     logger,
	}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	env.Origin = r.origin
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	return r.client.Publish(ctx, r.channel, b).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context, handler func(Envelope)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %q: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handlePayload(msg.Payload, handler)
		}
	}
}

func (r *RedisRelay) handlePayload(payload string, handler func(Envelope)) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Println("relay: invalid envelope:", err)
		return
	}

	if env.Origin == r.origin {
		return
	}

	handler(env)
}

// Close withdraws this instance's presence and closes the client.
func (r *RedisRelay) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.release(ctx); err != nil {
		r.log.Println("relay:", err)
	}

	return r.client.Close()
}
