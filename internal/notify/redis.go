// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel carrying events.
const DefaultChannel = "assist:events"

// RedisBus publishes events over Redis pub/sub so SSE streams on every
// replica see them. Received events are re-published to a local MemoryBus.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	local   *MemoryBus
}

// NewRedisBus creates a RedisBus on channel (DefaultChannel when empty).
func NewRedisBus(rdb *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{rdb: rdb, channel: channel, local: NewMemoryBus()}
}

// Publish sends ev to Redis. Local subscribers receive it through Run.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, body).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH: %w", err)
	}
	return nil
}

// Subscribe registers a local subscriber.
func (b *RedisBus) Subscribe(buffer int) *Subscription {
	return b.local.Subscribe(buffer)
}

// Run relays Redis messages to local subscribers until ctx is cancelled.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis SUBSCRIBE %s: %w", b.channel, err)
	}
	slog.Info("event bus subscribed", "channel", b.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("discarding malformed event", "error", err)
				continue
			}
			_ = b.local.Publish(ctx, ev)
		}
	}
}

// Ping checks the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return b.rdb.Ping(ctx).Err()
}
