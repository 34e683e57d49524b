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

// Package dedup provides the idempotency ledger: a record of provider
// messages already turned into helpdesk messages, keyed by
// (externalMessageId, mailbox). Entries expire after a retention window;
// the ledger is a dedup cache, not an audit log.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/assistdesk/ingestion/internal/models"
)

const (
	// DefaultTTL is how long a processed message is remembered.
	DefaultTTL = 7 * 24 * time.Hour

	// keyPrefix namespaces ledger keys in Redis.
	keyPrefix = "assist:processed:"
)

// Ledger records processed provider messages.
type Ledger interface {
	IsProcessed(ctx context.Context, externalID, mailbox string) (bool, error)
	// MarkProcessed records the entry. A concurrent insert of the same key is
	// not an error: the entry already exists, which is the desired outcome.
	MarkProcessed(ctx context.Context, entry models.ProcessedMessage) error
}

// Key builds the ledger key for a message in a mailbox.
func Key(externalID, mailbox string) string {
	return keyPrefix + models.NormalizeEmail(mailbox) + ":" + externalID
}

// redisKV is the part of the Redis client the ledger uses.
type redisKV interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisLedger is a Ledger backed by Redis keys with TTL.
type RedisLedger struct {
	rdb redisKV
	ttl time.Duration
}

// NewRedisLedger creates a ledger backed by Redis. A zero ttl uses DefaultTTL.
func NewRedisLedger(rdb *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLedger{rdb: rdb, ttl: ttl}
}

// IsProcessed reports whether the message has a live ledger entry.
func (l *RedisLedger) IsProcessed(ctx context.Context, externalID, mailbox string) (bool, error) {
	n, err := l.rdb.Exists(ctx, Key(externalID, mailbox)).Result()
	if err != nil {
		return false, fmt.Errorf("ledger EXISTS: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed inserts the entry with SET NX so that the key acts as a
// uniqueness constraint. Losing the race is treated as success.
func (l *RedisLedger) MarkProcessed(ctx context.Context, entry models.ProcessedMessage) error {
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}
	entry.Mailbox = models.NormalizeEmail(entry.Mailbox)

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	set, err := l.rdb.SetNX(ctx, Key(entry.ExternalID, entry.Mailbox), value, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("ledger SETNX: %w", err)
	}
	if !set {
		slog.Info("ledger entry already present",
			"mailbox", entry.Mailbox,
			"message_id", entry.ExternalID,
		)
	}
	return nil
}

// Get returns the stored entry, or nil if none is live.
func (l *RedisLedger) Get(ctx context.Context, externalID, mailbox string) (*models.ProcessedMessage, error) {
	raw, err := l.rdb.Get(ctx, Key(externalID, mailbox)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger GET: %w", err)
	}
	var entry models.ProcessedMessage
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode ledger entry: %w", err)
	}
	return &entry, nil
}

// MemoryLedger is an in-process Ledger with the same TTL and race
// semantics as RedisLedger. Used with STORAGE_BACKEND=memory.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]models.ProcessedMessage
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryLedger creates an in-memory ledger. A zero ttl uses DefaultTTL.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLedger{
		entries: make(map[string]models.ProcessedMessage),
		ttl:     ttl,
		now:     time.Now,
	}
}

// IsProcessed reports whether the message has a live entry.
func (l *MemoryLedger) IsProcessed(_ context.Context, externalID, mailbox string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.live(Key(externalID, mailbox))
	return ok, nil
}

// MarkProcessed inserts the entry unless a live one exists.
func (l *MemoryLedger) MarkProcessed(_ context.Context, entry models.ProcessedMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = l.now().UTC()
	}
	entry.Mailbox = models.NormalizeEmail(entry.Mailbox)

	key := Key(entry.ExternalID, entry.Mailbox)
	if _, ok := l.live(key); ok {
		return nil
	}
	l.entries[key] = entry
	return nil
}

// Entries returns a snapshot of live entries.
func (l *MemoryLedger) Entries() []models.ProcessedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.ProcessedMessage, 0, len(l.entries))
	for key := range l.entries {
		if e, ok := l.live(key); ok {
			out = append(out, e)
		}
	}
	return out
}

// live returns the entry for key if it has not expired. Expired entries
// are dropped. Callers hold l.mu.
func (l *MemoryLedger) live(key string) (models.ProcessedMessage, bool) {
	e, ok := l.entries[key]
	if !ok {
		return e, false
	}
	if l.now().Sub(e.ProcessedAt) >= l.ttl {
		delete(l.entries, key)
		return e, false
	}
	return e, true
}

