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
	"log/slog"
	"sync"
)

// Bus is the process-wide publish/subscribe port consumed by SSE streams.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(buffer int) *Subscription
}

// Subscription receives events until Close is called.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	bus    *MemoryBus
	closed sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.closed.Do(func() {
		s.bus.remove(s)
	})
}

// MemoryBus delivers events to in-process subscribers. A subscriber whose
// buffer is full misses the event rather than blocking the publisher.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers ev to every current subscriber.
func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			slog.Debug("event dropped for slow subscriber", "type", ev.Type)
		}
	}
	return nil
}

// Subscribe registers a new subscriber with the given buffer size.
func (b *MemoryBus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Len returns the number of subscribers.
func (b *MemoryBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}
