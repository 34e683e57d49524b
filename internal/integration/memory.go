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

package integration

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/assistdesk/ingestion/internal/models"
)

// MemoryStore is an in-process Store used by tests and single-node setups.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*models.Integration
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*models.Integration)}
}

func (s *MemoryStore) FindActiveByMailbox(_ context.Context, mailbox string) (*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox = models.NormalizeEmail(mailbox)
	var found *models.Integration
	for _, in := range s.items {
		if in.Channel != models.ChannelGmail || models.NormalizeEmail(in.ChannelEmail) != mailbox || !in.Receiving() {
			continue
		}
		if found == nil || in.UpdatedAt.After(found.UpdatedAt) {
			found = in
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	cp := *in
	return &cp, nil
}

func (s *MemoryStore) ListReceiving(_ context.Context, channel models.Channel) ([]models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Integration
	for _, in := range s.items {
		if in.Channel == channel && in.Receiving() {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrgID != out[j].OrgID {
			return out[i].OrgID < out[j].OrgID
		}
		return out[i].ChannelEmail < out[j].ChannelEmail
	})
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, in models.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	in.ChannelEmail = models.NormalizeEmail(in.ChannelEmail)
	if existing, ok := s.items[in.ID]; ok {
		in.CreatedAt = existing.CreatedAt
		in.LastSyncedAt = existing.LastSyncedAt
	} else if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	s.items[in.ID] = &in
	return nil
}

func (s *MemoryStore) SaveCredentials(_ context.Context, id string, creds models.Credentials) error {
	return s.update(id, func(in *models.Integration) { in.Credentials = creds })
}

func (s *MemoryStore) AdvanceCursor(_ context.Context, id, historyID string) error {
	if _, err := strconv.ParseUint(historyID, 10, 64); err != nil {
		return fmt.Errorf("advance cursor: invalid history id %q", historyID)
	}
	return s.update(id, func(in *models.Integration) {
		if cursorNewer(in.HistoryID, historyID) {
			in.HistoryID = historyID
		}
		now := time.Now().UTC()
		in.LastSyncedAt = &now
	})
}

func (s *MemoryStore) ResetCursor(_ context.Context, id, historyID string) error {
	if _, err := strconv.ParseUint(historyID, 10, 64); err != nil {
		return fmt.Errorf("reset cursor: invalid history id %q", historyID)
	}
	return s.update(id, func(in *models.Integration) {
		in.HistoryID = historyID
		now := time.Now().UTC()
		in.LastSyncedAt = &now
	})
}

func (s *MemoryStore) MarkStatus(_ context.Context, id string, status models.IntegrationStatus, lastErr string) error {
	return s.update(id, func(in *models.Integration) {
		in.Status = status
		in.LastError = lastErr
	})
}

func (s *MemoryStore) UpdateWatch(_ context.Context, id string, expiration time.Time) error {
	return s.update(id, func(in *models.Integration) { in.WatchExpiration = &expiration })
}

func (s *MemoryStore) update(id string, fn func(*models.Integration)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.items[id]
	if !ok {
		return fmt.Errorf("integration %s not found", id)
	}
	fn(in)
	in.UpdatedAt = time.Now().UTC()
	return nil
}
