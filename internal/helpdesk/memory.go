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

package helpdesk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/assistdesk/ingestion/internal/models"
)

// NewMemory returns in-process stores. Uniqueness rules match the Postgres
// schema so tests exercise the same races.
func NewMemory() *Stores {
	return &Stores{
		Contacts:      NewMemoryContacts(),
		Conversations: NewMemoryConversations(),
		Messages:      NewMemoryMessages(),
	}
}

// MemoryContacts is an in-process ContactStore.
type MemoryContacts struct {
	mu       sync.Mutex
	byID     map[string]*models.Contact
	byEmail  map[string]string // org|email -> id
	bySource map[string]string // org|sourceKey -> id
}

func NewMemoryContacts() *MemoryContacts {
	return &MemoryContacts{
		byID:     make(map[string]*models.Contact),
		byEmail:  make(map[string]string),
		bySource: make(map[string]string),
	}
}

func (s *MemoryContacts) ResolveByEmail(_ context.Context, orgID, email, name string, source models.Channel) (*models.Contact, bool, error) {
	email = models.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orgID + "|" + email
	if id, ok := s.byEmail[key]; ok {
		c := s.byID[id]
		if c.FillBlank(name, email, "") {
			c.UpdatedAt = time.Now().UTC()
		}
		cp := *c
		return &cp, false, nil
	}

	c := s.insert(orgID, name, email, source, "")
	s.byEmail[key] = c.ID
	cp := *c
	return &cp, true, nil
}

func (s *MemoryContacts) ResolveBySource(_ context.Context, orgID, sourceKey, name string, source models.Channel) (*models.Contact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orgID + "|" + sourceKey
	if id, ok := s.bySource[key]; ok {
		c := s.byID[id]
		if c.FillBlank(name, "", "") {
			c.UpdatedAt = time.Now().UTC()
		}
		cp := *c
		return &cp, false, nil
	}

	c := s.insert(orgID, name, "", source, sourceKey)
	s.bySource[key] = c.ID
	cp := *c
	return &cp, true, nil
}

func (s *MemoryContacts) insert(orgID, name, email string, source models.Channel, sourceKey string) *models.Contact {
	now := time.Now().UTC()
	c := &models.Contact{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Name:      name,
		Email:     email,
		Source:    source,
		SourceKey: sourceKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.byID[c.ID] = c
	return c
}

func (s *MemoryContacts) Get(_ context.Context, orgID, id string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok || c.OrgID != orgID {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryContacts) List(_ context.Context, orgID string) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Contact
	for _, c := range s.byID {
		if c.OrgID == orgID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemoryConversations is an in-process ConversationStore.
type MemoryConversations struct {
	mu       sync.Mutex
	byID     map[string]*models.Conversation
	byThread map[string]string // org|channel|thread -> id
}

func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{
		byID:     make(map[string]*models.Conversation),
		byThread: make(map[string]string),
	}
}

func (s *MemoryConversations) Resolve(_ context.Context, key models.ConversationKey, at time.Time, preview string) (*models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.lookup(key); existing != nil {
		existing.ApplyMessage(at, preview)
		cp := copyConversation(existing)
		return &cp, false, nil
	}

	conv := models.NewConversation(uuid.NewString(), key, time.Now().UTC())
	conv.ApplyMessage(at, preview)
	s.byID[conv.ID] = conv
	if key.ThreadID != "" {
		s.byThread[threadKey(key)] = conv.ID
	}
	cp := copyConversation(conv)
	return &cp, true, nil
}

// lookup finds the conversation for key. Without a thread id the newest
// non-closed conversation with the same contact is used.
func (s *MemoryConversations) lookup(key models.ConversationKey) *models.Conversation {
	if key.ThreadID != "" {
		if id, ok := s.byThread[threadKey(key)]; ok {
			return s.byID[id]
		}
		return nil
	}

	var found *models.Conversation
	for _, c := range s.byID {
		if c.OrgID != key.OrgID || c.Channel != key.Channel || c.ContactID != key.ContactID ||
			c.IntegrationID != key.IntegrationID || c.ThreadID != "" || c.Status == models.StatusClosed {
			continue
		}
		if found == nil || c.CreatedAt.After(found.CreatedAt) {
			found = c
		}
	}
	return found
}

func (s *MemoryConversations) Get(_ context.Context, orgID, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok || c.OrgID != orgID {
		return nil, nil
	}
	cp := copyConversation(c)
	return &cp, nil
}

func (s *MemoryConversations) Close(_ context.Context, orgID, id, reason, closedBy string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok || c.OrgID != orgID {
		return nil, ErrNotFound
	}
	c.Close(reason, closedBy, time.Now().UTC())
	cp := copyConversation(c)
	return &cp, nil
}

func (s *MemoryConversations) List(_ context.Context, orgID string) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, c := range s.byID {
		if c.OrgID == orgID {
			out = append(out, copyConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func threadKey(key models.ConversationKey) string {
	return key.OrgID + "|" + string(key.Channel) + "|" + key.ThreadID
}

func copyConversation(c *models.Conversation) models.Conversation {
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	cp.Metadata = make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}

// MemoryMessages is an in-process MessageStore.
type MemoryMessages struct {
	mu         sync.Mutex
	items      []*models.Message
	byExternal map[string]*models.Message // org|externalId
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{byExternal: make(map[string]*models.Message)}
}

func (s *MemoryMessages) Create(_ context.Context, msg *models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ext := msg.Provider.ExternalMessageID
	if ext != "" {
		if _, exists := s.byExternal[msg.OrgID+"|"+ext]; exists {
			return false, nil
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	cp := *msg
	cp.Attachments = append([]models.Attachment(nil), msg.Attachments...)
	s.items = append(s.items, &cp)
	if ext != "" {
		s.byExternal[msg.OrgID+"|"+ext] = &cp
	}
	return true, nil
}

func (s *MemoryMessages) FindByExternalID(_ context.Context, orgID, externalID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byExternal[orgID+"|"+externalID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryMessages) ListByConversation(_ context.Context, orgID, conversationID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.items {
		if m.OrgID == orgID && m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *MemoryMessages) List(_ context.Context, orgID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.items {
		if m.OrgID == orgID {
			out = append(out, *m)
		}
	}
	return out, nil
}
