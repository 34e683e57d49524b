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

// Package helpdesk stores contacts, conversations and messages. Every query
// is scoped by organisation id.
package helpdesk

import (
	"context"
	"errors"
	"time"

	"github.com/assistdesk/ingestion/internal/models"
)

// ErrNotFound is returned by mutating calls on a missing record.
var ErrNotFound = errors.New("helpdesk: record not found")

// ContactStore resolves and lists contacts.
type ContactStore interface {
	// ResolveByEmail finds or creates the contact keyed by (orgID, email).
	// An existing contact only has blank fields filled.
	ResolveByEmail(ctx context.Context, orgID, email, name string, source models.Channel) (*models.Contact, bool, error)
	// ResolveBySource finds or creates an anonymous contact keyed by
	// (orgID, sourceKey).
	ResolveBySource(ctx context.Context, orgID, sourceKey, name string, source models.Channel) (*models.Contact, bool, error)
	Get(ctx context.Context, orgID, id string) (*models.Contact, error)
	List(ctx context.Context, orgID string) ([]models.Contact, error)
}

// ConversationStore resolves and updates conversations.
type ConversationStore interface {
	// Resolve finds or creates the conversation for key, reopening it if
	// closed and recording the latest message. It reports whether the
	// conversation was created.
	Resolve(ctx context.Context, key models.ConversationKey, at time.Time, preview string) (*models.Conversation, bool, error)
	Get(ctx context.Context, orgID, id string) (*models.Conversation, error)
	Close(ctx context.Context, orgID, id, reason, closedBy string) (*models.Conversation, error)
	List(ctx context.Context, orgID string) ([]models.Conversation, error)
}

// MessageStore appends and lists messages.
type MessageStore interface {
	// Create inserts msg. It reports false without error when a message
	// with the same provider id already exists for the organisation.
	Create(ctx context.Context, msg *models.Message) (bool, error)
	FindByExternalID(ctx context.Context, orgID, externalID string) (*models.Message, error)
	ListByConversation(ctx context.Context, orgID, conversationID string) ([]models.Message, error)
	List(ctx context.Context, orgID string) ([]models.Message, error)
}

// Stores bundles the three helpdesk stores.
type Stores struct {
	Contacts      ContactStore
	Conversations ConversationStore
	Messages      MessageStore
}
