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
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/assistdesk/ingestion/internal/models"
)

// NewPostgres creates Postgres-backed stores on pool, ensuring the schema
// exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Stores, error) {
	if err := ensureSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("ensure helpdesk schema: %w", err)
	}
	slog.Info("helpdesk store initialised")
	return &Stores{
		Contacts:      &PostgresContacts{pool: pool},
		Conversations: &PostgresConversations{pool: pool},
		Messages:      &PostgresMessages{pool: pool},
	}, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS contacts (
			id          TEXT PRIMARY KEY,
			org_id      TEXT NOT NULL,
			name        TEXT NOT NULL DEFAULT '',
			email       TEXT NOT NULL DEFAULT '',
			phone       TEXT NOT NULL DEFAULT '',
			source      TEXT NOT NULL DEFAULT '',
			source_key  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_org_email
			ON contacts(org_id, email) WHERE email <> '';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_org_source
			ON contacts(org_id, source_key) WHERE source_key <> '';

		CREATE TABLE IF NOT EXISTS conversations (
			id                   TEXT PRIMARY KEY,
			org_id               TEXT NOT NULL,
			integration_id       TEXT NOT NULL DEFAULT '',
			contact_id           TEXT NOT NULL,
			channel              TEXT NOT NULL,
			thread_id            TEXT NOT NULL DEFAULT '',
			status               TEXT NOT NULL DEFAULT 'open',
			priority             TEXT NOT NULL DEFAULT 'normal',
			assigned_member_id   TEXT NOT NULL DEFAULT '',
			assigned_by          TEXT NOT NULL DEFAULT '',
			assigned_at          TIMESTAMPTZ,
			tags                 TEXT[] NOT NULL DEFAULT '{}',
			last_message_at      TIMESTAMPTZ,
			last_message_preview TEXT NOT NULL DEFAULT '',
			closed_reason        TEXT NOT NULL DEFAULT '',
			closed_by            TEXT NOT NULL DEFAULT '',
			closed_at            TIMESTAMPTZ,
			metadata             JSONB NOT NULL DEFAULT '{}',
			created_at           TIMESTAMPTZ DEFAULT NOW(),
			updated_at           TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_thread
			ON conversations(org_id, channel, thread_id) WHERE thread_id <> '';
		CREATE INDEX IF NOT EXISTS idx_conversations_contact ON conversations(org_id, contact_id);

		CREATE TABLE IF NOT EXISTS messages (
			id                  TEXT PRIMARY KEY,
			org_id              TEXT NOT NULL,
			conversation_id     TEXT NOT NULL,
			sender_type         TEXT NOT NULL,
			sender_id           TEXT NOT NULL DEFAULT '',
			direction           TEXT NOT NULL,
			channel             TEXT NOT NULL,
			subject             TEXT NOT NULL DEFAULT '',
			body_text           TEXT NOT NULL DEFAULT '',
			body_html           TEXT NOT NULL DEFAULT '',
			attachments         JSONB NOT NULL DEFAULT '[]',
			status              TEXT NOT NULL,
			external_message_id TEXT NOT NULL DEFAULT '',
			thread_id           TEXT NOT NULL DEFAULT '',
			internet_message_id TEXT NOT NULL DEFAULT '',
			in_reply_to         TEXT NOT NULL DEFAULT '',
			msg_references      TEXT[] NOT NULL DEFAULT '{}',
			source              TEXT NOT NULL DEFAULT '',
			sent_at             TIMESTAMPTZ,
			created_at          TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external
			ON messages(org_id, external_message_id) WHERE external_message_id <> '';
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(org_id, conversation_id, created_at);
	`)
	return err
}

// PostgresContacts implements ContactStore.
type PostgresContacts struct {
	pool *pgxpool.Pool
}

const contactColumns = `id, org_id, name, email, phone, source, source_key, created_at, updated_at`

// ResolveByEmail upserts on (org_id, email). Existing non-blank fields win.
func (s *PostgresContacts) ResolveByEmail(ctx context.Context, orgID, email, name string, source models.Channel) (*models.Contact, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO contacts (id, org_id, name, email, source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_id, email) WHERE email <> '' DO UPDATE SET
			name       = CASE WHEN contacts.name = '' THEN EXCLUDED.name ELSE contacts.name END,
			updated_at = CASE WHEN contacts.name = '' AND EXCLUDED.name <> '' THEN NOW() ELSE contacts.updated_at END
		RETURNING `+contactColumns+`, (xmax = 0) AS inserted
	`, uuid.NewString(), orgID, name, models.NormalizeEmail(email), source)
	return scanContactUpsert(row)
}

// ResolveBySource upserts an anonymous contact on (org_id, source_key).
func (s *PostgresContacts) ResolveBySource(ctx context.Context, orgID, sourceKey, name string, source models.Channel) (*models.Contact, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO contacts (id, org_id, name, source, source_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_id, source_key) WHERE source_key <> '' DO UPDATE SET
			name       = CASE WHEN contacts.name = '' THEN EXCLUDED.name ELSE contacts.name END,
			updated_at = CASE WHEN contacts.name = '' AND EXCLUDED.name <> '' THEN NOW() ELSE contacts.updated_at END
		RETURNING `+contactColumns+`, (xmax = 0) AS inserted
	`, uuid.NewString(), orgID, name, source, sourceKey)
	return scanContactUpsert(row)
}

func (s *PostgresContacts) Get(ctx context.Context, orgID, id string) (*models.Contact, error) {
	var c models.Contact
	err := s.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE org_id = $1 AND id = $2`, orgID, id).
		Scan(&c.ID, &c.OrgID, &c.Name, &c.Email, &c.Phone, &c.Source, &c.SourceKey, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresContacts) List(ctx context.Context, orgID string) ([]models.Contact, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+contactColumns+` FROM contacts WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Name, &c.Email, &c.Phone, &c.Source, &c.SourceKey, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContactUpsert(row pgx.Row) (*models.Contact, bool, error) {
	var (
		c        models.Contact
		inserted bool
	)
	if err := row.Scan(&c.ID, &c.OrgID, &c.Name, &c.Email, &c.Phone, &c.Source, &c.SourceKey, &c.CreatedAt, &c.UpdatedAt, &inserted); err != nil {
		return nil, false, fmt.Errorf("upsert contact: %w", err)
	}
	return &c, inserted, nil
}

// PostgresConversations implements ConversationStore.
type PostgresConversations struct {
	pool *pgxpool.Pool
}

const conversationColumns = `
	id, org_id, integration_id, contact_id, channel, thread_id, status, priority,
	assigned_member_id, assigned_by, assigned_at, tags, last_message_at,
	last_message_preview, closed_reason, closed_by, closed_at, metadata,
	created_at, updated_at`

// Resolve upserts on (org_id, channel, thread_id). A closed conversation is
// reopened in the same statement.
func (s *PostgresConversations) Resolve(ctx context.Context, key models.ConversationKey, at time.Time, preview string) (*models.Conversation, bool, error) {
	if key.ThreadID == "" {
		return s.resolveUnthreaded(ctx, key, at, preview)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations
			(id, org_id, integration_id, contact_id, channel, thread_id, status, priority,
			 tags, last_message_at, last_message_preview)
		VALUES ($1, $2, $3, $4, $5, $6, 'open', 'normal', $7, $8, $9)
		ON CONFLICT (org_id, channel, thread_id) WHERE thread_id <> '' DO UPDATE SET
			status               = CASE WHEN conversations.status = 'closed' THEN 'open' ELSE conversations.status END,
			last_message_at      = EXCLUDED.last_message_at,
			last_message_preview = EXCLUDED.last_message_preview,
			updated_at           = NOW()
		RETURNING `+conversationColumns+`, (xmax = 0) AS inserted
	`, uuid.NewString(), key.OrgID, key.IntegrationID, key.ContactID, key.Channel, key.ThreadID,
		models.SeedTags(key.Channel), at, preview)

	conv, inserted, err := scanConversation(row, true)
	if err != nil {
		return nil, false, fmt.Errorf("upsert conversation: %w", err)
	}
	return conv, inserted, nil
}

// resolveUnthreaded reuses the newest open conversation with the contact on
// the same integration, or creates one.
func (s *PostgresConversations) resolveUnthreaded(ctx context.Context, key models.ConversationKey, at time.Time, preview string) (*models.Conversation, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE conversations
		SET last_message_at = $1, last_message_preview = $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM conversations
			WHERE org_id = $3 AND integration_id = $4 AND contact_id = $5
			  AND channel = $6 AND thread_id = '' AND status <> 'closed'
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING `+conversationColumns+`
	`, at, preview, key.OrgID, key.IntegrationID, key.ContactID, key.Channel)

	conv, _, err := scanConversation(row, false)
	if err != nil && err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("update conversation: %w", err)
	}
	if conv != nil {
		return conv, false, nil
	}

	row = s.pool.QueryRow(ctx, `
		INSERT INTO conversations
			(id, org_id, integration_id, contact_id, channel, status, priority,
			 tags, last_message_at, last_message_preview)
		VALUES ($1, $2, $3, $4, $5, 'open', 'normal', $6, $7, $8)
		RETURNING `+conversationColumns+`
	`, uuid.NewString(), key.OrgID, key.IntegrationID, key.ContactID, key.Channel,
		models.SeedTags(key.Channel), at, preview)
	conv, _, err = scanConversation(row, false)
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, true, nil
}

func (s *PostgresConversations) Get(ctx context.Context, orgID, id string) (*models.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE org_id = $1 AND id = $2`, orgID, id)
	conv, _, err := scanConversation(row, false)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return conv, err
}

// Close marks a conversation closed and stamps the closure fields.
func (s *PostgresConversations) Close(ctx context.Context, orgID, id, reason, closedBy string) (*models.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE conversations
		SET status = 'closed', closed_reason = $1, closed_by = $2, closed_at = NOW(), updated_at = NOW()
		WHERE org_id = $3 AND id = $4
		RETURNING `+conversationColumns+`
	`, reason, closedBy, orgID, id)
	conv, _, err := scanConversation(row, false)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return conv, err
}

func (s *PostgresConversations) List(ctx context.Context, orgID string) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		conv, _, err := scanConversation(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

// scanConversation scans a conversation row; withInserted expects a
// trailing inserted flag. pgx.ErrNoRows is returned unwrapped.
func scanConversation(row pgx.Row, withInserted bool) (*models.Conversation, bool, error) {
	var (
		c             models.Conversation
		lastMessageAt *time.Time
		inserted      bool
	)
	dest := []any{
		&c.ID, &c.OrgID, &c.IntegrationID, &c.ContactID, &c.Channel, &c.ThreadID, &c.Status, &c.Priority,
		&c.Assignment.MemberID, &c.Assignment.AssignedBy, &c.Assignment.AssignedAt, &c.Tags, &lastMessageAt,
		&c.LastMessagePreview, &c.Closure.Reason, &c.Closure.ClosedBy, &c.Closure.ClosedAt, &c.Metadata,
		&c.CreatedAt, &c.UpdatedAt,
	}
	if withInserted {
		dest = append(dest, &inserted)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, false, err
	}
	if lastMessageAt != nil {
		c.LastMessageAt = *lastMessageAt
	}
	return &c, inserted, nil
}

// PostgresMessages implements MessageStore.
type PostgresMessages struct {
	pool *pgxpool.Pool
}

const messageColumns = `
	id, org_id, conversation_id, sender_type, sender_id, direction, channel, subject,
	body_text, body_html, attachments, status, external_message_id, thread_id,
	internet_message_id, in_reply_to, msg_references, source, sent_at, created_at`

// Create inserts a message, ignoring a duplicate provider id.
func (s *PostgresMessages) Create(ctx context.Context, msg *models.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	refs := msg.Provider.References
	if refs == nil {
		refs = []string{}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (org_id, external_message_id) WHERE external_message_id <> '' DO NOTHING
	`, msg.ID, msg.OrgID, msg.ConversationID, msg.SenderType, msg.SenderID, msg.Direction, msg.Channel,
		msg.Subject, msg.Body.Text, msg.Body.HTML, attachments, msg.Status,
		msg.Provider.ExternalMessageID, msg.Provider.ThreadID, msg.Provider.InternetMessageID,
		msg.Provider.InReplyTo, refs, msg.Provider.Source, msg.SentAt, msg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresMessages) FindByExternalID(ctx context.Context, orgID, externalID string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE org_id = $1 AND external_message_id = $2`, orgID, externalID)
	m, err := scanMessage(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *PostgresMessages) ListByConversation(ctx context.Context, orgID, conversationID string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE org_id = $1 AND conversation_id = $2
		ORDER BY created_at
	`, orgID, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresMessages) List(ctx context.Context, orgID string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+messageColumns+` FROM messages WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		m      models.Message
		sentAt *time.Time
	)
	err := row.Scan(
		&m.ID, &m.OrgID, &m.ConversationID, &m.SenderType, &m.SenderID, &m.Direction, &m.Channel, &m.Subject,
		&m.Body.Text, &m.Body.HTML, &m.Attachments, &m.Status, &m.Provider.ExternalMessageID, &m.Provider.ThreadID,
		&m.Provider.InternetMessageID, &m.Provider.InReplyTo, &m.Provider.References, &m.Provider.Source,
		&sentAt, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sentAt != nil {
		m.SentAt = *sentAt
	}
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
