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

// Package integration persists connected channel integrations (credentials,
// history cursor, watch state) and keeps Gmail push watches alive.
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/assistdesk/ingestion/internal/models"
)

// Store is the persistence contract for integrations.
type Store interface {
	// FindActiveByMailbox returns the receiving Gmail integration for a
	// mailbox address, or nil when none exists.
	FindActiveByMailbox(ctx context.Context, mailbox string) (*models.Integration, error)
	Get(ctx context.Context, id string) (*models.Integration, error)
	ListReceiving(ctx context.Context, channel models.Channel) ([]models.Integration, error)
	Upsert(ctx context.Context, in models.Integration) error
	SaveCredentials(ctx context.Context, id string, creds models.Credentials) error
	// AdvanceCursor stores historyID unless the stored cursor is already
	// numerically newer. It always stamps last_synced_at.
	AdvanceCursor(ctx context.Context, id, historyID string) error
	// ResetCursor stores historyID unconditionally. It is used after the
	// provider rejected the stored cursor.
	ResetCursor(ctx context.Context, id, historyID string) error
	MarkStatus(ctx context.Context, id string, status models.IntegrationStatus, lastErr string) error
	UpdateWatch(ctx context.Context, id string, expiration time.Time) error
}

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates an integration store backed by the given pool.
// It ensures the integrations table exists on creation.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure integration schema: %w", err)
	}
	slog.Info("integration store initialised")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS integrations (
			id               TEXT PRIMARY KEY,
			org_id           TEXT NOT NULL,
			channel          TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'connected',
			channel_email    TEXT NOT NULL DEFAULT '',
			access_token     TEXT NOT NULL DEFAULT '',
			refresh_token    TEXT NOT NULL DEFAULT '',
			token_type       TEXT NOT NULL DEFAULT '',
			token_expiry     TIMESTAMPTZ,
			history_id       TEXT NOT NULL DEFAULT '',
			watch_expiration TIMESTAMPTZ,
			last_error       TEXT NOT NULL DEFAULT '',
			last_synced_at   TIMESTAMPTZ,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_integrations_org_mailbox
			ON integrations(org_id, channel, channel_email) WHERE channel_email <> '';
		CREATE INDEX IF NOT EXISTS idx_integrations_mailbox ON integrations(channel, channel_email);
		CREATE INDEX IF NOT EXISTS idx_integrations_status ON integrations(status);
	`)
	return err
}

const integrationColumns = `
	id, org_id, channel, status, channel_email, access_token, refresh_token,
	token_type, token_expiry, history_id, watch_expiration, last_error,
	last_synced_at, created_at, updated_at`

// FindActiveByMailbox looks up a connected Gmail integration by address.
func (s *PostgresStore) FindActiveByMailbox(ctx context.Context, mailbox string) (*models.Integration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+integrationColumns+`
		FROM integrations
		WHERE channel = $1 AND channel_email = $2 AND status IN ('connected', 'active')
		ORDER BY updated_at DESC
		LIMIT 1
	`, models.ChannelGmail, models.NormalizeEmail(mailbox))
	return scanIntegration(row)
}

// Get retrieves an integration by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Integration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+integrationColumns+`
		FROM integrations
		WHERE id = $1
	`, id)
	return scanIntegration(row)
}

// ListReceiving returns all connected integrations on a channel.
func (s *PostgresStore) ListReceiving(ctx context.Context, channel models.Channel) ([]models.Integration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+integrationColumns+`
		FROM integrations
		WHERE channel = $1 AND status IN ('connected', 'active')
		ORDER BY org_id, channel_email
	`, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

// Upsert inserts or replaces an integration keyed on id.
func (s *PostgresStore) Upsert(ctx context.Context, in models.Integration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO integrations
			(id, org_id, channel, status, channel_email, access_token, refresh_token,
			 token_type, token_expiry, history_id, watch_expiration, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status           = EXCLUDED.status,
			channel_email    = EXCLUDED.channel_email,
			access_token     = EXCLUDED.access_token,
			refresh_token    = EXCLUDED.refresh_token,
			token_type       = EXCLUDED.token_type,
			token_expiry     = EXCLUDED.token_expiry,
			history_id       = EXCLUDED.history_id,
			watch_expiration = EXCLUDED.watch_expiration,
			last_error       = EXCLUDED.last_error,
			updated_at       = NOW()
	`, in.ID, in.OrgID, in.Channel, in.Status, models.NormalizeEmail(in.ChannelEmail),
		in.Credentials.AccessToken, in.Credentials.RefreshToken, in.Credentials.TokenType,
		nullTime(in.Credentials.Expiry), in.HistoryID, in.WatchExpiration, in.LastError)
	return err
}

// SaveCredentials persists a refreshed credentials value.
func (s *PostgresStore) SaveCredentials(ctx context.Context, id string, creds models.Credentials) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE integrations
		SET access_token = $1, refresh_token = $2, token_type = $3, token_expiry = $4, updated_at = NOW()
		WHERE id = $5
	`, creds.AccessToken, creds.RefreshToken, creds.TokenType, nullTime(creds.Expiry), id)
	return err
}

// AdvanceCursor moves history_id forward. Non-numeric stored values are
// always replaced.
func (s *PostgresStore) AdvanceCursor(ctx context.Context, id, historyID string) error {
	if _, err := strconv.ParseUint(historyID, 10, 64); err != nil {
		return fmt.Errorf("advance cursor: invalid history id %q", historyID)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE integrations
		SET history_id = CASE
				WHEN history_id ~ '^[0-9]+$' AND history_id::numeric >= $2::numeric THEN history_id
				ELSE $2
			END,
			last_synced_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, id, historyID)
	return err
}

// ResetCursor overwrites history_id, even with a lower value.
func (s *PostgresStore) ResetCursor(ctx context.Context, id, historyID string) error {
	if _, err := strconv.ParseUint(historyID, 10, 64); err != nil {
		return fmt.Errorf("reset cursor: invalid history id %q", historyID)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE integrations
		SET history_id = $2, last_synced_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, historyID)
	return err
}

// MarkStatus sets the status and last error of an integration.
func (s *PostgresStore) MarkStatus(ctx context.Context, id string, status models.IntegrationStatus, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE integrations
		SET status = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3
	`, status, lastErr, id)
	return err
}

// UpdateWatch records a new watch expiration after a successful watch call.
func (s *PostgresStore) UpdateWatch(ctx context.Context, id string, expiration time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE integrations
		SET watch_expiration = $1, updated_at = NOW()
		WHERE id = $2
	`, expiration, id)
	return err
}

// scanIntegration scans a single row into an Integration.
func scanIntegration(row pgx.Row) (*models.Integration, error) {
	var (
		in     models.Integration
		expiry *time.Time
	)
	err := row.Scan(
		&in.ID, &in.OrgID, &in.Channel, &in.Status, &in.ChannelEmail,
		&in.Credentials.AccessToken, &in.Credentials.RefreshToken, &in.Credentials.TokenType,
		&expiry, &in.HistoryID, &in.WatchExpiration, &in.LastError,
		&in.LastSyncedAt, &in.CreatedAt, &in.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiry != nil {
		in.Credentials.Expiry = *expiry
	}
	return &in, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// cursorNewer reports whether candidate should replace stored.
func cursorNewer(stored, candidate string) bool {
	c, err := strconv.ParseUint(candidate, 10, 64)
	if err != nil {
		return false
	}
	s, err := strconv.ParseUint(stored, 10, 64)
	if err != nil {
		return true
	}
	return c > s
}
