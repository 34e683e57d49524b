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

// Package ingest turns Gmail push notifications into helpdesk contacts,
// conversations and messages. A mailbox sync walks the provider's history
// from the stored cursor, processes each new message exactly once through
// the idempotency ledger, and advances the cursor last.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/assistdesk/ingestion/internal/blob"
	"github.com/assistdesk/ingestion/internal/dedup"
	"github.com/assistdesk/ingestion/internal/gmail"
	"github.com/assistdesk/ingestion/internal/helpdesk"
	"github.com/assistdesk/ingestion/internal/integration"
	"github.com/assistdesk/ingestion/internal/models"
	"github.com/assistdesk/ingestion/internal/notify"
	"github.com/assistdesk/ingestion/internal/oauth"
)

// ErrCredentialsExpired means the provider rejected the mailbox's
// credentials. The integration must be reconnected.
var ErrCredentialsExpired = errors.New("ingest: credentials expired")

// Message sources recorded on ProviderMetadata.Source.
const (
	SourceHistory  = "history"
	SourceFallback = "fallback"
	SourceBackfill = "backfill"
)

// Defaults for the recent-messages fallback.
const (
	DefaultFallbackMax   = 5
	DefaultFallbackQuery = "is:unread"
)

// Provider is the Gmail surface the pipeline uses. Implemented by
// gmail.Client.
type Provider interface {
	GetProfile(ctx context.Context, creds models.Credentials) (*gmail.Profile, error)
	ListHistory(ctx context.Context, creds models.Credentials, startHistoryID string) (*gmail.HistoryResult, error)
	ListRecent(ctx context.Context, creds models.Credentials, query string, max int64) ([]string, error)
	GetMessage(ctx context.Context, creds models.Credentials, messageID string) (*gmailapi.Message, error)
	GetAttachment(ctx context.Context, creds models.Credentials, messageID, attachmentID string) ([]byte, error)
}

// Syncer runs mailbox syncs and the per-message ingestion path.
type Syncer struct {
	integrations  integration.Store
	refresher     integration.TokenRefresher
	provider      Provider
	ledger        dedup.Ledger
	stores        *helpdesk.Stores
	offloader     *blob.Offloader
	notifier      notify.Notifier
	fallbackMax   int64
	fallbackQuery string
	tracer        trace.Tracer
	now           func() time.Time
}

// Config holds the dependencies of a Syncer.
type Config struct {
	Integrations  integration.Store
	Refresher     integration.TokenRefresher
	Provider      Provider
	Ledger        dedup.Ledger
	Stores        *helpdesk.Stores
	Offloader     *blob.Offloader
	Notifier      notify.Notifier
	FallbackMax   int64
	FallbackQuery string
	Tracer        trace.Tracer
}

// NewSyncer creates a Syncer.
func NewSyncer(cfg Config) *Syncer {
	s := &Syncer{
		integrations:  cfg.Integrations,
		refresher:     cfg.Refresher,
		provider:      cfg.Provider,
		ledger:        cfg.Ledger,
		stores:        cfg.Stores,
		offloader:     cfg.Offloader,
		notifier:      cfg.Notifier,
		fallbackMax:   cfg.FallbackMax,
		fallbackQuery: cfg.FallbackQuery,
		tracer:        cfg.Tracer,
		now:           time.Now,
	}
	if s.fallbackMax <= 0 {
		s.fallbackMax = DefaultFallbackMax
	}
	if s.fallbackQuery == "" {
		s.fallbackQuery = DefaultFallbackQuery
	}
	if s.notifier == nil {
		s.notifier = notify.Discard{}
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/assistdesk/ingestion/internal/ingest")
	}
	return s
}

// ResolveAccount returns the active integration for mailbox with usable
// credentials in its Credentials field, or nil when the mailbox is unknown,
// disconnected or has no stored tokens.
func (s *Syncer) ResolveAccount(ctx context.Context, mailbox string) (*models.Integration, error) {
	in, err := s.integrations.FindActiveByMailbox(ctx, mailbox)
	if err != nil {
		return nil, fmt.Errorf("find integration: %w", err)
	}
	if in == nil {
		slog.Info("no active integration for mailbox, skipping", "mailbox", mailbox)
		return nil, nil
	}
	if in.Credentials.Empty() {
		slog.Info("integration has no credentials, skipping",
			"mailbox", mailbox,
			"integration_id", in.ID,
		)
		return nil, nil
	}

	creds, err := integration.Authorize(ctx, s.integrations, s.refresher, in)
	if err != nil {
		if errors.Is(err, oauth.ErrReauthRequired) {
			s.reportExpired(ctx, in, err, false)
			return nil, fmt.Errorf("%w: %w", ErrCredentialsExpired, err)
		}
		return nil, fmt.Errorf("authorize %s: %w", mailbox, err)
	}

	in.Credentials = creds
	return in, nil
}

// SyncMailbox processes every message added to mailbox since the stored
// cursor (or notificationCursor when none is stored) and then advances the
// cursor to the provider's latest value. When the provider rejected the
// stored cursor it is replaced outright, even by a lower value.
//
// A failure on one message is logged and the batch continues; the ledger
// keeps retries safe. Expired credentials abort the batch without moving
// the cursor so the next notification replays from the same point.
func (s *Syncer) SyncMailbox(ctx context.Context, mailbox, notificationCursor string) (err error) {
	ctx, span := s.tracer.Start(ctx, "ingest.SyncMailbox", trace.WithAttributes(
		attribute.String("mailbox", mailbox),
		attribute.String("notification_cursor", notificationCursor),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	in, err := s.ResolveAccount(ctx, mailbox)
	if err != nil || in == nil {
		return err
	}
	span.SetAttributes(attribute.String("org_id", in.OrgID), attribute.String("integration_id", in.ID))

	start := EffectiveCursor(in.HistoryID, notificationCursor)
	b, err := s.collect(ctx, in, start)
	if err != nil {
		if errors.Is(err, ErrCredentialsExpired) {
			s.reportExpired(ctx, in, err, true)
		}
		return err
	}

	var processed, skipped, failed int
	for _, id := range b.ids {
		msg, err := s.ProcessOne(ctx, mailbox, id, in, b.source)
		if err != nil {
			if errors.Is(err, ErrCredentialsExpired) {
				s.reportExpired(ctx, in, err, true)
				return err
			}
			failed++
			slog.Error("message ingestion failed, continuing batch",
				"mailbox", mailbox,
				"external_id", id,
				"error", err,
			)
			continue
		}
		if msg == nil {
			skipped++
		} else {
			processed++
		}
	}

	switch {
	case b.latest == "":
	case b.resync:
		if err := s.integrations.ResetCursor(ctx, in.ID, b.latest); err != nil {
			return fmt.Errorf("reset cursor: %w", err)
		}
	default:
		if err := s.integrations.AdvanceCursor(ctx, in.ID, b.latest); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}

	span.SetAttributes(
		attribute.Int("messages.processed", processed),
		attribute.Int("messages.skipped", skipped),
		attribute.Int("messages.failed", failed),
	)
	slog.Info("mailbox sync complete",
		"mailbox", mailbox,
		"org_id", in.OrgID,
		"source", b.source,
		"start_cursor", start,
		"new_cursor", b.latest,
		"resync", b.resync,
		"candidates", len(b.ids),
		"processed", processed,
		"skipped", skipped,
		"failed", failed,
	)
	return nil
}

// batch is the outcome of collect.
type batch struct {
	ids    []string
	latest string
	source string
	// resync is set when the stored cursor was rejected by the provider and
	// latest must replace it even if it is numerically lower.
	resync bool
}

// collect returns the candidate message ids, the provider's latest cursor
// and the source tag. An invalid cursor or an empty history falls back to
// listing recent inbox messages.
func (s *Syncer) collect(ctx context.Context, in *models.Integration, start string) (batch, error) {
	latest := ""
	resync := false

	if start != "" {
		res, err := s.provider.ListHistory(ctx, in.Credentials, start)
		switch {
		case err == nil && res.Records > 0:
			return batch{ids: res.MessageIDs, latest: res.HistoryID, source: SourceHistory}, nil
		case err == nil:
			latest = res.HistoryID
			slog.Info("history empty, checking recent messages",
				"mailbox", in.ChannelEmail,
				"start_cursor", start,
			)
		case errors.Is(err, gmail.ErrHistoryInvalid):
			slog.Warn("history cursor invalid, falling back to recent messages",
				"mailbox", in.ChannelEmail,
				"start_cursor", start,
				"error", err,
			)
			resync = true
		case errors.Is(err, gmail.ErrUnauthorized):
			return batch{}, fmt.Errorf("%w: %w", ErrCredentialsExpired, err)
		default:
			return batch{}, fmt.Errorf("list history: %w", err)
		}
	}

	ids, err := s.provider.ListRecent(ctx, in.Credentials, s.fallbackQuery, s.fallbackMax)
	if err != nil {
		if errors.Is(err, gmail.ErrUnauthorized) {
			return batch{}, fmt.Errorf("%w: %w", ErrCredentialsExpired, err)
		}
		return batch{}, fmt.Errorf("list recent messages: %w", err)
	}

	if latest == "" {
		profile, err := s.provider.GetProfile(ctx, in.Credentials)
		if err != nil {
			if errors.Is(err, gmail.ErrUnauthorized) {
				return batch{}, fmt.Errorf("%w: %w", ErrCredentialsExpired, err)
			}
			// Messages can still be processed; the cursor stays put.
			slog.Warn("failed to read current history id", "mailbox", in.ChannelEmail, "error", err)
		} else {
			latest = profile.HistoryID
		}
	}

	return batch{ids: ids, latest: latest, source: SourceFallback, resync: resync}, nil
}

// EffectiveCursor picks the history id to start from. The stored cursor
// wins; otherwise the notification's cursor is used, minus one when it is
// an integer so the triggering message is included.
func EffectiveCursor(stored, notification string) string {
	if stored = strings.TrimSpace(stored); stored != "" {
		return stored
	}
	notification = strings.TrimSpace(notification)
	if n, err := strconv.ParseUint(notification, 10, 64); err == nil && n > 0 {
		return strconv.FormatUint(n-1, 10)
	}
	return notification
}

// reportExpired flags the integration and tells the organisation's agents.
// mark is false when the status was already written by the refresh path.
func (s *Syncer) reportExpired(ctx context.Context, in *models.Integration, cause error, mark bool) {
	slog.Error("mailbox credentials expired, integration needs reconnection",
		"mailbox", in.ChannelEmail,
		"integration_id", in.ID,
		"org_id", in.OrgID,
		"error", cause,
	)
	if mark {
		if err := s.integrations.MarkStatus(ctx, in.ID, models.IntegrationExpired, cause.Error()); err != nil {
			slog.Error("failed to flag integration", "integration_id", in.ID, "error", err)
		}
	}
	s.notifier.Emit(ctx, notify.Event{
		Type:  notify.EventIntegrationError,
		OrgID: in.OrgID,
		Data: map[string]interface{}{
			"integrationId": in.ID,
			"channel":       string(in.Channel),
			"mailbox":       in.ChannelEmail,
			"status":        string(models.IntegrationExpired),
			"error":         cause.Error(),
		},
	})
}
