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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/assistdesk/ingestion/internal/gmail"
	"github.com/assistdesk/ingestion/internal/models"
	"github.com/assistdesk/ingestion/internal/oauth"
)

// Watcher registers Gmail push notifications.
type Watcher interface {
	Watch(ctx context.Context, creds models.Credentials, topic string, labelIDs []string) (*gmail.WatchResult, error)
}

// WatchManager keeps a users.watch registration alive for every connected
// Gmail integration. Gmail watches lapse after seven days.
type WatchManager struct {
	store       Store
	watcher     Watcher
	refresher   TokenRefresher
	topic       string
	renewBuffer time.Duration
	now         func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnReauthRequired is called when an integration's credentials can no
	// longer be refreshed. Wired by main.go.
	OnReauthRequired func(ctx context.Context, in models.Integration, err error)
}

// WatchConfig holds the configuration for the watch manager.
type WatchConfig struct {
	Store       Store
	Watcher     Watcher
	Refresher   TokenRefresher
	Topic       string
	RenewBuffer time.Duration
}

// NewWatchManager creates a new watch manager.
func NewWatchManager(cfg WatchConfig) *WatchManager {
	return &WatchManager{
		store:       cfg.Store,
		watcher:     cfg.Watcher,
		refresher:   cfg.Refresher,
		topic:       cfg.Topic,
		renewBuffer: cfg.RenewBuffer,
		now:         time.Now,
	}
}

// Start renews any lapsing watches once, then keeps renewing them in the
// background until Stop is called.
func (m *WatchManager) Start(ctx context.Context) error {
	if m.topic == "" {
		return fmt.Errorf("watch manager: pubsub topic not configured")
	}

	m.RenewExpiring(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.renewalLoop(loopCtx)

	slog.Info("watch manager started",
		"renewal_interval", m.interval(),
		"topic", m.topic,
	)
	return nil
}

// Stop gracefully shuts down the renewal loop.
func (m *WatchManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("watch manager stopped")
}

func (m *WatchManager) interval() time.Duration {
	interval := m.renewBuffer / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}

func (m *WatchManager) renewalLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RenewExpiring(ctx)
		}
	}
}

// RenewExpiring renews every watch that is missing or expires within the
// renewal buffer. Failures are logged per integration.
func (m *WatchManager) RenewExpiring(ctx context.Context) {
	integrations, err := m.store.ListReceiving(ctx, models.ChannelGmail)
	if err != nil {
		slog.Error("failed to list gmail integrations", "error", err)
		return
	}

	deadline := m.now().Add(m.renewBuffer)
	for i := range integrations {
		in := integrations[i]
		if in.WatchExpiration != nil && in.WatchExpiration.After(deadline) {
			continue
		}
		if err := m.EnsureWatch(ctx, &in); err != nil {
			slog.Error("watch renewal failed",
				"integration_id", in.ID,
				"org_id", in.OrgID,
				"mailbox", in.ChannelEmail,
				"error", err,
			)
		}
	}
}

// EnsureWatch registers a watch for one integration. A fresh integration
// with no cursor is seeded from the watch response.
func (m *WatchManager) EnsureWatch(ctx context.Context, in *models.Integration) error {
	creds, err := Authorize(ctx, m.store, m.refresher, in)
	if err != nil {
		if errors.Is(err, oauth.ErrReauthRequired) && m.OnReauthRequired != nil {
			m.OnReauthRequired(ctx, *in, err)
		}
		return fmt.Errorf("authorize: %w", err)
	}

	res, err := m.watcher.Watch(ctx, creds, m.topic, []string{"INBOX"})
	if err != nil {
		if errors.Is(err, gmail.ErrUnauthorized) {
			if markErr := m.store.MarkStatus(ctx, in.ID, models.IntegrationExpired, err.Error()); markErr != nil {
				slog.Error("failed to flag integration", "integration_id", in.ID, "error", markErr)
			}
			if m.OnReauthRequired != nil {
				m.OnReauthRequired(ctx, *in, err)
			}
		}
		return fmt.Errorf("watch: %w", err)
	}

	if err := m.store.UpdateWatch(ctx, in.ID, res.Expiration); err != nil {
		return fmt.Errorf("update watch expiration: %w", err)
	}

	if in.HistoryID == "" && res.HistoryID != "" {
		if err := m.store.AdvanceCursor(ctx, in.ID, res.HistoryID); err != nil {
			return fmt.Errorf("seed cursor: %w", err)
		}
	}

	slog.Info("gmail watch registered",
		"integration_id", in.ID,
		"mailbox", in.ChannelEmail,
		"expires_at", res.Expiration,
	)
	return nil
}
