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

package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/assistdesk/ingestion/internal/integration"
	"github.com/assistdesk/ingestion/internal/models"
)

// MailboxSyncer runs one mailbox sync. Implemented by Syncer.
type MailboxSyncer interface {
	SyncMailbox(ctx context.Context, mailbox, notificationCursor string) error
}

// Scheduler periodically syncs every connected Gmail mailbox as a safety
// net for dropped push notifications.
type Scheduler struct {
	syncer   MailboxSyncer
	store    integration.Store
	interval time.Duration
	timeout  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. timeout bounds each mailbox sync.
func NewScheduler(syncer MailboxSyncer, store integration.Store, interval, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Scheduler{
		syncer:   syncer,
		store:    store,
		interval: interval,
		timeout:  timeout,
	}
}

// Start runs the sync loop in the background. A non-positive interval
// disables it.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		slog.Info("periodic sync disabled")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.RunOnce(loopCtx)
			}
		}
	}()

	slog.Info("periodic sync started", "interval", s.interval)
}

// RunOnce syncs every connected Gmail mailbox sequentially.
func (s *Scheduler) RunOnce(ctx context.Context) {
	integrations, err := s.store.ListReceiving(ctx, models.ChannelGmail)
	if err != nil {
		slog.Error("periodic sync: list integrations failed", "error", err)
		return
	}

	for _, in := range integrations {
		if ctx.Err() != nil {
			return
		}
		syncCtx, cancel := context.WithTimeout(ctx, s.timeout)
		if err := s.syncer.SyncMailbox(syncCtx, in.ChannelEmail, ""); err != nil {
			slog.Error("periodic sync failed",
				"mailbox", in.ChannelEmail,
				"org_id", in.OrgID,
				"error", err,
			)
		}
		cancel()
	}
}

// Stop shuts down the sync loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
