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

// Package backfill replays recent inbox messages for one or more mailboxes
// through the same per-message ingestion path used by push notifications.
// Messages already in the idempotency ledger are skipped, so a backfill can
// be re-run safely.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/assistdesk/ingestion/internal/gmail"
	"github.com/assistdesk/ingestion/internal/ingest"
	"github.com/assistdesk/ingestion/internal/models"
)

// ErrUnknownMailbox is returned for a mailbox with no active integration.
var ErrUnknownMailbox = errors.New("backfill: no active integration for mailbox")

// Lister pages through message ids. Implemented by gmail.Client.
type Lister interface {
	ListPage(ctx context.Context, creds models.Credentials, query, pageToken string, pageSize int64) ([]string, string, error)
}

// Processor resolves mailboxes and ingests single messages. Implemented by
// ingest.Syncer.
type Processor interface {
	ResolveAccount(ctx context.Context, mailbox string) (*models.Integration, error)
	ProcessOne(ctx context.Context, mailbox, externalID string, in *models.Integration, source string) (*models.Message, error)
}

// BackfillRequest defines the scope of a backfill run.
type BackfillRequest struct {
	Mailboxes []string
	Since     time.Duration // lookback window; zero means no date filter
	Limit     int           // max messages per mailbox; zero means no limit
}

// BackfillResult summarises a completed backfill run.
type BackfillResult struct {
	MailboxResults []MailboxResult
	TotalNew       int
	TotalSkipped   int
	TotalErrors    int
	Elapsed        time.Duration
}

// MailboxResult tracks per-mailbox backfill progress.
type MailboxResult struct {
	Mailbox  string
	OrgID    string
	Listed   int
	Ingested int
	Skipped  int
	Errors   int
	Pages    int
	Err      error
}

// Runner performs mailbox backfills.
type Runner struct {
	lister    Lister
	processor Processor
	pageSize  int64
	pageDelay time.Duration // delay between pages to avoid throttling
	now       func() time.Time
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Lister    Lister
	Processor Processor
	PageSize  int64
	PageDelay time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.PageDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	size := cfg.PageSize
	if size <= 0 || size > 500 {
		size = 100
	}
	return &Runner{
		lister:    cfg.Lister,
		processor: cfg.Processor,
		pageSize:  size,
		pageDelay: delay,
		now:       time.Now,
	}
}

// Query builds the Gmail search query for a lookback window.
func Query(since time.Duration, now time.Time) string {
	if since <= 0 {
		return ""
	}
	return fmt.Sprintf("after:%d", now.Add(-since).Unix())
}

// Run performs the backfill for all requested mailboxes. A failing mailbox
// is recorded in its result and the run continues with the next one.
func (r *Runner) Run(ctx context.Context, req BackfillRequest) (*BackfillResult, error) {
	start := time.Now()
	query := Query(req.Since, r.now())

	slog.Info("starting backfill",
		"mailboxes", len(req.Mailboxes),
		"query", query,
		"limit", req.Limit,
	)

	result := &BackfillResult{}
	for _, mailbox := range req.Mailboxes {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		mr, err := r.backfillMailbox(ctx, mailbox, query, req.Limit)
		if err != nil {
			slog.Error("backfill failed for mailbox",
				"mailbox", mailbox,
				"error", err,
			)
			mr.Err = err
			mr.Errors++
		}

		result.MailboxResults = append(result.MailboxResults, mr)
		result.TotalNew += mr.Ingested
		result.TotalSkipped += mr.Skipped
		result.TotalErrors += mr.Errors
	}

	result.Elapsed = time.Since(start)

	slog.Info("backfill complete",
		"total_new", result.TotalNew,
		"total_skipped", result.TotalSkipped,
		"total_errors", result.TotalErrors,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

func (r *Runner) backfillMailbox(ctx context.Context, mailbox, query string, limit int) (MailboxResult, error) {
	mr := MailboxResult{Mailbox: mailbox}

	in, err := r.processor.ResolveAccount(ctx, mailbox)
	if err != nil {
		return mr, err
	}
	if in == nil {
		return mr, fmt.Errorf("%w: %s", ErrUnknownMailbox, mailbox)
	}
	mr.OrgID = in.OrgID

	slog.Info("backfilling mailbox",
		"mailbox", mailbox,
		"org_id", in.OrgID,
		"query", query,
	)

	pageToken := ""
	for {
		if mr.Pages > 0 {
			select {
			case <-ctx.Done():
				return mr, ctx.Err()
			case <-time.After(r.pageDelay):
			}
		}

		ids, next, err := r.lister.ListPage(ctx, in.Credentials, query, pageToken, r.pageSize)
		if err != nil {
			if errors.Is(err, gmail.ErrUnauthorized) {
				return mr, fmt.Errorf("%w: %w", ingest.ErrCredentialsExpired, err)
			}
			return mr, fmt.Errorf("list page %d: %w", mr.Pages, err)
		}
		mr.Pages++

		slog.Debug("backfill page listed",
			"mailbox", mailbox,
			"page", mr.Pages,
			"messages", len(ids),
		)

		for _, id := range ids {
			if limit > 0 && mr.Listed >= limit {
				return r.done(mr), nil
			}
			mr.Listed++

			msg, err := r.processor.ProcessOne(ctx, mailbox, id, in, ingest.SourceBackfill)
			if err != nil {
				if errors.Is(err, ingest.ErrCredentialsExpired) {
					return mr, err
				}
				slog.Warn("backfill: message failed",
					"mailbox", mailbox,
					"message_id", id,
					"error", err,
				)
				mr.Errors++
				continue
			}
			if msg == nil {
				mr.Skipped++
				continue
			}
			mr.Ingested++
		}

		if next == "" {
			return r.done(mr), nil
		}
		pageToken = next
	}
}

func (r *Runner) done(mr MailboxResult) MailboxResult {
	slog.Info("mailbox backfill complete",
		"mailbox", mr.Mailbox,
		"org_id", mr.OrgID,
		"ingested", mr.Ingested,
		"skipped", mr.Skipped,
		"errors", mr.Errors,
		"pages", mr.Pages,
	)
	return mr
}
