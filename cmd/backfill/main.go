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

// Assist ingestion: mailbox backfill command
//
// Standalone CLI that replays recent inbox messages for connected Gmail
// mailboxes through the normal ingestion path. Already-ingested messages
// are skipped by the idempotency ledger, so runs can be repeated.
//
// Usage:
//
//	go run ./cmd/backfill/ --mailboxes support@acme.com[,help@acme.com] [--since 168h] [--limit 200]
//	go run ./cmd/backfill/ --all [--since 24h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/assistdesk/ingestion/internal/backfill"
	"github.com/assistdesk/ingestion/internal/blob"
	"github.com/assistdesk/ingestion/internal/config"
	"github.com/assistdesk/ingestion/internal/dedup"
	"github.com/assistdesk/ingestion/internal/gmail"
	"github.com/assistdesk/ingestion/internal/helpdesk"
	"github.com/assistdesk/ingestion/internal/ingest"
	"github.com/assistdesk/ingestion/internal/integration"
	"github.com/assistdesk/ingestion/internal/models"
	"github.com/assistdesk/ingestion/internal/notify"
	"github.com/assistdesk/ingestion/internal/oauth"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	mailboxesFlag := flag.String("mailboxes", "", "Comma-separated mailbox addresses to backfill")
	allFlag := flag.Bool("all", false, "Backfill every connected Gmail mailbox")
	sinceFlag := flag.String("since", "168h", "Lookback duration (e.g. 168h for 1 week, 0 for no date filter)")
	limitFlag := flag.Int("limit", 0, "Maximum messages per mailbox (0 = no limit)")
	flag.Parse()

	if *mailboxesFlag == "" && !*allFlag {
		fmt.Fprintf(os.Stderr, "Error: --mailboxes or --all is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	since, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StorageBackend != config.BackendPostgres {
		slog.Error("backfill requires the postgres storage backend")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	stores, err := helpdesk.NewPostgres(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise helpdesk stores", "error", err)
		os.Exit(1)
	}
	integrations, err := integration.NewPostgresStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise integration store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	var (
		ledger dedup.Ledger
		bus    notify.Bus
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		ledger = dedup.NewRedisLedger(rdb, cfg.LedgerTTL)
		if cfg.EventBus == config.BackendRedis {
			bus = notify.NewRedisBus(rdb, cfg.EventChannel)
		}
	} else {
		slog.Warn("REDIS_URL not set, ledger is in-memory; the message index still prevents duplicates")
		ledger = dedup.NewMemoryLedger(cfg.LedgerTTL)
	}

	// --- Blob storage ---
	var uploader blob.Uploader
	if cfg.Blob.Backend == config.BackendS3 {
		client, err := blob.NewS3Client(ctx, blob.S3Config{
			Region:          cfg.Blob.Region,
			Endpoint:        cfg.Blob.Endpoint,
			AccessKeyID:     cfg.Blob.AccessKeyID,
			SecretAccessKey: cfg.Blob.SecretAccessKey,
		})
		if err != nil {
			slog.Error("failed to initialise S3 client", "error", err)
			os.Exit(1)
		}
		uploader = blob.NewS3Store(client, cfg.Blob.Bucket, cfg.Blob.Region, cfg.Blob.PublicBaseURL)
	} else {
		uploader = blob.NewDiskStore(cfg.Blob.Dir, cfg.Blob.PublicBaseURL)
	}

	var notifier notify.Notifier = notify.Discard{}
	if bus != nil {
		notifier = notify.NewFanout(nil, bus)
	}

	gmailClient := gmail.NewClient()
	syncer := ingest.NewSyncer(ingest.Config{
		Integrations: integrations,
		Refresher:    oauth.NewRefresher(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL),
		Provider:     gmailClient,
		Ledger:       ledger,
		Stores:       stores,
		Offloader:    blob.NewOffloader(uploader, cfg.Blob.Concurrency),
		Notifier:     notifier,
	})

	// --- Resolve mailboxes ---
	var mailboxes []string
	if *allFlag {
		list, err := integrations.ListReceiving(ctx, models.ChannelGmail)
		if err != nil {
			slog.Error("failed to list integrations", "error", err)
			os.Exit(1)
		}
		for _, in := range list {
			mailboxes = append(mailboxes, in.ChannelEmail)
		}
	} else {
		for _, m := range strings.Split(*mailboxesFlag, ",") {
			if m = strings.TrimSpace(m); m != "" {
				mailboxes = append(mailboxes, m)
			}
		}
	}
	if len(mailboxes) == 0 {
		slog.Error("no mailboxes to backfill")
		os.Exit(1)
	}

	// --- Run Backfill ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Lister:    gmailClient,
		Processor: syncer,
	})

	result, err := runner.Run(ctx, backfill.BackfillRequest{
		Mailboxes: mailboxes,
		Since:     since,
		Limit:     *limitFlag,
	})
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	for _, mr := range result.MailboxResults {
		attrs := []any{
			"mailbox", mr.Mailbox,
			"org_id", mr.OrgID,
			"ingested", mr.Ingested,
			"skipped", mr.Skipped,
			"errors", mr.Errors,
		}
		if mr.Err != nil {
			attrs = append(attrs, "error", mr.Err)
		}
		slog.Info("mailbox result", attrs...)
	}

	if result.TotalErrors > 0 {
		os.Exit(2)
	}
}
