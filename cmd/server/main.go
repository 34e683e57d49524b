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

// Assist ingestion service
//
// Entry point for the Gmail ingestion service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis (or uses in-memory stores)
//  3. Builds the Gmail client, token refresher, attachment offloader
//     and notification fan-out
//  4. Serves the Pub/Sub webhook, websocket and SSE endpoints
//  5. Runs the watch renewal loop and the periodic safety-net sync
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

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
	"github.com/assistdesk/ingestion/internal/tracing"
	"github.com/assistdesk/ingestion/internal/webhook"
)

const sseHeartbeat = 25 * time.Second

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting assist ingestion service",
		"storage", cfg.StorageBackend,
		"event_bus", cfg.EventBus,
		"blob", cfg.Blob.Backend,
		"periodic_sync", cfg.PeriodicSyncInterval,
		"watch_renew_buffer", cfg.WatchRenewBuffer,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, nil)
	if err != nil {
		slog.Error("failed to initialise tracing", "error", err)
		os.Exit(1)
	}

	// --- Storage ---
	var (
		pgPool       *pgxpool.Pool
		stores       *helpdesk.Stores
		integrations integration.Store
	)
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		pgPool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")

		stores, err = helpdesk.NewPostgres(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise helpdesk stores", "error", err)
			os.Exit(1)
		}
		integrations, err = integration.NewPostgresStore(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise integration store", "error", err)
			os.Exit(1)
		}
	default:
		slog.Warn("using in-memory storage, data is lost on restart")
		stores = helpdesk.NewMemory()
		integrations = integration.NewMemoryStore()
	}

	// --- Redis (ledger + event bus) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis")
	}

	var ledger dedup.Ledger
	if rdb != nil {
		ledger = dedup.NewRedisLedger(rdb, cfg.LedgerTTL)
	} else {
		slog.Warn("REDIS_URL not set, idempotency ledger is in-memory")
		ledger = dedup.NewMemoryLedger(cfg.LedgerTTL)
	}

	var bus notify.Bus
	if cfg.EventBus == config.BackendRedis {
		redisBus := notify.NewRedisBus(rdb, cfg.EventChannel)
		go func() {
			if err := redisBus.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("event bus relay stopped", "error", err)
			}
		}()
		bus = redisBus
	} else {
		bus = notify.NewMemoryBus()
	}

	// --- Blob storage ---
	uploader, err := newUploader(ctx, cfg.Blob)
	if err != nil {
		slog.Error("failed to initialise blob storage", "error", err)
		os.Exit(1)
	}

	// --- Gmail + OAuth ---
	gmailClient := gmail.NewClient()
	refresher := oauth.NewRefresher(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)

	// --- Notification fan-out ---
	hub := notify.NewHub(64, cfg.WebsocketOrigins)
	fanout := notify.NewFanout(hub, bus)

	// --- History sync engine ---
	syncer := ingest.NewSyncer(ingest.Config{
		Integrations:  integrations,
		Refresher:     refresher,
		Provider:      gmailClient,
		Ledger:        ledger,
		Stores:        stores,
		Offloader:     blob.NewOffloader(uploader, cfg.Blob.Concurrency),
		Notifier:      fanout,
		FallbackMax:   int64(cfg.FallbackMaxResults),
		FallbackQuery: cfg.FallbackQuery,
	})

	// --- Watch lifecycle ---
	watches := integration.NewWatchManager(integration.WatchConfig{
		Store:       integrations,
		Watcher:     gmailClient,
		Refresher:   refresher,
		Topic:       cfg.Google.PubSubTopic,
		RenewBuffer: cfg.WatchRenewBuffer,
	})
	watches.OnReauthRequired = func(ctx context.Context, in models.Integration, err error) {
		fanout.Emit(ctx, notify.Event{
			Type:  notify.EventIntegrationError,
			OrgID: in.OrgID,
			Data: map[string]any{
				"integrationId": in.ID,
				"channel":       in.Channel,
				"mailbox":       in.ChannelEmail,
				"status":        models.IntegrationExpired,
				"error":         err.Error(),
			},
		})
	}

	scheduler := ingest.NewScheduler(syncer, integrations, cfg.PeriodicSyncInterval, cfg.SyncTimeout)

	// --- HTTP ---
	webhooks := webhook.NewHandler(webhook.Config{
		Token:       cfg.WebhookToken,
		SyncTimeout: cfg.SyncTimeout,
	})
	webhooks.Register(string(models.ChannelGmail), syncer)

	router := mux.NewRouter()
	webhooks.Routes(router)
	router.Handle("/ws", hub).Methods(http.MethodGet)
	router.Handle("/events", notify.SSEHandler(bus, sseHeartbeat)).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler(pgPool, rdb)).Methods(http.MethodGet)

	serverCtx, stopServer := context.WithCancel(context.Background())
	ready, done, err := webhook.Serve(serverCtx, cfg.Port, otelhttp.NewHandler(router, "assist-ingestion"))
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Background loops ---
	if cfg.Google.PubSubTopic != "" {
		if err := watches.Start(ctx); err != nil {
			slog.Error("failed to start watch manager", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("GMAIL_PUBSUB_TOPIC not set, watch renewal disabled")
	}
	scheduler.Start(ctx)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	stopServer()
	<-done

	// Let in-flight webhook syncs finish before stopping their dependencies.
	webhooks.Wait()
	cancel()
	watches.Stop()
	scheduler.Stop()

	if err := shutdownTracing(context.Background()); err != nil {
		slog.Error("tracing shutdown error", "error", err)
	}
	if rdb != nil {
		rdb.Close()
	}
	if pgPool != nil {
		pgPool.Close()
	}

	slog.Info("ingestion service stopped")
}

func newUploader(ctx context.Context, cfg config.BlobConfig) (blob.Uploader, error) {
	if cfg.Backend == config.BackendS3 {
		client, err := blob.NewS3Client(ctx, blob.S3Config{
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("attachments stored in S3", "bucket", cfg.Bucket, "region", cfg.Region)
		return blob.NewS3Store(client, cfg.Bucket, cfg.Region, cfg.PublicBaseURL), nil
	}
	slog.Info("attachments stored on disk", "dir", cfg.Dir)
	return blob.NewDiskStore(cfg.Dir, cfg.PublicBaseURL), nil
}

func healthHandler(pgPool *pgxpool.Pool, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "healthy"}
		code := http.StatusOK

		if rdb != nil {
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				status["status"], status["redis"] = "unhealthy", err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		if pgPool != nil {
			if err := pgPool.Ping(r.Context()); err != nil {
				status["status"], status["postgres"] = "unhealthy", err.Error()
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
