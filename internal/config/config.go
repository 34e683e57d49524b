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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage and event bus backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendS3       = "s3"
	BackendDisk     = "disk"
)

// GoogleConfig holds the OAuth client and Pub/Sub topic for Gmail.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	PubSubTopic  string
}

// BlobConfig selects and configures attachment storage.
type BlobConfig struct {
	Backend         string // "s3" or "disk"
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string
	Dir             string
	Concurrency     int
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Exporter    string // "none", "stdout" or "otlp"
	Endpoint    string
	SampleRatio float64
	ServiceName string
}

// Config holds all configuration for the ingestion service.
type Config struct {
	Port int

	StorageBackend string
	DatabaseURL    string
	RedisURL       string
	EventBus       string
	EventChannel   string

	LedgerTTL            time.Duration
	FallbackMaxResults   int
	FallbackQuery        string
	PeriodicSyncInterval time.Duration
	WatchRenewBuffer     time.Duration
	SyncTimeout          time.Duration

	WebhookToken     string
	WebsocketOrigins []string

	Google  GoogleConfig
	Blob    BlobConfig
	Tracing TracingConfig

	LogLevel string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port             int      `yaml:"port"`
		WebhookToken     string   `yaml:"webhook_token"`
		WebsocketOrigins []string `yaml:"websocket_origins"`
		LogLevel         string   `yaml:"log_level"`
	} `yaml:"server"`
	Storage struct {
		Backend     string `yaml:"backend"`
		DatabaseURL string `yaml:"database_url"`
	} `yaml:"storage"`
	Redis struct {
		URL       string `yaml:"url"`
		EventBus  string `yaml:"event_bus"`
		Channel   string `yaml:"channel"`
		LedgerTTL string `yaml:"ledger_ttl"`
	} `yaml:"redis"`
	Sync struct {
		FallbackMaxResults int    `yaml:"fallback_max_results"`
		FallbackQuery      string `yaml:"fallback_query"`
		PeriodicInterval   string `yaml:"periodic_interval"`
		WatchRenewBuffer   string `yaml:"watch_renew_buffer"`
		Timeout            string `yaml:"timeout"`
	} `yaml:"sync"`
	Google struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURL  string `yaml:"redirect_url"`
		PubSubTopic  string `yaml:"pubsub_topic"`
	} `yaml:"google"`
	Blob struct {
		Backend         string `yaml:"backend"`
		Bucket          string `yaml:"bucket"`
		Region          string `yaml:"region"`
		Endpoint        string `yaml:"endpoint"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
		PublicBaseURL   string `yaml:"public_base_url"`
		Dir             string `yaml:"dir"`
		Concurrency     int    `yaml:"concurrency"`
	} `yaml:"blob"`
	Tracing struct {
		Exporter    string  `yaml:"exporter"`
		Endpoint    string  `yaml:"endpoint"`
		SampleRatio float64 `yaml:"sample_ratio"`
		ServiceName string  `yaml:"service_name"`
	} `yaml:"tracing"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// applies environment overrides. A missing config file is not an error;
// environment variables and defaults are used alone.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	default:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	cfg := &Config{
		Port: envOrDefaultInt("PORT", orInt(raw.Server.Port, 8080)),

		StorageBackend: strings.ToLower(envOrDefault("STORAGE_BACKEND", firstNonEmpty(raw.Storage.Backend, BackendPostgres))),
		DatabaseURL:    envOrDefault("DATABASE_URL", raw.Storage.DatabaseURL),
		RedisURL:       envOrDefault("REDIS_URL", raw.Redis.URL),
		EventBus:       strings.ToLower(envOrDefault("EVENT_BUS", firstNonEmpty(raw.Redis.EventBus, BackendMemory))),
		EventChannel:   envOrDefault("EVENT_CHANNEL", firstNonEmpty(raw.Redis.Channel, "assist:events")),

		FallbackMaxResults: envOrDefaultInt("FALLBACK_MAX_RESULTS", orInt(raw.Sync.FallbackMaxResults, 5)),
		FallbackQuery:      envOrDefault("FALLBACK_QUERY", firstNonEmpty(raw.Sync.FallbackQuery, "is:unread")),

		WebhookToken:     envOrDefault("WEBHOOK_TOKEN", raw.Server.WebhookToken),
		WebsocketOrigins: raw.Server.WebsocketOrigins,

		Google: GoogleConfig{
			ClientID:     envOrDefault("GOOGLE_CLIENT_ID", raw.Google.ClientID),
			ClientSecret: envOrDefault("GOOGLE_CLIENT_SECRET", raw.Google.ClientSecret),
			RedirectURL:  envOrDefault("GOOGLE_REDIRECT_URL", raw.Google.RedirectURL),
			PubSubTopic:  envOrDefault("GMAIL_PUBSUB_TOPIC", raw.Google.PubSubTopic),
		},
		Blob: BlobConfig{
			Backend:         strings.ToLower(envOrDefault("BLOB_BACKEND", firstNonEmpty(raw.Blob.Backend, BackendDisk))),
			Bucket:          envOrDefault("BLOB_BUCKET", raw.Blob.Bucket),
			Region:          envOrDefault("BLOB_REGION", raw.Blob.Region),
			Endpoint:        envOrDefault("BLOB_ENDPOINT", raw.Blob.Endpoint),
			AccessKeyID:     envOrDefault("BLOB_ACCESS_KEY_ID", raw.Blob.AccessKeyID),
			SecretAccessKey: envOrDefault("BLOB_SECRET_ACCESS_KEY", raw.Blob.SecretAccessKey),
			PublicBaseURL:   envOrDefault("BLOB_PUBLIC_BASE_URL", raw.Blob.PublicBaseURL),
			Dir:             envOrDefault("BLOB_DIR", firstNonEmpty(raw.Blob.Dir, "/var/lib/assist/attachments")),
			Concurrency:     envOrDefaultInt("BLOB_CONCURRENCY", orInt(raw.Blob.Concurrency, 4)),
		},
		Tracing: TracingConfig{
			Exporter:    strings.ToLower(envOrDefault("TRACING_EXPORTER", firstNonEmpty(raw.Tracing.Exporter, "none"))),
			Endpoint:    envOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", raw.Tracing.Endpoint),
			SampleRatio: envOrDefaultFloat("TRACING_SAMPLE_RATIO", orFloat(raw.Tracing.SampleRatio, 1)),
			ServiceName: envOrDefault("OTEL_SERVICE_NAME", firstNonEmpty(raw.Tracing.ServiceName, "assist-ingestion")),
		},

		LogLevel: strings.ToLower(envOrDefault("LOG_LEVEL", firstNonEmpty(raw.Server.LogLevel, "info"))),
	}

	durations := []struct {
		dst      *time.Duration
		env      string
		yaml     string
		fallback time.Duration
	}{
		{&cfg.LedgerTTL, "LEDGER_TTL", raw.Redis.LedgerTTL, 7 * 24 * time.Hour},
		{&cfg.PeriodicSyncInterval, "PERIODIC_SYNC_INTERVAL", raw.Sync.PeriodicInterval, 10 * time.Minute},
		{&cfg.WatchRenewBuffer, "WATCH_RENEW_BUFFER", raw.Sync.WatchRenewBuffer, 24 * time.Hour},
		{&cfg.SyncTimeout, "SYNC_TIMEOUT", raw.Sync.Timeout, 2 * time.Minute},
	}
	for _, d := range durations {
		fallback := d.fallback
		if d.yaml != "" {
			parsed, err := time.ParseDuration(d.yaml)
			if err != nil {
				return nil, fmt.Errorf("parse %s from config file: %w", strings.ToLower(d.env), err)
			}
			fallback = parsed
		}
		*d.dst = envOrDefaultDuration(d.env, fallback)
	}

	if v := os.Getenv("WEBSOCKET_ORIGINS"); v != "" {
		cfg.WebsocketOrigins = splitList(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend selections and their required settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.StorageBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres storage backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.StorageBackend))
	}

	switch c.EventBus {
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis event bus"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown event bus %q", c.EventBus))
	}

	switch c.Blob.Backend {
	case BackendS3:
		if c.Blob.Bucket == "" {
			errs = append(errs, errors.New("BLOB_BUCKET is required for the s3 blob backend"))
		}
	case BackendDisk:
		if c.Blob.Dir == "" {
			errs = append(errs, errors.New("BLOB_DIR is required for the disk blob backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob backend %q", c.Blob.Backend))
	}

	switch c.Tracing.Exporter {
	case "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter))
	}

	if c.FallbackMaxResults <= 0 {
		errs = append(errs, fmt.Errorf("FALLBACK_MAX_RESULTS must be positive, got %d", c.FallbackMaxResults))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func orFloat(v, fallback float64) float64 {
	if v != 0 {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
