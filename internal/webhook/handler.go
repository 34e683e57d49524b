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

// Package webhook receives Gmail push notifications relayed by Pub/Sub.
// The handler decodes the push envelope, acknowledges immediately and runs
// the mailbox sync in the background.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// ErrMalformed is returned by DecodeNotification for envelopes that cannot
// be used.
var ErrMalformed = errors.New("webhook: malformed notification")

const maxBodyBytes = 1 << 20

// MailboxSyncer runs a sync for one mailbox. Implemented by ingest.Syncer.
type MailboxSyncer interface {
	SyncMailbox(ctx context.Context, mailbox, notificationCursor string) error
}

// PushEnvelope is the body Pub/Sub POSTs to a push subscription.
type PushEnvelope struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

// PushMessage is the Pub/Sub message inside a push envelope.
type PushMessage struct {
	Data        string `json:"data"`
	MessageID   string `json:"messageId"`
	PublishTime string `json:"publishTime"`
}

// Notification is the decoded Gmail payload.
type Notification struct {
	EmailAddress string    `json:"emailAddress"`
	HistoryID    HistoryID `json:"historyId"`
}

// HistoryID accepts the cursor as a JSON string or number.
type HistoryID string

func (h *HistoryID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*h = HistoryID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("historyId: %w", err)
	}
	if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
		return fmt.Errorf("historyId: %w", err)
	}
	*h = HistoryID(n.String())
	return nil
}

// DecodeNotification extracts the mailbox and cursor from a push body.
func DecodeNotification(body []byte) (*Notification, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if env.Message.Data == "" {
		return nil, fmt.Errorf("%w: missing message.data", ErrMalformed)
	}

	raw, err := decodeData(env.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data encoding: %v", ErrMalformed, err)
	}

	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	n.EmailAddress = strings.TrimSpace(n.EmailAddress)
	n.HistoryID = HistoryID(strings.TrimSpace(string(n.HistoryID)))
	if n.EmailAddress == "" || n.HistoryID == "" {
		return nil, fmt.Errorf("%w: emailAddress and historyId are required", ErrMalformed)
	}
	return &n, nil
}

// decodeData accepts standard and URL-safe base64, padded or not.
func decodeData(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Config configures a Handler.
type Config struct {
	// Token, when set, must match the request's ?token= parameter.
	Token string
	// SyncTimeout bounds each background sync. Zero means 2m.
	SyncTimeout time.Duration
}

// Handler serves POST /webhook/{channel}.
type Handler struct {
	mu          sync.RWMutex
	syncers     map[string]MailboxSyncer
	token       string
	syncTimeout time.Duration
	wg          sync.WaitGroup
}

// NewHandler creates a Handler with no channels registered.
func NewHandler(cfg Config) *Handler {
	timeout := cfg.SyncTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Handler{
		syncers:     make(map[string]MailboxSyncer),
		token:       cfg.Token,
		syncTimeout: timeout,
	}
}

// Register routes notifications for channel to s.
func (h *Handler) Register(channel string, s MailboxSyncer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.syncers[strings.ToLower(channel)] = s
}

func (h *Handler) syncerFor(channel string) MailboxSyncer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.syncers[strings.ToLower(channel)]
}

// Routes registers the webhook endpoint on r.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/webhook/{channel}", h.ServeHTTP).Methods(http.MethodPost)
}

// ServeHTTP decodes the push envelope, responds 200 and starts the sync.
// The response never waits for the sync.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]

	if h.token != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			slog.Warn("webhook token mismatch", "channel", channel, "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, response{Error: "invalid token"})
			return
		}
	}

	syncer := h.syncerFor(channel)
	if syncer == nil {
		writeJSON(w, http.StatusNotFound, response{Error: "unknown channel"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Error("failed to read webhook body", "channel", channel, "error", err)
		writeJSON(w, http.StatusBadRequest, response{Error: "unreadable body"})
		return
	}

	n, err := DecodeNotification(body)
	if err != nil {
		slog.Warn("rejecting webhook notification", "channel", channel, "error", err)
		writeJSON(w, http.StatusBadRequest, response{Error: err.Error()})
		return
	}

	slog.Info("webhook notification received",
		"channel", channel,
		"mailbox", n.EmailAddress,
		"history_id", string(n.HistoryID),
	)
	writeJSON(w, http.StatusOK, response{Success: true})

	// Keeps request-scoped values such as the trace span but not its
	// cancellation.
	ctx := context.WithoutCancel(r.Context())
	h.dispatch(ctx, syncer, channel, n)
}

func (h *Handler) dispatch(ctx context.Context, syncer MailboxSyncer, channel string, n *Notification) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, h.syncTimeout)
		defer cancel()

		start := time.Now()
		if err := syncer.SyncMailbox(ctx, n.EmailAddress, string(n.HistoryID)); err != nil {
			slog.Error("background sync failed",
				"channel", channel,
				"mailbox", n.EmailAddress,
				"history_id", string(n.HistoryID),
				"error", err,
			)
			return
		}
		slog.Debug("background sync finished",
			"channel", channel,
			"mailbox", n.EmailAddress,
			"duration", time.Since(start),
		)
	}()
}

// Wait blocks until every background sync started by the handler returns.
func (h *Handler) Wait() {
	h.wg.Wait()
}

type response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve starts an HTTP server for handler on port. It binds the port
// immediately and closes the returned channel once it is accepting
// connections. The server shuts down gracefully when ctx is cancelled and
// done is closed after shutdown completes.
func Serve(ctx context.Context, port int, handler http.Handler) (ready <-chan struct{}, done <-chan struct{}, err error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind port %d: %w", port, err)
	}
	ready, done = serveListener(ctx, ln, handler)
	return ready, done, nil
}

// serveListener serves handler on ln until ctx is cancelled. Request
// contexts are cancelled when shutdown begins so long-lived streams end
// instead of holding Shutdown open.
func serveListener(ctx context.Context, ln net.Listener, handler http.Handler) (ready <-chan struct{}, done <-chan struct{}) {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancelBase)

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		cancelBase()
		close(doneCh)
	}()

	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		close(readyCh)
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	return readyCh, doneCh
}
