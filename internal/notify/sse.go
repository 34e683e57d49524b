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

package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SSEHandler streams bus events for the caller's organisation. Events
// addressed to a specific user are only delivered to that user.
func SSEHandler(bus Bus, heartbeat time.Duration) http.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}

	return func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get(HeaderOrgID)
		userID := r.Header.Get(HeaderUserID)
		if orgID == "" {
			http.Error(w, "missing identity", http.StatusUnauthorized)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		sub := bus.Subscribe(64)
		defer sub.Close()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if !Deliverable(ev, orgID, userID) {
					continue
				}
				body, err := json.Marshal(ev)
				if err != nil {
					slog.Warn("encode sse event failed", "type", ev.Type, "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, body); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// Deliverable reports whether ev should reach a stream opened by userID in
// orgID.
func Deliverable(ev Event, orgID, userID string) bool {
	if ev.OrgID != orgID {
		return false
	}
	return ev.RecipientUserID == "" || ev.RecipientUserID == userID
}
