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

// Package notify fans ingestion events out to live agent sockets and to
// long-lived SSE connections.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the ingestion pipeline.
const (
	EventMessageNew       = "message:new"
	EventConversationNew  = "conversation:new"
	EventIntegrationError = "integration:error"
)

// Event is the normalised notification payload.
type Event struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	OrgID           string                 `json:"orgId"`
	ConversationID  string                 `json:"conversationId,omitempty"`
	MessageID       string                 `json:"messageId,omitempty"`
	Preview         string                 `json:"preview,omitempty"`
	RecipientUserID string                 `json:"recipientUserId,omitempty"`
	Room            string                 `json:"room,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// AgentsRoom is the socket room for all agents of an organisation.
func AgentsRoom(orgID string) string {
	return "org:" + orgID + ":agents"
}

// WidgetRoom is the socket room for visitors of one webchat widget.
func WidgetRoom(widgetID string) string {
	return "widget:" + widgetID
}

// Notifier emits events. Emit never fails from the caller's point of view.
type Notifier interface {
	Emit(ctx context.Context, ev Event)
}

// Broadcaster delivers a payload to every socket in a room.
type Broadcaster interface {
	Broadcast(room string, payload []byte) int
}

// Fanout is the process-wide Notifier: a room broadcast plus a bus publish.
// Either side may be nil.
type Fanout struct {
	hub Broadcaster
	bus Bus
}

// NewFanout creates a Fanout over hub and bus.
func NewFanout(hub Broadcaster, bus Bus) *Fanout {
	return &Fanout{hub: hub, bus: bus}
}

// socketFrame is the envelope written to websocket clients.
type socketFrame struct {
	Event string `json:"event"`
	Data  Event  `json:"data"`
}

// Emit delivers ev on both channels. Failures are logged and swallowed.
func (f *Fanout) Emit(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notification fan-out panicked",
				"type", ev.Type,
				"org_id", ev.OrgID,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if f.hub != nil {
		room := ev.Room
		if room == "" && ev.OrgID != "" {
			room = AgentsRoom(ev.OrgID)
		}
		if room != "" {
			payload, err := json.Marshal(socketFrame{Event: ev.Type, Data: ev})
			if err != nil {
				slog.Warn("encode socket event failed", "type", ev.Type, "error", err)
			} else {
				n := f.hub.Broadcast(room, payload)
				slog.Debug("socket event broadcast", "type", ev.Type, "room", room, "clients", n)
			}
		}
	}

	if f.bus != nil {
		if err := f.bus.Publish(ctx, ev); err != nil {
			slog.Warn("event bus publish failed",
				"type", ev.Type,
				"org_id", ev.OrgID,
				"error", err,
			)
		}
	}
}

// Discard is a Notifier that drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}
