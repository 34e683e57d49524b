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
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Identity headers set by the upstream auth gateway.
const (
	HeaderOrgID    = "X-Org-ID"
	HeaderUserID   = "X-User-ID"
	HeaderWidgetID = "X-Widget-ID"
)

const writeTimeout = 5 * time.Second

// Hub tracks websocket clients by room.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]map[*client]struct{}
	sendBuffer int
	origins    []string
}

type client struct {
	send chan []byte
}

// NewHub creates a Hub. originPatterns is passed to the websocket
// handshake; empty means same-origin only.
func NewHub(sendBuffer int, originPatterns []string) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	return &Hub{
		rooms:      make(map[string]map[*client]struct{}),
		sendBuffer: sendBuffer,
		origins:    originPatterns,
	}
}

// Broadcast queues payload for every client in room and returns how many
// accepted it. Clients with a full queue miss the payload.
func (h *Hub) Broadcast(room string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.rooms[room] {
		select {
		case c.send <- payload:
			n++
		default:
			slog.Debug("socket client queue full, dropping event", "room", room)
		}
	}
	return n
}

// RoomSize returns the number of clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) join(c *client, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range rooms {
		if h.rooms[r] == nil {
			h.rooms[r] = make(map[*client]struct{})
		}
		h.rooms[r][c] = struct{}{}
	}
}

func (h *Hub) leave(c *client, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range rooms {
		delete(h.rooms[r], c)
		if len(h.rooms[r]) == 0 {
			delete(h.rooms, r)
		}
	}
}

// roomsFor derives the rooms a request may join from identity headers.
func roomsFor(r *http.Request) []string {
	var rooms []string
	if org := r.Header.Get(HeaderOrgID); org != "" {
		rooms = append(rooms, AgentsRoom(org))
	}
	if widget := r.Header.Get(HeaderWidgetID); widget != "" {
		rooms = append(rooms, WidgetRoom(widget))
	}
	return rooms
}

// ServeHTTP upgrades the request and streams room events until the client
// disconnects. Incoming frames are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rooms := roomsFor(r)
	if len(rooms) == 0 {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	c := &client{send: make(chan []byte, h.sendBuffer)}
	h.join(c, rooms)
	defer h.leave(c, rooms)

	slog.Debug("socket client joined", "rooms", rooms)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			if err := writeFrame(ctx, conn, msg); err != nil {
				slog.Debug("socket write failed", "error", err)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
