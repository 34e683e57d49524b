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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHub struct {
	mu       sync.Mutex
	rooms    []string
	payloads [][]byte
	panics   bool
}

func (h *recordingHub) Broadcast(room string, payload []byte) int {
	if h.panics {
		panic("socket layer exploded")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms = append(h.rooms, room)
	h.payloads = append(h.payloads, payload)
	return 1
}

type failingBus struct{ *MemoryBus }

func (failingBus) Publish(context.Context, Event) error { return errors.New("redis down") }

// TestFanout_EmitsToRoomAndBus verifies both channels receive the event.
func TestFanout_EmitsToRoomAndBus(t *testing.T) {
	hub := &recordingHub{}
	bus := NewMemoryBus()
	sub := bus.Subscribe(4)
	defer sub.Close()

	f := NewFanout(hub, bus)
	f.Emit(context.Background(), Event{Type: EventMessageNew, OrgID: "org-1", ConversationID: "c1", MessageID: "m1", Preview: "hi"})

	require.Len(t, hub.rooms, 1)
	assert.Equal(t, "org:org-1:agents", hub.rooms[0])

	var frame struct {
		Event string `json:"event"`
		Data  Event  `json:"data"`
	}
	require.NoError(t, json.Unmarshal(hub.payloads[0], &frame))
	assert.Equal(t, EventMessageNew, frame.Event)
	assert.Equal(t, "m1", frame.Data.MessageID)
	assert.NotEmpty(t, frame.Data.ID)

	select {
	case ev := <-sub.C:
		assert.Equal(t, "c1", ev.ConversationID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("bus subscriber did not receive event")
	}
}

// TestFanout_RoomOverride verifies widget-directed events use their room.
func TestFanout_RoomOverride(t *testing.T) {
	hub := &recordingHub{}
	NewFanout(hub, nil).Emit(context.Background(), Event{Type: EventMessageNew, OrgID: "org-1", Room: WidgetRoom("w-7")})
	require.Len(t, hub.rooms, 1)
	assert.Equal(t, "widget:w-7", hub.rooms[0])
}

// TestFanout_NeverPropagatesFailures verifies a broken hub or bus does not
// escape Emit.
func TestFanout_NeverPropagatesFailures(t *testing.T) {
	assert.NotPanics(t, func() {
		NewFanout(&recordingHub{panics: true}, NewMemoryBus()).Emit(context.Background(), Event{Type: EventMessageNew, OrgID: "o"})
	})
	assert.NotPanics(t, func() {
		NewFanout(&recordingHub{}, failingBus{NewMemoryBus()}).Emit(context.Background(), Event{Type: EventMessageNew, OrgID: "o"})
	})
	assert.NotPanics(t, func() {
		Discard{}.Emit(context.Background(), Event{})
	})
}

func TestDeliverable(t *testing.T) {
	tests := []struct {
		name   string
		ev     Event
		org    string
		user   string
		expect bool
	}{
		{"broadcast same org", Event{OrgID: "o1"}, "o1", "u1", true},
		{"other org", Event{OrgID: "o2"}, "o1", "u1", false},
		{"addressed to me", Event{OrgID: "o1", RecipientUserID: "u1"}, "o1", "u1", true},
		{"addressed to someone else", Event{OrgID: "o1", RecipientUserID: "u2"}, "o1", "u1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, Deliverable(tt.ev, tt.org, tt.user))
		})
	}
}

// TestMemoryBus_SlowSubscriberDoesNotBlock verifies a full buffer drops events.
func TestMemoryBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewMemoryBus()
	sub := bus.Subscribe(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = bus.Publish(context.Background(), Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	assert.Len(t, sub.C, 1)
	<-sub.C
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.Len())
	_, open := <-sub.C
	assert.False(t, open)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestHub_DeliversToRoom verifies a connected agent receives room broadcasts
// and other organisations do not.
func TestHub_DeliversToRoom(t *testing.T) {
	hub := NewHub(8, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set(HeaderOrgID, "org-1")
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer conn.CloseNow()

	waitFor(t, func() bool { return hub.RoomSize(AgentsRoom("org-1")) == 1 })

	assert.Equal(t, 0, hub.Broadcast(AgentsRoom("org-2"), []byte(`{"x":1}`)))
	assert.Equal(t, 1, hub.Broadcast(AgentsRoom("org-1"), []byte(`{"event":"message:new"}`)))

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.JSONEq(t, `{"event":"message:new"}`, string(data))

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return hub.RoomSize(AgentsRoom("org-1")) == 0 })
}

func TestHub_RejectsAnonymous(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHub(0, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestSSEHandler_FiltersByRecipient verifies the stream only carries events
// for the caller.
func TestSSEHandler_FiltersByRecipient(t *testing.T) {
	bus := NewMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus, time.Hour))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set(HeaderOrgID, "org-1")
	req.Header.Set(HeaderUserID, "u1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	waitFor(t, func() bool { return bus.Len() == 1 })

	_ = bus.Publish(ctx, Event{ID: "e1", Type: EventMessageNew, OrgID: "org-2"})
	_ = bus.Publish(ctx, Event{ID: "e2", Type: EventMessageNew, OrgID: "org-1", RecipientUserID: "u2"})
	_ = bus.Publish(ctx, Event{ID: "e3", Type: EventMessageNew, OrgID: "org-1", MessageID: "m3"})

	reader := bufio.NewReader(resp.Body)
	var ids []string
	for len(ids) == 0 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
		}
	}
	assert.Equal(t, []string{"e3"}, ids)
}

func TestSSEHandler_RequiresOrg(t *testing.T) {
	rec := httptest.NewRecorder()
	SSEHandler(NewMemoryBus(), 0)(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
