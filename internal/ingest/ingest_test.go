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
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/assistdesk/ingestion/internal/blob"
	"github.com/assistdesk/ingestion/internal/dedup"
	"github.com/assistdesk/ingestion/internal/gmail"
	"github.com/assistdesk/ingestion/internal/helpdesk"
	"github.com/assistdesk/ingestion/internal/integration"
	"github.com/assistdesk/ingestion/internal/models"
	"github.com/assistdesk/ingestion/internal/notify"
	"github.com/assistdesk/ingestion/internal/oauth"
)

// --- Fake Gmail provider ---

type fakeProvider struct {
	mu sync.Mutex

	messages      map[string]*gmailapi.Message
	messageErrs   map[string]error
	attachments   map[string][]byte
	attachmentErr map[string]error

	history       *gmail.HistoryResult
	historyErr    error
	historyErrAt  map[string]error
	historyStarts []string

	recent      []string
	recentCalls int

	profile      *gmail.Profile
	profileCalls int

	getCalls map[string]int
	tokens   []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		messages:      map[string]*gmailapi.Message{},
		messageErrs:   map[string]error{},
		attachments:   map[string][]byte{},
		attachmentErr: map[string]error{},
		historyErrAt:  map[string]error{},
		getCalls:      map[string]int{},
		profile:       &gmail.Profile{HistoryID: "999"},
	}
}

func (p *fakeProvider) GetProfile(_ context.Context, creds models.Credentials) (*gmail.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profileCalls++
	p.tokens = append(p.tokens, creds.AccessToken)
	return p.profile, nil
}

func (p *fakeProvider) ListHistory(_ context.Context, creds models.Credentials, start string) (*gmail.HistoryResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.historyStarts = append(p.historyStarts, start)
	p.tokens = append(p.tokens, creds.AccessToken)
	if p.historyErr != nil {
		return nil, p.historyErr
	}
	if err := p.historyErrAt[start]; err != nil {
		return nil, err
	}
	if p.history == nil {
		return &gmail.HistoryResult{}, nil
	}
	return p.history, nil
}

func (p *fakeProvider) ListRecent(_ context.Context, _ models.Credentials, query string, max int64) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recentCalls++
	if int64(len(p.recent)) > max {
		return p.recent[:max], nil
	}
	return p.recent, nil
}

func (p *fakeProvider) GetMessage(_ context.Context, creds models.Credentials, id string) (*gmailapi.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls[id]++
	p.tokens = append(p.tokens, creds.AccessToken)
	if err := p.messageErrs[id]; err != nil {
		return nil, err
	}
	msg, ok := p.messages[id]
	if !ok {
		return nil, fmt.Errorf("get message %s: %w", id, gmail.ErrNotFound)
	}
	return msg, nil
}

func (p *fakeProvider) GetAttachment(_ context.Context, _ models.Credentials, msgID, attID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.attachmentErr[attID]; err != nil {
		return nil, err
	}
	data, ok := p.attachments[msgID+"/"+attID]
	if !ok {
		return nil, gmail.ErrNotFound
	}
	return data, nil
}

func (p *fakeProvider) calls(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getCalls[id]
}

func (p *fakeProvider) addMessage(m *gmailapi.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[m.Id] = m
}

// --- Message builders ---

func enc(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

type attachmentPart struct {
	name, mime, id string
	size           int64
}

func gmailMessage(id, threadID, from, subject, body string, date time.Time, atts ...attachmentPart) *gmailapi.Message {
	parts := []*gmailapi.MessagePart{
		{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: enc(body)}},
	}
	for _, a := range atts {
		parts = append(parts, &gmailapi.MessagePart{
			MimeType: a.mime,
			Filename: a.name,
			Body:     &gmailapi.MessagePartBody{AttachmentId: a.id, Size: a.size},
		})
	}
	return &gmailapi.Message{
		Id:       id,
		ThreadId: threadID,
		Payload: &gmailapi.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "From", Value: from},
				{Name: "To", Value: "support@x.com"},
				{Name: "Subject", Value: subject},
				{Name: "Message-ID", Value: "<" + id + "@mail>"},
				{Name: "Date", Value: date.Format(time.RFC1123Z)},
			},
			Parts: parts,
		},
	}
}

// --- Collaborator fakes ---

type stubRefresher struct {
	next models.Credentials
	err  error
}

func (r *stubRefresher) RefreshIfNeeded(_ context.Context, creds models.Credentials) (models.Credentials, bool, error) {
	if r.err != nil {
		return creds, false, r.err
	}
	if r.next.AccessToken != "" && r.next.AccessToken != creds.AccessToken {
		return r.next, true, nil
	}
	return creds, false, nil
}

type memUploader struct {
	mu   sync.Mutex
	keys []string
	fail map[string]bool
}

func (u *memUploader) Upload(_ context.Context, in blob.UploadInput) (blob.UploadResult, error) {
	if u.fail[in.FileName] {
		return blob.UploadResult{}, errors.New("bucket unavailable")
	}
	key, err := blob.ObjectKey(in.OrgKey, in.FileName)
	if err != nil {
		return blob.UploadResult{}, err
	}
	u.mu.Lock()
	u.keys = append(u.keys, key)
	u.mu.Unlock()
	return blob.UploadResult{URL: "https://blob.test/" + key, Key: key, Size: int64(len(in.Body))}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Emit(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

// --- Harness ---

type harness struct {
	syncer    *Syncer
	provider  *fakeProvider
	ints      *integration.MemoryStore
	ledger    *dedup.MemoryLedger
	stores    *helpdesk.Stores
	uploader  *memUploader
	notifier  *recordingNotifier
	refresher *stubRefresher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		provider:  newFakeProvider(),
		ints:      integration.NewMemoryStore(),
		ledger:    dedup.NewMemoryLedger(0),
		stores:    helpdesk.NewMemory(),
		uploader:  &memUploader{fail: map[string]bool{}},
		notifier:  &recordingNotifier{},
		refresher: &stubRefresher{},
	}
	h.syncer = NewSyncer(Config{
		Integrations: h.ints,
		Refresher:    h.refresher,
		Provider:     h.provider,
		Ledger:       h.ledger,
		Stores:       h.stores,
		Offloader:    blob.NewOffloader(h.uploader, 2),
		Notifier:     h.notifier,
	})
	return h
}

func (h *harness) seed(t *testing.T, id, orgID, mailbox, historyID string) *models.Integration {
	t.Helper()
	in := models.Integration{
		ID:           id,
		OrgID:        orgID,
		Channel:      models.ChannelGmail,
		Status:       models.IntegrationConnected,
		ChannelEmail: mailbox,
		Credentials:  models.Credentials{AccessToken: "at-" + id, RefreshToken: "rt-" + id, Expiry: time.Now().Add(time.Hour)},
		HistoryID:    historyID,
	}
	require.NoError(t, h.ints.Upsert(context.Background(), in))
	stored, err := h.ints.Get(context.Background(), id)
	require.NoError(t, err)
	return stored
}

func (h *harness) integration(t *testing.T, id string) *models.Integration {
	t.Helper()
	in, err := h.ints.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, in)
	return in
}

func (h *harness) messages(t *testing.T, orgID string) []models.Message {
	t.Helper()
	out, err := h.stores.Messages.List(context.Background(), orgID)
	require.NoError(t, err)
	return out
}

func (h *harness) conversations(t *testing.T, orgID string) []models.Conversation {
	t.Helper()
	out, err := h.stores.Conversations.List(context.Background(), orgID)
	require.NoError(t, err)
	return out
}

func (h *harness) contacts(t *testing.T, orgID string) []models.Contact {
	t.Helper()
	out, err := h.stores.Contacts.List(context.Background(), orgID)
	require.NoError(t, err)
	return out
}

func (h *harness) processed(t *testing.T, id, mailbox string) bool {
	t.Helper()
	ok, err := h.ledger.IsProcessed(context.Background(), id, mailbox)
	require.NoError(t, err)
	return ok
}

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// --- Tests ---

// TestSyncMailbox_NewThread verifies the first message of a thread creates
// a contact, an open conversation, an inbound message and a ledger entry.
func TestSyncMailbox_NewThread(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "int-1", "org-1", "support@x.com", "100")
	h.provider.addMessage(gmailMessage("m1", "t1", `"Ann" <a@b.com>`, "Help", "My order is late", t0))
	h.provider.history = &gmail.HistoryResult{MessageIDs: []string{"m1"}, Records: 1, HistoryID: "200"}

	require.NoError(t, h.syncer.SyncMailbox(context.Background(), "support@x.com", "150"))

	assert.Equal(t, []string{"100"}, h.provider.historyStarts, "stored cursor wins over notification")

	contacts := h.contacts(t, "org-1")
	require.Len(t, contacts, 1)
	assert.Equal(t, "a@b.com", contacts[0].Email)
	assert.Equal(t, "Ann", contacts[0].Name)

	convs := h.conversations(t, "org-1")
	require.Len(t, convs, 1)
	assert.Equal(t, models.ChannelGmail, convs[0].Channel)
	assert.Equal(t, "t1", convs[0].ThreadID)
	assert.Equal(t, models.StatusOpen, convs[0].Status)
	assert.Equal(t, contacts[0].ID, convs[0].ContactID)
	assert.Equal(t, "My order is late", convs[0].LastMessagePreview)
	assert.True(t, convs[0].LastMessageAt.Equal(t0))

	msgs := h.messages(t, "org-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, models.SenderContact, msgs[0].SenderType)
	assert.Equal(t, contacts[0].ID, msgs[0].SenderID)
	assert.Equal(t, convs[0].ID, msgs[0].ConversationID)
	assert.Equal(t, "m1", msgs[0].Provider.ExternalMessageID)
	assert.Equal(t, SourceHistory, msgs[0].Provider.Source)
	assert.Equal(t, "Help", msgs[0].Subject)

	entries := h.ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].ExternalID)
	assert.Equal(t, msgs[0].ID, entries[0].MessageID)
	assert.Equal(t, convs[0].ID, entries[0].ConversationID)

	assert.Equal(t, "200", h.integration(t, "int-1").HistoryID)
	assert.Equal(t, []string{notify.EventConversationNew, notify.EventMessageNew}, h.notifier.types())
}

// TestProcessOne_Idempotent verifies a second call for the same message is
// a no-op.
func TestProcessOne_Idempotent(t *testing.T) {
	h := newHarness(t)
	in := h.seed(t, "int-1", "org-1", "support@x.com", "100")
	h.provider.addMessage(gmailMessage("m1", "t1", "a@b.com", "Hi", "hello", t0))

	first, err := h.syncer.ProcessOne(context.Background(), "support@x.com", "m1", in, SourceHistory)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := h.syncer.ProcessOne(context.Background(), "support@x.com", "m1", in, SourceHistory)
	require.NoError(t, err)
	assert.Nil(t, second)

	assert.Len(t, h.messages(t, "org-1"), 1)
	assert.Len(t, h.conversations(t, "org-1"), 1)
	assert.Equal(t, 1, h.provider.calls("m1"), "ledger hit must skip the provider fetch")
}

// TestSyncMailbox_NotificationCursor verifies the notification cursor is
// decremented when nothing is stored.
func TestSyncMailbox_NotificationCursor(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "int-1", "org-1", "support@x.com", "")
	h.provider.addMessage(gmailMessage("m1", "t1", "a@b.com", "Hi", "hello", t0))
	h.provider.history = &gmail.HistoryResult{MessageIDs: []string{"m1"}, Records: 1, HistoryID: "501"}

	require.NoError(t, h.syncer.SyncMailbox(context.Background(), "support@x.com", "500"))

	assert.Equal(t, []string{"499"}, h.provider.historyStarts)
	assert.Equal(t, "501", h.integration(t, "int-1").HistoryID)
}

func TestEffectiveCursor(t *testing.T) {
	tests := []struct {
		stored, notification, want string
	}{
		{"100", "500", "100"},
		{"", "500", "499"},
		{"", "1", "0"},
		{"", "abc", "abc"},
		{"", "", ""},
		{" 42 ", "", "42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EffectiveCursor(tt.stored, tt.notification), "stored=%q notification=%q", tt.stored, tt.notification)
	}
}

// TestSyncMailbox_TenantIsolation verifies a notification for one mailbox
// never touches another organisation's records.
func TestSyncMailbox_TenantIsolation(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "int-a", "org-a", "help@a.com", "10")
	h.seed(t, "int-b", "org-b", "help@b.com", "10")
	h.provider.addMessage(gmailMessage("m1", "t1", "cust@z.com", "Hi", "hello", t0))
	h.provider.history = &gmail.HistoryResult{MessageIDs: []string{"m1"}, Records: 1, HistoryID: "11"}

	require.NoError(t, h.syncer.SyncMailbox(context.Background(), "help@a.com", ""))

	assert.Len(t, h.messages(t, "org-a"), 1)
	assert.Empty(t, h.messages(t, "org-b"))
	assert.Empty(t, h.conversations(t, "org-b"))
	assert.Empty(t, h.contacts(t, "org-b"))
	assert.Equal(t, "10", h.integration(t, "int-b").HistoryID)

	for _, key := range h.uploader.keys {
		assert.True(t, strings.HasPrefix(key, "orgs/org-a/"), key)
	}
	for _, ev := range h.notifier.events {
		assert.Equal(t, "org-a", ev.OrgID)
	}
}

// TestProcessOne_ReopensClosedConversation verifies a reply on a closed
// thread reopens it instead of creating a second conversation.
func TestProcessOne_ReopensClosedConversation(t *testing.T) {
	h := newHarness(t)
	in := h.seed(t, "int-1", "org-1", "support@x.com", "100")
	ctx := context.Background()

	h.provider.addMessage(gmailMessage("m1", "t1", "a@b.com", "Hi", "first", t0))
	first, err := h.syncer.ProcessOne(ctx, "support@x.com", "m1", in, SourceHistory)
	require.NoError(t, err)

	_, err = h.stores.Conversations.Close(ctx, "org-1", first.ConversationID, "resolved", "agent-1")
	require.NoError(t, err)

	later := t0.Add(2 * time.Hour)
	h.provider.addMessage(gmailMessage("m2", "t1", "a@b.com", "Re: Hi", "it broke again", later))
	second, err := h.syncer.ProcessOne(ctx, "support@x.com", "m2", in, SourceHistory)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	convs := h.conversations(t, "org-1")
	require.Len(t, convs, 1)
	assert.Equal(t, models.StatusOpen, convs[0].Status)
	assert.Equal(t, "it broke again", convs[0].LastMessagePreview)
	assert.True(t, convs[0].LastMessageAt.Equal(later))
}

// TestProcessOne_AttachmentFaultIsolation verifies one failed attachment
// download does not affect the others or the message.
func TestProcessOne_AttachmentFaultIsolation(t *testing.T) {
	h := newHarness(t)
	in := h.seed(t, "int-1", "org-1", "support@x.com", "100")

	h.provider.addMessage(gmailMessage("m1", "t1", "a@b.com", "Files", "see attached", t0,
		attachmentPart{name: "one.png", mime: "image/png", id: "att-1", size: 4},
		attachmentPart{name: "two.pdf", mime: "application/pdf", id: "att-2", size: 8},
		attachmentPart{name: "three.txt", mime: "text/plain", id: "att-3", size: 5},
	))
	h.provider.attachments["m1/att-1"] = []byte("png!")
	h.provider.attachmentErr["att-2"] = errors.New("connection reset")
	h.provider.attachments["m1/att-3"] = []byte("hello")

	msg, err := h.syncer.ProcessOne(context.Background(), "support@x.com", "m1", in, SourceHistory)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Len(t, msg.Attachments, 3)

	assert.True(t, msg.Attachments[0].IsDownloaded)
	assert.True(t, msg.Attachments[0].IsImage)
	assert.False(t, msg.Attachments[1].IsDownloaded)
	assert.Equal(t, "two.pdf", msg.Attachments[1].Name)
	assert.Equal(t, "att-2", msg.Attachments[1].ProviderAttachmentID)
	assert.True(t, msg.Attachments[2].IsDownloaded)
	assert.True(t, strings.HasPrefix(msg.Attachments[2].Key, "orgs/org-1/"))

	stored := h.messages(t, "org-1")
	require.Len(t, stored, 1)
	assert.Len(t, stored[0].Attachments, 3)
}

// TestProcessOne_FetchesLargeBody verifies a body Gmail delivers by
// attachment id is downloaded into the message and not stored as a file.
func TestProcessOne_FetchesLargeBody(t *testing.T) {
	h := newHarness(t)
	in := h.seed(t, "int-1", "org-1", "support@x.com", "100")

	m := gmailMessage("m1", "t1", "a@b.com", "Newsletter", "", t0)
	m.Payload.Parts = []*gmailapi.MessagePart{{
		MimeType: "text/html",
		Body:     &gmailapi.MessagePartBody{AttachmentId: "ANGjdJ_big", Size: 900000},
	}}
	h.provider.addMessage(m)
	h.provider.attachments["m1/ANGjdJ_big"] = []byte("<p>Big <b>news</b></p>")

	msg, err := h.syncer.ProcessOne(context.Background(), "support@x.com", "m1", in, SourceHistory)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Empty(t, msg.Attachments)
	assert.Equal(t, "<p>Big <b>news</b></p>", msg.Body.HTML)
	assert.Equal(t, "Big news", msg.Body.Text)
}

// TestProcessOne_OutboundEchoSuppressed verifies mail sent from the mailbox
// itself is never ingested but is still marked processed.
func TestProcessOne_OutboundEchoSuppressed(t *testing.T) {
	h := newHarness(t)
	in := h.seed(t, "int-1", "org-1", "support@x.com", "100")
	h.provider.addMessage(gmailMessage("m1", "t1", `"Support" <Support@X.com>`, "Re: Hi", "we replied", t0))

	msg, err := h.syncer.ProcessOne(context.Background(), "support@x.com", "m1", in, SourceHistory)
	require.NoError(t, err)
	assert.Nil(t, msg)

	assert.Empty(t, h.messages(t, "org-1"))
	assert.Empty(t, h.conversations(t, "org-1"))
	assert.Empty(t, h.contacts(t, "org-1"))
	assert.True(t, h.processed(t, "m1", "support@x.com"))
	assert.Empty(t, h.notifier.events)
}

// TestSyncMailbox_StaleCursorFallback verifies an invalid history cursor
// falls back to recent messages and resyncs to the profile cursor.
func TestSyncMailbox_StaleCursorFallback(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "int-1", "org-1", "support@x.com", "5")
	h.provider.historyErr = fmt.Errorf("list history: %w", gmail.ErrHistoryInvalid)
	h.provider.recent = []string{"r1", "r2"}
	h.provider.profile = &gmail.Profile{EmailAddress: "support@x.com", HistoryID: "900"}
	h.provider.addMessage(gmailMessage("r1", "t1", "a@b.com", "One", "one", t0))
	h.provider.addMessage(gmailMessage("r2", "t2", "c@d.com", "Two", "two", t0))

	require.NoError(t, h.syncer.SyncMailbox(context.Background(), "support@x.com", ""))

	assert.Equal(t, 1, h.provider.recentCalls)
	msgs := h.messages(t, "org-1")
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, SourceFallback, m.Provider.Source)
	}
	assert.Equal(t, "900", h.integration(t, "int-1").HistoryID)
}

// TestSyncMailbox_InvalidCursorResyncsLower verifies a rejected cursor that
// is numerically above the provider's current value is replaced, so the
// next sync reads history from the provider's cursor again.
func TestSyncMailbox_InvalidCursorResyncsLower(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "int-1", "org-1", "support@x.com", "900000000")
	h.provider.historyErrAt["900000000"] = fmt.Errorf("list history: %w", gmail.ErrHistoryInvalid)
	h.provider.profile = &gmail.Profile{EmailAddress: "support@x.com", HistoryID: "5000"}
	h.provider.history = &gmail.HistoryResult{MessageIDs: []string{"m1"}, Records: 1, HistoryID: "5001"}
	h.provider.addMessage(gmailMessage("m1", "t1", "a@b.com", "Hello", "hi", t0))

	ctx := context.Background()
	require.NoError(t, h.syncer.SyncMailbox(ctx, "support@x.com", ""))
	assert.Equal(t, "5000", h.integration(t, "int-1").HistoryID)

	require.NoError(t, h.syncer.SyncMailbox(ctx, "support@x.com", ""))
	assert.Equal(t, []string{"900000000", "5000"}, h.provider.historyStarts)
	assert.Equal(t, 1, h.provider.recentCalls, "second sync reads history, not the fallback")
	assert.Equal(t, "5001", h.integration(t, "int-1").HistoryID)
	assert.Len(t, h.messages(t, "org-1"), 1)
}

// TestSyncMailbox_EmptyHistoryStillAdvances verifies an empty diff checks
// recent messages and still moves the cursor forward.
func TestSyncMailbox_EmptyHistoryStillAdvances(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "int-1", "org-1", "support@x.com", "100")
	h.provider.history = &gmail.HistoryResult{HistoryID: "300"}

	require.NoError(t, h.syncer.SyncMailbox(context.Background(), "support@x.com", ""))

	assert.Equal(t, 1, h.provider.recentCalls)
	assert.Equal(t, 0, h.provider.profileCalls, "history already reported the current cursor")
	assert.Empty(t, h.messages(t, "org-1"))
	assert.Equal(t, "300", h.integration(t, "int-1").HistoryID)
}

// TestSyncMailbox_UnauthorizedPropagates verifies a 401 aborts the batch,
// keeps the cursor, flags the integration and notifies agents.
func TestSyncMailbox_UnauthorizedPropagates(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "int-1", "org-1", "support@x.com", "100")
	h.provider.history = &gmail.HistoryResult{MessageIDs: []string{"m1", "m2", "m3"}, Records: 3, HistoryID: "200"}
	h.provider.addMessage(gmailMessage("m1", "t1", "a@b.com", "1", "one", t0))
	h.provider.messageErrs["m2"] = fmt.Errorf("get message m2: %w", gmail.ErrUnauthorized)
	h.provider.addMessage(gmailMessage("m3", "t3", "a@b.com", "3", "three", t0))

	err := h.syncer.SyncMailbox(context.Background(), "support@x.com", "")
	require.ErrorIs(t, err, ErrCredentialsExpired)

	assert.Len(t, h.messages(t, "org-1"), 1)
	assert.Equal(t, 0, h.provider.calls("m3"))

	in := h.integration(t, "int-1")
	assert.Equal(t, "100", in.HistoryID)
	assert.Equal(t, models.IntegrationExpired, in.Status)
	assert.NotEmpty(t, in.LastError)
	assert.Contains(t, h.notifier.types(), notify.EventIntegrationError)
}

// TestProcessOne_NotFoundMarksProcessed verifies a deleted message is
// recorded so it is never fetched again.
func TestProcessOne_NotFoundMarksProcessed(t *testing.T) {
	h := newHarness(t)
	in := h.seed(t, "int-1", "org-1", "support@x.com", "100")

	msg, err := h.syncer.ProcessOne(context.Background(), "support@x.com", "gone", in, SourceHistory)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.True(t, h.processed(t, "gone", "support@x.com"))

	_, err = h.syncer.ProcessOne(context.Background(), "support@x.com", "gone", in, SourceHistory)
	require.NoError(t, err)
	assert.Equal(t, 1, h.provider.calls("gone"))
}

// TestSyncMailbox_ContinuesAfterMessageError verifies a transient failure on
// one message does not stop the batch, and the failed id stays retryable.
func TestSyncMailbox_ContinuesAfterMessageError(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "int-1", "org-1", "support@x.com", "100")
	h.provider.history = &gmail.HistoryResult{MessageIDs: []string{"m1", "m2", "m3"}, Records: 3, HistoryID: "200"}
	h.provider.addMessage(gmailMessage("m1", "t1", "a@b.com", "1", "one", t0))
	h.provider.messageErrs["m2"] = errors.New("503 backend error")
	h.provider.addMessage(gmailMessage("m3", "t3", "a@b.com", "3", "three", t0))

	require.NoError(t, h.syncer.SyncMailbox(context.Background(), "support@x.com", ""))

	assert.Len(t, h.messages(t, "org-1"), 2)
	assert.False(t, h.processed(t, "m2", "support@x.com"))
	assert.Equal(t, "200", h.integration(t, "int-1").HistoryID)
}

// TestSyncMailbox_UnknownMailboxIsNoop verifies unknown and credential-less
// mailboxes are skipped without error.
func TestSyncMailbox_UnknownMailboxIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ints.Upsert(context.Background(), models.Integration{
		ID: "int-empty", OrgID: "org-1", Channel: models.ChannelGmail,
		Status: models.IntegrationConnected, ChannelEmail: "empty@x.com",
	}))
	require.NoError(t, h.ints.Upsert(context.Background(), models.Integration{
		ID: "int-off", OrgID: "org-1", Channel: models.ChannelGmail,
		Status: models.IntegrationDisconnected, ChannelEmail: "off@x.com",
		Credentials: models.Credentials{AccessToken: "a", RefreshToken: "r"},
	}))

	require.NoError(t, h.syncer.SyncMailbox(context.Background(), "nobody@x.com", "5"))
	require.NoError(t, h.syncer.SyncMailbox(context.Background(), "empty@x.com", "5"))
	require.NoError(t, h.syncer.SyncMailbox(context.Background(), "off@x.com", "5"))

	assert.Empty(t, h.provider.historyStarts)
	assert.Equal(t, 0, h.provider.recentCalls)
}

// TestSyncMailbox_RefreshedCredentialsPersisted verifies rotated tokens are
// saved and used for provider calls.
func TestSyncMailbox_RefreshedCredentialsPersisted(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "int-1", "org-1", "support@x.com", "100")
	h.refresher.next = models.Credentials{AccessToken: "rotated", RefreshToken: "rt-int-1", Expiry: time.Now().Add(time.Hour)}
	h.provider.history = &gmail.HistoryResult{HistoryID: "101"}

	require.NoError(t, h.syncer.SyncMailbox(context.Background(), "support@x.com", ""))

	assert.Equal(t, "rotated", h.integration(t, "int-1").Credentials.AccessToken)
	require.NotEmpty(t, h.provider.tokens)
	for _, tok := range h.provider.tokens {
		assert.Equal(t, "rotated", tok)
	}
}

// TestSyncMailbox_RevokedRefreshToken verifies a rejected refresh flags the
// integration and surfaces ErrCredentialsExpired.
func TestSyncMailbox_RevokedRefreshToken(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "int-1", "org-1", "support@x.com", "100")
	h.refresher.err = fmt.Errorf("%w: invalid_grant", oauth.ErrReauthRequired)

	err := h.syncer.SyncMailbox(context.Background(), "support@x.com", "")
	require.ErrorIs(t, err, ErrCredentialsExpired)

	assert.Equal(t, models.IntegrationExpired, h.integration(t, "int-1").Status)
	assert.Equal(t, []string{notify.EventIntegrationError}, h.notifier.types())
	assert.Empty(t, h.provider.historyStarts)
}

type panickyHub struct{}

func (panickyHub) Broadcast(string, []byte) int { panic("socket server gone") }

type brokenBus struct{ *notify.MemoryBus }

func (brokenBus) Publish(context.Context, notify.Event) error { return errors.New("redis down") }

// TestProcessOne_FanoutFailureIsNotFatal verifies notification failures
// never fail ingestion.
func TestProcessOne_FanoutFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.syncer.notifier = notify.NewFanout(panickyHub{}, brokenBus{notify.NewMemoryBus()})
	in := h.seed(t, "int-1", "org-1", "support@x.com", "100")
	h.provider.addMessage(gmailMessage("m1", "t1", "a@b.com", "Hi", "hello", t0))

	msg, err := h.syncer.ProcessOne(context.Background(), "support@x.com", "m1", in, SourceHistory)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.True(t, h.processed(t, "m1", "support@x.com"))
}

// TestSyncMailbox_ConcurrentSyncs verifies overlapping syncs of the same
// mailbox store each message once.
func TestSyncMailbox_ConcurrentSyncs(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "int-1", "org-1", "support@x.com", "100")
	ids := []string{"m1", "m2", "m3", "m4"}
	for i, id := range ids {
		h.provider.addMessage(gmailMessage(id, fmt.Sprintf("t%d", i%2), "a@b.com", id, "body "+id, t0))
	}
	h.provider.history = &gmail.HistoryResult{MessageIDs: ids, Records: len(ids), HistoryID: "150"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.syncer.SyncMailbox(context.Background(), "support@x.com", ""))
		}()
	}
	wg.Wait()

	assert.Len(t, h.messages(t, "org-1"), len(ids))
	assert.Len(t, h.conversations(t, "org-1"), 2)
	assert.Len(t, h.contacts(t, "org-1"), 1)
	assert.Len(t, h.ledger.Entries(), len(ids))
	assert.Equal(t, "150", h.integration(t, "int-1").HistoryID)
}

// TestSyncMailbox_CursorNeverRegresses verifies an older provider cursor
// does not overwrite a newer stored one.
func TestSyncMailbox_CursorNeverRegresses(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "int-1", "org-1", "support@x.com", "500")
	h.provider.history = &gmail.HistoryResult{HistoryID: "450"}

	require.NoError(t, h.syncer.SyncMailbox(context.Background(), "support@x.com", ""))
	assert.Equal(t, "500", h.integration(t, "int-1").HistoryID)
}

// --- Scheduler ---

type recordingSyncer struct {
	mu        sync.Mutex
	mailboxes []string
}

func (r *recordingSyncer) SyncMailbox(_ context.Context, mailbox, cursor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mailboxes = append(r.mailboxes, mailbox+"|"+cursor)
	if mailbox == "bad@x.com" {
		return errors.New("boom")
	}
	return nil
}

// TestScheduler_RunOnce verifies every connected mailbox is synced and one
// failure does not stop the rest.
func TestScheduler_RunOnce(t *testing.T) {
	store := integration.NewMemoryStore()
	ctx := context.Background()
	for _, in := range []models.Integration{
		{ID: "1", OrgID: "a", Channel: models.ChannelGmail, Status: models.IntegrationConnected, ChannelEmail: "bad@x.com"},
		{ID: "2", OrgID: "b", Channel: models.ChannelGmail, Status: models.IntegrationActive, ChannelEmail: "good@x.com"},
		{ID: "3", OrgID: "c", Channel: models.ChannelGmail, Status: models.IntegrationExpired, ChannelEmail: "expired@x.com"},
		{ID: "4", OrgID: "d", Channel: models.ChannelWebchat, Status: models.IntegrationConnected},
	} {
		require.NoError(t, store.Upsert(ctx, in))
	}

	rec := &recordingSyncer{}
	NewScheduler(rec, store, time.Minute, time.Second).RunOnce(ctx)

	assert.Equal(t, []string{"bad@x.com|", "good@x.com|"}, rec.mailboxes)
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(&recordingSyncer{}, integration.NewMemoryStore(), 10*time.Millisecond, 0)
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	disabled := NewScheduler(&recordingSyncer{}, integration.NewMemoryStore(), 0, 0)
	disabled.Start(context.Background())
	disabled.Stop()
}
