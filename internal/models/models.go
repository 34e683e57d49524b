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

// Package models defines the helpdesk records shared across the ingestion service.
package models

import (
	"strings"
	"time"
)

// Channel identifies the integration a conversation arrived through.
type Channel string

const (
	ChannelGmail   Channel = "gmail"
	ChannelWebchat Channel = "webchat"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusOpen    ConversationStatus = "open"
	StatusPending ConversationStatus = "pending"
	StatusClosed  ConversationStatus = "closed"
)

// Priority of a conversation.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderContact SenderType = "contact"
	SenderAgent   SenderType = "agent"
	SenderBot     SenderType = "bot"
	SenderSystem  SenderType = "system"
)

// Direction of a message relative to the organisation.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DeliveryStatus of a message.
type DeliveryStatus string

const (
	DeliveryReceived  DeliveryStatus = "received"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Contact is a customer known to an organisation. Contacts with an email are
// unique per (OrgID, Email); anonymous contacts are unique per (OrgID, SourceKey).
type Contact struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Source    Channel   `json:"source"`
	SourceKey string    `json:"source_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FillBlank copies name, email and phone onto the contact only where the
// contact's own value is empty. Existing values are never overwritten.
// It reports whether anything changed.
func (c *Contact) FillBlank(name, email, phone string) bool {
	changed := false
	if c.Name == "" && name != "" {
		c.Name = name
		changed = true
	}
	if c.Email == "" && email != "" {
		c.Email = NormalizeEmail(email)
		changed = true
	}
	if c.Phone == "" && phone != "" {
		c.Phone = phone
		changed = true
	}
	return changed
}

// NormalizeEmail lowercases and trims an address so it can be used as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Assignment records which team member owns a conversation.
type Assignment struct {
	MemberID   string     `json:"member_id,omitempty"`
	AssignedBy string     `json:"assigned_by,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
}

// Closure records the last time a conversation was closed.
type Closure struct {
	Reason   string     `json:"reason,omitempty"`
	ClosedBy string     `json:"closed_by,omitempty"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// ConversationKey is the natural key of a threaded conversation.
type ConversationKey struct {
	OrgID         string
	IntegrationID string
	ContactID     string
	Channel       Channel
	ThreadID      string
}

// Conversation groups the messages of one thread with one contact.
type Conversation struct {
	ID                 string             `json:"id"`
	OrgID              string             `json:"org_id"`
	IntegrationID      string             `json:"integration_id"`
	ContactID          string             `json:"contact_id"`
	Channel            Channel            `json:"channel"`
	ThreadID           string             `json:"thread_id,omitempty"`
	Status             ConversationStatus `json:"status"`
	Priority           Priority           `json:"priority"`
	Assignment         Assignment         `json:"assignment"`
	Tags               []string           `json:"tags"`
	LastMessageAt      time.Time          `json:"last_message_at"`
	LastMessagePreview string             `json:"last_message_preview"`
	Closure            Closure            `json:"closure"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// NewConversation builds an open conversation with default priority and
// tags seeded from the channel.
func NewConversation(id string, key ConversationKey, now time.Time) *Conversation {
	return &Conversation{
		ID:            id,
		OrgID:         key.OrgID,
		IntegrationID: key.IntegrationID,
		ContactID:     key.ContactID,
		Channel:       key.Channel,
		ThreadID:      key.ThreadID,
		Status:        StatusOpen,
		Priority:      PriorityNormal,
		Tags:          SeedTags(key.Channel),
		Metadata:      map[string]string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// SeedTags returns the initial tag set for a new conversation on a channel.
func SeedTags(ch Channel) []string {
	if ch == "" {
		return []string{}
	}
	return []string{string(ch)}
}

// ApplyMessage records a new message on the conversation. A closed
// conversation is reopened; it reports whether that happened.
func (c *Conversation) ApplyMessage(at time.Time, preview string) bool {
	reopened := false
	if c.Status == StatusClosed {
		c.Status = StatusOpen
		reopened = true
	}
	c.LastMessageAt = at
	c.LastMessagePreview = preview
	c.UpdatedAt = time.Now().UTC()
	return reopened
}

// Close marks the conversation closed and stamps the closure metadata.
func (c *Conversation) Close(reason, closedBy string, at time.Time) {
	c.Status = StatusClosed
	c.Closure = Closure{Reason: reason, ClosedBy: closedBy, ClosedAt: &at}
	c.UpdatedAt = at
}

// Attachment is embedded in a Message. URL and Key are only set once the
// binary has been offloaded to blob storage.
type Attachment struct {
	Name                 string `json:"name"`
	MimeType             string `json:"mime_type"`
	Size                 int64  `json:"size"`
	ProviderAttachmentID string `json:"provider_attachment_id,omitempty"`
	URL                  string `json:"url,omitempty"`
	Key                  string `json:"key,omitempty"`
	IsImage              bool   `json:"is_image"`
	IsDownloaded         bool   `json:"is_downloaded"`
}

// MessageBody holds the text and HTML renditions of a message.
type MessageBody struct {
	Text string `json:"text"`
	HTML string `json:"html,omitempty"`
}

// ProviderMetadata links a message to the provider's identifiers.
type ProviderMetadata struct {
	ExternalMessageID string   `json:"external_message_id,omitempty"`
	ThreadID          string   `json:"thread_id,omitempty"`
	InternetMessageID string   `json:"internet_message_id,omitempty"`
	InReplyTo         string   `json:"in_reply_to,omitempty"`
	References        []string `json:"references,omitempty"`
	Source            string   `json:"source,omitempty"`
}

// Message is one physical email or chat message. Messages are append-only.
type Message struct {
	ID             string           `json:"id"`
	OrgID          string           `json:"org_id"`
	ConversationID string           `json:"conversation_id"`
	SenderType     SenderType       `json:"sender_type"`
	SenderID       string           `json:"sender_id"`
	Direction      Direction        `json:"direction"`
	Channel        Channel          `json:"channel"`
	Subject        string           `json:"subject,omitempty"`
	Body           MessageBody      `json:"body"`
	Attachments    []Attachment     `json:"attachments"`
	Status         DeliveryStatus   `json:"status"`
	Provider       ProviderMetadata `json:"provider"`
	SentAt         time.Time        `json:"sent_at"`
	CreatedAt      time.Time        `json:"created_at"`
}

// IntegrationStatus is the connection state of an Integration.
type IntegrationStatus string

const (
	IntegrationConnected    IntegrationStatus = "connected"
	IntegrationDisconnected IntegrationStatus = "disconnected"
	IntegrationError        IntegrationStatus = "error"
	IntegrationExpired      IntegrationStatus = "expired"
	IntegrationActive       IntegrationStatus = "active"
)

// Credentials is an immutable OAuth credential value. A refresh produces a
// new value rather than mutating this one.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Empty reports whether no usable token is present.
func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Integration is one connected channel of an organisation.
type Integration struct {
	ID              string            `json:"id"`
	OrgID           string            `json:"org_id"`
	Channel         Channel           `json:"channel"`
	Status          IntegrationStatus `json:"status"`
	ChannelEmail    string            `json:"channel_email,omitempty"`
	Credentials     Credentials       `json:"-"`
	HistoryID       string            `json:"history_id,omitempty"`
	WatchExpiration *time.Time        `json:"watch_expiration,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	LastSyncedAt    *time.Time        `json:"last_synced_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Receiving reports whether the integration is in a state that accepts
// inbound mail.
func (i *Integration) Receiving() bool {
	return i.Status == IntegrationConnected || i.Status == IntegrationActive
}

// ProcessedMessage is an idempotency ledger entry.
type ProcessedMessage struct {
	ExternalID     string    `json:"external_id"`
	Mailbox        string    `json:"mailbox"`
	OrgID          string    `json:"org_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
}
