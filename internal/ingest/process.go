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
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/assistdesk/ingestion/internal/blob"
	"github.com/assistdesk/ingestion/internal/gmail"
	"github.com/assistdesk/ingestion/internal/models"
	"github.com/assistdesk/ingestion/internal/notify"
)

// ProcessOne ingests a single provider message for mailbox. in must carry
// usable credentials (see ResolveAccount).
//
// It returns nil, nil when the message needs no work: already processed,
// deleted at the provider, or an echo of the mailbox's own outbound mail.
// Those cases are still recorded in the ledger. ErrCredentialsExpired is
// returned when the provider rejects the credentials.
func (s *Syncer) ProcessOne(ctx context.Context, mailbox, externalID string, in *models.Integration, source string) (msg *models.Message, err error) {
	ctx, span := s.tracer.Start(ctx, "ingest.ProcessOne", trace.WithAttributes(
		attribute.String("mailbox", mailbox),
		attribute.String("external_id", externalID),
		attribute.String("org_id", in.OrgID),
		attribute.String("source", source),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := slog.With(
		"mailbox", mailbox,
		"external_id", externalID,
		"org_id", in.OrgID,
		"source", source,
	)

	done, err := s.ledger.IsProcessed(ctx, externalID, mailbox)
	if err != nil {
		return nil, fmt.Errorf("ledger check: %w", err)
	}
	if done {
		log.Info("message already processed")
		return nil, nil
	}

	raw, err := s.provider.GetMessage(ctx, in.Credentials, externalID)
	if err != nil {
		switch {
		case errors.Is(err, gmail.ErrNotFound):
			log.Info("message no longer exists at provider, marking processed")
			s.markProcessed(ctx, log, externalID, mailbox, in.OrgID, "", "")
			return nil, nil
		case errors.Is(err, gmail.ErrUnauthorized):
			return nil, fmt.Errorf("%w: %w", ErrCredentialsExpired, err)
		}
		return nil, fmt.Errorf("fetch message: %w", err)
	}

	parsed, err := gmail.Parse(raw)
	if err != nil {
		return nil, err
	}
	if len(parsed.RemoteBodies) > 0 {
		err := parsed.ResolveBodies(func(attachmentID string) ([]byte, error) {
			return s.provider.GetAttachment(ctx, in.Credentials, externalID, attachmentID)
		})
		if errors.Is(err, gmail.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: %w", ErrCredentialsExpired, err)
		}
		if err != nil {
			log.Warn("message body download failed, storing partial body", "error", err)
		}
	}

	sender := models.NormalizeEmail(parsed.From.Address)
	if sender == "" {
		log.Warn("message has no sender address, skipping")
		s.markProcessed(ctx, log, externalID, mailbox, in.OrgID, "", "")
		return nil, nil
	}
	if sender == models.NormalizeEmail(mailbox) || sender == models.NormalizeEmail(in.ChannelEmail) {
		log.Info("outbound echo, not ingesting")
		s.markProcessed(ctx, log, externalID, mailbox, in.OrgID, "", "")
		return nil, nil
	}

	contact, _, err := s.stores.Contacts.ResolveByEmail(ctx, in.OrgID, sender, parsed.From.Name, models.ChannelGmail)
	if err != nil {
		return nil, fmt.Errorf("resolve contact: %w", err)
	}

	threadID := parsed.ThreadID
	if threadID == "" {
		threadID = externalID
	}
	sentAt := parsed.Date
	if sentAt.IsZero() {
		sentAt = s.now().UTC()
	}

	conv, isNew, err := s.stores.Conversations.Resolve(ctx, models.ConversationKey{
		OrgID:         in.OrgID,
		IntegrationID: in.ID,
		ContactID:     contact.ID,
		Channel:       models.ChannelGmail,
		ThreadID:      threadID,
	}, sentAt, parsed.Preview)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	attachments := s.offloadAttachments(ctx, in, externalID, parsed.Attachments)

	msg = &models.Message{
		OrgID:          in.OrgID,
		ConversationID: conv.ID,
		SenderType:     models.SenderContact,
		SenderID:       contact.ID,
		Direction:      models.DirectionInbound,
		Channel:        models.ChannelGmail,
		Subject:        parsed.Subject,
		Body:           models.MessageBody{Text: parsed.Text, HTML: parsed.HTML},
		Attachments:    attachments,
		Status:         models.DeliveryReceived,
		Provider: models.ProviderMetadata{
			ExternalMessageID: externalID,
			ThreadID:          threadID,
			InternetMessageID: parsed.InternetMessageID,
			InReplyTo:         parsed.InReplyTo,
			References:        parsed.References,
			Source:            source,
		},
		SentAt:    sentAt,
		CreatedAt: s.now().UTC(),
	}

	created, err := s.stores.Messages.Create(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	if !created {
		// A concurrent sync stored it first.
		existing, err := s.stores.Messages.FindByExternalID(ctx, in.OrgID, externalID)
		if err != nil {
			return nil, fmt.Errorf("load existing message: %w", err)
		}
		log.Info("message already stored by a concurrent sync")
		if existing != nil {
			s.markProcessed(ctx, log, externalID, mailbox, in.OrgID, existing.ConversationID, existing.ID)
		}
		return existing, nil
	}

	s.markProcessed(ctx, log, externalID, mailbox, in.OrgID, conv.ID, msg.ID)

	if isNew {
		s.notifier.Emit(ctx, notify.Event{
			Type:           notify.EventConversationNew,
			OrgID:          in.OrgID,
			ConversationID: conv.ID,
			MessageID:      msg.ID,
			Preview:        parsed.Preview,
		})
	}
	s.notifier.Emit(ctx, notify.Event{
		Type:           notify.EventMessageNew,
		OrgID:          in.OrgID,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Preview:        parsed.Preview,
	})

	log.Info("inbound message ingested",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"new_conversation", isNew,
		"attachments", len(attachments),
	)
	return msg, nil
}

func (s *Syncer) offloadAttachments(ctx context.Context, in *models.Integration, externalID string, parts []gmail.AttachmentPart) []models.Attachment {
	if len(parts) == 0 {
		return []models.Attachment{}
	}

	descs := make([]blob.Descriptor, len(parts))
	for i, p := range parts {
		descs[i] = blob.Descriptor{
			Name:         p.Filename,
			MimeType:     p.MimeType,
			Size:         p.Size,
			AttachmentID: p.AttachmentID,
		}
	}

	creds := in.Credentials
	fetch := func(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
		return s.provider.GetAttachment(ctx, creds, messageID, attachmentID)
	}
	return s.offloader.OffloadAll(ctx, fetch, externalID, descs, in.OrgID)
}

// markProcessed records the ledger entry. Failures are logged only; the
// unique message index stops a retry from storing a second copy.
func (s *Syncer) markProcessed(ctx context.Context, log *slog.Logger, externalID, mailbox, orgID, conversationID, messageID string) {
	err := s.ledger.MarkProcessed(ctx, models.ProcessedMessage{
		ExternalID:     externalID,
		Mailbox:        mailbox,
		OrgID:          orgID,
		ConversationID: conversationID,
		MessageID:      messageID,
		ProcessedAt:    s.now().UTC(),
	})
	if err != nil {
		log.Error("failed to mark message processed", "error", err)
	}
}
