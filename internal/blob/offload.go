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

package blob

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/assistdesk/ingestion/internal/models"
)

// Descriptor describes an attachment on a provider message.
type Descriptor struct {
	Name         string
	MimeType     string
	Size         int64
	AttachmentID string
}

// FetchFunc downloads a decoded attachment body from the provider.
type FetchFunc func(ctx context.Context, providerMessageID, attachmentID string) ([]byte, error)

// Offloader copies provider attachments into blob storage.
type Offloader struct {
	uploader    Uploader
	concurrency int
}

// NewOffloader creates an Offloader. concurrency bounds parallel offloads
// per message; zero means 4.
func NewOffloader(uploader Uploader, concurrency int) *Offloader {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Offloader{uploader: uploader, concurrency: concurrency}
}

// Offload fetches one attachment and uploads it under orgID. It never
// fails: a descriptor without an attachment id, or any fetch or upload
// error, yields a metadata-only record with IsDownloaded false.
func (o *Offloader) Offload(ctx context.Context, fetch FetchFunc, providerMessageID string, d Descriptor, orgID string) models.Attachment {
	rec := models.Attachment{
		Name:                 d.Name,
		MimeType:             d.MimeType,
		Size:                 d.Size,
		ProviderAttachmentID: d.AttachmentID,
		IsImage:              strings.HasPrefix(strings.ToLower(d.MimeType), "image/"),
	}
	if d.AttachmentID == "" {
		return rec
	}

	data, err := fetch(ctx, providerMessageID, d.AttachmentID)
	if err != nil {
		slog.Warn("attachment fetch failed, storing metadata only",
			"provider_message_id", providerMessageID,
			"attachment", d.Name,
			"error", err,
		)
		return rec
	}

	res, err := o.uploader.Upload(ctx, UploadInput{
		OrgKey:   orgID,
		FileName: d.Name,
		Body:     data,
		MimeType: d.MimeType,
	})
	if err != nil {
		slog.Warn("attachment upload failed, storing metadata only",
			"provider_message_id", providerMessageID,
			"attachment", d.Name,
			"error", err,
		)
		return rec
	}

	rec.URL = res.URL
	rec.Key = res.Key
	rec.Size = res.Size
	rec.IsDownloaded = true
	return rec
}

// OffloadAll offloads every descriptor in parallel and returns records in
// input order once all have settled.
func (o *Offloader) OffloadAll(ctx context.Context, fetch FetchFunc, providerMessageID string, descs []Descriptor, orgID string) []models.Attachment {
	out := make([]models.Attachment, len(descs))
	if len(descs) == 0 {
		return out
	}

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, d := range descs {
		g.Go(func() error {
			out[i] = o.Offload(ctx, fetch, providerMessageID, d, orgID)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
