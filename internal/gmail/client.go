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

// Package gmail wraps the Gmail API calls the ingestion pipeline needs and
// converts raw Gmail messages into a normalised form. Every call takes an
// immutable credentials value; no authenticated client is shared between
// calls.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/assistdesk/ingestion/internal/models"
)

// Sentinel errors returned by Client, matched with errors.Is.
var (
	// ErrNotFound means the message or attachment no longer exists.
	ErrNotFound = errors.New("gmail: not found")
	// ErrUnauthorized means the credentials were rejected.
	ErrUnauthorized = errors.New("gmail: unauthorized")
	// ErrHistoryInvalid means the start history id is unknown or too old.
	ErrHistoryInvalid = errors.New("gmail: invalid startHistoryId")
)

const userID = "me"

// Profile is the subset of the Gmail profile the pipeline uses.
type Profile struct {
	EmailAddress string
	HistoryID    string
}

// HistoryResult is the flattened outcome of a history.list walk.
type HistoryResult struct {
	// MessageIDs lists added message ids in history order, de-duplicated.
	MessageIDs []string
	// Records is the number of history records seen across all pages.
	Records int
	// HistoryID is the provider's current cursor.
	HistoryID string
}

// WatchResult is the outcome of a users.watch call.
type WatchResult struct {
	HistoryID  string
	Expiration time.Time
}

// Client performs Gmail API calls behind a circuit breaker.
type Client struct {
	opts []option.ClientOption
	cb   *gobreaker.CircuitBreaker
}

// NewClient creates a Gmail client. Extra options are appended to every
// service construction (tests use option.WithEndpoint and option.WithHTTPClient).
func NewClient(opts ...option.ClientOption) *Client {
	settings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &Client{
		opts: opts,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// service builds a Gmail service bound to one credentials value.
func (c *Client) service(ctx context.Context, creds models.Credentials) (*gmailapi.Service, error) {
	tok := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    creds.TokenType,
	}
	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(tok))}, c.opts...)
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// GetProfile returns the mailbox address and current history id.
func (c *Client) GetProfile(ctx context.Context, creds models.Credentials) (*Profile, error) {
	svc, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}

	var p *gmailapi.Profile
	err = c.execute("GetProfile", func() error {
		var apiErr error
		p, apiErr = svc.Users.GetProfile(userID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, classify("get profile", err, false)
	}

	return &Profile{
		EmailAddress: p.EmailAddress,
		HistoryID:    formatHistoryID(p.HistoryId),
	}, nil
}

// ListHistory walks history.list from startHistoryID, collecting the ids of
// added messages. A start id that is not an unsigned integer, or one the
// provider no longer knows, yields ErrHistoryInvalid.
func (c *Client) ListHistory(ctx context.Context, creds models.Credentials, startHistoryID string) (*HistoryResult, error) {
	start, err := strconv.ParseUint(strings.TrimSpace(startHistoryID), 10, 64)
	if err != nil || start == 0 {
		return nil, fmt.Errorf("%w: %q", ErrHistoryInvalid, startHistoryID)
	}

	svc, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}

	result := &HistoryResult{}
	seen := make(map[string]bool)
	pageToken := ""

	for {
		call := svc.Users.History.List(userID).
			StartHistoryId(start).
			HistoryTypes("messageAdded").
			MaxResults(500).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmailapi.ListHistoryResponse
		err := c.execute("ListHistory", func() error {
			var apiErr error
			resp, apiErr = call.Do()
			return apiErr
		})
		if err != nil {
			return nil, classify("list history", err, true)
		}

		if resp.HistoryId != 0 {
			result.HistoryID = formatHistoryID(resp.HistoryId)
		}

		for _, h := range resp.History {
			result.Records++
			for _, added := range h.MessagesAdded {
				if added.Message == nil || added.Message.Id == "" || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				result.MessageIDs = append(result.MessageIDs, added.Message.Id)
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return result, nil
}

// ListRecent returns up to max message ids from the inbox matching query
// (newest first). An empty query lists the whole inbox.
func (c *Client) ListRecent(ctx context.Context, creds models.Credentials, query string, max int64) ([]string, error) {
	ids, _, err := c.ListPage(ctx, creds, query, "", max)
	return ids, err
}

// ListPage returns one page of inbox message ids matching query and the
// token for the next page ("" on the last page).
func (c *Client) ListPage(ctx context.Context, creds models.Credentials, query, pageToken string, pageSize int64) ([]string, string, error) {
	svc, err := c.service(ctx, creds)
	if err != nil {
		return nil, "", err
	}

	call := svc.Users.Messages.List(userID).
		LabelIds("INBOX").
		MaxResults(pageSize).
		Context(ctx)
	if query != "" {
		call = call.Q(query)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	var resp *gmailapi.ListMessagesResponse
	err = c.execute("ListMessages", func() error {
		var apiErr error
		resp, apiErr = call.Do()
		return apiErr
	})
	if err != nil {
		return nil, "", classify("list messages", err, false)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m != nil && m.Id != "" {
			ids = append(ids, m.Id)
		}
	}
	return ids, resp.NextPageToken, nil
}

// GetMessage fetches a message in full format.
func (c *Client) GetMessage(ctx context.Context, creds models.Credentials, messageID string) (*gmailapi.Message, error) {
	svc, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}

	var msg *gmailapi.Message
	err = c.execute("GetMessage", func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get(userID, messageID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, classify("get message "+messageID, err, false)
	}
	return msg, nil
}

// GetAttachment downloads and decodes an attachment body.
func (c *Client) GetAttachment(ctx context.Context, creds models.Credentials, messageID, attachmentID string) ([]byte, error) {
	svc, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}

	var body *gmailapi.MessagePartBody
	err = c.execute("GetAttachment", func() error {
		var apiErr error
		body, apiErr = svc.Users.Messages.Attachments.Get(userID, messageID, attachmentID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, classify("get attachment", err, false)
	}

	data, err := decodeBase64URL(body.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", attachmentID, err)
	}
	return data, nil
}

// Watch registers (or renews) push notifications for the inbox to topic.
func (c *Client) Watch(ctx context.Context, creds models.Credentials, topic string, labelIDs []string) (*WatchResult, error) {
	svc, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}

	req := &gmailapi.WatchRequest{
		TopicName:           topic,
		LabelIds:            labelIDs,
		LabelFilterBehavior: "include",
	}

	var resp *gmailapi.WatchResponse
	err = c.execute("Watch", func() error {
		var apiErr error
		resp, apiErr = svc.Users.Watch(userID, req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, classify("watch", err, false)
	}

	return &WatchResult{
		HistoryID:  formatHistoryID(resp.HistoryId),
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

// execute runs fn through the circuit breaker. Client errors do not count
// against the breaker.
func (c *Client) execute(operation string, fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	if err != nil {
		slog.Debug("gmail call failed",
			"operation", operation,
			"breaker_state", c.cb.State().String(),
			"error", err,
		)
	}
	return err
}

// nonCircuitError carries client errors through the breaker without
// counting them as failures.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }

// classify maps provider failures onto the package sentinels.
func classify(op string, err error, history bool) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case history && (apiErr.Code == 404 || (apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "historyid"))):
			return fmt.Errorf("%s: %w: %w", op, ErrHistoryInvalid, err)
		case apiErr.Code == 404:
			return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
		case apiErr.Code == 401:
			return fmt.Errorf("%s: %w: %w", op, ErrUnauthorized, err)
		}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnauthorized, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

func formatHistoryID(id uint64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatUint(id, 10)
}

// decodeBase64URL decodes Gmail's URL-safe base64, with or without padding.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
