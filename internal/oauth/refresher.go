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

// Package oauth refreshes Google OAuth credentials for connected mailboxes.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/assistdesk/ingestion/internal/models"
)

// ErrReauthRequired means the refresh token was rejected and the mailbox
// owner must reconnect the integration.
var ErrReauthRequired = errors.New("oauth: reauthorization required")

// DefaultSkew is how long before expiry a token is treated as stale.
const DefaultSkew = 2 * time.Minute

// Scopes requested when a mailbox is connected.
var Scopes = []string{
	gmailapi.GmailReadonlyScope,
	gmailapi.GmailSendScope,
	gmailapi.GmailModifyScope,
}

// Refresher exchanges refresh tokens for new access tokens. It holds no
// per-mailbox state; credentials go in and new credentials come out.
type Refresher struct {
	cfg  *oauth2.Config
	skew time.Duration
	now  func() time.Time
}

// NewRefresher creates a Refresher against Google's token endpoint.
func NewRefresher(clientID, clientSecret, redirectURL string) *Refresher {
	return NewRefresherWithConfig(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       Scopes,
	})
}

// NewRefresherWithConfig creates a Refresher from an explicit oauth2 config.
func NewRefresherWithConfig(cfg *oauth2.Config) *Refresher {
	return &Refresher{cfg: cfg, skew: DefaultSkew, now: time.Now}
}

// RefreshIfNeeded returns creds unchanged while the access token is still
// valid. Otherwise it refreshes and returns the new value with changed set,
// so the caller can persist it.
func (r *Refresher) RefreshIfNeeded(ctx context.Context, creds models.Credentials) (models.Credentials, bool, error) {
	if creds.AccessToken != "" && (creds.Expiry.IsZero() || creds.Expiry.After(r.now().Add(r.skew))) {
		return creds, false, nil
	}
	if creds.RefreshToken == "" {
		return creds, false, fmt.Errorf("%w: no refresh token", ErrReauthRequired)
	}

	// An empty access token forces the token source to hit the endpoint.
	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && (re.ErrorCode == "invalid_grant" ||
			(re.Response != nil && (re.Response.StatusCode == http.StatusUnauthorized || re.Response.StatusCode == http.StatusBadRequest))) {
			return creds, false, fmt.Errorf("%w: %w", ErrReauthRequired, err)
		}
		return creds, false, fmt.Errorf("refresh token: %w", err)
	}

	next := models.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry.UTC(),
	}
	// Google omits the refresh token on most refresh responses.
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
	}
	return next, true, nil
}
