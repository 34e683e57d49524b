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

package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/assistdesk/ingestion/internal/models"
	"github.com/assistdesk/ingestion/internal/oauth"
)

// TokenRefresher returns fresh credentials, reporting whether they changed.
type TokenRefresher interface {
	RefreshIfNeeded(ctx context.Context, creds models.Credentials) (models.Credentials, bool, error)
}

// ErrNoCredentials means the integration has no stored tokens.
var ErrNoCredentials = errors.New("integration has no credentials")

// Authorize returns usable credentials for in. Refreshed credentials are
// persisted before returning. When the refresh token is rejected the
// integration is flagged expired and oauth.ErrReauthRequired is returned.
func Authorize(ctx context.Context, store Store, refresher TokenRefresher, in *models.Integration) (models.Credentials, error) {
	if in.Credentials.Empty() {
		return models.Credentials{}, ErrNoCredentials
	}

	creds, changed, err := refresher.RefreshIfNeeded(ctx, in.Credentials)
	if err != nil {
		if errors.Is(err, oauth.ErrReauthRequired) {
			if markErr := store.MarkStatus(ctx, in.ID, models.IntegrationExpired, err.Error()); markErr != nil {
				slog.Error("failed to flag integration", "integration_id", in.ID, "error", markErr)
			}
		}
		return models.Credentials{}, err
	}

	if changed {
		if err := store.SaveCredentials(ctx, in.ID, creds); err != nil {
			return models.Credentials{}, fmt.Errorf("persist refreshed credentials: %w", err)
		}
		slog.Info("credentials refreshed",
			"integration_id", in.ID,
			"org_id", in.OrgID,
			"expiry", creds.Expiry,
		)
	}
	return creds, nil
}
