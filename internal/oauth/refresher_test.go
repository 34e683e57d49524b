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

package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/assistdesk/ingestion/internal/models"
)

func newTokenServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestRefresher(srv *httptest.Server) *Refresher {
	return NewRefresherWithConfig(&oauth2.Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	})
}

// TestRefreshIfNeeded_ValidTokenUntouched verifies no network call happens
// while the access token is fresh.
func TestRefreshIfNeeded_ValidTokenUntouched(t *testing.T) {
	srv, calls := newTokenServer(t, http.StatusOK, `{}`)
	r := newTestRefresher(srv)

	creds := models.Credentials{AccessToken: "at", RefreshToken: "rt-1", Expiry: time.Now().Add(time.Hour)}
	got, changed, err := r.RefreshIfNeeded(context.Background(), creds)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, creds, got)
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

// TestRefreshIfNeeded_ExpiredTokenRefreshed verifies a new immutable value is
// returned and the refresh token is carried over.
func TestRefreshIfNeeded_ExpiredTokenRefreshed(t *testing.T) {
	srv, calls := newTokenServer(t, http.StatusOK, `{"access_token":"at-2","token_type":"Bearer","expires_in":3600}`)
	r := newTestRefresher(srv)

	old := models.Credentials{AccessToken: "at", RefreshToken: "rt-1", Expiry: time.Now().Add(-time.Minute)}
	got, changed, err := r.RefreshIfNeeded(context.Background(), old)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "at-2", got.AccessToken)
	assert.Equal(t, "rt-1", got.RefreshToken)
	assert.True(t, got.Expiry.After(time.Now()))
	assert.Equal(t, "at", old.AccessToken, "input value must not change")
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

// TestRefreshIfNeeded_InvalidGrant verifies a revoked refresh token maps to
// ErrReauthRequired.
func TestRefreshIfNeeded_InvalidGrant(t *testing.T) {
	srv, _ := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
	r := newTestRefresher(srv)

	_, changed, err := r.RefreshIfNeeded(context.Background(), models.Credentials{RefreshToken: "rt-1"})
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.False(t, changed)
}

func TestRefreshIfNeeded_NoRefreshToken(t *testing.T) {
	r := NewRefresher("cid", "secret", "")
	_, _, err := r.RefreshIfNeeded(context.Background(), models.Credentials{})
	assert.ErrorIs(t, err, ErrReauthRequired)
}
