package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"codenearby/cache"
	"codenearby/config"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := cache.New(time.Minute)
	t.Cleanup(c.Close)
	return NewClient(config.GitHubConfig{
		APIBaseURL:   srv.URL,
		Timeout:      time.Second,
		RequestsPerS: 1000,
		Burst:        1000,
	}, c)
}

func TestAuthenticatedUserFallsBackToPrimaryEmail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":1,"login":"octocat","name":"The Octocat","email":null,"public_repos":8}`))
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"email":"old@x.io","primary":false,"verified":true},
			{"email":"octo@github.com","primary":true,"verified":true}]`))
	})
	c := newTestClient(t, mux)

	p, err := c.AuthenticatedUser(context.Background(), "user-token")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.ID)
	assert.Equal(t, "octocat", p.Login)
	assert.Equal(t, "octo@github.com", p.Email)
	assert.Equal(t, 8, p.PublicRepos)

	_, err = c.AuthenticatedUser(context.Background(), "")
	assert.Equal(t, ErrUnauthorized, err)
}

func TestUserIsCached(t *testing.T) {
	var hits int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/users/octocat", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":1,"login":"octocat"}`))
	}))

	for i := 0; i < 3; i++ {
		p, err := c.User(context.Background(), "octocat")
		require.NoError(t, err)
		assert.Equal(t, "octocat", p.Login)
	}
	_, err := c.User(context.Background(), "OctoCat")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "lookups are case-insensitive and cached")
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		err    error
	}{
		{"not found", http.StatusNotFound, nil, ErrNotFound},
		{"bad token", http.StatusUnauthorized, nil, ErrUnauthorized},
		{"rate limited", http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "0"}, ErrRateLimited},
		{"secondary limit", http.StatusTooManyRequests, nil, ErrRateLimited},
		{"server error", http.StatusBadGateway, nil, ErrUnavailable},
	}
	for _, tc := range tests {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range tc.header {
				w.Header().Set(k, v)
			}
			w.WriteHeader(tc.status)
		}))
		_, err := c.User(context.Background(), "ghost")
		assert.True(t, errors.Is(err, tc.err), "%s: got %v", tc.name, err)
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	for i := 0; i < 5; i++ {
		_, err := c.Repos(context.Background(), "octocat")
		assert.True(t, errors.Is(err, ErrUnavailable))
	}
	_, err := c.Repos(context.Background(), "octocat")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits), "open breaker short-circuits the sixth call")
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	var hits int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	for i := 0; i < 8; i++ {
		_, err := c.User(context.Background(), "ghost"+strings.Repeat("x", i))
		assert.Equal(t, ErrNotFound, err)
	}
	assert.Equal(t, int32(8), atomic.LoadInt32(&hits))
}

func TestReposAndLanguages(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		_, _ = w.Write([]byte(`[
			{"name":"old","language":"Go","pushed_at":"2020-01-01T00:00:00Z"},
			{"name":"new","language":"Rust","pushed_at":"2024-01-01T00:00:00Z"},
			{"name":"mid","language":"Go","pushed_at":"2022-01-01T00:00:00Z"},
			{"name":"forked","language":"Java","fork":true,"pushed_at":"2023-01-01T00:00:00Z"}]`))
	}))
	repos, err := c.Repos(context.Background(), "octocat")
	require.NoError(t, err)
	require.Len(t, repos, 4)
	assert.Equal(t, "new", repos[0].Name)
	assert.Equal(t, "old", repos[3].Name)
	assert.Equal(t, []string{"Go", "Rust"}, Languages(repos))
}

func TestSearchByLocation(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/users", r.URL.Path)
		assert.Equal(t, `location:"San Francisco" type:user`, r.URL.Query().Get("q"))
		assert.Equal(t, "34", r.URL.Query().Get("page"), "page is clamped")
		_, _ = w.Write([]byte(`{"total_count":1,"items":[{"id":7,"login":"sf-dev"}]}`))
	}))
	res, err := c.SearchByLocation(context.Background(), " San Francisco ", 99)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalCount)
	assert.Equal(t, "sf-dev", res.Items[0].Login)

	_, err = c.SearchByLocation(context.Background(), "  ", 1)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOAuthFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gho_abc","token_type":"bearer","scope":"read:user"}`))
	}))
	defer srv.Close()

	o := NewOAuth(config.GitHubConfig{ClientID: "cid", ClientSecret: "sec", RedirectURL: "http://localhost/cb"}).
		WithEndpoint(oauth2.Endpoint{AuthURL: srv.URL + "/authorize", TokenURL: srv.URL + "/token"})

	u := o.AuthCodeURL("state-123")
	assert.Contains(t, u, "state=state-123")
	assert.Contains(t, u, "client_id=cid")
	assert.Contains(t, u, "scope=read%3Auser+user%3Aemail")

	tok, err := o.Exchange(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "gho_abc", tok.AccessToken)

	_, err = o.Exchange(context.Background(), "bad")
	assert.True(t, errors.Is(err, ErrExchangeFailed))
	_, err = o.Exchange(context.Background(), "")
	assert.True(t, errors.Is(err, ErrExchangeFailed))
}
