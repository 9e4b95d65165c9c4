// Package github talks to GitHub: the OAuth sign-in flow and the REST calls
// used to build and enrich developer profiles.
package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"codenearby/cache"
	"codenearby/config"
	"codenearby/log"
	"codenearby/metrics"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	breakerName    = "github-api"
	maxBody        = 4 << 20
	searchPageSize = 30
	maxSearchPage  = 34 // the search API serves the first 1000 results only
)

var (
	ErrNotFound     = errors.New("github resource not found")
	ErrUnauthorized = errors.New("github rejected the token")
	ErrRateLimited  = errors.New("github rate limit exceeded")
	ErrUnavailable  = errors.New("github unavailable")
)

// Client is a resilient GitHub REST client. Calls are rate limited, guarded
// by a circuit breaker and, for public data, cached.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	cache   *cache.Cache
}

func NewClient(cfg config.GitHubConfig, c *cache.Cache) *Client {
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		token:   cfg.Token,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerS), cfg.Burst),
		cache:   c,
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// answers that say something about the request, not about GitHub's health
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Logger().Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
					Msg("circuit breaker state transition")
				metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			},
		}),
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// get performs GET path and decodes the JSON answer into out. userToken, when
// set, authenticates as the signed in user instead of the server token.
func (c *Client) get(ctx context.Context, endpoint, path, userToken string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "waiting for github rate limiter")
	}
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, path, userToken)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.GitHubRequests.WithLabelValues(endpoint, "rejected").Inc()
		return errors.Wrap(ErrUnavailable, err.Error())
	case err != nil:
		metrics.GitHubRequests.WithLabelValues(endpoint, "failure").Inc()
		return err
	}
	metrics.GitHubRequests.WithLabelValues(endpoint, "success").Inc()
	return errors.Wrapf(json.Unmarshal(body, out), "decoding github %s response", endpoint)
}

func (c *Client) do(ctx context.Context, path, userToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building github request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "codenearby")
	if tok := firstNonEmpty(userToken, c.token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		if resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.StatusCode == http.StatusTooManyRequests {
			return nil, ErrRateLimited
		}
		return nil, ErrUnauthorized
	default:
		return nil, errors.Wrapf(ErrUnavailable, "github answered %d", resp.StatusCode)
	}
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}

// AuthenticatedUser returns the profile owning token. A private profile email
// is replaced by the primary verified address when the token may read it.
func (c *Client) AuthenticatedUser(ctx context.Context, token string) (*Profile, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	p := &Profile{}
	if err := c.get(ctx, "user", "/user", token, p); err != nil {
		return nil, err
	}
	if p.Email == "" {
		var emails []email
		if err := c.get(ctx, "user_emails", "/user/emails", token, &emails); err != nil {
			log.Ctx(ctx).Debug().Err(err).Str("login", p.Login).Msg("primary email lookup failed")
		} else {
			for _, e := range emails {
				if e.Primary && e.Verified {
					p.Email = e.Email
					break
				}
			}
		}
	}
	return p, nil
}

// User returns the public profile of login.
func (c *Client) User(ctx context.Context, login string) (*Profile, error) {
	if login == "" {
		return nil, ErrNotFound
	}
	return cache.Fetch(ctx, c.cache, "github:user:"+strings.ToLower(login), func(ctx context.Context) (*Profile, error) {
		p := &Profile{}
		if err := c.get(ctx, "users", "/users/"+url.PathEscape(login), "", p); err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Repos lists up to 100 public repos of login, most recently pushed first.
func (c *Client) Repos(ctx context.Context, login string) ([]Repo, error) {
	if login == "" {
		return nil, ErrNotFound
	}
	return cache.Fetch(ctx, c.cache, "github:repos:"+strings.ToLower(login), func(ctx context.Context) ([]Repo, error) {
		repos := make([]Repo, 0)
		path := "/users/" + url.PathEscape(login) + "/repos?type=owner&sort=pushed&per_page=100"
		if err := c.get(ctx, "repos", path, "", &repos); err != nil {
			return nil, err
		}
		sort.SliceStable(repos, func(i, j int) bool { return repos[i].PushedAt.After(repos[j].PushedAt) })
		return repos, nil
	})
}

// SearchByLocation finds GitHub users whose profile location matches.
// Pages start at 1.
func (c *Client) SearchByLocation(ctx context.Context, location string, page int) (*SearchResult, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.Wrap(ErrNotFound, "empty location")
	}
	if page < 1 {
		page = 1
	}
	if page > maxSearchPage {
		page = maxSearchPage
	}
	key := fmt.Sprintf("github:search:%s:%d", strings.ToLower(location), page)
	return cache.Fetch(ctx, c.cache, key, func(ctx context.Context) (*SearchResult, error) {
		q := url.Values{}
		q.Set("q", fmt.Sprintf("location:%q type:user", location))
		q.Set("per_page", strconv.Itoa(searchPageSize))
		q.Set("page", strconv.Itoa(page))
		res := &SearchResult{Items: make([]SearchUser, 0)}
		if err := c.get(ctx, "search_users", "/search/users?"+q.Encode(), "", res); err != nil {
			return nil, err
		}
		return res, nil
	})
}
