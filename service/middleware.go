package service

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"codenearby/billing"
	"codenearby/log"
	"codenearby/metrics"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
)

const (
	APIKeyHeader          = "X-API-Key"
	RequestIDHeader       = "X-Request-ID"
	TokensRemainingHeader = "X-Tokens-Remaining"
	TokensResetHeader     = "X-Tokens-Reset"
)

// requestID attaches chi's request ID to the logging context and echoes it
// back to the client.
func requestID(next http.Handler) http.Handler {
	return chimiddleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chimiddleware.GetReqID(r.Context())
		if id == "" {
			id = log.NewRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	}))
}

// instrument records request metrics by route pattern, so path parameters
// don't explode label cardinality, and writes the access log.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

		log.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Msg("request served")
	})
}

type apiKeyKey struct{}

func apiKeyFrom(ctx context.Context) (*billing.APIKey, bool) {
	k, ok := ctx.Value(apiKeyKey{}).(*billing.APIKey)
	return k, ok && k != nil
}

// requireAPIKey authenticates public API calls by their X-API-Key header.
func (a *api) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		plaintext := r.Header.Get(APIKeyHeader)
		if plaintext == "" {
			fail(w, r, errMissingKey)
			return
		}
		key, err := a.deps.Billing.ValidateKey(r.Context(), plaintext)
		if err != nil {
			fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyKey{}, key)))
	})
}

// spend charges cost tokens to the key owner before the call runs and
// reports the balance left.
func (a *api) spend(cost int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := apiKeyFrom(r.Context())
			if !ok {
				fail(w, r, errMissingKey)
				return
			}
			acct, err := a.deps.Billing.Consume(r.Context(), key.UserID, cost)
			if err != nil {
				if errors.Is(err, billing.ErrInsufficientTokens) {
					reset := billing.NextMidnight(time.Now())
					w.Header().Set(TokensRemainingHeader, "0")
					w.Header().Set(TokensResetHeader, reset.Format(time.RFC3339))
					w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(reset).Seconds())+1))
				}
				fail(w, r, err)
				return
			}
			w.Header().Set(TokensRemainingHeader, strconv.FormatInt(acct.Balance, 10))
			w.Header().Set(TokensResetHeader, acct.NextReset().Format(time.RFC3339))
			next.ServeHTTP(w, r)
		})
	}
}
