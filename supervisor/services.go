package supervisor

import (
	"context"
	"net/http"
	"time"

	"codenearby/billing"
	"codenearby/log"

	"github.com/pkg/errors"
)

type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an http.Server until the supervisor stops it, then drains
// open requests for at most shutdownTimeout.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "http server shutdown failed")
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return "http-server"
}

type Hub interface {
	RunWithContext(ctx context.Context) error
}

type HubService struct {
	hub Hub
}

func NewHubService(hub Hub) *HubService {
	return &HubService{hub: hub}
}

func (s *HubService) Serve(ctx context.Context) error {
	return s.hub.RunWithContext(ctx)
}

func (s *HubService) String() string {
	return "gathering-hub"
}

type Resetter interface {
	ResetAll(ctx context.Context, at time.Time) (int64, error)
}

// TokenResetService refills public API balances at every UTC midnight. Reads
// refill lazily too, so a missed run only delays the bulk update.
type TokenResetService struct {
	accounts Resetter
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
}

func NewTokenResetService(accounts Resetter) *TokenResetService {
	return &TokenResetService{accounts: accounts, now: time.Now, after: time.After}
}

func (s *TokenResetService) Serve(ctx context.Context) error {
	// catch up on a reset missed while the server was down
	s.reset(ctx)
	for {
		now := s.now()
		wait := billing.NextMidnight(now).Sub(now)
		log.Logger().Debug().Dur("in", wait).Msg("next token reset scheduled")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(wait):
			s.reset(ctx)
		}
	}
}

// reset logs failures instead of returning them; the next midnight retries.
func (s *TokenResetService) reset(ctx context.Context) {
	n, err := s.accounts.ResetAll(ctx, s.now())
	if err != nil {
		if ctx.Err() == nil {
			log.Logger().Error().Err(err).Msg("token reset failed")
		}
		return
	}
	log.Logger().Info().Int64("accounts", n).Msg("token balances reset")
}

func (s *TokenResetService) String() string {
	return "token-reset"
}
