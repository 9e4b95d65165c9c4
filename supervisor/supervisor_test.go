package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	stop     chan struct{}
	listen   error
	shutdown int
	mu       sync.Mutex
}

func newFakeServer() *fakeServer {
	return &fakeServer{stop: make(chan struct{})}
}

func (f *fakeServer) ListenAndServe() error {
	if f.listen != nil {
		return f.listen
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown++
	close(f.stop)
	return nil
}

func TestHTTPServiceShutsDownOnCancel(t *testing.T) {
	srv := newFakeServer()
	svc := NewHTTPService(srv, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Equal(t, 1, srv.shutdown)
	assert.Equal(t, "http-server", svc.String())
}

func TestHTTPServiceReportsListenFailure(t *testing.T) {
	srv := newFakeServer()
	srv.listen = errors.New("address already in use")
	err := NewHTTPService(srv, 0).Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
}

type fakeResetter struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
}

func (f *fakeResetter) ResetAll(_ context.Context, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, at)
	return int64(len(f.calls)), f.err
}

func (f *fakeResetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestTokenResetWaitsForMidnight(t *testing.T) {
	accounts := &fakeResetter{}
	svc := NewTokenResetService(accounts)
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 18, 30, 0, 0, time.UTC) }
	waits := make(chan time.Duration, 4)
	tick := make(chan time.Time)
	svc.after = func(d time.Duration) <-chan time.Time {
		waits <- d
		return tick
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	assert.Equal(t, 5*time.Hour+30*time.Minute, <-waits)
	assert.Equal(t, 1, accounts.count(), "startup run catches up")
	tick <- time.Time{}
	<-waits
	assert.Equal(t, 2, accounts.count())

	cancel()
	assert.Equal(t, context.Canceled, <-done)
}

func TestTokenResetSurvivesFailures(t *testing.T) {
	accounts := &fakeResetter{err: errors.New("mongo down")}
	svc := NewTokenResetService(accounts)
	waits := make(chan time.Duration, 1)
	svc.after = func(d time.Duration) <-chan time.Time {
		waits <- d
		return make(chan time.Time)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	<-waits
	cancel()
	assert.Equal(t, context.Canceled, <-done)
	assert.Equal(t, 1, accounts.count())
}

type blockingHub struct{ started chan struct{} }

func (h *blockingHub) RunWithContext(ctx context.Context) error {
	close(h.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestTreeRunsServicesUntilCancelled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tree := NewTree(logger, TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	hub := &blockingHub{started: make(chan struct{})}
	tree.AddAPIService(NewHubService(hub))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	select {
	case <-hub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("hub never started")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
	report, err := tree.UnstoppedServiceReport()
	require.NoError(t, err)
	assert.Empty(t, report)
}

func TestDefaultTreeConfigFillsZeroes(t *testing.T) {
	def := DefaultTreeConfig()
	assert.Equal(t, 5.0, def.FailureThreshold)
	assert.Equal(t, 15*time.Second, def.FailureBackoff)
	assert.NotNil(t, NewTree(slog.New(slog.NewTextHandler(io.Discard, nil)), TreeConfig{}))
}
