package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/extraction-supervisor/pkg/client"
)

// heartbeatServer answers heartbeats with 200 until rejectAfter is reached,
// then with 409.
type heartbeatServer struct {
	mu          sync.Mutex
	beats       []client.Heartbeat
	rejectAfter int
	completed   atomic.Bool
}

func (s *heartbeatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/heartbeat"):
		var hb client.Heartbeat
		if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.beats = append(s.beats, hb)
		n := len(s.beats)
		s.mu.Unlock()
		if s.rejectAfter > 0 && n > s.rejectAfter {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"extraction is paused"}`))
			return
		}
		_, _ = w.Write([]byte(`{"extraction":{"status":"running"}}`))
	case strings.HasSuffix(r.URL.Path, "/complete"):
		s.completed.Store(true)
		_, _ = w.Write([]byte(`{"extraction":{"status":"completed"}}`))
	case strings.HasSuffix(r.URL.Path, "/fail"):
		_, _ = w.Write([]byte(`{"extraction":{"status":"error","error_message":"boom"}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *heartbeatServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.beats)
}

func newReporter(t *testing.T, url string, processed *atomic.Int64) *client.Reporter {
	t.Helper()
	c := newClient(t, client.Config{BaseURL: url, RetryCount: -1})
	r, err := client.NewReporter(c, client.ReporterConfig{
		UserID:   "u1",
		Source:   client.SourceEmail,
		Interval: 10 * time.Millisecond,
		Snapshot: func() client.Heartbeat {
			return client.Heartbeat{ProcessedItems: processed.Load(), CurrentStep: "messages"}
		},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return r
}

func TestNewReporterValidation(t *testing.T) {
	t.Parallel()

	c := newClient(t, client.Config{BaseURL: "http://localhost"})
	_, err := client.NewReporter(nil, client.ReporterConfig{})
	require.Error(t, err)
	_, err = client.NewReporter(c, client.ReporterConfig{UserID: "u1"})
	require.Error(t, err)
	_, err = client.NewReporter(c, client.ReporterConfig{UserID: "u1", Source: client.SourceEmail})
	require.Error(t, err)
}

func TestReporterHeartbeatsUntilCanceled(t *testing.T) {
	t.Parallel()

	srv := &heartbeatServer{}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	var processed atomic.Int64
	processed.Store(7)
	r := newReporter(t, ts.URL, &processed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.count() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	srv.mu.Lock()
	first := srv.beats[0]
	srv.mu.Unlock()
	require.EqualValues(t, 7, first.ProcessedItems)
	require.Equal(t, "messages", first.CurrentStep)
}

func TestReporterStopsWhenRejected(t *testing.T) {
	t.Parallel()

	srv := &heartbeatServer{rejectAfter: 2}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	var processed atomic.Int64
	r := newReporter(t, ts.URL, &processed)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, client.ErrInvalidTransition)
		require.Equal(t, 3, srv.count())
	case <-time.After(5 * time.Second):
		t.Fatal("reporter kept running after a rejected heartbeat")
	}
}

func TestReporterFinishAndFail(t *testing.T) {
	t.Parallel()

	srv := &heartbeatServer{}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	var processed atomic.Int64
	processed.Store(42)
	r := newReporter(t, ts.URL, &processed)

	got, err := r.Finish(context.Background())
	require.NoError(t, err)
	require.Equal(t, "completed", got.Status)
	require.True(t, srv.completed.Load())
	require.Equal(t, 1, srv.count())

	_, err = r.Fail(context.Background(), nil)
	require.Error(t, err)

	got, err = r.Fail(context.Background(), errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, "error", got.Status)
	require.Equal(t, 2, srv.count())
}

func TestReporterStopsAfterReset(t *testing.T) {
	t.Parallel()

	ts, _ := newSupervisorServer(t, "")
	ctx := context.Background()
	c := newClient(t, client.Config{BaseURL: ts.URL})
	_, err := c.Start(ctx, "u1", client.SourceEmail, nil)
	require.NoError(t, err)
	_, err = c.Heartbeat(ctx, "u1", client.SourceEmail, client.Heartbeat{ProcessedItems: 50})
	require.NoError(t, err)
	_, err = c.Reset(ctx, "u1", client.SourceEmail, false)
	require.NoError(t, err)

	var processed atomic.Int64
	processed.Store(50)
	r := newReporter(t, ts.URL, &processed)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, client.ErrInvalidTransition)
	case <-time.After(5 * time.Second):
		t.Fatal("reporter kept running after the extraction was reset")
	}

	got, err := c.Get(ctx, "u1", client.SourceEmail)
	require.NoError(t, err)
	require.Equal(t, "idle", got.Status)
	require.Zero(t, got.ProcessedItems)

	_, err = r.Finish(ctx)
	require.ErrorIs(t, err, client.ErrInvalidTransition)
	require.ErrorContains(t, err, "final heartbeat")
}

func TestReporterStampsHeartbeats(t *testing.T) {
	t.Parallel()

	srv := &heartbeatServer{}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	var processed atomic.Int64
	r := newReporter(t, ts.URL, &processed)
	before := time.Now().Add(-time.Second)
	_, err := r.Finish(context.Background())
	require.NoError(t, err)

	srv.mu.Lock()
	beat := srv.beats[0]
	srv.mu.Unlock()
	require.NotNil(t, beat.At)
	require.True(t, beat.At.After(before))
}
