package metrics

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/emx-mail/mailmon/pkgs/probe"
)

func TestObserveOutcome(t *testing.T) {
	rec := New(nil)

	rec.ObserveOutcome(probe.Outcome{Target: "A", Status: probe.Delivered, Elapsed: 3 * time.Second, Attempts: 4})
	rec.ObserveOutcome(probe.Outcome{Target: "A", Status: probe.DeliveredToSpam, Elapsed: time.Second, Attempts: 1})
	rec.ObserveOutcome(probe.Outcome{Target: "B", Status: probe.Errored, Err: errors.New("boom")})

	require.Equal(t, 1.0, testutil.ToFloat64(rec.outcomes.WithLabelValues("A", "delivered")))
	require.Equal(t, 1.0, testutil.ToFloat64(rec.outcomes.WithLabelValues("A", "spam")))
	require.Equal(t, 1.0, testutil.ToFloat64(rec.outcomes.WithLabelValues("B", "error")))
	require.Equal(t, 1, testutil.CollectAndCount(rec.delivery))
	require.Equal(t, 1, testutil.CollectAndCount(rec.attempts))
}

func TestRunStartedAndPushFailed(t *testing.T) {
	rec := New(nil)
	at := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

	rec.RunStarted(at)
	rec.RunStarted(at)
	rec.PushFailed()

	require.Equal(t, 2.0, testutil.ToFloat64(rec.runs))
	require.Equal(t, float64(at.Unix()), testutil.ToFloat64(rec.lastRun))
	require.Equal(t, 1.0, testutil.ToFloat64(rec.pushFailures))
}

func TestNilRecorder(t *testing.T) {
	var rec *Recorder
	rec.RunStarted(time.Now())
	rec.ObserveOutcome(probe.Outcome{Target: "A"})
	rec.PushFailed()
}

func TestServerEndpoints(t *testing.T) {
	rec := New(nil)
	rec.ObserveOutcome(probe.Outcome{Target: "A", Status: probe.TimedOut, Attempts: 50})

	srv := NewServer("127.0.0.1:0", rec, log.New(io.Discard, "", 0))
	srv.MarkRun(time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `mailmon_outcomes_total{outcome="timeout",target="A"} 1`)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), `"last_run":"2026-02-10T08:00:00Z"`), w.Body.String())
}

func TestServerRunShutdown(t *testing.T) {
	srv := NewServer("127.0.0.1:0", New(nil), log.New(io.Discard, "", 0))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
