package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/k-terminus/orchestrator/internal/connpool"
	"github.com/k-terminus/orchestrator/internal/eventbus"
	"github.com/k-terminus/orchestrator/internal/session"
	"github.com/stretchr/testify/require"
)

func TestHandleHealthz(t *testing.T) {
	s := New("127.0.0.1:0", StatusProvider{StartedAt: time.Now()})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestHandleStatusReportsLiveCounts(t *testing.T) {
	pool := connpool.New(0)
	bus := eventbus.New("epoch-1")
	sessions := session.New(pool, bus, 0)

	s := New("127.0.0.1:0", StatusProvider{
		Pool:      pool,
		Sessions:  sessions,
		StartedAt: time.Now().Add(-time.Minute),
		BindAddr:  "127.0.0.1:2222",
		IPCAddr:   "127.0.0.1:22230",
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status.json", nil)
	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "127.0.0.1:2222", body.BindAddress)
	require.Equal(t, 0, body.Connections)
	require.Greater(t, body.UptimeSeconds, 0.0)
}

func TestPprofIndexIsReachable(t *testing.T) {
	s := New("127.0.0.1:0", StatusProvider{StartedAt: time.Now()})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestShutdownWithoutListenIsNoop(t *testing.T) {
	s := New("127.0.0.1:0", StatusProvider{StartedAt: time.Now()})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
