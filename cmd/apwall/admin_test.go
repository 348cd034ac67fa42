package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apwall/pkg/classifier"
	"apwall/pkg/metrics"
	"apwall/pkg/stream"
)

type recordingInvalidator struct {
	mu   sync.Mutex
	uris []string
	err  error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uris = append(r.uris, uri)
	return r.err
}

type stubPolicy struct {
	policy    classifier.Policy
	reloadErr error
	reloads   int
}

func (s *stubPolicy) Current() classifier.Policy { return s.policy }

func (s *stubPolicy) Reload() error {
	s.reloads++
	return s.reloadErr
}

func newTestAdmin(db *fakeDB, inv *recordingInvalidator, pol *stubPolicy) (*admin, http.Handler) {
	a := newAdmin(metrics.NewRegistry(), db, inv, pol, stream.NewHub(1), zerolog.Nop())
	return a, a.routes()
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminHealthAndReadiness(t *testing.T) {
	db := &fakeDB{}
	_, h := newTestAdmin(db, &recordingInvalidator{}, &stubPolicy{policy: classifier.DefaultPolicy()})

	rec := serve(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = serve(h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	db.pingErr = errors.New("connection refused")
	rec = serve(h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminInvalidateNormalizesActor(t *testing.T) {
	inv := &recordingInvalidator{}
	_, h := newTestAdmin(&fakeDB{}, inv, &stubPolicy{})

	rec := serve(h, http.MethodPost, "/v1/cache/invalidate", `{"actor":"HTTPS://Remote.Example:443/users/alice#main-key"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"https://remote.example/users/alice"}, inv.uris)

	rec = serve(h, http.MethodPost, "/v1/cache/invalidate", `{"actor":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, "/v1/cache/invalidate", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	inv.err = errors.New("redis down")
	rec = serve(h, http.MethodPost, "/v1/cache/invalidate", `{"actor":"https://remote.example/users/alice"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAdminPolicyEndpoints(t *testing.T) {
	pol := &stubPolicy{policy: classifier.DefaultPolicy()}
	_, h := newTestAdmin(&fakeDB{}, &recordingInvalidator{}, pol)

	rec := serve(h, http.MethodGet, "/v1/policy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, true, got["block_unknown_actor"])

	rec = serve(h, http.MethodPost, "/v1/policy/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	pol.reloadErr = errors.New("yaml: line 3")
	rec = serve(h, http.MethodPost, "/v1/policy/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 2, pol.reloads)
}

func TestAdminMetricsUseRoutePatterns(t *testing.T) {
	a, h := newTestAdmin(&fakeDB{}, &recordingInvalidator{}, &stubPolicy{})
	a.metrics.ObserveVerdict("BLOCK", classifier.ReasonLowTrust, 0)

	serve(h, http.MethodGet, "/healthz", "")
	rec := serve(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"GET /healthz"`)

	rec = serve(h, http.MethodGet, "/metrics/prometheus", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "apwall_verdicts_total")
}

func TestAdminStreamsConnections(t *testing.T) {
	a, h := newTestAdmin(&fakeDB{}, &recordingInvalidator{}, &stubPolicy{})
	a.metrics.TrackFeed(a.events)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/connections/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready stream.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ready))
	assert.Equal(t, stream.TypeReady, ready.Type)
	assert.Equal(t, float64(1), a.metrics.Snapshot().Gauges["feed_subscribers"])

	// The hub holds one subscriber, so a second stream is refused.
	rec := serve(h, http.MethodGet, "/v1/connections/ws", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	a.events.Publish(stream.Event{Type: stream.TypeConnection, ConnID: "c1", Decision: "BLOCK"})
	var evt stream.Event
	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	assert.Equal(t, "c1", evt.ConnID)
	assert.Equal(t, "BLOCK", evt.Decision)
}
