package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"apwall/pkg/actor"
	"apwall/pkg/classifier"
	"apwall/pkg/httpx"
	"apwall/pkg/logging"
	"apwall/pkg/metrics"
	"apwall/pkg/stream"
	"apwall/pkg/telemetry"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type invalidator interface {
	Invalidate(ctx context.Context, uri string) error
}

type policyReloader interface {
	Current() classifier.Policy
	Reload() error
}

// admin serves the loopback operations API. It never sees peer traffic.
type admin struct {
	metrics *metrics.Registry
	db      pinger
	cache   invalidator
	policy  policyReloader
	events  *stream.Hub
	log     zerolog.Logger
}

func newAdmin(reg *metrics.Registry, db pinger, cache invalidator, policy policyReloader, events *stream.Hub, logger zerolog.Logger) *admin {
	return &admin{
		metrics: reg,
		db:      db,
		cache:   cache,
		policy:  policy,
		events:  events,
		log:     logging.Component(logger, "admin"),
	}
}

func (a *admin) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(a.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("apwall-admin"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "apwall"})
	})
	r.Get("/readyz", a.ready)
	r.Get("/metrics", a.metrics.Handler())
	r.Method(http.MethodGet, "/metrics/prometheus", a.metrics.PrometheusHandler())
	r.Get("/v1/policy", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, a.policy.Current())
	})
	r.Post("/v1/policy/reload", a.reloadPolicy)
	r.Post("/v1/cache/invalidate", a.invalidate)
	r.Get("/v1/connections/ws", a.streamConnections)
	return r
}

func (a *admin) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if err := a.db.Ping(ctx); err != nil {
		a.log.Warn().Err(err).Msg("readiness check failed")
		httpx.Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *admin) reloadPolicy(w http.ResponseWriter, _ *http.Request) {
	if err := a.policy.Reload(); err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a.policy.Current())
}

type invalidateRequest struct {
	Actor string `json:"actor"`
}

func (a *admin) invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json body")
		return
	}
	id, err := actor.Normalize(req.Actor)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.cache.Invalidate(r.Context(), id.URI); err != nil {
		a.log.Error().Err(err).Str("actor", id.URI).Msg("cache invalidation failed")
		httpx.Error(w, http.StatusBadGateway, "cache unavailable")
		return
	}
	a.log.Info().Str("actor", id.URI).Msg("cached facts invalidated")
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"invalidated": id.URI})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket route take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.code = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (a *admin) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		a.metrics.Observe(r.Method+" "+route, rec.code, time.Since(start))
	})
}

// streamConnections tails finished connections over a websocket until the
// client goes away.
func (a *admin) streamConnections(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	sub, err := a.events.Subscribe(64)
	if err != nil {
		httpx.Error(w, http.StatusTooManyRequests, err.Error())
		return
	}
	defer a.events.Unsubscribe(sub)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = wsjson.Write(ctx, conn, stream.Ready())
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
