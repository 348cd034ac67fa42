// Package proxy accepts federation peers, classifies inbox deliveries and
// relays allowed requests byte for byte to the application server.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"apwall/pkg/actor"
	"apwall/pkg/classifier"
	"apwall/pkg/httpx"
	"apwall/pkg/ratelimit"
	"apwall/pkg/relay"
	"apwall/pkg/store"
	"apwall/pkg/stream"
	"apwall/pkg/telemetry"
)

// FactSource never fails; unavailable facts come back flagged Degraded.
// *store.CachedStore implements it.
type FactSource interface {
	Lookup(ctx context.Context, id actor.Identity) store.Facts
}

// PolicySource serves the active classifier policy.
type PolicySource interface {
	Current() classifier.Policy
}

// Publisher receives every finished connection. *stream.Hub implements it.
type Publisher interface {
	Publish(evt stream.Event)
}

// Recorder receives per-connection measurements. *metrics.Registry
// implements it.
type Recorder interface {
	ConnOpened()
	ConnClosed(state string, lifetime time.Duration)
	ObserveVerdict(decision, reason string, elapsed time.Duration)
	AddForwarded(requestBytes, responseBytes int64)
}

const (
	DefaultConnDeadline = 30 * time.Second
	DefaultBlockStatus  = 403

	replyTimeout  = time.Second
	lingerTimeout = 250 * time.Millisecond
	lingerBytes   = 64 << 10
)

type Server struct {
	// Upstream is the host:port of the application server.
	Upstream     string
	Limits       relay.Limits
	ConnDeadline time.Duration
	// BlockStatus is written to blocked peers. Zero closes silently.
	BlockStatus int

	Resolver *actor.Resolver
	Facts    FactSource
	Policy   PolicySource
	Burst    *ratelimit.BurstDetector
	Metrics  Recorder
	Events   Publisher
	Dial     relay.DialFunc
	Logger   zerolog.Logger

	now func() time.Time
	wg  sync.WaitGroup
}

// New returns a Server with defaults filled in.
func New(upstream string, facts FactSource, policy PolicySource) *Server {
	return &Server{
		Upstream:     upstream,
		ConnDeadline: DefaultConnDeadline,
		BlockStatus:  DefaultBlockStatus,
		Resolver:     actor.NewResolver(nil),
		Facts:        facts,
		Policy:       policy,
		Logger:       zerolog.Nop(),
	}
}

func (s *Server) validate() error {
	if strings.TrimSpace(s.Upstream) == "" {
		return errors.New("proxy: upstream address is required")
	}
	if s.Facts == nil {
		return errors.New("proxy: fact source is required")
	}
	if s.Policy == nil {
		return errors.New("proxy: policy source is required")
	}
	if s.Resolver == nil {
		s.Resolver = actor.NewResolver(nil)
	}
	if s.ConnDeadline <= 0 {
		s.ConnDeadline = DefaultConnDeadline
	}
	if s.Metrics == nil {
		s.Metrics = nopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return nil
}

// ListenAndServe binds addr (IPv4 only) and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// waits for in-flight connections, each bounded by ConnDeadline. It returns
// nil on a ctx-initiated shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.validate(); err != nil {
		_ = ln.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()

	s.Logger.Info().
		Str("listen", ln.Addr().String()).
		Str("upstream", s.Upstream).
		Msg("firewall accepting connections")

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.Logger.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// handle runs one connection to a terminal state. Shutdown of the listener
// does not cut it short; only its own deadline does.
func (s *Server) handle(parent context.Context, conn net.Conn) {
	c := &connection{
		id:    uuid.NewString(),
		peer:  conn.RemoteAddr().String(),
		start: time.Now(),
		state: StateAccepted,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.ConnDeadline)
	defer cancel()
	_ = conn.SetDeadline(c.start.Add(s.ConnDeadline))

	ctx, span := telemetry.StartConn(ctx, c.id, c.peer)
	s.Metrics.ConnOpened()

	s.run(ctx, conn, c)
	if !c.state.Terminal() {
		c.to(StateClosed)
	}

	lifetime := time.Since(c.start)
	telemetry.EndConn(span, telemetry.ConnOutcome{
		State:    string(c.state),
		Method:   c.method,
		Path:     c.path,
		Actor:    c.actor,
		Decision: string(c.verdict.Decision),
		Reason:   c.verdict.Reason,
		Err:      c.err,
	})
	s.summarize(c, lifetime)
	if s.Events != nil {
		s.Events.Publish(stream.Event{
			Type:     stream.TypeConnection,
			At:       c.start.UTC(),
			ConnID:   c.id,
			Peer:     c.peer,
			Method:   c.method,
			Path:     c.path,
			State:    string(c.state),
			Actor:    c.actor,
			Decision: string(c.verdict.Decision),
			Reason:   c.verdict.Reason,
			Status:   c.status,
		})
	}
	s.Metrics.ConnClosed(string(c.state), lifetime)
	_ = conn.Close()
}

func (s *Server) run(ctx context.Context, conn net.Conn, c *connection) {
	c.to(StateParsing)
	req, err := relay.ReadRequest(ctx, conn, s.Limits)
	if err != nil {
		status := 400
		detail := ""
		var re *relay.RequestError
		if errors.As(err, &re) {
			status, detail = re.Status(), re.Detail
		}
		c.abort(status, err)
		if status != 0 {
			s.reply(conn, status, detail)
		}
		return
	}
	c.method, c.path = req.Method, req.Target

	if !s.Resolver.Filtered(req) {
		s.forward(ctx, conn, req, c)
		return
	}

	policy := s.Policy.Current()
	if policy.RequireActivityContentType && !IsActivityContentType(req.Header("Content-Type")) {
		c.abort(400, fmt.Errorf("%w: content type %q", relay.ErrMalformed, req.Header("Content-Type")))
		s.reply(conn, 400, "expected application/activity+json")
		return
	}

	c.to(StateClassifying)
	c.verdict = s.classify(ctx, req, policy, c)
	s.Metrics.ObserveVerdict(string(c.verdict.Decision), c.verdict.Reason, time.Since(c.start))
	if !c.verdict.Allowed() {
		c.abort(s.BlockStatus, nil)
		if s.BlockStatus != 0 {
			s.reply(conn, s.BlockStatus, "")
		}
		return
	}
	s.forward(ctx, conn, req, c)
}

func (s *Server) classify(ctx context.Context, req *relay.InboundRequest, policy classifier.Policy, c *connection) classifier.Verdict {
	sig := classifier.Signals{ActivityType: actor.ActivityType(req.Body), Now: s.now()}
	id, src, ok := s.Resolver.Resolve(req)
	if !ok {
		return classifier.Classify(policy, nil, store.Facts{}, sig)
	}
	c.actor, c.source = id.URI, src
	facts := s.Facts.Lookup(ctx, id)
	c.degraded = facts.Degraded
	sig.Burst = s.Burst.Observe(ctx, id.Host)
	return classifier.Classify(policy, &id, facts, sig)
}

func (s *Server) forward(ctx context.Context, conn net.Conn, req *relay.InboundRequest, c *connection) {
	c.to(StateForwarding)
	res, err := relay.Forward(ctx, req, conn, s.Upstream, s.Dial)
	c.requestBytes, c.responseBytes = res.RequestBytes, res.ResponseBytes
	s.Metrics.AddForwarded(res.RequestBytes, res.ResponseBytes)
	if err == nil {
		c.to(StateClosed)
		return
	}
	s.Logger.Error().Err(err).
		Str("component", "upstream").
		Str("conn_id", c.id).
		Str("upstream", s.Upstream).
		Bool("flushed", res.Flushed()).
		Msg("upstream relay failed")
	if res.Flushed() {
		c.abort(0, err)
		return
	}
	c.abort(502, err)
	s.reply(conn, 502, "")
}

// reply answers the peer directly, half-closes and drains briefly so the
// response is not lost to a reset.
func (s *Server) reply(conn net.Conn, status int, detail string) {
	_ = conn.SetWriteDeadline(time.Now().Add(replyTimeout))
	if err := httpx.WriteStatus(conn, status, detail); err != nil {
		s.Logger.Debug().Err(err).Int("status", status).Msg("reply not delivered")
		return
	}
	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		return
	}
	_ = cw.CloseWrite()
	_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.CopyN(io.Discard, conn, lingerBytes)
}

// summarize writes the single log line every connection produces.
func (s *Server) summarize(c *connection, lifetime time.Duration) {
	ev := s.Logger.Info()
	if c.state == StateAborted && c.verdict.Decision == "" && c.err != nil {
		ev = s.Logger.Warn().Err(c.err)
	}
	ev = ev.Str("conn_id", c.id).
		Str("peer", c.peer).
		Str("method", c.method).
		Str("path", c.path).
		Str("state", string(c.state))
	if c.actor != "" {
		ev = ev.Str("actor", c.actor).Str("actor_source", string(c.source))
	}
	if c.verdict.Decision != "" {
		ev = ev.Str("verdict", string(c.verdict.Decision)).Str("reason", c.verdict.Reason)
	}
	if c.degraded {
		ev = ev.Bool("degraded", true)
	}
	if c.status != 0 {
		ev = ev.Int("status", c.status)
	}
	ev.Int64("request_bytes", c.requestBytes).
		Int64("response_bytes", c.responseBytes).
		Dur("elapsed", lifetime).
		Msg("connection finished")
}

// IsActivityContentType accepts the two media types ActivityPub deliveries
// are sent with.
func IsActivityContentType(v string) bool {
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return false
	}
	return mt == "application/activity+json" || mt == "application/ld+json"
}

type nopRecorder struct{}

func (nopRecorder) ConnOpened()                                  {}
func (nopRecorder) ConnClosed(string, time.Duration)             {}
func (nopRecorder) ObserveVerdict(string, string, time.Duration) {}
func (nopRecorder) AddForwarded(int64, int64)                    {}
