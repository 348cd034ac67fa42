// Package metrics keeps firewall counters in two forms: a JSON snapshot for
// quick inspection and Prometheus collectors for scraping.
package metrics

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	verdict     map[string]int64
	reason      map[string]int64
	state       map[string]int64
	lookup      map[string]int64
	gauges      map[string]float64
	active      int64
	bytesIn     int64
	bytesOut    int64
	decisionLat LatencyStat

	prom           *prometheus.Registry
	verdicts       *prometheus.CounterVec
	states         *prometheus.CounterVec
	lookups        *prometheus.CounterVec
	lookupLatency  *prometheus.HistogramVec
	connDuration   *prometheus.HistogramVec
	decisionTime   prometheus.Histogram
	activeConns    prometheus.Gauge
	forwardedBytes *prometheus.CounterVec
	adminRequests  *prometheus.CounterVec

	feed FeedStats
}

// FeedStats is the view of the live connection feed exported as metrics.
type FeedStats interface {
	Subscribers() int
	Dropped() int64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalUS int64   `json:"total_us"`
	MaxUS   int64   `json:"max_us"`
	LastUS  int64   `json:"last_us"`
	AvgUS   float64 `json:"avg_us"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	Verdicts          map[string]int64        `json:"verdicts"`
	Reasons           map[string]int64        `json:"reasons"`
	ConnectionStates  map[string]int64        `json:"connection_states"`
	Lookups           map[string]int64        `json:"lookups"`
	Gauges            map[string]float64      `json:"gauges"`
	ActiveConnections int64                   `json:"active_connections"`
	RequestBytes      int64                   `json:"forwarded_request_bytes"`
	ResponseBytes     int64                   `json:"forwarded_response_bytes"`
	DecisionLatencyUS LatencyStat             `json:"decision_latency_us"`
}

func NewRegistry() *Registry {
	r := &Registry{
		endpoint: map[string]*EndpointStat{},
		verdict:  map[string]int64{},
		reason:   map[string]int64{},
		state:    map[string]int64{},
		lookup:   map[string]int64{},
		gauges:   map[string]float64{},
		prom:     prometheus.NewRegistry(),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apwall_verdicts_total",
			Help: "Classified inbox deliveries by decision and reason",
		}, []string{"decision", "reason"}),
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apwall_connections_total",
			Help: "Finished connections by terminal state",
		}, []string{"state"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apwall_store_lookups_total",
			Help: "Relationship lookups by outcome (hit, miss, error)",
		}, []string{"outcome"}),
		lookupLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apwall_store_lookup_duration_seconds",
			Help:    "Relationship lookup latency including cache",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}, []string{"outcome"}),
		connDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apwall_connection_duration_seconds",
			Help:    "Connection lifetime from accept to close",
			Buckets: prometheus.DefBuckets,
		}, []string{"state"}),
		decisionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "apwall_decision_duration_seconds",
			Help:    "Time from accept to verdict for inbox deliveries",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apwall_connections_active",
			Help: "Connections currently being handled",
		}),
		forwardedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apwall_forwarded_bytes_total",
			Help: "Bytes relayed between peers and the application server",
		}, []string{"direction"}),
		adminRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apwall_admin_requests_total",
			Help: "Admin API requests by route and status class",
		}, []string{"route", "class"}),
	}
	r.prom.MustRegister(
		r.verdicts, r.states, r.lookups, r.lookupLatency, r.connDuration,
		r.decisionTime, r.activeConns, r.forwardedBytes, r.adminRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe records one admin API request.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	r.mu.Unlock()
	r.adminRequests.WithLabelValues(path, statusClass(status)).Inc()
}

// ObserveVerdict counts one classification and the time it took from accept.
func (r *Registry) ObserveVerdict(decision, reason string, elapsed time.Duration) {
	decision = strings.TrimSpace(decision)
	if decision == "" {
		return
	}
	if reason == "" {
		reason = "UNKNOWN"
	}
	us := elapsed.Microseconds()
	if us < 0 {
		us = 0
	}
	r.mu.Lock()
	r.verdict[decision]++
	r.reason[reason]++
	r.decisionLat.Count++
	r.decisionLat.TotalUS += us
	r.decisionLat.LastUS = us
	if us > r.decisionLat.MaxUS {
		r.decisionLat.MaxUS = us
	}
	r.decisionLat.AvgUS = float64(r.decisionLat.TotalUS) / float64(r.decisionLat.Count)
	r.mu.Unlock()
	r.verdicts.WithLabelValues(decision, reason).Inc()
	r.decisionTime.Observe(elapsed.Seconds())
}

// ObserveLookup satisfies store.LookupObserver.
func (r *Registry) ObserveLookup(outcome string, elapsed time.Duration) {
	r.mu.Lock()
	r.lookup[outcome]++
	r.mu.Unlock()
	r.lookups.WithLabelValues(outcome).Inc()
	r.lookupLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (r *Registry) ConnOpened() {
	r.mu.Lock()
	r.active++
	r.mu.Unlock()
	r.activeConns.Inc()
}

// ConnClosed records the terminal state of a connection.
func (r *Registry) ConnClosed(state string, lifetime time.Duration) {
	r.mu.Lock()
	r.active--
	r.state[state]++
	r.mu.Unlock()
	r.activeConns.Dec()
	r.states.WithLabelValues(state).Inc()
	r.connDuration.WithLabelValues(state).Observe(lifetime.Seconds())
}

func (r *Registry) AddForwarded(requestBytes, responseBytes int64) {
	r.mu.Lock()
	r.bytesIn += requestBytes
	r.bytesOut += responseBytes
	r.mu.Unlock()
	r.forwardedBytes.WithLabelValues("request").Add(float64(requestBytes))
	r.forwardedBytes.WithLabelValues("response").Add(float64(responseBytes))
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:          copyCounts(r.verdict),
		Reasons:           copyCounts(r.reason),
		ConnectionStates:  copyCounts(r.state),
		Lookups:           copyCounts(r.lookup),
		Gauges:            make(map[string]float64, len(r.gauges)),
		ActiveConnections: r.active,
		RequestBytes:      r.bytesIn,
		ResponseBytes:     r.bytesOut,
		DecisionLatencyUS: r.decisionLat,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	if r.feed != nil {
		out.Gauges["feed_subscribers"] = float64(r.feed.Subscribers())
		out.Gauges["feed_dropped_events"] = float64(r.feed.Dropped())
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// TrackFeed exports the subscriber count and dropped events of the live
// connection feed. Call it once.
func (r *Registry) TrackFeed(f FeedStats) {
	r.mu.Lock()
	r.feed = f
	r.mu.Unlock()
	r.prom.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "apwall_feed_subscribers",
			Help: "Admin websocket clients tailing finished connections",
		}, func() float64 { return float64(f.Subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "apwall_feed_dropped_events_total",
			Help: "Connection events dropped because a feed subscriber was too slow",
		}, func() float64 { return float64(f.Dropped()) }),
	)
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
