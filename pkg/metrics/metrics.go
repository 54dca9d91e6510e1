// Package metrics keeps the portal's operational counters and exposes
// them as JSON and Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                  sync.RWMutex
	endpoint            map[string]*EndpointStat
	logins              int64
	loginFailures       int64
	logouts             int64
	disconnects         int64
	sweeps              int64
	sweptSessions       int64
	grants              int64
	revokes             int64
	enforcementFailures map[string]int64
	gauges              map[string]float64
	Latency             *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt         string                  `json:"generated_at"`
	Endpoints           map[string]EndpointStat `json:"endpoints"`
	Logins              int64                   `json:"logins_total"`
	LoginFailures       int64                   `json:"login_failures_total"`
	Logouts             int64                   `json:"logouts_total"`
	Disconnects         int64                   `json:"admin_disconnects_total"`
	Sweeps              int64                   `json:"sweeps_total"`
	SweptSessions       int64                   `json:"swept_sessions_total"`
	Grants              int64                   `json:"grants_total"`
	Revokes             int64                   `json:"revokes_total"`
	EnforcementFailures map[string]int64        `json:"enforcement_failures_total"`
	Gauges              map[string]float64      `json:"gauges"`
	Latency             []HistogramSnapshot     `json:"latency,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:            map[string]*EndpointStat{},
		enforcementFailures: map[string]int64{},
		gauges:              map[string]float64{},
		Latency:             NewHistogramRegistry(),
	}
}

// Observe records one handled HTTP request.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
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
}

// ObserveEnforcement records how long one nft or unbound-control
// invocation took.
func (r *Registry) ObserveEnforcement(subsystem string, d time.Duration) {
	r.Latency.ObserveDuration(subsystem, d)
}

func (r *Registry) IncLogin()           { r.inc(&r.logins) }
func (r *Registry) IncLoginFailure()    { r.inc(&r.loginFailures) }
func (r *Registry) IncLogout()          { r.inc(&r.logouts) }
func (r *Registry) IncAdminDisconnect() { r.inc(&r.disconnects) }
func (r *Registry) IncGrant()           { r.inc(&r.grants) }
func (r *Registry) IncRevoke()          { r.inc(&r.revokes) }

func (r *Registry) inc(field *int64) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}

// ObserveSweep records one completed expiry sweep and how many
// sessions it retired.
func (r *Registry) ObserveSweep(swept int) {
	r.mu.Lock()
	r.sweeps++
	r.sweptSessions += int64(swept)
	r.mu.Unlock()
}

// IncEnforcementFailure counts one absorbed grant or revoke failure,
// keyed by subsystem ("nftables" or "unbound").
func (r *Registry) IncEnforcementFailure(subsystem string) {
	subsystem = strings.TrimSpace(subsystem)
	if subsystem == "" {
		return
	}
	r.mu.Lock()
	r.enforcementFailures[subsystem]++
	r.mu.Unlock()
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
		GeneratedAt:         time.Now().UTC().Format(time.RFC3339),
		Endpoints:           make(map[string]EndpointStat, len(r.endpoint)),
		Logins:              r.logins,
		LoginFailures:       r.loginFailures,
		Logouts:             r.logouts,
		Disconnects:         r.disconnects,
		Sweeps:              r.sweeps,
		SweptSessions:       r.sweptSessions,
		Grants:              r.grants,
		Revokes:             r.revokes,
		EnforcementFailures: make(map[string]int64, len(r.enforcementFailures)),
		Gauges:              make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.enforcementFailures {
		out.EnforcementFailures[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Latency = r.Latency.Snapshots()
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

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}

		b.WriteString("# HELP portal_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE portal_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "portal_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP portal_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE portal_endpoint_error_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "portal_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP portal_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE portal_endpoint_avg_millis gauge\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "portal_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}

		writeCounter(b, "portal_logins_total", "successful logins", snap.Logins)
		writeCounter(b, "portal_login_failures_total", "rejected logins", snap.LoginFailures)
		writeCounter(b, "portal_logouts_total", "voluntary logouts", snap.Logouts)
		writeCounter(b, "portal_admin_disconnects_total", "administrator disconnects", snap.Disconnects)
		writeCounter(b, "portal_sweeps_total", "expiry sweep runs", snap.Sweeps)
		writeCounter(b, "portal_swept_sessions_total", "sessions retired by sweeps", snap.SweptSessions)
		writeCounter(b, "portal_grants_total", "firewall grants issued", snap.Grants)
		writeCounter(b, "portal_revokes_total", "firewall revokes issued", snap.Revokes)

		b.WriteString("# HELP portal_enforcement_failures_total absorbed enforcement failures by subsystem\n")
		b.WriteString("# TYPE portal_enforcement_failures_total counter\n")
		for _, sub := range sortedKeys(snap.EnforcementFailures) {
			fmt.Fprintf(b, "portal_enforcement_failures_total{subsystem=%q} %d\n", sub, snap.EnforcementFailures[sub])
		}

		b.WriteString("# HELP portal_gauge operational gauge metrics\n")
		b.WriteString("# TYPE portal_gauge gauge\n")
		for _, name := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "portal_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		for _, h := range snap.Latency {
			b.WriteString("# HELP portal_latency_seconds latency histogram\n")
			b.WriteString("# TYPE portal_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "portal_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "portal_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "portal_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "portal_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "portal_latency_p95_seconds{name=%q} %.6f\n", h.Name, h.P95)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func writeCounter(b *strings.Builder, name, help string, value int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, value)
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
