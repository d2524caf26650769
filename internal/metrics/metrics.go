// Package metrics is a small in-process registry with Prometheus text
// exposition; enough for a single proxy process without pulling in a
// client library.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry holds request counters, the active connection gauge and
// latency histograms keyed by "name|labels".
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]uint64
	gauges     map[string]int64
	histograms map[string]*histogram
}

type histogram struct {
	count   uint64
	sum     float64
	buckets []float64
	counts  []uint64
}

var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]uint64),
		gauges:     make(map[string]int64),
		histograms: make(map[string]*histogram),
	}
}

// IncRequest counts one finished request. kind is the routing outcome
// (static/upstream/none), host the matched virtual host ("" for none).
func (r *Registry) IncRequest(kind, host, method, status string) {
	key := fmt.Sprintf("requests_total|kind=%q,host=%q,method=%q,status=%q", kind, host, method, status)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key]++
}

func (r *Registry) IncActiveConns() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges["active_connections|"]++
}

func (r *Registry) DecActiveConns() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges["active_connections|"]--
}

func (r *Registry) ObserveDuration(kind, host string, d time.Duration) {
	key := fmt.Sprintf("request_duration_seconds|kind=%q,host=%q", kind, host)
	val := d.Seconds()

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.histograms[key]
	if !ok {
		h = &histogram{
			buckets: latencyBuckets,
			counts:  make([]uint64, len(latencyBuckets)),
		}
		r.histograms[key] = h
	}
	h.count++
	h.sum += val
	for i, b := range h.buckets {
		if val <= b {
			h.counts[i]++
		}
	}
}

// WritePrometheus renders the registry in Prometheus text format.
func (r *Registry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := sortedKeys(r.counters)
	if len(keys) > 0 {
		_, _ = fmt.Fprintln(w, "# HELP requests_total Total number of requests")
		_, _ = fmt.Fprintln(w, "# TYPE requests_total counter")
		for _, k := range keys {
			name, labels, ok := splitKey(k)
			if ok {
				_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, labels, r.counters[k])
			}
		}
	}

	gkeys := make([]string, 0, len(r.gauges))
	for k := range r.gauges {
		gkeys = append(gkeys, k)
	}
	sort.Strings(gkeys)
	if len(gkeys) > 0 {
		_, _ = fmt.Fprintln(w, "# HELP active_connections Number of open client connections")
		_, _ = fmt.Fprintln(w, "# TYPE active_connections gauge")
		for _, k := range gkeys {
			name, _, ok := splitKey(k)
			if ok {
				_, _ = fmt.Fprintf(w, "%s %d\n", name, r.gauges[k])
			}
		}
	}

	hkeys := make([]string, 0, len(r.histograms))
	for k := range r.histograms {
		hkeys = append(hkeys, k)
	}
	sort.Strings(hkeys)
	if len(hkeys) > 0 {
		_, _ = fmt.Fprintln(w, "# HELP request_duration_seconds Request duration in seconds")
		_, _ = fmt.Fprintln(w, "# TYPE request_duration_seconds histogram")
		for _, k := range hkeys {
			name, labels, ok := splitKey(k)
			if !ok {
				continue
			}
			h := r.histograms[k]
			for i, b := range h.buckets {
				_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, b, h.counts[i])
			}
			_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.count)
			_, _ = fmt.Fprintf(w, "%s_sum{%s} %g\n", name, labels, h.sum)
			_, _ = fmt.Fprintf(w, "%s_count{%s} %d\n", name, labels, h.count)
		}
	}
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func splitKey(k string) (name, labels string, ok bool) {
	i := strings.IndexByte(k, '|')
	if i < 0 {
		return "", "", false
	}
	return k[:i], k[i+1:], true
}
