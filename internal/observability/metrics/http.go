// Package metrics collects in-process counters and exposes them in the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const namespace = "agent"

type requestKey struct {
	handler string
	method  string
	code    string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu           sync.Mutex
	requests     map[requestKey]uint64
	latency      map[latencyKey]*histogram
	routes       map[labelPair]uint64
	runs         map[labelPair]uint64
	suppressions map[labelPair]uint64
	retries      map[labelPair]uint64
}

// labelPair 是两个标签组成的计数键。
type labelPair struct {
	a string
	b string
}

func newCollector() *collector {
	return &collector{
		requests:     make(map[requestKey]uint64),
		latency:      make(map[latencyKey]*histogram),
		routes:       make(map[labelPair]uint64),
		runs:         make(map[labelPair]uint64),
		suppressions: make(map[labelPair]uint64),
		retries:      make(map[labelPair]uint64),
	}
}

var defaultCollector = newCollector()

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeHTTP(handler, method, status, duration)
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++

	key := latencyKey{handler: handler, method: method}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

// observe 只累加第一个命中的桶，渲染时再求累积值。超过最大桶的值只计入 count。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			h.counts[idx]++
			return
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return defaultCollector.handler()
}

func (c *collector) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(2048)

	reqKeys := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqKeys = append(reqKeys, key)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		x, y := reqKeys[i], reqKeys[j]
		if x.handler != y.handler {
			return x.handler < y.handler
		}
		if x.method != y.method {
			return x.method < y.method
		}
		return x.code < y.code
	})
	writeHeader(&b, "http_requests_total", "counter", "Total number of HTTP requests processed.")
	for _, key := range reqKeys {
		fmt.Fprintf(&b, "%s_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			namespace, escape(key.handler), escape(key.method), key.code, c.requests[key])
	}

	latKeys := make([]latencyKey, 0, len(c.latency))
	for key := range c.latency {
		latKeys = append(latKeys, key)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].handler != latKeys[j].handler {
			return latKeys[i].handler < latKeys[j].handler
		}
		return latKeys[i].method < latKeys[j].method
	})
	writeHeader(&b, "http_request_duration_seconds", "histogram", "HTTP request duration in seconds.")
	for _, key := range latKeys {
		hist := c.latency[key]
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(key.handler), escape(key.method))
		var cumulative uint64
		for idx, bound := range hist.buckets {
			cumulative += hist.counts[idx]
			fmt.Fprintf(&b, "%s_http_request_duration_seconds_bucket{%s,le=\"%s\"} %d\n", namespace, labels, formatFloat(bound), cumulative)
		}
		fmt.Fprintf(&b, "%s_http_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", namespace, labels, hist.count)
		fmt.Fprintf(&b, "%s_http_request_duration_seconds_sum{%s} %s\n", namespace, labels, formatFloat(hist.sum))
		fmt.Fprintf(&b, "%s_http_request_duration_seconds_count{%s} %d\n", namespace, labels, hist.count)
	}

	writePairs(&b, "route_decisions_total", "Routing decisions by layer and workflow.", "source", "workflow", c.routes)
	writePairs(&b, "workflow_runs_total", "Finished workflow runs by workflow and terminal state.", "workflow", "state", c.runs)
	writePairs(&b, "action_attempts_total", "Tool action attempts by tool and outcome.", "tool", "outcome", c.retries)
	writePairs(&b, "tool_suppressions_total", "Tool lists suppressed by the tool call policy.", "rag_mode", "policy", c.suppressions)
	return b.String()
}

func writeHeader(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s_%s %s\n# TYPE %s_%s %s\n", namespace, name, help, namespace, name, kind)
}

func writePairs(b *strings.Builder, name, help, labelA, labelB string, values map[labelPair]uint64) {
	keys := make([]labelPair, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].a != keys[j].a {
			return keys[i].a < keys[j].a
		}
		return keys[i].b < keys[j].b
	})
	writeHeader(b, name, "counter", help)
	for _, key := range keys {
		fmt.Fprintf(b, "%s_%s{%s=\"%s\",%s=\"%s\"} %d\n", namespace, name, labelA, escape(key.a), labelB, escape(key.b), values[key])
	}
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
