/* Copyright (c) 2019 Gregor Riepl
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package metrics wires the proxy's counters and gauges into Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/onitake/cacheproxy/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	moduleMetrics = "metrics"
	//
	errorMetricsPrometheus = "prometheus"
)

var logger = logging.NewGlobalModuleLogger(moduleMetrics, nil)

var (
	defaultRegistry = prometheus.NewRegistry()
	// DefaultRegisterer is the registry every collector in this package registers to.
	DefaultRegisterer prometheus.Registerer = defaultRegistry
	// DefaultGatherer points to the same registry as DefaultRegisterer.
	DefaultGatherer prometheus.Gatherer = defaultRegistry
)

// promErrorLogger forwards promhttp's internal error logging to the structured logger.
type promErrorLogger struct{}

func (*promErrorLogger) Println(v ...interface{}) {
	logger.Logkv(
		"event", errorMetricsPrometheus,
		"error", errorMetricsPrometheus,
		"message", fmt.Sprintln(v...),
	)
}

// Handler returns an http.Handler that serves the registered metrics in the
// Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultGatherer, promhttp.HandlerOpts{
		ErrorLog:      &promErrorLogger{},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// MustRegister registers the provided Collectors with DefaultRegisterer and
// panics if any error occurs. Intended for use in package init()s.
func MustRegister(cs ...prometheus.Collector) {
	DefaultRegisterer.MustRegister(cs...)
}

// Collectors groups the metrics this proxy exposes.
type Collectors struct {
	// Requests counts GET requests read from clients.
	Requests prometheus.Counter
	// CacheHits counts lookups that found a cached entry.
	CacheHits prometheus.Counter
	// CacheMisses counts lookups that found nothing.
	CacheMisses prometheus.Counter
	// CacheAdmissions counts successful cache insertions.
	CacheAdmissions prometheus.Counter
	// CacheEvictions counts tail evictions.
	CacheEvictions prometheus.Counter
	// CacheBytes is the current total size of cached responses.
	CacheBytes prometheus.Gauge
	// CacheEntries is the current number of cached entries.
	CacheEntries prometheus.Gauge
	// OriginErrors counts origin-connect failures (resolution or connect).
	OriginErrors prometheus.Counter
	// RelayDuration observes the time spent relaying an origin response.
	RelayDuration prometheus.Histogram
	// DroppedRequests counts cache-miss requests dropped because the
	// header rewrite, the origin connect or the upstream send failed.
	// Other dropped requests are not counted.
	DroppedRequests prometheus.Counter
}

// NewCollectors creates and registers the proxy's metric set.
func NewCollectors() *Collectors {
	c := &Collectors{
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_requests_total",
			Help: "Total number of GET requests read from clients.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_cache_hits_total",
			Help: "Total number of cache lookups that found an entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_cache_misses_total",
			Help: "Total number of cache lookups that found nothing.",
		}),
		CacheAdmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_cache_admissions_total",
			Help: "Total number of responses admitted into the cache.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_cache_evictions_total",
			Help: "Total number of entries evicted from the tail of the LRU list.",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cacheproxy_cache_bytes",
			Help: "Current total size of cached responses, in bytes.",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cacheproxy_cache_entries",
			Help: "Current number of entries held in the cache.",
		}),
		OriginErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_origin_errors_total",
			Help: "Total number of failures resolving or connecting to an origin server.",
		}),
		RelayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cacheproxy_relay_duration_seconds",
			Help:    "Time spent relaying an origin response to a client.",
			Buckets: prometheus.DefBuckets,
		}),
		DroppedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_dropped_requests_total",
			Help: "Total number of requests dropped due to a per-request error.",
		}),
	}
	MustRegister(
		c.Requests,
		c.CacheHits,
		c.CacheMisses,
		c.CacheAdmissions,
		c.CacheEvictions,
		c.CacheBytes,
		c.CacheEntries,
		c.OriginErrors,
		c.RelayDuration,
		c.DroppedRequests,
	)
	return c
}

// CacheHit, CacheMiss, CacheAdmit and CacheEvict implement the
// internal/cache.Recorder interface, so a *Collectors can be handed
// directly to (*cache.Cache).SetRecorder.
func (c *Collectors) CacheHit()   { c.CacheHits.Inc() }
func (c *Collectors) CacheMiss()  { c.CacheMisses.Inc() }
func (c *Collectors) CacheAdmit() { c.CacheAdmissions.Inc() }
func (c *Collectors) CacheEvict() { c.CacheEvictions.Inc() }

// ObserveOccupancy updates the cache size/entry gauges. Called
// periodically by cmd/cacheproxy's reportOccupancy, since the cache
// doesn't report these on every operation.
func (c *Collectors) ObserveOccupancy(entries int, bytes int64) {
	c.CacheEntries.Set(float64(entries))
	c.CacheBytes.Set(float64(bytes))
}
