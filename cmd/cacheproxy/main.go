/* Copyright (c) 2016-2017 Gregor Riepl
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

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/onitake/cacheproxy/internal/cache"
	"github.com/onitake/cacheproxy/internal/dispatcher"
	"github.com/onitake/cacheproxy/internal/logging"
	"github.com/onitake/cacheproxy/internal/metrics"
	"github.com/onitake/cacheproxy/internal/worker"
)

const (
	moduleMain = "main"
	//
	eventMainStartMetrics = "start_metrics"
	eventMainStartProfile = "start_profile"
	eventMainListening    = "listening"
	//
	errorMainArgs    = "args"
	errorMainListen  = "listen"
	errorMainLogfile = "logfile"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	metricsAddr := fs.String("metrics", "", "address to serve Prometheus metrics on, e.g. :9100 (disabled if empty)")
	profileAddr := fs.String("profile", "", "address to serve net/http/pprof on, e.g. :6060 (disabled if empty)")
	logPath := fs.String("log", "", "write structured logs to this file instead of stdout (disabled if empty)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: proxy [-metrics addr] [-profile addr] [-log path] <port>")
		return 1
	}
	port := fs.Arg(0)
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		fmt.Fprintf(os.Stderr, "%s: invalid port %q\n", errorMainArgs, port)
		return 1
	}

	var logBackend logging.Logger = &logging.ConsoleLogger{}
	if *logPath != "" {
		fileLogger, err := logging.NewFileLogger(*logPath, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", errorMainLogfile, err)
			return 1
		}
		defer fileLogger.Close()
		logBackend = fileLogger
	}
	logging.SetGlobalStandardLogger(logBackend)

	logger := logging.NewGlobalModuleLogger(moduleMain, nil)

	c := cache.New()

	var recorder = metrics.NewCollectors()
	c.SetRecorder(recorder)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.NewHealthHandler(c))
		logger.Logkv(
			"event", eventMainStartMetrics,
			"address", *metricsAddr,
		)
		go func() {
			http.ListenAndServe(*metricsAddr, mux)
		}()
		go reportOccupancy(c, recorder)
	}

	if *profileAddr != "" {
		logger.Logkv(
			"event", eventMainStartProfile,
			"address", *profileAddr,
		)
		EnableProfiling(*profileAddr)
	}

	w := worker.New(c)
	w.Recorder = &workerRecorder{collectors: recorder}

	d := dispatcher.New(dispatcher.HandlerFunc(func(ctx context.Context, conn net.Conn) {
		w.Serve(ctx, conn)
	}))

	addr := ":" + port
	logger.Logkv(
		"event", eventMainListening,
		"address", addr,
	)
	if err := d.ListenAndServe(context.Background(), addr); err != nil {
		logger.Logkv(
			"event", errorMainListen,
			"error", errorMainListen,
			"message", err.Error(),
		)
		return 1
	}
	return 0
}

// reportOccupancy periodically samples the cache's entry count and byte
// total into the exported gauges; the cache itself only emits edge-triggered
// counters, not a continuous occupancy reading.
func reportOccupancy(c *cache.Cache, recorder *metrics.Collectors) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		recorder.ObserveOccupancy(c.Len(), c.Size())
	}
}

// workerRecorder adapts metrics.Collectors to the worker.Recorder
// interface; the two packages never import one another.
type workerRecorder struct {
	collectors *metrics.Collectors
}

func (r *workerRecorder) Request()     { r.collectors.Requests.Inc() }
func (r *workerRecorder) OriginError() { r.collectors.OriginErrors.Inc() }
func (r *workerRecorder) Dropped()     { r.collectors.DroppedRequests.Inc() }
func (r *workerRecorder) ObserveRelay(d time.Duration) {
	r.collectors.RelayDuration.Observe(d.Seconds())
}
