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

// Package worker implements the per-connection request pipeline: parse the
// request line, consult the cache, and on a miss rewrite the request,
// connect upstream, relay the response, and conditionally admit it.
package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/onitake/cacheproxy/internal/cache"
	"github.com/onitake/cacheproxy/internal/ioutil"
	"github.com/onitake/cacheproxy/internal/logging"
	"github.com/onitake/cacheproxy/internal/origin"
	"github.com/onitake/cacheproxy/internal/rewrite"
	"github.com/onitake/cacheproxy/internal/uri"
)

const (
	moduleWorker = "worker"
	//
	eventWorkerCacheHit  = "hit"
	eventWorkerCacheMiss = "miss"
	eventWorkerAdmit     = "admit"
	//
	errorWorkerReadRequest  = "readrequest"
	errorWorkerBadMethod    = "badmethod"
	errorWorkerRewrite      = "rewrite"
	errorWorkerConnect      = "connect"
	errorWorkerUpstreamSend = "upstreamsend"
	errorWorkerUpstreamRead = "upstreamread"
	errorWorkerClientWrite  = "clientwrite"
)

var logger = logging.NewGlobalModuleLogger(moduleWorker, nil)

// Recorder receives per-request metrics notifications. It mirrors the
// shape of internal/cache.Recorder: a small interface defined by the
// consumer, implemented by whatever metrics type the caller wires in.
type Recorder interface {
	Request()
	OriginError()
	Dropped()
	ObserveRelay(time.Duration)
}

type dummyRecorder struct{}

func (dummyRecorder) Request() {}
func (dummyRecorder) OriginError() {}
func (dummyRecorder) Dropped() {}
func (dummyRecorder) ObserveRelay(time.Duration) {}

// Dialer abstracts origin connection so tests can substitute a stub; in
// production this is an *origin.Dialer.
type Dialer interface {
	Dial(ctx context.Context, host, port string) (net.Conn, error)
}

// Worker handles one accepted client connection end-to-end. Its fields are
// shared, read-only, across every connection it serves.
type Worker struct {
	Cache    *cache.Cache
	Dialer   Dialer
	Recorder Recorder
}

// New creates a Worker wired to the given cache, using an origin.Dialer for
// upstream connections and a no-op Recorder.
func New(c *cache.Cache) *Worker {
	return &Worker{
		Cache:    c,
		Dialer:   origin.NewDialer(),
		Recorder: dummyRecorder{},
	}
}

// Serve runs the full request pipeline against a single accepted
// connection, and always closes conn before returning.
func (w *Worker) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	recorder := w.Recorder
	if recorder == nil {
		recorder = dummyRecorder{}
	}

	line, err := ioutil.ReadLine(conn)
	if err != nil {
		logger.Logkv(
			"event", errorWorkerReadRequest,
			"error", errorWorkerReadRequest,
		)
		return
	}

	method, requestURI, ok := parseRequestLine(line)
	if !ok || !strings.EqualFold(method, "GET") {
		logger.Logkv(
			"event", errorWorkerBadMethod,
			"error", errorWorkerBadMethod,
			"method", method,
		)
		return
	}

	recorder.Request()

	if cached, ok := w.Cache.Lookup(requestURI); ok {
		logger.Logkv(
			"event", eventWorkerCacheHit,
			"uri", requestURI,
		)
		if err := ioutil.WriteAll(conn, cached); err != nil {
			logger.Logkv(
				"event", errorWorkerClientWrite,
				"error", errorWorkerClientWrite,
				"message", err.Error(),
			)
		}
		return
	}
	logger.Logkv(
		"event", eventWorkerCacheMiss,
		"uri", requestURI,
	)

	parts := uri.Parse(requestURI)

	var header bytes.Buffer
	if err := rewrite.Request(&header, conn, parts.Host, parts.Path, parts.Port); err != nil {
		logger.Logkv(
			"event", errorWorkerRewrite,
			"error", errorWorkerRewrite,
			"message", err.Error(),
		)
		recorder.Dropped()
		return
	}

	upstream, err := w.Dialer.Dial(ctx, parts.Host, parts.Port)
	if err != nil {
		logger.Logkv(
			"event", errorWorkerConnect,
			"error", errorWorkerConnect,
			"host", parts.Host,
			"message", err.Error(),
		)
		recorder.OriginError()
		recorder.Dropped()
		return
	}
	defer upstream.Close()

	if err := ioutil.WriteAll(upstream, header.Bytes()); err != nil {
		logger.Logkv(
			"event", errorWorkerUpstreamSend,
			"error", errorWorkerUpstreamSend,
			"message", err.Error(),
		)
		recorder.Dropped()
		return
	}

	start := time.Now()
	staging, captured := w.relay(conn, upstream)
	recorder.ObserveRelay(time.Since(start))

	if captured && len(staging) > 0 {
		w.Cache.Admit(requestURI, staging)
		logger.Logkv(
			"event", eventWorkerAdmit,
			"uri", requestURI,
			"size", len(staging),
		)
	}
}

// relay reads the upstream response in MAX_LINE-sized chunks, writing each
// to the client and, so long as the running total still fits within
// MaxObjectSize, appending it to a staging buffer. captured is true only if
// the relay ended on a normal upstream EOF and every byte seen was absorbed
// into staging; a response that overruns MaxObjectSize is still relayed in
// full to the client, but never admitted, and a relay cut short by any
// non-EOF error (client write failure or upstream read error) also yields
// captured == false, so a truncated response is never cached as complete.
func (w *Worker) relay(client net.Conn, upstream net.Conn) (staging []byte, captured bool) {
	buf := make([]byte, ioutil.MaxLine)
	captured = true
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if werr := ioutil.WriteAll(client, buf[:n]); werr != nil {
				logger.Logkv(
					"event", errorWorkerClientWrite,
					"error", errorWorkerClientWrite,
					"message", werr.Error(),
				)
				return nil, false
			}
			if captured && len(staging)+n <= cache.MaxObjectSize {
				staging = append(staging, buf[:n]...)
			} else {
				captured = false
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Logkv(
					"event", errorWorkerUpstreamRead,
					"error", errorWorkerUpstreamRead,
					"message", err.Error(),
				)
				return nil, false
			}
			break
		}
	}
	return staging, captured
}

// parseRequestLine splits a request line on whitespace into method, URI and
// (unused) version, tolerating any amount of trailing CRLF.
func parseRequestLine(line []byte) (method, requestURI string, ok bool) {
	s := strings.TrimRight(string(line), "\r\n")
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}
