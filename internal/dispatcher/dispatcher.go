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

// Package dispatcher runs the proxy's accept loop: one listening socket,
// one independent goroutine per accepted connection, no ordering between
// workers.
//
// It owns the listener directly (rather than reading requests through
// net/http) so tests can stop the loop deterministically with Close
// instead of killing the process.
package dispatcher

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"

	"github.com/onitake/cacheproxy/internal/logging"
)

const (
	moduleDispatcher = "dispatcher"
	//
	eventDispatcherListening = "listening"
	eventDispatcherShutdown  = "shutdown"
	//
	errorDispatcherAccept = "accept"
	errorDispatcherListen = "listen"
)

var logger = logging.NewGlobalModuleLogger(moduleDispatcher, nil)

// ListenBacklog documents the backlog this proxy targets for its listening
// socket. Go's net package does not expose listen(2)'s backlog argument
// directly; the runtime's listener uses its own platform-appropriate
// default. See DESIGN.md for the resulting deviation.
const ListenBacklog = 1024

// Handler processes one accepted connection to completion, taking
// ownership of it (including closing it).
type Handler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn net.Conn)

// Serve calls f(ctx, conn).
func (f HandlerFunc) Serve(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// Dispatcher owns a listening socket and spawns one goroutine per accepted
// connection, running it against Handler.
type Dispatcher struct {
	Handler Handler

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closing  bool
}

// New creates a Dispatcher that hands every accepted connection to handler.
func New(handler Handler) *Dispatcher {
	return &Dispatcher{Handler: handler}
}

// ListenAndServe binds addr (e.g. ":8080") and runs the accept loop until
// Close is called or a non-transient accept error occurs. It returns nil
// after a clean Close, or the fatal error that ended the loop.
func (d *Dispatcher) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Logkv(
			"event", errorDispatcherListen,
			"error", errorDispatcherListen,
			"address", addr,
			"message", err.Error(),
		)
		return err
	}
	return d.Serve(ctx, ln)
}

// Serve runs the accept loop against an already-bound listener. Serve takes
// ownership of ln and closes it when the loop ends.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()
	defer ln.Close()

	logger.Logkv(
		"event", eventDispatcherListening,
		"address", ln.Addr().String(),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			d.mu.Lock()
			closing := d.closing
			d.mu.Unlock()
			if closing {
				logger.Logkv("event", eventDispatcherShutdown)
				d.wg.Wait()
				return nil
			}
			if isTransientAcceptError(err) {
				logger.Logkv(
					"event", errorDispatcherAccept,
					"error", errorDispatcherAccept,
					"message", err.Error(),
				)
				continue
			}
			logger.Logkv(
				"event", errorDispatcherAccept,
				"error", errorDispatcherAccept,
				"fatal", true,
				"message", err.Error(),
			)
			d.wg.Wait()
			return err
		}

		d.wg.Add(1)
		go func(c net.Conn) {
			defer d.wg.Done()
			d.Handler.Serve(ctx, c)
		}(conn)
	}
}

// Close stops the accept loop by closing the listener and returns without
// waiting; Serve then waits for in-flight workers spawned by this
// Dispatcher before it returns. Close does not forcibly close connections
// already handed to a worker; each worker owns its connection's lifetime.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closing = true
	ln := d.listener
	d.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// isTransientAcceptError reports whether err represents a transient
// network condition (network down, protocol error, host unreachable)
// rather than a fatal listener failure. Those three are matched by errno;
// any other error counts as transient only if net.Error's Temporary
// method (deprecated, but still implemented) reports true for it.
func isTransientAcceptError(err error) bool {
	if errors.Is(err, syscall.ENETDOWN) || errors.Is(err, syscall.EPROTO) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	if ne, ok := err.(net.Error); ok {
		return ne.Temporary()
	}
	return false
}
