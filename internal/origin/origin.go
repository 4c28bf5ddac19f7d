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

// Package origin implements the proxy's origin-connect procedure: resolve
// a hostname/port to an ordered list of address candidates and try each
// in turn until one both accepts a dial and completes a TCP handshake.
//
// net.Resolver.LookupIPAddr plays the role of a getaddrinfo call;
// net.Dialer.DialContext plays the role of socket()+connect() combined,
// since Go doesn't expose them separately. There is no address list to
// free here; each candidate's net.Conn is simply closed on failure.
package origin

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/onitake/cacheproxy/internal/logging"
)

const (
	moduleOrigin = "origin"
	//
	eventOriginResolve   = "resolve"
	eventOriginCandidate = "candidate"
	eventOriginConnected = "connected"
	//
	errorOriginResolveFailed   = "resolve"
	errorOriginCandidateFailed = "candidate"
	errorOriginExhausted       = "exhausted"
)

var logger = logging.NewGlobalModuleLogger(moduleOrigin, nil)

// ErrNoCandidates is returned when name resolution succeeds but yields no
// usable address, or when every candidate fails to dial.
var ErrNoCandidates = errors.New("origin: no address candidate could be connected to")

// Dialer resolves host:port and returns a connection to the first address
// candidate that both resolves and connects successfully. Candidates are
// tried strictly in the order the resolver returned them; the first
// success wins and the rest are never tried (no Happy Eyeballs racing).
type Dialer struct {
	// Resolver performs hostname resolution. Defaults to net.DefaultResolver.
	Resolver *net.Resolver
	// dialer is used to attempt each candidate connection.
	dialer net.Dialer
}

// NewDialer creates a Dialer using net.DefaultResolver.
func NewDialer() *Dialer {
	return &Dialer{Resolver: net.DefaultResolver}
}

// Dial resolves host and attempts to connect to port on each resulting
// address in order, returning the first successful connection. If
// resolution fails it returns the resolver's error, wrapped; if every
// candidate fails to connect it returns ErrNoCandidates (wrapped with the
// last dial error, where there is one).
func (d *Dialer) Dial(ctx context.Context, host, port string) (net.Conn, error) {
	resolver := d.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		logger.Logkv(
			"event", errorOriginResolveFailed,
			"error", errorOriginResolveFailed,
			"host", host,
			"message", err.Error(),
		)
		return nil, fmt.Errorf("origin: resolve %s: %w", host, err)
	}
	logger.Logkv(
		"event", eventOriginResolve,
		"host", host,
		"candidates", len(addrs),
	)

	conn, err := dialCandidates(ctx, &d.dialer, addrs, port)
	if err != nil {
		logger.Logkv(
			"event", errorOriginExhausted,
			"error", errorOriginExhausted,
			"host", host,
			"message", err.Error(),
		)
		return nil, err
	}
	return conn, nil
}

// dialCandidates attempts to connect to port on each address in addrs, in
// order, returning the first success. It is split out from Dial so tests
// can drive the candidate-iteration loop directly against local listeners,
// without involving a name resolver.
func dialCandidates(ctx context.Context, dialer *net.Dialer, addrs []net.IPAddr, port string) (net.Conn, error) {
	var lastErr error
	for _, addr := range addrs {
		target := net.JoinHostPort(addr.IP.String(), port)
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			lastErr = err
			logger.Logkv(
				"event", errorOriginCandidateFailed,
				"error", errorOriginCandidateFailed,
				"candidate", target,
				"message", err.Error(),
			)
			continue
		}
		logger.Logkv(
			"event", eventOriginConnected,
			"candidate", target,
		)
		return conn, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrNoCandidates, lastErr)
	}
	return nil, ErrNoCandidates
}
