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

package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/onitake/cacheproxy/internal/cache"
)

// stubDialer hands back a pre-wired net.Conn (typically one end of a
// net.Pipe driven by the test as a fake origin) instead of touching the
// network.
type stubDialer struct {
	conn net.Conn
	err  error
}

func (d *stubDialer) Dial(ctx context.Context, host, port string) (net.Conn, error) {
	return d.conn, d.err
}

// drainClient reads everything the worker writes to the client side of a
// net.Pipe until the worker closes its end, sending the accumulated bytes
// on the returned channel.
func drainClient(client net.Conn) <-chan string {
	out := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		chunk := make([]byte, 4096)
		for {
			n, err := client.Read(chunk)
			if n > 0 {
				buf.Write(chunk[:n])
			}
			if err != nil {
				break
			}
		}
		out <- buf.String()
	}()
	return out
}

func TestServeCacheHitWritesCachedBytes(t *testing.T) {
	c := cache.New()
	c.Admit("http://example.test/index.html", []byte("HTTP/1.0 200 OK\r\n\r\nhello"))

	w := &Worker{Cache: c, Dialer: &stubDialer{err: errors.New("must not be called")}}

	client, workerSide := net.Pipe()
	received := drainClient(client)
	done := make(chan struct{})
	go func() {
		w.Serve(context.Background(), workerSide)
		close(done)
	}()

	// On a hit the worker reads only the request line before answering and
	// closing, so the unread header bytes of this write meet a closed pipe.
	if _, err := client.Write([]byte("GET http://example.test/index.html HTTP/1.1\r\nHost: example.test\r\n\r\n")); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("write request line: %v", err)
	}

	waitDone(t, done)
	got := waitString(t, received)
	if got != "HTTP/1.0 200 OK\r\n\r\nhello" {
		t.Fatalf("got %q", got)
	}
}

func TestServeCacheMissRelaysAndAdmits(t *testing.T) {
	c := cache.New()
	originSide, workerOriginSide := net.Pipe()
	w := &Worker{Cache: c, Dialer: &stubDialer{conn: workerOriginSide}}

	client, workerSide := net.Pipe()
	received := drainClient(client)
	done := make(chan struct{})
	go func() {
		w.Serve(context.Background(), workerSide)
		close(done)
	}()

	if _, err := client.Write([]byte("GET http://example.test/ HTTP/1.1\r\nHost: example.test\r\nAccept: */*\r\n\r\n")); err != nil {
		t.Fatalf("write request line: %v", err)
	}

	hdr := make([]byte, 4096)
	originSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := originSide.Read(hdr)
	if err != nil {
		t.Fatalf("reading rewritten request upstream: %v", err)
	}
	if !strings.Contains(string(hdr[:n]), "GET / HTTP/1.0\r\n") {
		t.Fatalf("upstream did not receive a rewritten request: %q", hdr[:n])
	}

	body := "HTTP/1.0 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	originSide.Write([]byte(body))
	originSide.Close()

	waitDone(t, done)
	got := waitString(t, received)
	if got != body {
		t.Fatalf("client got %q, want %q", got, body)
	}

	cached, ok := c.Lookup("http://example.test/")
	if !ok {
		t.Fatal("expected the response to have been admitted into the cache")
	}
	if string(cached) != body {
		t.Fatalf("cached %q, want %q", cached, body)
	}
}

func TestServeDropsNonGetMethod(t *testing.T) {
	c := cache.New()
	w := &Worker{Cache: c, Dialer: &stubDialer{err: errors.New("must not be called")}}

	client, workerSide := net.Pipe()
	received := drainClient(client)
	done := make(chan struct{})
	go func() {
		w.Serve(context.Background(), workerSide)
		close(done)
	}()

	// The worker reads only the request line before dropping a non-GET
	// request, so the unread blank line of this write meets a closed pipe.
	if _, err := client.Write([]byte("POST /x HTTP/1.0\r\n\r\n")); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("write request line: %v", err)
	}

	waitDone(t, done)
	got := waitString(t, received)
	if got != "" {
		t.Fatalf("expected no bytes written to the client, got %q", got)
	}
}

func TestServeDropsOnConnectFailure(t *testing.T) {
	c := cache.New()
	w := &Worker{Cache: c, Dialer: &stubDialer{err: io.ErrClosedPipe}}

	client, workerSide := net.Pipe()
	received := drainClient(client)
	done := make(chan struct{})
	go func() {
		w.Serve(context.Background(), workerSide)
		close(done)
	}()

	if _, err := client.Write([]byte("GET http://example.test/ HTTP/1.1\r\nHost: example.test\r\n\r\n")); err != nil {
		t.Fatalf("write request line: %v", err)
	}

	waitDone(t, done)
	got := waitString(t, received)
	if got != "" {
		t.Fatalf("expected no bytes written to the client on connect failure, got %q", got)
	}
	if c.Len() != 0 {
		t.Fatalf("expected nothing admitted, got %d entries", c.Len())
	}
}

func TestServeDoesNotAdmitOversizedResponse(t *testing.T) {
	c := cache.New()
	originSide, workerOriginSide := net.Pipe()
	w := &Worker{Cache: c, Dialer: &stubDialer{conn: workerOriginSide}}

	client, workerSide := net.Pipe()
	received := drainClient(client)
	done := make(chan struct{})
	go func() {
		w.Serve(context.Background(), workerSide)
		close(done)
	}()

	if _, err := client.Write([]byte("GET http://example.test/big HTTP/1.1\r\nHost: example.test\r\n\r\n")); err != nil {
		t.Fatalf("write request line: %v", err)
	}

	hdr := make([]byte, 4096)
	originSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	originSide.Read(hdr)

	big := bytes.Repeat([]byte{'x'}, cache.MaxObjectSize+1)
	originSide.Write(big)
	originSide.Close()

	waitDone(t, done)
	got := waitString(t, received)
	if len(got) != len(big) {
		t.Fatalf("expected the client to receive all %d bytes, got %d", len(big), len(got))
	}
	if c.Len() != 0 {
		t.Fatalf("expected the oversized response not to be admitted, got %d entries", c.Len())
	}
}

// errAfterConn wraps a net.Conn and, once the wrapped connection reports
// io.EOF, reports err instead — standing in for an upstream connection
// reset mid-response rather than a clean close.
type errAfterConn struct {
	net.Conn
	err error
}

func (c *errAfterConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err == io.EOF {
		return n, c.err
	}
	return n, err
}

func TestServeDoesNotAdmitOnUpstreamReadError(t *testing.T) {
	c := cache.New()
	originSide, workerOriginSide := net.Pipe()
	resetConn := &errAfterConn{Conn: workerOriginSide, err: errors.New("connection reset by peer")}
	w := &Worker{Cache: c, Dialer: &stubDialer{conn: resetConn}}

	client, workerSide := net.Pipe()
	received := drainClient(client)
	done := make(chan struct{})
	go func() {
		w.Serve(context.Background(), workerSide)
		close(done)
	}()

	if _, err := client.Write([]byte("GET http://example.test/reset HTTP/1.1\r\nHost: example.test\r\n\r\n")); err != nil {
		t.Fatalf("write request line: %v", err)
	}

	hdr := make([]byte, 4096)
	originSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	originSide.Read(hdr)

	partial := "HTTP/1.0 200 OK\r\nContent-Length: 100\r\n\r\nshort"
	originSide.Write([]byte(partial))
	originSide.Close()

	waitDone(t, done)
	got := waitString(t, received)
	if got != partial {
		t.Fatalf("expected the client to receive the bytes relayed before the reset, got %q", got)
	}
	if c.Len() != 0 {
		t.Fatalf("expected the truncated response not to be admitted, got %d entries", c.Len())
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never returned")
	}
}

func waitString(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("never received the client's bytes")
		return ""
	}
}
