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

package rewrite

import (
	"bytes"
	"strings"
	"testing"

	"github.com/onitake/cacheproxy/internal/ioutil"
)

func countOccurrences(hdr, prefix string) int {
	n := 0
	for _, line := range strings.Split(hdr, "\r\n") {
		if strings.HasPrefix(strings.ToLower(line), strings.ToLower(prefix)) {
			n++
		}
	}
	return n
}

func TestRequestDefaultsExactlyOnce(t *testing.T) {
	client := strings.NewReader("Accept: text/html\r\nX-Custom: yes\r\n\r\n")
	var out bytes.Buffer
	if err := Request(&out, client, "example.test", "/index.html", "80"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	hdr := out.String()

	if !strings.HasPrefix(hdr, "GET /index.html HTTP/1.0\r\n") {
		t.Errorf("missing or malformed request line: %q", hdr)
	}
	if n := countOccurrences(hdr, "Host:"); n != 1 {
		t.Errorf("expected exactly 1 Host header, got %d in %q", n, hdr)
	}
	if n := countOccurrences(hdr, "User-Agent:"); n != 1 {
		t.Errorf("expected exactly 1 User-Agent header, got %d", n)
	}
	if n := countOccurrences(hdr, "Connection: close"); n != 1 {
		t.Errorf("expected exactly 1 Connection: close, got %d", n)
	}
	if n := countOccurrences(hdr, "Proxy-Connection: close"); n != 1 {
		t.Errorf("expected exactly 1 Proxy-Connection: close, got %d", n)
	}
	if !strings.HasSuffix(hdr, "\r\n\r\n") {
		t.Errorf("expected a single trailing blank line, got %q", hdr)
	}
	if !strings.Contains(hdr, "Host: example.test:80\r\n") {
		t.Errorf("expected default Host header, got %q", hdr)
	}
	if !strings.Contains(hdr, "Accept: text/html\r\n") {
		t.Errorf("expected passthrough header preserved, got %q", hdr)
	}
	if !strings.Contains(hdr, "X-Custom: yes\r\n") {
		t.Errorf("expected passthrough header preserved, got %q", hdr)
	}
}

func TestRequestClientHostOverridesDefault(t *testing.T) {
	client := strings.NewReader("Host: override.test:8080\r\n\r\n")
	var out bytes.Buffer
	if err := Request(&out, client, "example.test", "/", "80"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	hdr := out.String()
	if n := countOccurrences(hdr, "Host:"); n != 1 {
		t.Fatalf("expected exactly 1 Host header, got %d", n)
	}
	if !strings.Contains(hdr, "Host: override.test:8080\r\n") {
		t.Errorf("expected client-supplied Host to win, got %q", hdr)
	}
}

func TestRequestDropsHopByHopAndIdentityHeaders(t *testing.T) {
	client := strings.NewReader(
		"User-Agent: curl/8.0\r\n" +
			"Connection: keep-alive\r\n" +
			"Proxy-Connection: keep-alive\r\n" +
			"Accept: */*\r\n" +
			"\r\n")
	var out bytes.Buffer
	if err := Request(&out, client, "example.test", "/", "80"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	hdr := out.String()
	if strings.Contains(hdr, "curl/8.0") {
		t.Errorf("client User-Agent should have been dropped: %q", hdr)
	}
	if strings.Contains(hdr, "keep-alive") {
		t.Errorf("client Connection/Proxy-Connection should have been dropped: %q", hdr)
	}
	if !strings.Contains(hdr, "Accept: */*\r\n") {
		t.Errorf("unrelated header should be preserved: %q", hdr)
	}
}

func TestRequestEOFBeforeBlankLineIsAnError(t *testing.T) {
	client := strings.NewReader("Accept: text/html\r\n")
	var out bytes.Buffer
	err := Request(&out, client, "example.test", "/", "80")
	if err == nil {
		t.Fatal("expected an error when the client never sends a blank line")
	}
}

func TestRequestOversizedHeaderLineIsAnError(t *testing.T) {
	client := strings.NewReader(strings.Repeat("a", ioutil.MaxLine+10) + "\r\n\r\n")
	var out bytes.Buffer
	err := Request(&out, client, "example.test", "/", "80")
	if err != ioutil.ErrLineTooLong {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
}
