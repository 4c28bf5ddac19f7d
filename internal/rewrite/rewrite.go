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

// Package rewrite turns a client's HTTP/1.0 or HTTP/1.1 absolute-form
// request into the fixed HTTP/1.0 request header block the proxy sends
// upstream, dropping the hop-by-hop and identity headers it overrides.
package rewrite

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/onitake/cacheproxy/internal/ioutil"
)

// UserAgent is the fixed User-Agent string the proxy presents to every
// origin, regardless of what the client sent.
const UserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:10.0.3) Gecko/20120305 Firefox/10.0.3"

// droppedHeaders lists the header field names the proxy always supplies
// itself and therefore strips from whatever the client sent, independent
// of case. Grounded on http.c's set_request_header, generalized the way
// oxy/forward/headers.go names its hop-by-hop header list.
var droppedHeaders = []string{
	"user-agent:",
	"connection:",
	"proxy-connection:",
}

const hostHeaderPrefix = "host:"

// Request writes, to w, the upstream request header block for a GET to
// path on host:port. It reads further header lines from r (the client's
// remaining request headers) until a blank line is found, EOF occurs, or a
// read error occurs.
//
// The emitted block always has exactly one Host header (the client's, if
// it sent one, otherwise host:port), exactly one User-Agent header
// (UserAgent), exactly one Connection: close, exactly one
// Proxy-Connection: close, and a single terminating blank line.
//
// Request returns nil only if the terminating blank line was found. Any
// other outcome (client read error, EOF before the blank line) is reported
// and the caller is expected to drop the request without writing w's
// output upstream — a line at exactly ioutil.MaxLine with no terminator is
// treated as a malformed header and reported as ioutil.ErrLineTooLong.
func Request(w io.Writer, r io.Reader, host, path, port string) error {
	hostField := fmt.Sprintf("Host: %s:%s\r\n", host, port)
	var passthrough bytes.Buffer

	for {
		line, err := ioutil.ReadLine(r)
		if err == ioutil.ErrLineTooLong {
			return err
		}
		if err != nil {
			// EOF (with or without a partial line) before the blank line: malformed.
			return err
		}

		trimmed := strings.TrimRight(string(line), "\r\n")
		if trimmed == "" {
			break
		}

		lower := strings.ToLower(string(line))
		switch {
		case strings.HasPrefix(lower, hostHeaderPrefix):
			hostField = trimmed + "\r\n"
		case hasAnyPrefix(lower, droppedHeaders):
			// proxy supplies its own; drop the client's.
		default:
			passthrough.WriteString(trimmed)
			passthrough.WriteString("\r\n")
		}
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "GET %s HTTP/1.0\r\n", path)
	out.WriteString(hostField)
	fmt.Fprintf(&out, "User-Agent: %s\r\n", UserAgent)
	out.Write(passthrough.Bytes())
	out.WriteString("Connection: close\r\n")
	out.WriteString("Proxy-Connection: close\r\n")
	out.WriteString("\r\n")

	return ioutil.WriteAll(w, out.Bytes())
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
