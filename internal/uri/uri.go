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

// Package uri decomposes the absolute-form request-target a forward proxy
// client sends, without the validation or decoding net/url performs.
package uri

import "strings"

// DefaultPort is used when the authority carries no explicit port.
const DefaultPort = "80"

// DefaultPath is used when the URI carries no path component.
const DefaultPath = "/"

// Parts holds the decomposition of an absolute-form URI.
type Parts struct {
	Host string
	Path string
	Port string
}

// Parse splits an absolute-form URI (scheme://host[:port][/path]) into its
// host, path and port components.
//
// It performs no URL-decoding, no scheme validation and no IDN handling: it
// locates the first "//", takes the first "/" after it (if any) as the
// start of Path, and the first ":" in the authority as the host/port
// separator. A URI that lacks "//" is scanned from its start as if it
// were the authority, so an origin-form target such as "/x" yields an
// empty Host.
func Parse(rawURI string) Parts {
	authority := rawURI
	if idx := strings.Index(rawURI, "//"); idx >= 0 {
		authority = rawURI[idx+2:]
	}

	path := DefaultPath
	if idx := strings.IndexByte(authority, '/'); idx >= 0 {
		path = authority[idx:]
		authority = authority[:idx]
	}

	host := authority
	port := DefaultPort
	if idx := strings.IndexByte(authority, ':'); idx >= 0 {
		host = authority[:idx]
		port = authority[idx+1:]
	}

	return Parts{Host: host, Path: path, Port: port}
}
