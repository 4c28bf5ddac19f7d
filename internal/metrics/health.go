/* Copyright (c) 2016-2018 Gregor Riepl
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

package metrics

import (
	"encoding/json"
	"net/http"
)

// StatusSource reports the counters the health handler renders as JSON.
// Implemented by internal/cache.Cache.
type StatusSource interface {
	// Len returns the current number of cached entries.
	Len() int
	// Size returns the current total size of cached bytes.
	Size() int64
}

// healthHandler serves a small JSON status document describing cache occupancy.
type healthHandler struct {
	cache StatusSource
}

// NewHealthHandler creates an http.Handler that reports cache health as JSON.
func NewHealthHandler(cache StatusSource) http.Handler {
	return &healthHandler{cache: cache}
}

func (h *healthHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Content-Type", "application/json")

	var status struct {
		Status       string `json:"status"`
		CacheEntries int    `json:"cache_entries"`
		CacheBytes   int64  `json:"cache_bytes"`
	}
	status.Status = "ok"
	status.CacheEntries = h.cache.Len()
	status.CacheBytes = h.cache.Size()

	response, err := json.Marshal(&status)
	if err != nil {
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Write(response)
}
