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

import _ "net/http/pprof"
import (
	"log"
	"net/http"
	"runtime"
	"runtime/debug"
)

// EnableProfiling turns on block profiling and starts a dedicated
// net/http/pprof server, activated by the -profile flag. It also
// registers /reclaim, which forces an immediate return of free memory
// to the OS, for use while chasing the cache's steady-state footprint.
func EnableProfiling(addr string) {
	runtime.SetBlockProfileRate(100000000)
	http.HandleFunc("/reclaim", func(http.ResponseWriter, *http.Request) {
		log.Printf("Reclaiming memory")
		debug.FreeOSMemory()
	})
	go func() {
		log.Println(http.ListenAndServe(addr, nil))
	}()
}
