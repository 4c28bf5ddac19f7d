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

// Package logging is this proxy's structured JSON logger: one Dict per
// line, a module name and timestamp attached by default, several
// interchangeable backends (console, file, fan-out to several at once).
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"
)

const (
	// signalQueueLength specifies the maximum number of unhandled control signals
	signalQueueLength int = 100
	// logQueueLength specifies the maximum number of unwritten log messages
	logQueueLength int = 100
	// timeFormat configures the format for time strings
	timeFormat string = time.RFC3339
	// hupSignal is a signal identifier for the "close the log" notification
	// that FileLogger.Close sends. Distinct from UserSignal.
	hupSignal internalSignal = internalSignal("HUP")
	// shutdownSignal is a signal identifier for a "stop logging" notification.
	shutdownSignal internalSignal = internalSignal("SDN")
	//
	// KeyModule is the standard key for a user-defined module name
	KeyModule string = "module"
	// KeyTime is the standard key for the time stamp when the log entry was generated
	KeyTime string = "time"
)

var globalStandardLogger MultiLogger = MultiLogger{
	&ConsoleLogger{},
}

type internalSignal string

func (s internalSignal) Signal() {}
func (s internalSignal) String() string {
	return string(s)
}

// Dict is a generic string:any dictionary type, for more convenience
// when creating structured logs.
type Dict map[string]interface{}

// Logger writes one structured log line assembled from alternating
// key/value pairs, e.g. logger.Logkv("event", "hit", "uri", uri).
//
// Every package in this proxy obtains a Logger via NewGlobalModuleLogger
// and logs exclusively through Logkv; no caller outside this package
// needs anything more.
type Logger interface {
	Logkv(keyValues ...interface{})
}

// dictBackend is satisfied by the backend Loggers this package provides
// (ConsoleLogger, FileLogger, MultiLogger); ModuleLogger does not
// implement it. It
// lets ModuleLogger hand its already-merged line straight to a backing
// logger from this package without flattening it back into key/value
// pairs first; a caller-supplied Logger that only implements Logkv
// still works via the fallback in ModuleLogger.Logkv.
type dictBackend interface {
	logDict(line Dict)
}

// dictFromKV assembles alternating key/value pairs into a Dict. Keys
// that aren't strings are dropped, same as a malformed Logkv call.
func dictFromKV(keyValues []interface{}) Dict {
	d := make(Dict, len(keyValues)/2)
	for i := 0; i+1 < len(keyValues); i += 2 {
		if k, ok := keyValues[i].(string); ok {
			d[k] = keyValues[i+1]
		}
	}
	return d
}

// kvFromDict is the inverse of dictFromKV, used as the fallback path
// when a backing Logger doesn't implement dictBackend.
func kvFromDict(d Dict) []interface{} {
	kv := make([]interface{}, 0, len(d)*2)
	for k, v := range d {
		kv = append(kv, k, v)
	}
	return kv
}

// NewGlobalModuleLogger creates a logger for the current package and
// connects it to the global standard logger.
//
// The default output for the standard logger is JSON on stdout with
// added timestamps, changeable via SetGlobalStandardLogger.
//
// An optional dictionary argument allows specifying additional keys
// that are added to every log line. Can be nil if not needed.
func NewGlobalModuleLogger(module string, dict Dict) Logger {
	more := make(Dict, len(dict)+1)
	for k, v := range dict {
		more[k] = v
	}
	more[KeyModule] = module
	return &ModuleLogger{
		Logger:       globalStandardLogger,
		Defaults:     more,
		AddTimestamp: true,
	}
}

// SetGlobalStandardLogger assigns a new backing logger to the global
// standard logger. A reference to the old logger is returned.
func SetGlobalStandardLogger(logger Logger) Logger {
	old := globalStandardLogger[0]
	globalStandardLogger[0] = logger
	return old
}

// ModuleLogger attaches a fixed set of default keys (in particular the
// module name) and, optionally, a timestamp, to every line before
// handing it to a backing Logger.
type ModuleLogger struct {
	// Logger is the backing logger to send log lines to.
	Logger Logger
	// Defaults is a dictionary containing default keys, merged into
	// every line before the line's own keys (which win on collision).
	Defaults Dict
	// AddTimestamp, if true, adds a "time" key in RFC3339 format.
	AddTimestamp bool
}

func (logger *ModuleLogger) Logkv(keyValues ...interface{}) {
	line := make(Dict, len(logger.Defaults)+len(keyValues)/2+1)
	for k, v := range logger.Defaults {
		line[k] = v
	}
	if logger.AddTimestamp {
		line[KeyTime] = time.Now().Format(timeFormat)
	}
	for k, v := range dictFromKV(keyValues) {
		line[k] = v
	}
	logDict(logger.Logger, line)
}

// logDict hands line to backend, using its dictBackend method directly
// when available and falling back to Logkv (round-tripping through
// key/value pairs) for a Logger that doesn't implement it.
func logDict(backend Logger, line Dict) {
	if db, ok := backend.(dictBackend); ok {
		db.logDict(line)
		return
	}
	backend.Logkv(kvFromDict(line)...)
}

// MultiLogger logs to several backend loggers at once.
type MultiLogger []Logger

func (logger MultiLogger) logDict(line Dict) {
	for _, backer := range logger {
		logDict(backer, line)
	}
}

func (logger MultiLogger) Logkv(keyValues ...interface{}) {
	logger.logDict(dictFromKV(keyValues))
}

// ConsoleLogger is a simple logger that prints JSON to stdout.
//
// Your best bet if you don't want/need a full-blown file logging queue
// with signal-initiated reopening.
type ConsoleLogger struct{}

func (*ConsoleLogger) logDict(line Dict) {
	encoder := json.NewEncoder(os.Stdout)
	if err := encoder.Encode(line); err != nil {
		fmt.Printf("{\"event\":\"error\",\"message\":\"Cannot encode log line\",\"line\":\"%v\"}\n", line)
	}
}

func (logger *ConsoleLogger) Logkv(keyValues ...interface{}) {
	logger.logDict(dictFromKV(keyValues))
}

// A FileLogger writes JSON-formatted log lines to a file.
//
// Log lines are prefixed with a timestamp in RFC3339 format, like this:
// [2006-01-02T15:04:05Z07:00] <JSON>
type FileLogger struct {
	// notification channel, also used for system signals
	signals chan os.Signal
	// log file name
	name string
	// log file handle
	log io.WriteCloser
	// message queue
	messages chan interface{}
	// log line counter
	lines uint64
	// dropped line counter
	drops uint64
	// error counter (encoding errors or closed log file)
	errors uint64
}

// NewFileLogger creates a new FileLogger and, if sigusr is true,
// installs a SIGUSR1 handler that reopens the log file - useful for log
// rotation via an external tool that renames the file out from under
// the open handle.
//
// Signal delivery is only supported on POSIX systems: UserSignal and
// RegisterUserSignalHandler are defined for non-Windows builds only, so
// this package does not build on Microsoft Windows.
func NewFileLogger(logfile string, sigusr bool) (*FileLogger, error) {
	logger := &FileLogger{
		signals:  make(chan os.Signal, signalQueueLength),
		name:     logfile,
		messages: make(chan interface{}, logQueueLength),
	}

	if err := logger.reopenLog(); err != nil {
		return nil, err
	}

	if sigusr {
		RegisterUserSignalHandler(logger.signals)
	}
	go logger.handle()

	return logger, nil
}

func (logger *FileLogger) logDict(line Dict) {
	select {
	case logger.messages <- line:
	default:
		fmt.Printf("{\"event\":\"error\",\"message\":\"Log queue is full, message dropped\",\"line\":\"%v\"}\n", line)
		logger.drops++
	}
}

func (logger *FileLogger) Logkv(keyValues ...interface{}) {
	logger.logDict(dictFromKV(keyValues))
}

// writeLog encodes and writes a single queued line.
func (logger *FileLogger) writeLog(line interface{}) {
	if logger.log == nil {
		fmt.Printf("{\"event\":\"error\",\"message\":\"Output is closed, dropping line\",\"line\":\"%v\"}\n", line)
		logger.errors++
		return
	}
	data, err := json.Marshal(line)
	if err != nil {
		fmt.Printf("{\"event\":\"error\",\"message\":\"Cannot encode log line\",\"line\":\"%v\"}\n", line)
		logger.errors++
		return
	}
	fmt.Fprintf(logger.log, "[%s] %s\n", time.Now().Format(timeFormat), data)
	logger.lines++
}

// Close stops the logger, draining anything already queued and closing
// the underlying file.
func (logger *FileLogger) Close() {
	logger.signals <- hupSignal
}

// closeLog closes the log file and stops the handler goroutine.
func (logger *FileLogger) closeLog() error {
	signal.Stop(logger.signals)
	logger.signals <- shutdownSignal

	err := logger.log.Close()
	logger.log = nil
	return err
}

// reopenLog (re-)opens the log file, closing any handle already open.
func (logger *FileLogger) reopenLog() error {
	var err error
	if logger.log != nil {
		err = logger.log.Close()
		logger.log = nil
	}
	if err == nil {
		logger.log, err = os.OpenFile(logger.name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, os.FileMode(0666))
	}
	return err
}

// handle drains the message queue and reacts to control signals: a
// SIGUSR1 reopens the log file (log rotation), Close's hupSignal closes
// it and stops this goroutine.
func (logger *FileLogger) handle() {
	running := true
	for running {
		select {
		case sig := <-logger.signals:
			switch sig {
			case UserSignal:
				if err := logger.reopenLog(); err != nil {
					fmt.Printf("{\"event\":\"error\",\"message\":\"Error reopening log\",\"error\":\"reopen\",\"errmsg\":\"%s\"}\n", err.Error())
				}
			case hupSignal:
				for len(logger.messages) > 0 {
					logger.writeLog(<-logger.messages)
				}
				if err := logger.closeLog(); err != nil {
					fmt.Printf("{\"event\":\"error\",\"message\":\"Error closing log\",\"error\":\"close\",\"errmsg\":\"%s\"}\n", err.Error())
				}
			case shutdownSignal:
				running = false
			}
		case line := <-logger.messages:
			logger.writeLog(line)
		}
	}
}
