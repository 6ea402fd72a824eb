/* SPDX-License-Identifier: MIT
 *
 * Logging, adapted from the teacher's device/logger.go: the same
 * three-tier *log.Logger fan-out, plus a Status method the admin
 * package (C8) uses to log an HTTP response at a severity derived
 * from its status code, so admin/api.go doesn't duplicate the
 * 2xx/3xx-vs-error branching spec.md §7 requires at every call site.
 */

package device

import (
	"io"
	"log"
	"os"
)

const (
	LogLevelSilent = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

var _ Logger = &basicLogger{}

type Logger interface {
	Debug(v ...interface{})
	Debugf(f string, v ...interface{})
	Info(v ...interface{})
	Infof(f string, v ...interface{})
	Error(v ...interface{})
	Errorf(f string, v ...interface{})

	// Status logs at Info when status is a success/redirect code and
	// at Error otherwise, matching the admin API's access-log split
	// (original_source/konnect/api.py's render() does the same).
	Status(status int, format string, v ...interface{})
}

type basicLogger struct {
	debug *log.Logger
	info  *log.Logger
	err   *log.Logger
}

func NewLogger(level int, prepend string) *basicLogger {
	output := os.Stdout

	logErr, logInfo, logDebug := func() (io.Writer, io.Writer, io.Writer) {
		if level >= LogLevelDebug {
			return output, output, output
		}
		if level >= LogLevelInfo {
			return output, output, io.Discard
		}
		if level >= LogLevelError {
			return output, io.Discard, io.Discard
		}
		return io.Discard, io.Discard, io.Discard
	}()

	return &basicLogger{
		debug: log.New(logDebug,
			"DEBUG: "+prepend,
			log.Ldate|log.Ltime,
		),
		info: log.New(logInfo,
			"INFO: "+prepend,
			log.Ldate|log.Ltime,
		),
		err: log.New(logErr,
			"ERROR: "+prepend,
			log.Ldate|log.Ltime,
		),
	}
}

func (l *basicLogger) Debug(v ...interface{}) {
	l.debug.Println(v...)
}

func (l *basicLogger) Debugf(f string, v ...interface{}) {
	l.debug.Printf(f, v...)
}

func (l *basicLogger) Info(v ...interface{}) {
	l.info.Println(v...)
}

func (l *basicLogger) Infof(f string, v ...interface{}) {
	l.info.Printf(f, v...)
}

func (l *basicLogger) Error(v ...interface{}) {
	l.err.Println(v...)
}

func (l *basicLogger) Errorf(f string, v ...interface{}) {
	l.err.Printf(f, v...)
}

func (l *basicLogger) Status(status int, format string, v ...interface{}) {
	if status >= 400 {
		l.err.Printf(format, v...)
		return
	}
	l.info.Printf(format, v...)
}
