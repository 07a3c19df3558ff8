package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level orders log severities. Entries below the configured level are dropped.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes one JSON object per entry. Redaction is on unless a
// deployment turns it off; recipient addresses and credentials must not
// reach aggregated logs intact.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	redact bool
}

var std = &Logger{out: os.Stderr, level: INFO, redact: true}

// SetLevel sets the minimum severity the package-level logger emits.
func SetLevel(l Level) { std.level = l }

// SetRedactPII toggles redaction on the package-level logger.
func SetRedactPII(on bool) { std.redact = on }

// SetOutput redirects the package-level logger (tests).
func SetOutput(w io.Writer) { std.out = w }

// Debug emits a DEBUG entry with alternating key-value fields.
func Debug(msg string, fields ...interface{}) { std.emit(DEBUG, msg, fields) }

// Info emits an INFO entry.
func Info(msg string, fields ...interface{}) { std.emit(INFO, msg, fields) }

// Warn emits a WARN entry.
func Warn(msg string, fields ...interface{}) { std.emit(WARN, msg, fields) }

// Error emits an ERROR entry.
func Error(msg string, fields ...interface{}) { std.emit(ERROR, msg, fields) }

func (l *Logger) emit(level Level, msg string, fields []interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]string, len(fields)/2+3)
	entry["time"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = level.String()
	entry["msg"] = msg

	// Odd trailing field without a value is dropped.
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprint(fields[i])
		val := fmt.Sprint(fields[i+1])
		if l.redact {
			val = redactPIIValue(key, val)
		}
		entry[key] = val
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	l.out.Write(append(line, '\n'))
	l.mu.Unlock()
}
