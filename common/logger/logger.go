// Package logger provides leveled, structured logging shared by the ScanHub
// server and device components.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	DEBUG
	TRACE
)

var levelNames = map[LogLevel]string{
	ERROR: "ERROR",
	WARN:  "WARN",
	INFO:  "INFO",
	DEBUG: "DEBUG",
	TRACE: "TRACE",
}

// ParseLevel maps a config string to a LogLevel. Unknown values fall back to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return ERROR
	case "warn", "warning":
		return WARN
	case "debug":
		return DEBUG
	case "trace":
		return TRACE
	default:
		return INFO
	}
}

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Context   map[string]interface{}
}

// Logger provides structured logging with levels. Context is passed as
// alternating key/value pairs, e.g. log.Info("device connected", "device_id", id).
type Logger struct {
	mu            sync.Mutex
	level         LogLevel
	logDir        string
	fileName      string
	currentFile   *os.File
	buffer        []LogEntry
	maxBufferSize int
	consoleOutput bool
}

// New creates a new Logger instance. logDir may be empty to disable file output.
func New(level LogLevel, logDir string, maxBufferSize int) *Logger {
	return &Logger{
		level:         level,
		logDir:        logDir,
		fileName:      "scanhub.log",
		buffer:        make([]LogEntry, 0, maxBufferSize),
		maxBufferSize: maxBufferSize,
		consoleOutput: true,
	}
}

// SetConsoleOutput enables or disables console output
func (l *Logger) SetConsoleOutput(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consoleOutput = enabled
}

// SetLevel changes the current log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetFileName overrides the log file name used inside the log directory.
func (l *Logger) SetFileName(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fileName = name
}

// Error logs an error level message
func (l *Logger) Error(msg string, context ...interface{}) {
	l.log(ERROR, msg, context...)
}

// Warn logs a warning level message
func (l *Logger) Warn(msg string, context ...interface{}) {
	l.log(WARN, msg, context...)
}

// Info logs an info level message
func (l *Logger) Info(msg string, context ...interface{}) {
	l.log(INFO, msg, context...)
}

// Debug logs a debug level message
func (l *Logger) Debug(msg string, context ...interface{}) {
	l.log(DEBUG, msg, context...)
}

// Trace logs a trace level message
func (l *Logger) Trace(msg string, context ...interface{}) {
	l.log(TRACE, msg, context...)
}

func (l *Logger) log(level LogLevel, msg string, context ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	ctx := make(map[string]interface{})
	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			ctx[key] = context[i+1]
		}
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Context:   ctx,
	}

	if l.maxBufferSize > 0 {
		if len(l.buffer) >= l.maxBufferSize {
			l.buffer = l.buffer[1:]
		}
		l.buffer = append(l.buffer, entry)
	}

	if l.consoleOutput {
		fmt.Println(formatLogEntry(entry))
	}

	l.writeToFile(entry)
}

func (l *Logger) writeToFile(entry LogEntry) {
	if l.logDir == "" {
		return
	}
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return
	}
	if l.currentFile == nil {
		f, err := os.OpenFile(filepath.Join(l.logDir, l.fileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		l.currentFile = f
	}
	l.currentFile.WriteString(formatLogEntry(entry) + "\n")
}

// GetBuffer returns a copy of the in-memory log buffer.
func (l *Logger) GetBuffer() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.buffer))
	copy(out, l.buffer)
	return out
}

// ClearBuffer empties the in-memory log buffer.
func (l *Logger) ClearBuffer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = l.buffer[:0]
}

// Close flushes and closes the log file if one is open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentFile != nil {
		err := l.currentFile.Close()
		l.currentFile = nil
		return err
	}
	return nil
}

func formatLogEntry(entry LogEntry) string {
	var b strings.Builder
	b.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(levelNames[entry.Level])
	b.WriteString("] ")
	b.WriteString(entry.Message)

	if len(entry.Context) > 0 {
		keys := make([]string, 0, len(entry.Context))
		for k := range entry.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(" %s=%v", k, entry.Context[k]))
		}
	}
	return b.String()
}
