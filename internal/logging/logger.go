// Package logging provides the two Nexus log streams: the slog-based
// operational logger (slog.go) and the JSON command log below, which
// records one entry per executed line.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// CommandLog represents a single command invocation log entry.
type CommandLog struct {
	Timestamp  time.Time `json:"timestamp"`
	CommandID  string    `json:"command_id"`
	Input      string    `json:"input"`
	Mode       string    `json:"mode"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Background bool      `json:"background,omitempty"`
	InReplay   bool      `json:"in_replay,omitempty"`
	InTx       bool      `json:"in_tx,omitempty"`
}

// Logger handles command logging.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

// NewLogger creates an enabled command logger with console and file
// output both off; SetConsole and SetOutput turn them on.
func NewLogger() *Logger {
	return &Logger{enabled: true, console: false}
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables the human-readable console line.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// SetEnabled toggles logging entirely.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// Log writes a command log entry.
func (l *Logger) Log(entry *CommandLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if l.console {
		status := "ok"
		if !entry.Success {
			status = "error"
		}
		fmt.Fprintf(os.Stderr, "[%s] %s %s (%dms)\n",
			entry.Timestamp.Format("15:04:05"), status, entry.Input, entry.DurationMs)
	}

	if l.file != nil {
		if data, err := json.Marshal(entry); err == nil {
			l.file.Write(append(data, '\n'))
		}
	}
}

// Close closes the log file if open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
