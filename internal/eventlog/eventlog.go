// Package eventlog appends update events to an NDJSON file.
package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/iambrandonn/overseer/internal/ndjson"
	"github.com/iambrandonn/overseer/internal/protocol"
)

// EventLog writes update events to an append-only NDJSON file
type EventLog struct {
	path    string
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
	closed  bool
}

// NewEventLog opens (or creates) the log at logPath
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		path:    logPath,
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Path returns the file the log writes to
func (l *EventLog) Path() string {
	return l.path
}

// Write appends one update
func (l *EventLog) Write(upd protocol.Update) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("event log %s is closed", l.path)
	}
	return l.encoder.Encode(upd)
}

// Handle is an events.Handler that logs write failures instead of returning them
func (l *EventLog) Handle(upd protocol.Update) {
	if err := l.Write(upd); err != nil {
		l.logger.Warn("failed to append update", "path", l.path, "type", upd.Type, "error", err)
	}
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
