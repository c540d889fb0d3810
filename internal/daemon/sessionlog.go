package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNoActiveLog is returned by Handle when no session log is open.
var ErrNoActiveLog = errors.New("no log file is currently open")

const logSeparator = "================================================================================"

// SessionLog manages the per-session log file. It writes a fixed header
// on creation and a fixed footer on finalization; everything in between
// is written by the child process through the inherited file handle.
type SessionLog struct {
	logsDir  string
	confsDir string

	mu   sync.Mutex
	file *os.File
	path string // survives Finalize so state: can report the last log
}

// NewSessionLog returns a session log writer rooted at logsDir. The
// configs directory is only used for the "Configuration File" header
// line.
func NewSessionLog(logsDir, confsDir string) *SessionLog {
	return &SessionLog{logsDir: logsDir, confsDir: confsDir}
}

// Create allocates <logsDir>/<unix_seconds>_<config_stem>.log, writes
// the header and keeps the handle open for the child to inherit. Any
// previously open log is closed first.
func (l *SessionLog) Create(configName, childVersion string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	now := time.Now()
	stem := strings.TrimSuffix(configName, ".conf")
	path := filepath.Join(l.logsDir, fmt.Sprintf("%d_%s.log", now.Unix(), stem))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create log file %s: %w", path, err)
	}

	header := strings.Join([]string{
		logSeparator,
		"WireProxy Server Log",
		logSeparator,
		"Start Time: " + now.Format(time.DateTime),
		fmt.Sprintf("Unix Timestamp: %d", now.Unix()),
		"Configuration: " + configName,
		"WireProxy Version: " + childVersion,
		"Configuration File: " + filepath.Join(l.confsDir, configName),
		"",
		"Process Output:",
		logSeparator,
		"",
	}, "\n")

	if _, err := file.WriteString(header); err != nil {
		file.Close()
		return "", fmt.Errorf("failed to write log header: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return "", fmt.Errorf("failed to flush log header: %w", err)
	}

	l.file = file
	l.path = path
	return path, nil
}

// Handle returns the open log file for stdout/stderr inheritance.
func (l *SessionLog) Handle() (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil, ErrNoActiveLog
	}
	return l.file, nil
}

// CurrentPath returns the path of the most recently created log, or ""
// when none has been created. The path is retained after Finalize.
func (l *SessionLog) CurrentPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// IsOpen reports whether a session log is currently open.
func (l *SessionLog) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Finalize writes the teardown footer and closes the handle. It is an
// idempotent no-op when no log is open.
func (l *SessionLog) Finalize(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}

	now := time.Now()
	footer := strings.Join([]string{
		"",
		logSeparator,
		"WireProxy Server Teardown",
		logSeparator,
		"Stop Time: " + now.Format(time.DateTime),
		fmt.Sprintf("Unix Timestamp: %d", now.Unix()),
		"Status: Initiating shutdown",
		"Shutdown Method: " + reason,
		"Final Status: Process terminated",
		logSeparator,
		"End of log",
		logSeparator,
		"",
	}, "\n")

	l.file.WriteString(footer)
	l.file.Close()
	l.file = nil
}
