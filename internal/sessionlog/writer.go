// Package sessionlog appends terminal output to per-session log files,
// dropping status noise such as spinners, border rules, and step counters.
// Logging is best effort: write failures are swallowed so a full disk never
// disturbs the live terminal stream.
package sessionlog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName maps a session name to a safe log file name.
func FileName(session string) string {
	name := unsafeName.ReplaceAllString(session, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "session"
	}
	return name + ".log"
}

// Writer is an append-only log for one session.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	closed bool
	errs   int
}

// Open creates (or appends to) the log file for session under dir.
func Open(dir, session string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session log dir: %w", err)
	}
	path := filepath.Join(dir, FileName(session))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open session log %s: %w", path, err)
	}
	fmt.Fprintf(f, "--- attached %s ---\n", time.Now().UTC().Format(time.RFC3339))
	return &Writer{f: f, path: path}, nil
}

// Path returns the log file path.
func (w *Writer) Path() string {
	return w.path
}

// Write appends the non-noise lines of chunk. It never returns an error.
func (w *Writer) Write(chunk []byte) {
	text := FilterNoise(string(chunk))
	if text == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, err := w.f.WriteString(text); err != nil {
		w.errs++
	}
}

// Errors returns how many writes failed and were swallowed.
func (w *Writer) Errors() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errs
}

// Close flushes and closes the file. Safe to call more than once.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.f.Close()
}
