// Package logging tees the standard logger to a file so the admin API can
// serve recent server logs. Components tag their lines with a bracketed
// prefix such as "[session]"; Tail can filter on it.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const maxLineBytes = 1024 * 1024

var (
	mu      sync.Mutex
	file    *os.File
	logPath string
)

// Init appends log output to path in addition to stdout. An empty path
// leaves logging on stdout only.
func Init(path string) {
	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		return
	}
	logPath = path

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}
	file = f
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("Logging to file: %s", path)
}

// Close stops writing to the file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	log.SetOutput(os.Stdout)
	file.Close()
	file = nil
}

// TailQuery selects lines for Tail.
type TailQuery struct {
	// Lines is how many lines to return, counted after filtering.
	Lines int
	// Component keeps only lines tagged "[Component]". Empty keeps all.
	Component string
}

// ReadTail returns the last n lines of the log file.
func ReadTail(n int) (string, error) {
	return Tail(TailQuery{Lines: n})
}

// Tail returns the last q.Lines matching lines, oldest first. A missing
// file reads as empty.
func Tail(q TailQuery) (string, error) {
	if q.Lines <= 0 {
		return "", nil
	}
	mu.Lock()
	defer mu.Unlock()
	if logPath == "" {
		return "", nil
	}

	f, err := os.Open(logPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	tag := ""
	if q.Component != "" {
		tag = "[" + q.Component + "]"
	}
	ring := make([]string, q.Lines)
	seen := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if tag != "" && !strings.Contains(line, tag) {
			continue
		}
		ring[seen%q.Lines] = line
		seen++
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	kept := min(seen, q.Lines)
	out := make([]string, 0, kept)
	for i := seen - kept; i < seen; i++ {
		out = append(out, ring[i%q.Lines])
	}
	return strings.Join(out, "\n"), nil
}

// Clear truncates the log file.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		if logPath == "" {
			return nil
		}
		return os.Truncate(logPath, 0)
	}
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("truncate log file: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}
	return nil
}
