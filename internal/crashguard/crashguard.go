// Package crashguard keeps a single misbehaving connection from taking down
// the shared server process.
//
// Go has no process-wide handler for panics in arbitrary goroutines, so
// containment is opt-in: every long-lived goroutine in termhub is started
// through [Go] (or defers [Recover]), and HTTP handlers are wrapped with
// [Middleware]. Recovered panics are logged and appended, best effort, to a
// crash log file. [IsFatalStartup] identifies the few errors that must still
// terminate the process, such as the listen address being in use.
package crashguard

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"
)

var (
	mu        sync.Mutex
	crashPath string
	recovered int
)

// Install records where crash reports go and ignores SIGPIPE so that writes
// to a peer that vanished mid-frame surface as errors instead of signals.
func Install(path string) {
	mu.Lock()
	crashPath = path
	mu.Unlock()
	signal.Ignore(syscall.SIGPIPE)
	log.Printf("[crashguard] installed (crash log: %s)", path)
}

// Recover must be deferred directly. It swallows a panic in the current
// goroutine and reports it under the given component name.
func Recover(component string) {
	if r := recover(); r != nil {
		report(component, r, debug.Stack())
	}
}

// Go runs fn in a new goroutine with panic containment.
func Go(component string, fn func()) {
	go func() {
		defer Recover(component)
		fn()
	}()
}

// Middleware records handler panics in the crash log, then re-panics so the
// outer chi Recoverer writes the 500 response. http.ErrAbortHandler is
// passed through without a report.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec != http.ErrAbortHandler {
					report("http "+r.Method+" "+r.URL.Path, rec, debug.Stack())
				}
				panic(rec)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// IsFatalStartup reports whether err is an unrecoverable startup failure
// that should terminate the process rather than be contained.
func IsFatalStartup(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, syscall.EADDRNOTAVAIL)
}

// RecoveredCount returns the number of panics contained since start.
func RecoveredCount() int {
	mu.Lock()
	defer mu.Unlock()
	return recovered
}

func report(component string, value any, stack []byte) {
	log.Printf("[crashguard] recovered panic in %s: %v", component, value)

	mu.Lock()
	defer mu.Unlock()
	recovered++
	if crashPath == "" {
		return
	}
	f, err := os.OpenFile(crashPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s panic in %s: %v\n%s\n", time.Now().UTC().Format(time.RFC3339), component, value, stack)
}
