package crashguard

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGoContainsPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.log")
	Install(path)
	defer Install("")

	before := RecoveredCount()
	done := make(chan struct{})
	Go("test-worker", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not finish")
	}

	deadline := time.Now().Add(2 * time.Second)
	for RecoveredCount() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if RecoveredCount() != before+1 {
		t.Fatalf("expected one recovered panic, got %d", RecoveredCount()-before)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read crash log: %v", err)
	}
	if !strings.Contains(string(data), "panic in test-worker: boom") {
		t.Errorf("crash log missing report: %q", string(data))
	}
}

func TestMiddlewareReportsAndRepanics(t *testing.T) {
	Install("")
	before := RecoveredCount()

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	defer func() {
		if rec := recover(); rec == nil {
			t.Error("expected middleware to re-panic")
		}
		if RecoveredCount() != before+1 {
			t.Errorf("expected one report, got %d", RecoveredCount()-before)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/boom", nil))
}

func TestIsFatalStartup(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	_, err = net.Listen("tcp", ln.Addr().String())
	if err == nil {
		t.Fatal("expected second listen to fail")
	}
	if !IsFatalStartup(err) {
		t.Errorf("expected address-in-use to be fatal: %v", err)
	}
	if IsFatalStartup(os.ErrNotExist) {
		t.Error("ErrNotExist should not be fatal")
	}
}
