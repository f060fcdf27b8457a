package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gluk-w/termhub/internal/crashguard"
)

func TestListenFailsFastWhenAddressInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	start := time.Now()
	ln, err := listen(context.Background(), taken.Addr().String())
	if err == nil {
		ln.Close()
		t.Fatal("expected an error for an address in use")
	}
	if !crashguard.IsFatalStartup(err) {
		t.Errorf("err = %v, want a fatal startup error", err)
	}
	if elapsed := time.Since(start); elapsed >= listenRetry {
		t.Errorf("address in use was retried (took %s)", elapsed)
	}
}

func TestListenBindsFreeAddress(t *testing.T) {
	ln, err := listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.Close()
}
