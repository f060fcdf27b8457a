package ptyproc

import (
	"bytes"
	"os/exec"
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

type output struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (o *output) write(p []byte) {
	o.mu.Lock()
	o.buf.Write(p)
	o.mu.Unlock()
}

func (o *output) contains(s string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return bytes.Contains(o.buf.Bytes(), []byte(s))
}

func (o *output) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Len()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func shellSpawner(t *testing.T, clk *testingclock.FakeClock, script string) *Spawner {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return &Spawner{
		Command:    func(string, string) *exec.Cmd { return exec.Command("sh", "-c", script) },
		Clock:      clk,
		Escalation: 3 * time.Second,
	}
}

func TestProcessEchoAndKill(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	sp := shellSpawner(t, clk, "exec cat")
	p, err := sp.Spawn("echo", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	out := &output{}
	exited := make(chan ExitStatus, 1)
	p.Start(out.write, func(s ExitStatus) { exited <- s })

	if _, err := p.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, "echoed input", func() bool { return out.contains("hello") })

	if err := p.Resize(100, 30); err != nil {
		t.Errorf("Resize: %v", err)
	}

	if !p.Kill() {
		t.Fatal("first Kill should send a signal")
	}
	if p.Kill() {
		t.Error("second Kill must be a no-op")
	}
	select {
	case st := <-exited:
		if st.Signal != "SIGTERM" {
			t.Errorf("exit status = %v, want SIGTERM", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after SIGTERM")
	}
	if p.Exited() {
		t.Error("a killed process must not report a natural exit")
	}
}

func TestProcessNaturalExitBlocksKill(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	sp := shellSpawner(t, clk, "echo bye; sleep 0.1")
	p, err := sp.Spawn("bye", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	out := &output{}
	p.Start(out.write, nil)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if !p.Exited() {
		t.Error("expected natural exit")
	}
	if p.Kill() {
		t.Error("Kill after exit must be a no-op")
	}
	if st := p.Status(); st.Code != 0 || st.Signal != "" {
		t.Errorf("status = %v, want code 0", st)
	}
	if !out.contains("bye") {
		t.Error("expected output before exit")
	}
}

func TestProcessKillEscalatesToSIGKILL(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	sp := shellSpawner(t, clk, `trap "" TERM; echo ready; while :; do sleep 0.1; done`)
	p, err := sp.Spawn("stubborn", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	out := &output{}
	p.Start(out.write, nil)
	waitFor(t, "ready", func() bool { return out.contains("ready") })

	if !p.Kill() {
		t.Fatal("Kill should send SIGTERM")
	}
	select {
	case <-p.Done():
		t.Fatal("process should ignore SIGTERM")
	case <-time.After(200 * time.Millisecond):
	}

	clk.Step(2 * time.Second)
	select {
	case <-p.Done():
		t.Fatal("escalated before the delay elapsed")
	case <-time.After(100 * time.Millisecond):
	}

	clk.Step(time.Second)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived escalation")
	}
	if st := p.Status(); st.Signal != "SIGKILL" {
		t.Errorf("status = %v, want SIGKILL", st)
	}
}

func TestProcessPauseHoldsReader(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	sp := shellSpawner(t, clk, "echo one; sleep 2")
	p, err := sp.Spawn("paused", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer p.Kill()

	p.Pause()
	if !p.Paused() {
		t.Fatal("expected Paused after Pause")
	}
	out := &output{}
	p.Start(out.write, nil)

	time.Sleep(100 * time.Millisecond)
	if n := out.len(); n != 0 {
		t.Fatalf("paused reader delivered %d bytes", n)
	}

	p.Resume()
	waitFor(t, "output after resume", func() bool { return out.contains("one") })
}

func TestKillNilProcess(t *testing.T) {
	var p *Process
	if p.Kill() || p.Terminate() {
		t.Error("nil process kill must be a no-op")
	}
}

func TestSpawnRequiresCommand(t *testing.T) {
	sp := &Spawner{}
	if _, err := sp.Spawn("x", ""); err == nil {
		t.Error("expected error without a command builder")
	}
}
