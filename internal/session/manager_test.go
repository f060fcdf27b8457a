package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gluk-w/termhub/internal/activity"
	"github.com/gluk-w/termhub/internal/protocol"
	"github.com/gluk-w/termhub/internal/ptyproc"
	"github.com/gluk-w/termhub/internal/tmux"
	testingclock "k8s.io/utils/clock/testing"
)

// --- fakes ---

type fakeProcess struct {
	pid int

	mu      sync.Mutex
	onData  func([]byte)
	onExit  func(ptyproc.ExitStatus)
	input   bytes.Buffer
	sizes   [][2]uint16
	paused  bool
	pauses  int
	resumes int

	exited     atomic.Bool
	kills      atomic.Int32
	terminates atomic.Int32
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Start(onData func([]byte), onExit func(ptyproc.ExitStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onData, p.onExit = onData, onExit
}

func (p *fakeProcess) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(data)
}

func (p *fakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sizes = append(p.sizes, [2]uint16{cols, rows})
	return nil
}

func (p *fakeProcess) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.pauses++
}

func (p *fakeProcess) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.resumes++
}

func (p *fakeProcess) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakeProcess) Kill() bool {
	if p.exited.Load() {
		return false
	}
	return p.kills.Add(1) == 1 && p.terminates.Load() == 0
}

func (p *fakeProcess) Terminate() bool {
	if p.exited.Load() {
		return false
	}
	return p.terminates.Add(1) == 1 && p.kills.Load() == 0
}

// emit delivers a chunk the way the PTY reader goroutine does.
func (p *fakeProcess) emit(chunk []byte) {
	p.mu.Lock()
	onData := p.onData
	p.mu.Unlock()
	onData(chunk)
}

func (p *fakeProcess) exit(code int) {
	p.exited.Store(true)
	p.mu.Lock()
	onExit := p.onExit
	p.mu.Unlock()
	onExit(ptyproc.ExitStatus{Code: code})
}

type fakeSpawner struct {
	mu    sync.Mutex
	calls int
	fail  int // fail this many calls before succeeding
	delay time.Duration
	procs []*fakeProcess
}

func (s *fakeSpawner) Spawn(name, altSocket string) (Process, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fail {
		return nil, fmt.Errorf("spawn attempt %d refused", s.calls)
	}
	p := &fakeProcess{pid: 1000 + s.calls}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

type fakeRuntime struct {
	mu       sync.Mutex
	missing  map[string]bool
	history  []byte
	listed   []tmux.SessionInfo
	resizes  int
	captures int
}

func (r *fakeRuntime) SessionExists(ctx context.Context, name, altSocket string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.missing[name], nil
}

func (r *fakeRuntime) ListSessions(ctx context.Context) ([]tmux.SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listed, nil
}

func (r *fakeRuntime) CapturePane(ctx context.Context, name, altSocket string, maxLines int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures++
	return r.history, nil
}

func (r *fakeRuntime) Resize(ctx context.Context, name, altSocket string, cols, rows uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resizes++
	return nil
}

type fakeClient struct {
	id string

	mu        sync.Mutex
	outputs   [][]byte
	controls  []any
	closeCode int
	writeErr  error
	block     chan struct{} // when set, WriteOutput waits for it to close
	blocked   chan struct{}
	blockOnce sync.Once
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id}
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) WriteOutput(ctx context.Context, data []byte) error {
	if c.block != nil {
		c.blockOnce.Do(func() { close(c.blocked) })
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.outputs = append(c.outputs, append([]byte(nil), data...))
	return nil
}

func (c *fakeClient) WriteControl(ctx context.Context, frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, frame)
	return nil
}

func (c *fakeClient) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
}

func (c *fakeClient) output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Join(c.outputs, nil)
}

func (c *fakeClient) historyComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.controls {
		if _, ok := f.(protocol.HistoryCompleteFrame); ok {
			return true
		}
	}
	return false
}

func (c *fakeClient) closedWith() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

type eventLog struct {
	mu     sync.Mutex
	events []activity.Event
}

func (l *eventLog) Publish(e activity.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(typ activity.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// --- helpers ---

type harness struct {
	mgr     *Manager
	clk     *testingclock.FakeClock
	spawner *fakeSpawner
	runtime *fakeRuntime
	tracker *activity.Tracker
	events  *eventLog
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clk:     testingclock.NewFakeClock(time.Unix(1_700_000_000, 0)),
		spawner: &fakeSpawner{},
		runtime: &fakeRuntime{missing: map[string]bool{}},
		events:  &eventLog{},
	}
	h.tracker = activity.NewTracker(h.clk, 30*time.Second, nil)
	h.mgr = NewManager(cfg, Deps{
		Runtime: h.runtime,
		Spawner: h.spawner,
		Tracker: h.tracker,
		Events:  h.events,
		Clock:   h.clk,
	})
	return h
}

func (h *harness) attach(t *testing.T, name string, c Client) *Session {
	t.Helper()
	s, err := h.mgr.Attach(context.Background(), name, "", c)
	if err != nil {
		t.Fatalf("Attach(%s): %v", name, err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// --- scenarios ---

func TestScenarioAttachHistoryAndResize(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.runtime.history = []byte("line one\nline two\n")
	c := newFakeClient("c1")

	s := h.attach(t, "alpha", c)
	if h.spawner.callCount() != 1 {
		t.Fatalf("expected 1 spawn, got %d", h.spawner.callCount())
	}
	waitFor(t, "history-complete", c.historyComplete)
	if got := string(c.output()); got != "line one\r\nline two\r\n" {
		t.Errorf("history = %q", got)
	}

	before := len(c.output())
	if err := h.mgr.Dispatch(context.Background(), s, []byte(`{"type":"resize","cols":100,"rows":30}`)); err != nil {
		t.Fatalf("Dispatch resize: %v", err)
	}
	proc := h.spawner.last()
	proc.mu.Lock()
	sizes := proc.sizes
	input := proc.input.Len()
	proc.mu.Unlock()
	if len(sizes) != 1 || sizes[0] != [2]uint16{100, 30} {
		t.Errorf("PTY sizes = %v, want [[100 30]]", sizes)
	}
	if input != 0 {
		t.Errorf("resize leaked %d bytes to the PTY", input)
	}
	if len(c.output()) != before {
		t.Error("resize must not be echoed to clients")
	}
	if h.mgr.CleanupPending(s) {
		t.Error("attached session must not have a pending cleanup")
	}
}

func TestScenarioBroadcastWithBackpressure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	slow := newFakeClient("slow")
	fast := newFakeClient("fast")
	h.attach(t, "beta", fast)
	s := h.attach(t, "beta", slow)
	if h.spawner.callCount() != 1 {
		t.Fatalf("second viewer must reuse the PTY, got %d spawns", h.spawner.callCount())
	}
	proc := h.spawner.last()

	slow.block = make(chan struct{})
	slow.blocked = make(chan struct{})
	chunk := bytes.Repeat([]byte("x"), 50)
	done := make(chan struct{})
	go func() {
		proc.emit(chunk)
		close(done)
	}()

	<-slow.blocked
	waitFor(t, "fast client delivery", func() bool { return bytes.Equal(fast.output(), chunk) })
	if !proc.isPaused() {
		t.Fatal("PTY must stay paused while a delivery is outstanding")
	}
	select {
	case <-done:
		t.Fatal("onData returned before every client settled")
	default:
	}

	close(slow.block)
	<-done
	if !bytes.Equal(slow.output(), chunk) {
		t.Errorf("slow client got %q", slow.output())
	}
	if proc.isPaused() {
		t.Error("PTY must resume after all deliveries settle")
	}
	if proc.pauses != 1 || proc.resumes != 1 {
		t.Errorf("pauses=%d resumes=%d, want 1/1", proc.pauses, proc.resumes)
	}
	if h.mgr.Clients(s) != 2 {
		t.Errorf("clients = %d", h.mgr.Clients(s))
	}
}

func TestScenarioGraceExpiryRemovesSession(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	c := newFakeClient("c1")
	s := h.attach(t, "gamma", c)
	proc := h.spawner.last()

	h.mgr.Detach(s, c)
	if !h.mgr.CleanupPending(s) {
		t.Fatal("last detach must arm the cleanup timer")
	}

	h.clk.Step(29 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if h.mgr.Lookup("gamma") == nil {
		t.Fatal("session removed before the grace period elapsed")
	}

	h.clk.Step(time.Second)
	waitFor(t, "session removal", func() bool { return h.mgr.Lookup("gamma") == nil })
	waitFor(t, "termination request", func() bool { return proc.kills.Load() == 1 })
	if h.events.count(activity.EventSessionEnded) != 1 {
		t.Errorf("expected one session-ended event")
	}
}

// --- properties ---

func TestReconnectWithinGraceKeepsPTY(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	c1 := newFakeClient("c1")
	s := h.attach(t, "alpha", c1)
	proc := h.spawner.last()

	h.mgr.Detach(s, c1)
	h.clk.Step(20 * time.Second)

	c2 := newFakeClient("c2")
	s2 := h.attach(t, "alpha", c2)
	if s2 != s {
		t.Fatal("reconnect must reuse the existing session")
	}
	if h.mgr.CleanupPending(s) {
		t.Error("reconnect must cancel the pending cleanup")
	}

	h.clk.Step(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if h.mgr.Lookup("alpha") != s {
		t.Error("session torn down despite reconnect")
	}
	if proc.kills.Load() != 0 {
		t.Error("PTY killed despite reconnect")
	}
	if h.spawner.callCount() != 1 {
		t.Errorf("spawns = %d, want 1", h.spawner.callCount())
	}
}

func TestConcurrentAttachSpawnsOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.spawner.delay = 20 * time.Millisecond

	const n = 20
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.mgr.Attach(context.Background(), "race", "", newFakeClient(fmt.Sprintf("c%d", i)))
			if err != nil {
				t.Errorf("Attach: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	if h.spawner.callCount() != 1 {
		t.Fatalf("spawns = %d, want 1", h.spawner.callCount())
	}
	for i, s := range sessions {
		if s != sessions[0] {
			t.Fatalf("attach %d got a different session", i)
		}
	}
	if got := h.mgr.Clients(sessions[0]); got != n {
		t.Errorf("clients = %d, want %d", got, n)
	}
}

func TestSessionNotFoundIsNotRetried(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.runtime.missing["ghost"] = true

	_, err := h.mgr.Attach(context.Background(), "ghost", "", newFakeClient("c1"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if h.spawner.callCount() != 0 {
		t.Errorf("spawner called %d times for a missing session", h.spawner.callCount())
	}
	if h.mgr.Count() != 0 {
		t.Error("registry must stay empty")
	}
}

func TestSpawnRetriesWithFixedDelay(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.spawner.fail = 2

	type result struct {
		s   *Session
		err error
	}
	res := make(chan result, 1)
	go func() {
		s, err := h.mgr.Attach(context.Background(), "flaky", "", newFakeClient("c1"))
		res <- result{s, err}
	}()

	for i := 0; i < 2; i++ {
		waitFor(t, "retry delay", h.clk.HasWaiters)
		h.clk.Step(500 * time.Millisecond)
	}
	r := <-res
	if r.err != nil {
		t.Fatalf("Attach: %v", r.err)
	}
	if h.spawner.callCount() != 3 {
		t.Errorf("spawn attempts = %d, want 3", h.spawner.callCount())
	}
}

func TestSpawnFailureAfterRetries(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.spawner.fail = 100

	res := make(chan error, 1)
	go func() {
		_, err := h.mgr.Attach(context.Background(), "broken", "", newFakeClient("c1"))
		res <- err
	}()
	for i := 0; i < 2; i++ {
		waitFor(t, "retry delay", h.clk.HasWaiters)
		h.clk.Step(500 * time.Millisecond)
	}
	err := <-res
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("err = %v, want ErrSpawnFailed", err)
	}
	if h.spawner.callCount() != 3 {
		t.Errorf("spawn attempts = %d, want 3", h.spawner.callCount())
	}
}

func TestSpawnRetryReusesConcurrentSession(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.spawner.fail = 1

	res := make(chan *Session, 1)
	go func() {
		s, err := h.mgr.Attach(context.Background(), "delta", "", newFakeClient("c1"))
		if err != nil {
			t.Errorf("Attach: %v", err)
		}
		res <- s
	}()

	waitFor(t, "retry delay", h.clk.HasWaiters)
	other := &fakeProcess{pid: 42}
	existing, err := h.mgr.register("delta", "", other)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h.clk.Step(500 * time.Millisecond)

	if s := <-res; s != existing {
		t.Fatal("retry must reuse the session registered while waiting")
	}
	if h.spawner.callCount() != 1 {
		t.Errorf("spawn attempts = %d, want 1", h.spawner.callCount())
	}
}

func TestAbandonedAttachDoesNotFailSharedSpawn(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.spawner.fail = 1

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := h.mgr.Attach(ctx, "epsilon", "", newFakeClient("c1"))
		first <- err
	}()
	waitFor(t, "retry delay", h.clk.HasWaiters)

	cancel()
	if err := <-first; !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("canceled Attach err = %v, want ErrSpawnFailed", err)
	}

	type result struct {
		s   *Session
		err error
	}
	second := make(chan result, 1)
	go func() {
		s, err := h.mgr.Attach(context.Background(), "epsilon", "", newFakeClient("c2"))
		second <- result{s, err}
	}()
	h.clk.Step(500 * time.Millisecond)

	r := <-second
	if r.err != nil {
		t.Fatalf("second Attach: %v", r.err)
	}
	if h.mgr.Clients(r.s) != 1 {
		t.Errorf("clients = %d, want 1", h.mgr.Clients(r.s))
	}
	if h.spawner.callCount() != 2 {
		t.Errorf("spawn attempts = %d, want 2", h.spawner.callCount())
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	c := newFakeClient("c1")
	s := h.attach(t, "alpha", c)
	proc := h.spawner.last()

	if !h.mgr.Cleanup(s, ReasonAPI) {
		t.Fatal("first cleanup should proceed")
	}
	if h.mgr.Cleanup(s, ReasonAPI) {
		t.Error("second cleanup must be a no-op")
	}
	if proc.kills.Load() != 1 {
		t.Errorf("kills = %d, want 1", proc.kills.Load())
	}
	if h.events.count(activity.EventSessionEnded) != 1 {
		t.Error("expected exactly one session-ended event")
	}
	if c.closedWith() != protocol.CloseNormal {
		t.Errorf("client close code = %d", c.closedWith())
	}
	if h.mgr.Lookup("alpha") != nil {
		t.Error("session still registered")
	}
}

func TestPTYExitCleansUpWithoutKill(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	c := newFakeClient("c1")
	h.attach(t, "alpha", c)
	proc := h.spawner.last()

	proc.exit(0)
	if h.mgr.Lookup("alpha") != nil {
		t.Fatal("exited session still registered")
	}
	if proc.kills.Load() != 0 {
		t.Error("an exited process must not be killed")
	}
	if c.closedWith() != protocol.CloseNormal {
		t.Errorf("client close code = %d", c.closedWith())
	}
}

func TestOrphanSweepSkipsPendingTimers(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	pendingClient := newFakeClient("p")
	pending := h.attach(t, "pending", pendingClient)
	h.mgr.Detach(pending, pendingClient)

	attachedClient := newFakeClient("a")
	h.attach(t, "attached", attachedClient)

	orphanClient := newFakeClient("o")
	orphan := h.attach(t, "orphan", orphanClient)
	// Drop the viewer without going through Detach.
	h.mgr.mu.Lock()
	delete(orphan.clients, orphanClient.ID())
	h.mgr.mu.Unlock()

	if n := h.mgr.Sweep(); n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if h.mgr.Lookup("orphan") != nil {
		t.Error("orphan not reclaimed")
	}
	if h.mgr.Lookup("pending") != pending {
		t.Error("session with a pending timer must be left alone")
	}
	if h.mgr.Lookup("attached") == nil {
		t.Error("attached session must be left alone")
	}
	if n := h.mgr.Sweep(); n != 0 {
		t.Errorf("second sweep reclaimed %d", n)
	}
}

func TestClientWriteFailureIsIsolated(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	bad := newFakeClient("bad")
	bad.writeErr = errors.New("broken pipe")
	good := newFakeClient("good")
	h.attach(t, "alpha", bad)
	h.attach(t, "alpha", good)
	proc := h.spawner.last()

	proc.emit([]byte("hello world"))
	proc.emit([]byte("second"))
	if got := string(good.output()); !strings.Contains(got, "hello world") || !strings.Contains(got, "second") {
		t.Errorf("good client output = %q", got)
	}
	if proc.isPaused() {
		t.Error("PTY left paused after a failed write")
	}
}

func TestSubstantialOutputUpdatesActivityAndBuffer(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.attach(t, "alpha", newFakeClient("c1"))
	proc := h.spawner.last()

	proc.emit([]byte("\x1b[H"))
	if _, ok := h.tracker.LastActivity("alpha"); ok {
		t.Error("cursor movement must not count as activity")
	}
	if s.Buffer.Len() != 0 {
		t.Error("cursor movement must not be buffered")
	}

	proc.emit([]byte("\x1b[1mbuild ok\x1b[0m"))
	if _, ok := h.tracker.LastActivity("alpha"); !ok {
		t.Error("substantial output must record activity")
	}
	if !bytes.Contains(s.Buffer.Snapshot(), []byte("build ok")) {
		t.Error("substantial output must be buffered")
	}
}

func TestSubstantial(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"ab", false},
		{"abc", true},
		{"\x1b[2J", false},
		{"\x1b[10;5H", false},
		{"\r\n\r\n", true},
		{"   ", true},
		{"\x1b[1A\r\n", false},
		{"\x1b[2K\r", false},
		{"\x1b[32mok\x1b[0m", true},
	}
	for _, tt := range tests {
		if got := substantial([]byte(tt.in)); got != tt.want {
			t.Errorf("substantial(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDispatchRawAndLogging(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.SessionLogging = true
	cfg.SessionLogDir = dir
	h := newHarness(t, cfg)
	s := h.attach(t, "alpha", newFakeClient("c1"))
	proc := h.spawner.last()

	if err := h.mgr.Dispatch(context.Background(), s, []byte(`{"type":"unknown"}`)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	proc.mu.Lock()
	got := proc.input.String()
	proc.mu.Unlock()
	if got != `{"type":"unknown"}` {
		t.Errorf("PTY input = %q", got)
	}

	proc.emit([]byte("first line\n"))
	h.mgr.Dispatch(context.Background(), s, []byte(`{"type":"set-logging","enabled":false}`))
	if h.mgr.LoggingEnabled(s) {
		t.Fatal("logging still enabled")
	}
	proc.emit([]byte("second line\n"))

	data, err := os.ReadFile(filepath.Join(dir, "alpha.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "first line") {
		t.Errorf("log missing first line: %q", data)
	}
	if strings.Contains(string(data), "second line") {
		t.Errorf("log contains output written while disabled: %q", data)
	}
}

func TestResizeIgnoresZeroAndClamps(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.attach(t, "alpha", newFakeClient("c1"))
	proc := h.spawner.last()

	h.mgr.Resize(context.Background(), s, 0, 40)
	h.mgr.Resize(context.Background(), s, 9000, 9000)
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.sizes) != 1 || proc.sizes[0] != [2]uint16{MaxCols, MaxRows} {
		t.Errorf("sizes = %v", proc.sizes)
	}
}

func TestSnapshotMergesBackingSessions(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.runtime.listed = []tmux.SessionInfo{{Name: "alpha"}, {Name: "idle-one", Activity: time.Unix(1, 0)}}
	h.attach(t, "alpha", newFakeClient("c1"))

	infos, err := h.mgr.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("infos = %+v", infos)
	}
	if infos[0].Name != "alpha" || !infos[0].Attached || infos[0].Clients != 1 || infos[0].Pid == 0 {
		t.Errorf("alpha = %+v", infos[0])
	}
	if infos[1].Name != "idle-one" || infos[1].Attached {
		t.Errorf("idle-one = %+v", infos[1])
	}
}

func TestShutdownTerminatesGracefully(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	c := newFakeClient("c1")
	h.attach(t, "alpha", c)
	p1 := h.spawner.last()
	h.attach(t, "beta", newFakeClient("c2"))
	p2 := h.spawner.last()

	h.mgr.Shutdown()
	if h.mgr.Count() != 0 {
		t.Error("registry not cleared")
	}
	for _, p := range []*fakeProcess{p1, p2} {
		if p.terminates.Load() != 1 || p.kills.Load() != 0 {
			t.Errorf("pid %d: terminates=%d kills=%d", p.pid, p.terminates.Load(), p.kills.Load())
		}
	}
	if c.closedWith() != protocol.CloseGoingAway {
		t.Errorf("client close code = %d", c.closedWith())
	}
	if _, err := h.mgr.Attach(context.Background(), "alpha", "", newFakeClient("late")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Attach after shutdown: %v", err)
	}
}

func TestAbandonedSpawnIsCleanedUp(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s, err := h.mgr.register("lonely", "", &fakeProcess{pid: 7})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !h.mgr.CleanupPending(s) {
		t.Fatal("a fresh session must have its cleanup timer armed")
	}
	h.clk.Step(30 * time.Second)
	waitFor(t, "cleanup", func() bool { return h.mgr.Lookup("lonely") == nil })
}

func TestSweeperLifecycle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	sw, err := NewSweeper(h.mgr, time.Hour)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	sw.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sw.Stop(ctx)
}
