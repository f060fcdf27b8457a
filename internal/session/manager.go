package session

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/gluk-w/termhub/internal/activity"
	"github.com/gluk-w/termhub/internal/crashguard"
	"github.com/gluk-w/termhub/internal/metrics"
	"github.com/gluk-w/termhub/internal/protocol"
	"github.com/gluk-w/termhub/internal/ptyproc"
	"github.com/gluk-w/termhub/internal/schedule"
	"github.com/gluk-w/termhub/internal/sessionlog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// Resize bounds applied to viewer requests.
const (
	MaxCols = 500
	MaxRows = 200
)

// attachRetries bounds how often Attach re-runs when the session it found
// was torn down before the viewer could be added.
const attachRetries = 3

const historyTimeout = 10 * time.Second

// Config holds the manager's tunables.
type Config struct {
	// CleanupGrace is how long a session with no viewers survives.
	CleanupGrace time.Duration
	// MaxSpawnRetries is the total number of spawn attempts.
	MaxSpawnRetries int
	// SpawnRetryDelay is the fixed wait between spawn attempts.
	SpawnRetryDelay time.Duration
	// HistoryLines bounds the scrollback sent to a new viewer.
	HistoryLines int
	// BufferBytes is the TerminalBuffer capacity per session.
	BufferBytes int
	// ClientWriteTimeout bounds one broadcast write to one viewer.
	ClientWriteTimeout time.Duration
	// SessionLogging is the global output-logging switch.
	SessionLogging bool
	// SessionLogDir is where per-session logs are written.
	SessionLogDir string
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		CleanupGrace:       30 * time.Second,
		MaxSpawnRetries:    3,
		SpawnRetryDelay:    500 * time.Millisecond,
		HistoryLines:       2000,
		BufferBytes:        defaultBufferSize,
		ClientWriteTimeout: 10 * time.Second,
	}
}

// Deps are the manager's collaborators. Runtime and Spawner are required.
type Deps struct {
	Runtime Runtime
	Spawner Spawner
	// Tracker records output activity. Optional.
	Tracker *activity.Tracker
	// Events receives session-started and session-ended. Optional.
	Events activity.Sink
	// Clock drives cleanup timers and spawn retry delays. Defaults to the
	// real clock.
	Clock clock.Clock
}

// Manager is the session registry. There is at most one Session per name.
type Manager struct {
	cfg     Config
	runtime Runtime
	spawner Spawner
	tracker *activity.Tracker
	events  activity.Sink
	clock   clock.Clock

	spawns singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates an empty registry.
func NewManager(cfg Config, deps Deps) *Manager {
	def := DefaultConfig()
	if cfg.CleanupGrace <= 0 {
		cfg.CleanupGrace = def.CleanupGrace
	}
	if cfg.MaxSpawnRetries <= 0 {
		cfg.MaxSpawnRetries = def.MaxSpawnRetries
	}
	if cfg.SpawnRetryDelay < 0 {
		cfg.SpawnRetryDelay = def.SpawnRetryDelay
	}
	if cfg.ClientWriteTimeout <= 0 {
		cfg.ClientWriteTimeout = def.ClientWriteTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Events == nil {
		deps.Events = activity.SinkFunc(func(activity.Event) {})
	}
	return &Manager{
		cfg:      cfg,
		runtime:  deps.Runtime,
		spawner:  deps.Spawner,
		tracker:  deps.Tracker,
		events:   deps.Events,
		clock:    deps.Clock,
		sessions: make(map[string]*Session),
	}
}

// Lookup returns the live session for name, or nil.
func (m *Manager) Lookup(name string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[name]
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Attach registers c as a viewer of the named session, spawning a PTY if
// none exists yet. It returns ErrSessionNotFound when there is no backing
// session and ErrSpawnFailed when every spawn attempt failed.
func (m *Manager) Attach(ctx context.Context, name, altSocket string, c Client) (*Session, error) {
	for i := 0; i < attachRetries; i++ {
		s, err := m.ensure(ctx, name, altSocket)
		if err != nil {
			return nil, err
		}
		if m.addClient(s, c) {
			return s, nil
		}
		log.Printf("[session] %s was torn down while attaching client %s, retrying", name, c.ID())
	}
	return nil, fmt.Errorf("attach %q: %w", name, ErrSessionClosed)
}

func (m *Manager) ensure(ctx context.Context, name, altSocket string) (*Session, error) {
	if s := m.Lookup(name); s != nil {
		return s, nil
	}
	// The spawn is shared by every viewer waiting on this name, so it must
	// not end when the viewer that started it gives up.
	spawnCtx := context.WithoutCancel(ctx)
	ch := m.spawns.DoChan(name, func() (any, error) {
		return m.create(spawnCtx, name, altSocket)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Session), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %q: %v", ErrSpawnFailed, name, ctx.Err())
	}
}

func (m *Manager) create(ctx context.Context, name, altSocket string) (*Session, error) {
	if s := m.Lookup(name); s != nil {
		metrics.Spawns.WithLabelValues("reused").Inc()
		return s, nil
	}
	if m.isClosed() {
		return nil, ErrSessionClosed
	}

	exists, err := m.runtime.SessionExists(ctx, name, altSocket)
	if err != nil {
		metrics.Spawns.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: check backing session %q: %v", ErrSpawnFailed, name, err)
	}
	if !exists {
		metrics.Spawns.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, name)
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxSpawnRetries; attempt++ {
		if attempt > 1 {
			metrics.Spawns.WithLabelValues("retry").Inc()
			select {
			case <-m.clock.After(m.cfg.SpawnRetryDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %q: %v", ErrSpawnFailed, name, ctx.Err())
			}
			// Another request may have created it while we waited.
			if s := m.Lookup(name); s != nil {
				metrics.Spawns.WithLabelValues("reused").Inc()
				return s, nil
			}
		}

		proc, err := m.spawner.Spawn(name, altSocket)
		if err != nil {
			lastErr = err
			log.Printf("[session] spawn %s attempt %d/%d failed: %v", name, attempt, m.cfg.MaxSpawnRetries, err)
			continue
		}
		s, err := m.register(name, altSocket, proc)
		if err != nil {
			discard(proc)
			return nil, err
		}
		metrics.Spawns.WithLabelValues("ok").Inc()
		return s, nil
	}

	metrics.Spawns.WithLabelValues("failed").Inc()
	return nil, fmt.Errorf("%w: %q after %d attempts: %v", ErrSpawnFailed, name, m.cfg.MaxSpawnRetries, lastErr)
}

func (m *Manager) register(name, altSocket string, proc Process) (*Session, error) {
	var logStream *sessionlog.Writer
	if m.cfg.SessionLogging {
		w, err := sessionlog.Open(m.cfg.SessionLogDir, name)
		if err != nil {
			log.Printf("[session] %s: logging disabled: %v", name, err)
		} else {
			logStream = w
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if logStream != nil {
			logStream.Close()
		}
		return nil, ErrSessionClosed
	}
	if existing := m.sessions[name]; existing != nil {
		m.mu.Unlock()
		if logStream != nil {
			logStream.Close()
		}
		log.Printf("[session] %s already registered, discarding duplicate PTY pid %d", name, proc.Pid())
		metrics.Cleanups.WithLabelValues(ReasonSpawnRace).Inc()
		discard(proc)
		return existing, nil
	}
	s := &Session{
		Name:           name,
		AltSocket:      altSocket,
		CreatedAt:      m.clock.Now(),
		Buffer:         NewTerminalBuffer(m.cfg.BufferBytes),
		mgr:            m,
		proc:           proc,
		clients:        make(map[string]Client),
		logStream:      logStream,
		loggingEnabled: true,
	}
	m.sessions[name] = s
	// Not yet exposed to a viewer; arm the timer so an abandoned attach
	// still gets cleaned up.
	m.armCleanupLocked(s)
	proc.Start(s.onData, s.onExit)
	m.mu.Unlock()

	metrics.SessionsActive.Inc()
	log.Printf("[session] %s spawned (pid %d)", name, proc.Pid())
	m.events.Publish(activity.Event{Session: name, Type: activity.EventSessionStarted, Timestamp: s.CreatedAt})
	return s, nil
}

// discard kills a PTY that never joined the registry. It is started first so
// the process is reaped once it exits.
func discard(proc Process) {
	proc.Start(nil, nil)
	proc.Kill()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) addClient(s *Session, c Client) bool {
	m.mu.Lock()
	if s.cleanedUp || m.sessions[s.Name] != s {
		m.mu.Unlock()
		return false
	}
	s.clients[c.ID()] = c
	m.cancelCleanupLocked(s)
	n := len(s.clients)
	m.mu.Unlock()

	metrics.ClientsConnected.Inc()
	log.Printf("[session] client %s attached to %s (%d clients)", c.ID(), s.Name, n)
	crashguard.Go("history "+s.Name, func() { m.sendHistory(s, c) })
	return true
}

// sendHistory streams scrollback to a new viewer, then the history-complete
// sentinel. It runs off the attach path so keystrokes are never blocked on it.
func (m *Manager) sendHistory(s *Session, c Client) {
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	history, err := m.runtime.CapturePane(ctx, s.Name, s.AltSocket, m.cfg.HistoryLines)
	if err != nil {
		log.Printf("[session] %s: scrollback unavailable: %v", s.Name, err)
	}
	if len(history) > 0 {
		// capture-pane emits bare newlines; a terminal needs CRLF.
		history = bytes.ReplaceAll(bytes.TrimRight(history, "\n"), []byte("\n"), []byte("\r\n"))
		history = append(history, '\r', '\n')
		if err := c.WriteOutput(ctx, history); err != nil {
			log.Printf("[session] %s: history write to client %s failed: %v", s.Name, c.ID(), err)
			return
		}
	}
	if err := c.WriteControl(ctx, protocol.NewHistoryComplete()); err != nil {
		log.Printf("[session] %s: history-complete to client %s failed: %v", s.Name, c.ID(), err)
	}
}

// Detach removes a viewer. The last viewer leaving arms the cleanup timer.
func (m *Manager) Detach(s *Session, c Client) {
	m.mu.Lock()
	if _, ok := s.clients[c.ID()]; !ok {
		m.mu.Unlock()
		return
	}
	delete(s.clients, c.ID())
	remaining := len(s.clients)
	if remaining == 0 && !s.cleanedUp {
		m.armCleanupLocked(s)
	}
	m.mu.Unlock()

	metrics.ClientsConnected.Dec()
	if remaining == 0 {
		log.Printf("[session] client %s detached from %s, cleanup in %s", c.ID(), s.Name, m.cfg.CleanupGrace)
	} else {
		log.Printf("[session] client %s detached from %s (%d clients)", c.ID(), s.Name, remaining)
	}
}

func (m *Manager) armCleanupLocked(s *Session) {
	s.cleanupTimer.Cancel()
	s.timerGen++
	gen := s.timerGen
	s.cleanupTimer = schedule.After(m.clock, m.cfg.CleanupGrace, func() {
		m.cleanupIf(s, ReasonGraceExpired, func(s *Session) bool {
			return s.timerGen == gen && len(s.clients) == 0
		})
	})
}

func (m *Manager) cancelCleanupLocked(s *Session) {
	s.cleanupTimer.Cancel()
	s.cleanupTimer = nil
	s.timerGen++
}

// CleanupPending reports whether the session's cleanup timer is armed.
func (m *Manager) CleanupPending(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.cleanupTimer != nil
}

// Clients returns the number of viewers attached to s.
func (m *Manager) Clients(s *Session) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(s.clients)
}

func (s *Session) onData(chunk []byte) {
	m := s.mgr
	m.mu.Lock()
	logStream := s.logStream
	logging := s.loggingEnabled
	clients := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	if logStream != nil && logging {
		logStream.Write(chunk)
	}
	if substantial(chunk) {
		if m.tracker != nil {
			m.tracker.Record(s.Name)
		}
		s.Buffer.Write(chunk)
	}
	if len(clients) == 0 {
		return
	}

	s.proc.Pause()
	start := time.Now()
	m.broadcast(s, clients, chunk)
	metrics.BroadcastSeconds.Observe(time.Since(start).Seconds())
	s.proc.Resume()
}

// broadcast writes chunk to every client and returns once all writes have
// settled. A failing client is logged and never affects the others.
func (m *Manager) broadcast(s *Session, clients []Client, chunk []byte) {
	var g errgroup.Group
	for _, c := range clients {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ClientWriteTimeout)
			defer cancel()
			if err := c.WriteOutput(ctx, chunk); err != nil {
				metrics.ClientWriteFailures.Inc()
				log.Printf("[session] %s: write to client %s failed: %v", s.Name, c.ID(), err)
			}
			return nil
		})
	}
	g.Wait()
}

// substantial reports whether a chunk counts as activity: at least three
// bytes that are not a bare escape sequence. Plain output counts even when
// it is only blank lines; a chunk carrying escape sequences needs something
// besides whitespace once they are stripped, so cursor moves and redraws
// do not.
func substantial(chunk []byte) bool {
	if len(chunk) < 3 {
		return false
	}
	if bytes.IndexByte(chunk, 0x1b) < 0 {
		return true
	}
	return strings.TrimSpace(ansi.Strip(string(chunk))) != ""
}

func (s *Session) onExit(status ptyproc.ExitStatus) {
	log.Printf("[session] %s PTY exited (%s)", s.Name, status)
	s.mgr.cleanupIf(s, ReasonExited, nil)
}

// cleanupIf tears s down once. cond, when set, is evaluated under the
// registry lock and must hold for the teardown to proceed.
func (m *Manager) cleanupIf(s *Session, reason string, cond func(*Session) bool) bool {
	m.mu.Lock()
	if s.cleanedUp || (cond != nil && !cond(s)) {
		m.mu.Unlock()
		return false
	}
	s.cleanedUp = true
	m.cancelCleanupLocked(s)
	if m.sessions[s.Name] == s {
		delete(m.sessions, s.Name)
	}
	clients := s.clients
	s.clients = make(map[string]Client)
	logStream := s.logStream
	s.logStream = nil
	m.mu.Unlock()

	if logStream != nil {
		logStream.Close()
	}
	// A no-op when the process already exited on its own.
	s.proc.Kill()
	if m.tracker != nil {
		m.tracker.Forget(s.Name)
	}

	metrics.SessionsActive.Dec()
	metrics.ClientsConnected.Sub(float64(len(clients)))
	metrics.Cleanups.WithLabelValues(reason).Inc()
	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		c.WriteControl(ctx, protocol.NewStatus(fmt.Sprintf("Session %s ended (%s)", s.Name, reason), protocol.StatusInfo))
		cancel()
		c.Close(protocol.CloseNormal, "session ended")
	}
	log.Printf("[session] %s cleaned up (%s)", s.Name, reason)
	m.events.Publish(activity.Event{Session: s.Name, Type: activity.EventSessionEnded, Reason: reason, Timestamp: m.clock.Now()})
	return true
}

// Cleanup tears the session down. Calling it again is a no-op.
func (m *Manager) Cleanup(s *Session, reason string) bool {
	return m.cleanupIf(s, reason, nil)
}

// ForceClose tears down the named session. The backing session survives;
// only the PTY attachment is killed.
func (m *Manager) ForceClose(name, reason string) bool {
	s := m.Lookup(name)
	if s == nil {
		return false
	}
	return m.cleanupIf(s, reason, nil)
}

// Dispatch routes one inbound viewer frame: control messages are applied,
// anything else is written to the PTY verbatim.
func (m *Manager) Dispatch(ctx context.Context, s *Session, data []byte) error {
	switch msg := protocol.Decode(data).(type) {
	case protocol.Resize:
		return m.Resize(ctx, s, msg.Cols, msg.Rows)
	case protocol.SetLogging:
		m.SetLogging(s, msg.Enabled)
		return nil
	case protocol.Raw:
		return m.Input(s, msg)
	}
	return nil
}

// Input writes keystrokes to the session's PTY.
func (m *Manager) Input(s *Session, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := s.proc.Write(data); err != nil {
		return fmt.Errorf("write to %s: %w", s.Name, err)
	}
	return nil
}

// Resize changes the PTY size, falling back to resizing the backing session
// directly. Zero dimensions are ignored and large ones clamped.
func (m *Manager) Resize(ctx context.Context, s *Session, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return nil
	}
	cols, rows = min(cols, MaxCols), min(rows, MaxRows)
	err := s.proc.Resize(cols, rows)
	if err == nil {
		return nil
	}
	log.Printf("[session] %s: PTY resize failed, resizing backing session: %v", s.Name, err)
	if rerr := m.runtime.Resize(ctx, s.Name, s.AltSocket, cols, rows); rerr != nil {
		return fmt.Errorf("resize %s: %w", s.Name, rerr)
	}
	return nil
}

// SetLogging toggles output logging for one session. Enabling has no
// effect while the global switch is off.
func (m *Manager) SetLogging(s *Session, enabled bool) {
	var opened *sessionlog.Writer
	if enabled && m.cfg.SessionLogging {
		m.mu.Lock()
		needOpen := s.logStream == nil && !s.cleanedUp
		m.mu.Unlock()
		if needOpen {
			w, err := sessionlog.Open(m.cfg.SessionLogDir, s.Name)
			if err != nil {
				log.Printf("[session] %s: enable logging: %v", s.Name, err)
			} else {
				opened = w
			}
		}
	}

	m.mu.Lock()
	s.loggingEnabled = enabled
	var toClose *sessionlog.Writer
	if !enabled || s.cleanedUp {
		toClose, s.logStream = s.logStream, nil
	}
	if opened != nil {
		if s.logStream == nil && !s.cleanedUp && enabled {
			s.logStream, opened = opened, nil
		}
	}
	m.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
	if opened != nil {
		opened.Close()
	}
	log.Printf("[session] %s logging enabled=%v", s.Name, enabled)
}

// LoggingEnabled reports the per-session logging toggle.
func (m *Manager) LoggingEnabled(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.loggingEnabled
}

// Sweep reclaims sessions that have no viewers and no armed cleanup timer.
// Sessions with a pending timer are left for the timer.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	var orphans []*Session
	for _, s := range m.sessions {
		if isOrphan(s) {
			orphans = append(orphans, s)
		}
	}
	m.mu.Unlock()

	swept := 0
	for _, s := range orphans {
		if m.cleanupIf(s, ReasonOrphan, isOrphan) {
			swept++
			metrics.OrphansSwept.Inc()
		}
	}
	return swept
}

func isOrphan(s *Session) bool {
	return len(s.clients) == 0 && s.cleanupTimer == nil
}

// Snapshot lists registered sessions merged with backing sessions the
// Runtime reports that have no PTY attached.
func (m *Manager) Snapshot(ctx context.Context) ([]Info, error) {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.sessions))
	seen := make(map[string]bool, len(m.sessions))
	for name, s := range m.sessions {
		created := s.CreatedAt
		infos = append(infos, Info{
			Name:           name,
			AltSocket:      s.AltSocket,
			Attached:       true,
			Clients:        len(s.clients),
			Pid:            s.proc.Pid(),
			CreatedAt:      &created,
			LoggingEnabled: s.loggingEnabled,
			CleanupPending: s.cleanupTimer != nil,
			BufferedBytes:  s.Buffer.Len(),
		})
		seen[name] = true
	}
	m.mu.Unlock()

	if m.tracker != nil {
		for i := range infos {
			if ts, ok := m.tracker.LastActivity(infos[i].Name); ok {
				infos[i].LastActivity = &ts
			}
			infos[i].Idle = m.tracker.IsIdle(infos[i].Name)
		}
	}

	var listErr error
	backing, err := m.runtime.ListSessions(ctx)
	if err != nil {
		listErr = fmt.Errorf("list backing sessions: %w", err)
	}
	for _, b := range backing {
		if seen[b.Name] {
			continue
		}
		last := b.Activity
		infos = append(infos, Info{Name: b.Name, LastActivity: &last, LoggingEnabled: true})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, listErr
}

// Shutdown closes every session's log, sends each PTY a graceful
// termination request, and empties the registry. Backing sessions are not
// touched. Attach fails with ErrSessionClosed afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	type teardown struct {
		s         *Session
		logStream *sessionlog.Writer
		clients   map[string]Client
	}
	var pending []teardown
	for _, s := range sessions {
		if s.cleanedUp {
			continue
		}
		s.cleanedUp = true
		m.cancelCleanupLocked(s)
		pending = append(pending, teardown{s: s, logStream: s.logStream, clients: s.clients})
		s.logStream = nil
		s.clients = make(map[string]Client)
	}
	m.mu.Unlock()

	for _, t := range pending {
		if t.logStream != nil {
			t.logStream.Close()
		}
		t.s.proc.Terminate()
		for _, c := range t.clients {
			c.Close(protocol.CloseGoingAway, "server shutting down")
		}
		if m.tracker != nil {
			m.tracker.Forget(t.s.Name)
		}
		metrics.SessionsActive.Dec()
		metrics.ClientsConnected.Sub(float64(len(t.clients)))
		metrics.Cleanups.WithLabelValues(ReasonShutdown).Inc()
	}
	log.Printf("[session] shutdown: detached %d sessions", len(pending))
}
