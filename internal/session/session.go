// Package session owns the registry of live terminal sessions and
// multiplexes each session's PTY output to its viewers.
//
// Lifecycle of a Session:
//  1. The first viewer for a name triggers a spawn; the session is
//     registered with its cleanup timer already armed.
//  2. Attaching a viewer cancels the timer and streams scrollback.
//  3. The last viewer leaving re-arms the timer for the grace period.
//  4. Grace expiry, PTY exit, the orphan sweep, an API request, or shutdown
//     tears the session down exactly once.
//
// The invariant "no viewers implies an armed cleanup timer" holds for every
// registered session except those that reached zero viewers through a path
// that bypassed Detach; those are what the orphan sweep reclaims.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/gluk-w/termhub/internal/ptyproc"
	"github.com/gluk-w/termhub/internal/schedule"
	"github.com/gluk-w/termhub/internal/sessionlog"
	"github.com/gluk-w/termhub/internal/tmux"
)

var (
	// ErrSessionNotFound means no backing session exists to attach to. It is
	// never retried.
	ErrSessionNotFound = errors.New("backing session not found")
	// ErrSpawnFailed means every spawn attempt failed.
	ErrSpawnFailed = errors.New("failed to spawn terminal")
	// ErrSessionClosed means the session was torn down while attaching, or
	// the manager is shutting down.
	ErrSessionClosed = errors.New("session closed")
)

// Cleanup reasons recorded in logs, metrics, and session-ended events.
const (
	ReasonGraceExpired = "grace-expired"
	ReasonExited       = "exited"
	ReasonOrphan       = "orphan"
	ReasonAPI          = "api"
	ReasonShutdown     = "shutdown"
	ReasonSpawnRace    = "spawn-race"
)

// Client is one viewer connection. Implementations must allow concurrent
// writes.
type Client interface {
	ID() string
	// WriteOutput delivers raw terminal bytes.
	WriteOutput(ctx context.Context, data []byte) error
	// WriteControl delivers a JSON control frame.
	WriteControl(ctx context.Context, frame any) error
	// Close ends the connection with a close code.
	Close(code int, reason string)
}

// Process is the PTY handle a session owns.
type Process interface {
	Pid() int
	Start(onData func([]byte), onExit func(ptyproc.ExitStatus))
	Write(data []byte) (int, error)
	Resize(cols, rows uint16) error
	Pause()
	Resume()
	// Kill terminates with escalation. Returns false if the process already
	// exited or was already killed.
	Kill() bool
	// Terminate sends a graceful termination request only.
	Terminate() bool
}

// Spawner starts a PTY attached to a backing session.
type Spawner interface {
	Spawn(name, altSocket string) (Process, error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(name, altSocket string) (Process, error)

func (f SpawnFunc) Spawn(name, altSocket string) (Process, error) { return f(name, altSocket) }

// PTYSpawner adapts a ptyproc.Spawner.
func PTYSpawner(sp *ptyproc.Spawner) Spawner {
	return SpawnFunc(func(name, altSocket string) (Process, error) {
		p, err := sp.Spawn(name, altSocket)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Runtime is the backing-session capability the manager consumes.
type Runtime interface {
	SessionExists(ctx context.Context, name, altSocket string) (bool, error)
	ListSessions(ctx context.Context) ([]tmux.SessionInfo, error)
	CapturePane(ctx context.Context, name, altSocket string, maxLines int) ([]byte, error)
	Resize(ctx context.Context, name, altSocket string, cols, rows uint16) error
}

// Session is one registry entry. All mutable fields are guarded by the
// owning Manager's lock.
type Session struct {
	Name      string
	AltSocket string
	CreatedAt time.Time
	Buffer    *TerminalBuffer

	mgr  *Manager
	proc Process

	clients        map[string]Client
	logStream      *sessionlog.Writer
	loggingEnabled bool
	cleanupTimer   *schedule.Task
	timerGen       uint64
	cleanedUp      bool
}

// Info is a point-in-time view of a session for the REST API.
type Info struct {
	Name           string     `json:"name"`
	AltSocket      string     `json:"socket,omitempty"`
	Attached       bool       `json:"attached"`
	Clients        int        `json:"clients"`
	Pid            int        `json:"pid,omitempty"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
	LastActivity   *time.Time `json:"lastActivity,omitempty"`
	Idle           bool       `json:"idle"`
	LoggingEnabled bool       `json:"loggingEnabled"`
	CleanupPending bool       `json:"cleanupPending"`
	BufferedBytes  int        `json:"bufferedBytes"`
}
