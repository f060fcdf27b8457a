package ptyproc

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"k8s.io/utils/clock"
)

// Default PTY size until the first viewer resize arrives.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// Spawner starts attach commands on fresh PTYs.
type Spawner struct {
	// Command builds the (unstarted) attach command for a session.
	Command func(name, altSocket string) *exec.Cmd
	// Clock drives kill escalation. Defaults to the real clock.
	Clock clock.Clock
	// Escalation is the SIGTERM to SIGKILL delay.
	Escalation time.Duration
	Cols, Rows uint16
}

// Spawn starts the attach command for name on a new PTY. The returned
// process does not deliver output until Start is called.
func (s *Spawner) Spawn(name, altSocket string) (*Process, error) {
	if s.Command == nil {
		return nil, fmt.Errorf("spawn %q: no attach command configured", name)
	}
	cmd := s.Command(name, altSocket)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	cols, rows := s.Cols, s.Rows
	if cols == 0 || rows == 0 {
		cols, rows = DefaultCols, DefaultRows
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("spawn %q: %w", name, err)
	}

	clk := s.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	escalation := s.Escalation
	if escalation <= 0 {
		escalation = DefaultKillEscalation
	}
	return newProcess(name, cmd, ptmx, clk, escalation), nil
}
