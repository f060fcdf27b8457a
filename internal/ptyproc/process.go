// Package ptyproc spawns and supervises the pseudo-terminal processes that
// attach to backing sessions.
//
// A [Process] owns one PTY master and the attach command running on its
// slave. Output is delivered chunk by chunk to a callback on a single reader
// goroutine; [Process.Pause] holds the reader before its next read so a slow
// consumer throttles the producer instead of queueing unbounded output.
//
// Termination is guarded by an atomic kill state. The process moves from
// running to exactly one of exited (it ended on its own) or terminating (we
// sent SIGTERM), so a process is signaled at most once and never after it
// has been reaped. [Process.Kill] escalates to SIGKILL after a delay if the
// pid is still alive.
package ptyproc

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gluk-w/termhub/internal/crashguard"
	"github.com/gluk-w/termhub/internal/schedule"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

// DefaultKillEscalation is the delay between SIGTERM and SIGKILL.
const DefaultKillEscalation = 3 * time.Second

const (
	stateRunning int32 = iota
	stateExited
	stateTerminating
)

// ExitStatus describes how the attach process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return fmt.Sprintf("signal %s", s.Signal)
	}
	return fmt.Sprintf("code %d", s.Code)
}

// Process is a running PTY-attached command.
type Process struct {
	name       string
	cmd        *exec.Cmd
	pty        *os.File
	pid        int
	clock      clock.Clock
	escalation time.Duration

	state atomic.Int32

	mu       sync.Mutex
	paused   bool
	resumed  *sync.Cond
	escalate *schedule.Task
	started  bool

	done   chan struct{}
	status ExitStatus
}

func newProcess(name string, cmd *exec.Cmd, ptmx *os.File, clk clock.Clock, escalation time.Duration) *Process {
	p := &Process{
		name:       name,
		cmd:        cmd,
		pty:        ptmx,
		pid:        cmd.Process.Pid,
		clock:      clk,
		escalation: escalation,
		done:       make(chan struct{}),
	}
	p.resumed = sync.NewCond(&p.mu)
	return p
}

// Pid returns the attach process id.
func (p *Process) Pid() int {
	return p.pid
}

// Start begins delivering output. onData receives each chunk on the reader
// goroutine and may block; the next read waits for it to return. onExit is
// called once, after the last chunk, when the process has been reaped.
func (p *Process) Start(onData func([]byte), onExit func(ExitStatus)) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	crashguard.Go("pty "+p.name, func() {
		p.readLoop(onData)
		p.wait()
		if onExit != nil {
			onExit(p.status)
		}
	})
}

func (p *Process) readLoop(onData func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		p.waitResumed()
		n, err := p.pty.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			// EIO is the normal signal that the slave side closed.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				log.Printf("[pty] %s read error: %v", p.name, err)
			}
			return
		}
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	var status ExitStatus
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = unix.SignalName(ws.Signal())
		} else {
			status.Code = exitErr.ExitCode()
		}
	} else if err != nil {
		status.Code = -1
	}
	p.status = status

	p.state.CompareAndSwap(stateRunning, stateExited)
	p.mu.Lock()
	p.escalate.Cancel()
	p.escalate = nil
	p.paused = false
	p.resumed.Broadcast()
	p.mu.Unlock()

	p.pty.Close()
	close(p.done)
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process ended on its own, as opposed to being
// terminated by Kill or Terminate.
func (p *Process) Exited() bool {
	return p.state.Load() == stateExited
}

// Status returns the exit status. Only meaningful after Done is closed.
func (p *Process) Status() ExitStatus {
	<-p.done
	return p.status
}

// Write sends keystrokes to the PTY.
func (p *Process) Write(data []byte) (int, error) {
	return p.pty.Write(data)
}

// Resize changes the PTY window size.
func (p *Process) Resize(cols, rows uint16) error {
	return pty.Setsize(p.pty, &pty.Winsize{Cols: cols, Rows: rows})
}

// Pause stops the reader before its next read.
func (p *Process) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume releases a paused reader.
func (p *Process) Resume() {
	p.mu.Lock()
	p.paused = false
	p.resumed.Broadcast()
	p.mu.Unlock()
}

// Paused reports whether the reader is currently held.
func (p *Process) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Process) waitResumed() {
	p.mu.Lock()
	for p.paused {
		p.resumed.Wait()
	}
	p.mu.Unlock()
}

// Terminate sends SIGTERM to the attach process only, never to its process
// group, so the backing session survives. It reports whether a signal was
// sent; a process that already exited or is already terminating is left
// alone.
func (p *Process) Terminate() bool {
	if p == nil || !p.state.CompareAndSwap(stateRunning, stateTerminating) {
		return false
	}
	if err := unix.Kill(p.pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Printf("[pty] %s SIGTERM pid %d: %v", p.name, p.pid, err)
	}
	return true
}

// Kill terminates the process and, if the pid is still alive after the
// escalation delay, sends SIGKILL. Safe on nil, exited, or already killed
// processes.
func (p *Process) Kill() bool {
	if !p.Terminate() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return true
	default:
	}
	p.escalate = schedule.After(p.clock, p.escalation, p.forceKill)
	return true
}

func (p *Process) forceKill() {
	select {
	case <-p.done:
		return
	default:
	}
	if !pidAlive(p.pid) {
		return
	}
	log.Printf("[pty] %s pid %d still alive after %s, sending SIGKILL", p.name, p.pid, p.escalation)
	if err := unix.Kill(p.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Printf("[pty] %s SIGKILL pid %d: %v", p.name, p.pid, err)
	}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
