// Package tmux implements the session Runtime on top of the tmux CLI.
//
// Backing sessions are created and owned elsewhere; this package only
// checks for them, lists them, builds the attach command a PTY runs, and
// reads scrollback. An alternate socket path selects a non-default tmux
// server with -S.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SessionInfo describes a backing tmux session.
type SessionInfo struct {
	Name     string    `json:"name"`
	Windows  int       `json:"windows"`
	Attached int       `json:"attached"`
	Activity time.Time `json:"activity"`
}

// Runtime runs tmux commands against a default server, optionally
// overridden per call by an alternate socket path.
type Runtime struct {
	binary string
	socket string
}

// New returns a Runtime using the given tmux binary and default socket.
// An empty binary means "tmux"; an empty socket means tmux's default server.
func New(binary, socket string) *Runtime {
	if binary == "" {
		binary = "tmux"
	}
	return &Runtime{binary: binary, socket: socket}
}

func (r *Runtime) args(altSocket string, args ...string) []string {
	socket := r.socket
	if altSocket != "" {
		socket = altSocket
	}
	if socket == "" {
		return args
	}
	return append([]string{"-S", socket}, args...)
}

func (r *Runtime) command(ctx context.Context, altSocket string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, r.binary, r.args(altSocket, args...)...)
}

// SessionExists reports whether a backing session with this name exists.
func (r *Runtime) SessionExists(ctx context.Context, name, altSocket string) (bool, error) {
	cmd := r.command(ctx, altSocket, "has-session", "-t", exactTarget(name))
	if err := cmd.Run(); err != nil {
		// Exit code 1 means session doesn't exist (or no server running)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("tmux has-session %q: %w", name, err)
	}
	return true, nil
}

// ListSessions returns every session on the default server. A server that
// is not running yields an empty list.
func (r *Runtime) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	cmd := r.command(ctx, "", "list-sessions", "-F", "#{session_name}\t#{session_windows}\t#{session_attached}\t#{session_activity}")
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	return parseSessionList(string(output)), nil
}

func parseSessionList(output string) []SessionInfo {
	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != 4 {
			continue
		}
		info := SessionInfo{Name: parts[0]}
		info.Windows, _ = strconv.Atoi(parts[1])
		info.Attached, _ = strconv.Atoi(parts[2])
		if secs, err := strconv.ParseInt(parts[3], 10, 64); err == nil {
			info.Activity = time.Unix(secs, 0)
		}
		sessions = append(sessions, info)
	}
	return sessions
}

// AttachCommand builds the command a PTY runs to attach to a session. The
// command is not started.
func (r *Runtime) AttachCommand(name, altSocket string) *exec.Cmd {
	return exec.Command(r.binary, r.args(altSocket, "attach-session", "-t", exactTarget(name))...)
}

// CapturePane returns up to maxLines of scrollback (with escape sequences)
// from the session's active pane.
func (r *Runtime) CapturePane(ctx context.Context, name, altSocket string, maxLines int) ([]byte, error) {
	args := []string{"capture-pane", "-p", "-e", "-J", "-t", exactTarget(name) + ":"}
	if maxLines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", maxLines))
	}
	output, err := r.command(ctx, altSocket, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("tmux capture-pane %q: %w", name, err)
	}
	return output, nil
}

// Resize sets the session's window size.
func (r *Runtime) Resize(ctx context.Context, name, altSocket string, cols, rows uint16) error {
	cmd := r.command(ctx, altSocket, "resize-window", "-t", exactTarget(name)+":", "-x", strconv.Itoa(int(cols)), "-y", strconv.Itoa(int(rows)))
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux resize-window %q: %w (%s)", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// exactTarget prevents tmux from prefix-matching a different session.
func exactTarget(name string) string {
	return "=" + name
}
