// Package tmux shells out to the tmux binary: listing sessions and clients
// for the monitor, and building attach commands for sessions that join an
// existing tmux target instead of spawning a fresh shell.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Field separator for list-command formats. Tab cannot appear in tmux
// session names (tmux rejects it), so names round-trip safely.
const fieldSep = "\t"

// Session is one row of `tmux list-sessions` at a poll instant.
type Session struct {
	Name     string `json:"name"`
	Windows  int    `json:"windows"`
	Attached int    `json:"attached"`
}

// Client is one row of `tmux list-clients`: a terminal attached to a session.
type Client struct {
	TTY     string `json:"tty"`
	Session string `json:"session"`
}

// Detector runs tmux listing commands with a bounded timeout so a hung
// server cannot stall callers.
type Detector struct {
	bin     string
	timeout time.Duration
}

func NewDetector(timeout time.Duration) *Detector {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Detector{bin: "tmux", timeout: timeout}
}

// IsAvailable reports whether the tmux binary exists and responds. Used to
// tell "not installed" apart from a transient listing failure.
func (d *Detector) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(d.bin); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return exec.CommandContext(ctx, d.bin, "-V").Run() == nil
}

// ListSessions returns the current tmux sessions. A missing server (tmux
// exits 1 with no sessions) is an empty list, not an error.
func (d *Detector) ListSessions(ctx context.Context) ([]Session, error) {
	out, err := d.run(ctx, "list-sessions", "-F",
		"#{session_name}"+fieldSep+"#{session_windows}"+fieldSep+"#{session_attached}")
	if err != nil {
		if isNoServer(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	return parseSessions(string(out)), nil
}

// parseSessions parses tab-separated list-sessions output. Malformed lines
// are skipped, never fatal to the whole listing.
func parseSessions(out string) []Session {
	var sessions []Session
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, " \r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, fieldSep)
		if len(fields) != 3 {
			continue
		}
		windows, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			continue
		}
		attached, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil {
			continue
		}
		sessions = append(sessions, Session{
			Name:     fields[0],
			Windows:  windows,
			Attached: attached,
		})
	}
	return sessions
}

// ListClients returns the terminals currently attached to any tmux session.
func (d *Detector) ListClients(ctx context.Context) ([]Client, error) {
	out, err := d.run(ctx, "list-clients", "-F",
		"#{client_tty}"+fieldSep+"#{client_session}")
	if err != nil {
		if isNoServer(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-clients: %w", err)
	}
	return parseClients(string(out)), nil
}

func parseClients(out string) []Client {
	var clients []Client
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, " \r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, fieldSep)
		if len(fields) != 2 {
			continue
		}
		clients = append(clients, Client{TTY: fields[0], Session: fields[1]})
	}
	return clients
}

func (d *Detector) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return exec.CommandContext(ctx, d.bin, args...).Output()
}

// isNoServer reports whether err is tmux's "no server running" exit.
func isNoServer(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	return ok && exitErr.ExitCode() == 1
}

// Target identifies a tmux session (and optionally one window) a webmux
// session attaches to instead of spawning its own shell.
type Target struct {
	Name        string `json:"name"`
	WindowIndex int    `json:"windowIndex"`
}

// String renders the tmux -t argument for the target.
func (t Target) String() string {
	if t.WindowIndex > 0 {
		return fmt.Sprintf("%s:%d", t.Name, t.WindowIndex)
	}
	return t.Name
}

// AttachCommand returns an exec.Cmd that attaches to the target. Run under a
// pty by the session manager.
func AttachCommand(t Target) *exec.Cmd {
	return exec.Command("tmux", "attach-session", "-t", t.String())
}

// HasSession returns true if the named tmux session exists.
func HasSession(name string) bool {
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

// ResizeWindow resizes the target's window to match the client terminal.
func ResizeWindow(t Target, cols, rows uint16) error {
	return exec.Command("tmux", "resize-window", "-t", t.String(),
		"-x", strconv.Itoa(int(cols)), "-y", strconv.Itoa(int(rows))).Run()
}
