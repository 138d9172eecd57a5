package session

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/creack/pty/v2"

	"github.com/loppo-llc/webmux/internal/procname"
	"github.com/loppo-llc/webmux/internal/tmux"
)

// Manager constructs sessions and runs their output and wait pumps. All live
// sessions are held in its registry.
type Manager struct {
	registry *Registry
	logger   *slog.Logger
	store    *Store // nil when persistence is disabled

	// OnSessionExit is invoked after a session reached Closed and left the
	// registry.
	OnSessionExit func(*Session)
}

func NewManager(logger *slog.Logger, store *Store) *Manager {
	return &Manager{
		registry: NewRegistry(),
		logger:   logger,
		store:    store,
	}
}

// Registry exposes the session directory for lookups and listing.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// CreateOptions control how a session is constructed. A nil Target spawns
// the user's login shell; a non-nil Target attaches to that tmux session.
type CreateOptions struct {
	WorkDir string
	Target  *tmux.Target
	Cols    uint16
	Rows    uint16
}

// Create allocates an id, starts the process under a pty, registers the
// session, and starts its pumps.
func (m *Manager) Create(opts CreateOptions) (*Session, error) {
	workDir := opts.WorkDir
	if workDir == "" {
		workDir, _ = os.UserHomeDir()
	}
	if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("working directory does not exist: %s", workDir)
	}

	var cmd *exec.Cmd
	if opts.Target != nil {
		if !tmux.HasSession(opts.Target.Name) {
			return nil, fmt.Errorf("tmux session does not exist: %s", opts.Target.Name)
		}
		cmd = tmux.AttachCommand(*opts.Target)
	} else {
		cmd = exec.Command(loginShellPath(), "-l")
	}
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}
	if opts.Cols > 0 && opts.Rows > 0 {
		_ = pty.Setsize(ptmx, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	}

	id := m.registry.Allocate()
	s := &Session{
		ID:          id,
		WorkDir:     workDir,
		CreatedAt:   time.Now(),
		Target:      opts.Target,
		pty:         ptmx,
		cmd:         cmd,
		cwd:         workDir,
		lastCols:    opts.Cols,
		lastRows:    opts.Rows,
		scrollback:  NewRingBuffer(defaultRingSize),
		subscribers: make(map[chan []byte]struct{}),
		done:        make(chan struct{}),
	}
	s.ShellType = detectShellType(cmd.Process.Pid, opts.Target)
	s.onClosed = func(s *Session) {
		m.registry.Remove(s.ID)
		if m.store != nil {
			m.store.RecordClosed(s.ID, s.ExitCode())
		}
		m.logger.Info("session closed", "id", s.ID, "exitCode", s.ExitCode())
		if m.OnSessionExit != nil {
			m.OnSessionExit(s)
		}
	}

	if err := m.registry.Add(id, s); err != nil {
		// Allocate guarantees fresh ids; treat a collision as fatal setup.
		// The pumps never started, so nothing else will reap the process:
		// kill and wait inline instead of going through Close.
		s.state.Store(int32(StateClosed))
		s.closePTY()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		s.doneOnce.Do(func() { close(s.done) })
		return nil, err
	}

	go m.readLoop(s)
	go m.waitLoop(s)

	m.logger.Info("session created",
		"id", id, "shell", s.ShellType, "workDir", workDir, "attached", opts.Target != nil)
	if m.store != nil {
		m.store.RecordCreated(s.Info())
	}
	return s, nil
}

// Get looks up a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	return m.registry.Get(id)
}

// List returns a point-in-time copy of the live sessions.
func (m *Manager) List() []*Session {
	return m.registry.List()
}

// Close ends the identified session. Unknown ids are an error so routed
// messages can report them; closing an already-closing session succeeds.
func (m *Manager) Close(id string) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	return s.Close()
}

// StopAll closes every live session and waits a bounded time for teardown.
// Called on server shutdown.
func (m *Manager) StopAll() {
	sessions := m.registry.List()
	for _, s := range sessions {
		_ = s.Close()
	}
	deadline := time.After(10 * time.Second)
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-deadline:
			return
		}
	}
}

// readLoop pumps pty output into the scrollback and subscribers. A read
// error means the pty is gone: the process exited or the session is closing.
func (m *Manager) readLoop(s *Session) {
	s.mu.Lock()
	ptmx := s.pty
	s.mu.Unlock()
	if ptmx == nil {
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.record(data)
		}
		if err != nil {
			if err != io.EOF {
				m.logger.Debug("pty read ended", "id", s.ID, "err", err)
			}
			return
		}
	}
}

// waitLoop reaps the process. Process exit is one of the close triggers: it
// races the explicit close path through the same compare-and-set, and
// whichever loses becomes a no-op. finalize runs here in both cases because
// only this goroutine may call Wait.
func (m *Manager) waitLoop(s *Session) {
	err := s.cmd.Wait()

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}

	s.state.CompareAndSwap(int32(StateRunning), int32(StateClosing))
	s.finalize(&code)
}

// loginShellPath returns the user's login shell from $SHELL, falling back
// to /bin/sh.
func loginShellPath() string {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return shell
}

var knownShells = map[string]bool{
	"bash": true,
	"zsh":  true,
	"fish": true,
	"sh":   true,
	"dash": true,
	"ksh":  true,
	"tcsh": true,
	"nu":   true,
}

// detectShellType classifies what runs in the session by walking the process
// tree under the pty leader. Attached sessions report the tmux client when
// nothing better is visible; this is best-effort labeling only.
func detectShellType(pid int, target *tmux.Target) string {
	for _, name := range procname.ResolveTree(pid) {
		if knownShells[name] {
			return name
		}
	}
	if target != nil {
		return "tmux"
	}
	return filepath.Base(loginShellPath())
}

// Cwd resolves the session's current working directory from the process,
// caching the last successful answer. Unix-specific lookups are best-effort;
// on failure the cached value stands.
func (s *Session) Cwd() string {
	pid := s.Pid()
	if pid <= 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cwd
	}

	if cwd := resolveCwd(pid); cwd != "" {
		s.mu.Lock()
		s.cwd = cwd
		s.mu.Unlock()
		return cwd
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// resolveCwd reads /proc on Linux and falls back to lsof elsewhere.
func resolveCwd(pid int) string {
	if link, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid)); err == nil {
		return link
	}
	out, err := exec.Command("lsof", "-a", "-d", "cwd", "-p", fmt.Sprint(pid), "-Fn").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "n") {
			return strings.TrimPrefix(line, "n")
		}
	}
	return ""
}
