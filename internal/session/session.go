package session

import (
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loppo-llc/webmux/internal/tmux"
)

// State is the session lifecycle: Running -> Closing -> Closed. Closing is
// entered the instant any close trigger fires; Closed only after teardown
// completed. There is no way back and no skipping Closing.
type State int32

const (
	StateRunning State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const killGrace = 5 * time.Second

// Session wraps one shell process under a pty, either spawned directly or
// attached to a tmux target. It exclusively owns the process handle and pty;
// the registry and connections only hold references.
type Session struct {
	ID        string
	ShellType string
	WorkDir   string
	CreatedAt time.Time
	Target    *tmux.Target // nil when spawned rather than attached

	state atomic.Int32

	mu       sync.Mutex // guards pty, cmd, cwd, exitCode, lastCols/lastRows
	pty      *os.File
	cmd      *exec.Cmd
	cwd      string
	exitCode *int
	lastCols uint16
	lastRows uint16

	scrollback *RingBuffer

	subMu       sync.Mutex
	subscribers map[chan []byte]struct{}

	done     chan struct{}
	doneOnce sync.Once

	// onClosed runs after teardown completes; the manager uses it to drop
	// the registry entry and record the exit.
	onClosed func(*Session)
}

// Info is the JSON shape of a session for the admin surface and the
// session_created message.
type Info struct {
	ID        string       `json:"id"`
	ShellType string       `json:"shellType"`
	WorkDir   string       `json:"workDir"`
	Target    *tmux.Target `json:"target,omitempty"`
	State     string       `json:"state"`
	ExitCode  *int         `json:"exitCode,omitempty"`
	CreatedAt string       `json:"createdAt"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:        s.ID,
		ShellType: s.ShellType,
		WorkDir:   s.WorkDir,
		Target:    s.Target,
		State:     s.State().String(),
		ExitCode:  s.exitCode,
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Close drives the session toward Closed. The Running -> Closing transition
// is a compare-and-set: whichever trigger fires first (explicit request,
// detected process exit, I/O failure) wins, and only the winner signals the
// process. Calling Close on a Closing or Closed session is a no-op returning
// nil. Close does not wait for the process to exit; Done unblocks when
// teardown completed.
func (s *Session) Close() error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateClosing)) {
		return nil
	}

	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	// Closing the pty unblocks the output pump and sends SIGHUP to the
	// foreground process group.
	s.closePTY()

	if cmd == nil || cmd.Process == nil {
		// No process to reap; teardown is already complete.
		s.finalize(nil)
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-s.done:
		case <-time.After(killGrace):
			_ = cmd.Process.Kill()
		}
	}()
	return nil
}

// finalize moves Closing -> Closed after resources are released. Called from
// the wait loop when the session has a process, or from Close when it never
// had one. onClosed runs before the terminal state is stored so the registry
// never lists a Closed session.
func (s *Session) finalize(exitCode *int) {
	s.closePTY()
	s.mu.Lock()
	if exitCode != nil {
		s.exitCode = exitCode
	}
	s.mu.Unlock()
	if s.onClosed != nil {
		s.onClosed(s)
	}
	s.state.Store(int32(StateClosed))
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

func (s *Session) closePTY() {
	s.mu.Lock()
	pty := s.pty
	s.pty = nil
	s.mu.Unlock()
	if pty != nil {
		pty.Close()
	}
}

// Done unblocks once the session reached Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitCode returns the process exit code, or nil while running or when the
// session never had a process of its own.
func (s *Session) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Write sends input bytes to the pty.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.Lock()
	pty := s.pty
	s.mu.Unlock()
	if pty == nil {
		return 0, os.ErrClosed
	}
	return pty.Write(data)
}

// Pid returns the process id of the session's own process, or 0.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Subscribe registers an output channel and returns it together with the
// scrollback accumulated so far, so a newly attached viewer can repaint.
func (s *Session) Subscribe() (chan []byte, []byte) {
	ch := make(chan []byte, 256)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	scrollback := s.scrollback.Bytes()
	s.subMu.Unlock()
	return ch, scrollback
}

func (s *Session) Unsubscribe(ch chan []byte) {
	s.subMu.Lock()
	delete(s.subscribers, ch)
	s.subMu.Unlock()
	close(ch)
}

// record appends one output chunk to the scrollback and fans it out to
// subscribers in a single critical section, so a Subscribe landing between
// the two cannot see the chunk both in its replay and on its channel.
func (s *Session) record(data []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.scrollback.Write(data)
	s.deliver(data)
}

// broadcast delivers one output chunk to every subscriber without touching
// the scrollback.
func (s *Session) broadcast(data []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.deliver(data)
}

// deliver requires subMu held. The single output pump is the only producer,
// so per-subscriber ordering matches the order the process produced the
// bytes.
func (s *Session) deliver(data []byte) {
	for ch := range s.subscribers {
		select {
		case ch <- data:
		default:
			// slow consumer, drop
		}
	}
}
