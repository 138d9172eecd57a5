package session

import (
	"log/slog"
	"os"

	"github.com/creack/pty/v2"

	"github.com/loppo-llc/webmux/internal/tmux"
)

// Resize applies new terminal dimensions to the pty, and for attached
// sessions also to the tmux window, before any subsequent output is shaped
// by them.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	ptmx := s.pty
	target := s.Target
	prevCols := s.lastCols
	prevRows := s.lastRows
	s.mu.Unlock()

	if ptmx == nil {
		return os.ErrClosed
	}

	if err := pty.Setsize(ptmx, &pty.Winsize{
		Cols: cols,
		Rows: rows,
	}); err != nil {
		return err
	}

	// Skip the tmux call when dimensions haven't changed; browsers fire
	// frequent resize events from keyboard/rotation/address-bar changes.
	if target != nil && (cols != prevCols || rows != prevRows) {
		if err := tmux.ResizeWindow(*target, cols, rows); err != nil {
			// Leave the dedup state alone so the resize is retried.
			slog.Debug("tmux resize failed", "target", target.String(), "err", err)
			return nil
		}
	}

	s.mu.Lock()
	s.lastCols = cols
	s.lastRows = rows
	s.mu.Unlock()

	return nil
}
