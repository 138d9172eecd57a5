package tmux

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Lister is the slice of Detector the Monitor needs. Tests substitute a fake.
type Lister interface {
	ListSessions(ctx context.Context) ([]Session, error)
	ListClients(ctx context.Context) ([]Client, error)
	IsAvailable(ctx context.Context) bool
}

// defaultFailureThreshold is how many consecutive poll failures flip the
// monitor to unavailable.
const defaultFailureThreshold = 3

// Monitor polls tmux on a fixed interval and invokes callbacks when the
// session or client list changes. The last successfully obtained listing is
// retained across poll failures so a transient hiccup never surfaces as an
// empty session list.
type Monitor struct {
	lister    Lister
	logger    *slog.Logger
	interval  time.Duration
	threshold int

	mu           sync.Mutex
	sessions     []Session // last known good
	haveSessions bool
	clients      []Client
	failures     int
	available    bool

	// Callbacks are invoked from the polling goroutine; they must not block.
	OnSessionsChanged     func([]Session)
	OnClientsChanged      func(attached, detached []Client)
	OnAvailabilityChanged func(bool)
}

func NewMonitor(lister Lister, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		lister:    lister,
		logger:    logger,
		interval:  interval,
		threshold: defaultFailureThreshold,
		available: true,
	}
}

// Run polls until ctx is cancelled. Poll failures are logged and counted,
// never propagated.
func (m *Monitor) Run(ctx context.Context) {
	if !m.lister.IsAvailable(ctx) {
		m.setAvailable(false)
		m.logger.Info("tmux not available, monitoring anyway")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll performs a single tick: list, classify the outcome, diff against the
// cached listing, fire callbacks. Exported so tests can drive the state
// machine without real timers.
func (m *Monitor) Poll(ctx context.Context) {
	sessions, err := m.lister.ListSessions(ctx)
	if err != nil {
		m.recordFailure(err)
		return
	}
	m.recordSuccess(sessions)

	clients, err := m.lister.ListClients(ctx)
	if err != nil {
		// Session listing succeeded, so this is not an availability signal;
		// keep the cached client list and retry next tick.
		m.logger.Debug("tmux client listing failed", "err", err)
		return
	}
	m.updateClients(clients)
}

func (m *Monitor) recordFailure(err error) {
	m.mu.Lock()
	m.failures++
	flipped := m.available && m.failures >= m.threshold
	if flipped {
		m.available = false
	}
	failures := m.failures
	m.mu.Unlock()

	m.logger.Debug("tmux poll failed", "consecutive", failures, "err", err)
	if flipped {
		m.logger.Warn("tmux marked unavailable", "consecutive", failures)
		if m.OnAvailabilityChanged != nil {
			m.OnAvailabilityChanged(false)
		}
	}
}

func (m *Monitor) recordSuccess(sessions []Session) {
	sortSessions(sessions)

	m.mu.Lock()
	restored := !m.available
	m.available = true
	m.failures = 0
	changed := !m.haveSessions || !sessionsEqual(m.sessions, sessions)
	if changed {
		m.sessions = sessions
		m.haveSessions = true
	}
	m.mu.Unlock()

	if restored {
		m.logger.Info("tmux available again")
		if m.OnAvailabilityChanged != nil {
			m.OnAvailabilityChanged(true)
		}
	}
	if changed && m.OnSessionsChanged != nil {
		m.OnSessionsChanged(copySessions(sessions))
	}
}

func (m *Monitor) updateClients(clients []Client) {
	sortClients(clients)

	m.mu.Lock()
	attached, detached := diffClients(m.clients, clients)
	if len(attached) > 0 || len(detached) > 0 {
		m.clients = clients
	}
	m.mu.Unlock()

	if (len(attached) > 0 || len(detached) > 0) && m.OnClientsChanged != nil {
		m.OnClientsChanged(attached, detached)
	}
}

// GetLastSnapshot returns a copy of the last successfully obtained session
// list. Never blocks on a live poll.
func (m *Monitor) GetLastSnapshot() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySessions(m.sessions)
}

// Available reports whether tmux responded within the failure threshold.
func (m *Monitor) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Failures returns the current consecutive-failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) setAvailable(v bool) {
	m.mu.Lock()
	m.available = v
	m.mu.Unlock()
}

func sortSessions(s []Session) {
	sort.Slice(s, func(i, j int) bool { return s[i].Name < s[j].Name })
}

func sortClients(c []Client) {
	sort.Slice(c, func(i, j int) bool { return c[i].TTY < c[j].TTY })
}

func sessionsEqual(a, b []Session) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func copySessions(s []Session) []Session {
	out := make([]Session, len(s))
	copy(out, s)
	return out
}

// diffClients compares two tty-sorted client lists. A client whose tty moved
// to a different session shows up in both deltas.
func diffClients(prev, next []Client) (attached, detached []Client) {
	prevSet := make(map[Client]struct{}, len(prev))
	for _, c := range prev {
		prevSet[c] = struct{}{}
	}
	nextSet := make(map[Client]struct{}, len(next))
	for _, c := range next {
		nextSet[c] = struct{}{}
	}
	for _, c := range next {
		if _, ok := prevSet[c]; !ok {
			attached = append(attached, c)
		}
	}
	for _, c := range prev {
		if _, ok := nextSet[c]; !ok {
			detached = append(detached, c)
		}
	}
	return attached, detached
}
