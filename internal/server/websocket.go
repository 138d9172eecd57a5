package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/loppo-llc/webmux/internal/session"
	"github.com/loppo-llc/webmux/internal/tmux"
)

// WebSocket message types. Client messages carry a type plus fields; server
// messages that concern a session carry its id so one connection can drive
// many terminals.
type WSMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

type WSCreateMsg struct {
	Type        string `json:"type"`
	WorkDir     string `json:"workDir,omitempty"`
	TmuxSession string `json:"tmuxSession,omitempty"`
	WindowIndex int    `json:"windowIndex,omitempty"`
	Cols        int    `json:"cols,omitempty"`
	Rows        int    `json:"rows,omitempty"`
}

type WSInputMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64
}

type WSResizeMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type WSSessionCreatedMsg struct {
	Type    string       `json:"type"`
	Session session.Info `json:"session"`
}

type WSOutputMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64
}

type WSErrorMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

type WSExitMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
	Live      bool   `json:"live"`
}

type WSTmuxStatusMsg struct {
	Type      string        `json:"type"`
	Available bool          `json:"available"`
	Attached  []tmux.Client `json:"attached,omitempty"`
	Detached  []tmux.Client `json:"detached,omitempty"`
}

type WSTmuxSessionsMsg struct {
	Type     string         `json:"type"`
	Sessions []tmux.Session `json:"sessions"`
}

type WSCwdUpdateMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
}

// cwdPollInterval is deliberately slow; resolving a cwd shells out on some
// platforms.
const cwdPollInterval = 5 * time.Second

// ConnectionRouter owns one websocket and routes its messages to and from
// any number of sessions. Each attached session gets a forwarder goroutine;
// outbound writes are serialized so interleaved forwarders cannot corrupt
// the stream. Per-session output order is the order the pty produced it.
type ConnectionRouter struct {
	id     string
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	forwarders map[string]*forwarder
}

// forwarder is one session attachment on a connection.
type forwarder struct {
	sess   *session.Session
	ch     chan []byte
	cancel context.CancelFunc
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(256 * 1024)

	router := &ConnectionRouter{
		id:         uuid.NewString(),
		server:     s,
		conn:       conn,
		forwarders: make(map[string]*forwarder),
	}
	router.logger = s.logger.With("conn", router.id[:8])

	ctx, cancel := context.WithCancel(r.Context())

	// Exactly one cleanup path: whatever ends the read loop ends up here,
	// detaching every session without closing any of them.
	defer func() {
		cancel()
		router.detachAll()
		s.dropRouter(router.id)
		conn.CloseNow()
		router.logger.Info("websocket disconnected")
	}()

	s.addRouter(router)
	router.logger.Info("websocket connected")

	// Initial multiplexer state so the client can render immediately.
	if s.monitor != nil {
		router.send(ctx, WSTmuxStatusMsg{Type: "tmux_status", Available: s.monitor.Available()})
		router.send(ctx, WSTmuxSessionsMsg{Type: "tmux_sessions", Sessions: s.monitor.GetLastSnapshot()})
	}

	go router.pingLoop(ctx, cancel)

	router.readLoop(ctx)
}

func (r *ConnectionRouter) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := r.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				r.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (r *ConnectionRouter) readLoop(ctx context.Context) {
	for {
		_, data, err := r.conn.Read(ctx)
		if err != nil {
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.sendError(ctx, "", "invalid message")
			continue
		}

		switch msg.Type {
		case "create":
			r.handleCreate(ctx, data)

		case "input":
			var input WSInputMsg
			if err := json.Unmarshal(data, &input); err != nil {
				r.sendError(ctx, "", "invalid input message")
				continue
			}
			sess, ok := r.server.sessions.Get(input.SessionID)
			if !ok {
				r.sendError(ctx, input.SessionID, "session not found: "+input.SessionID)
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(input.Data)
			if err != nil {
				r.sendError(ctx, input.SessionID, "input is not valid base64")
				continue
			}
			if _, err := sess.Write(decoded); err != nil {
				r.logger.Debug("pty write error", "session", input.SessionID, "err", err)
			}

		case "resize":
			var resize WSResizeMsg
			if err := json.Unmarshal(data, &resize); err != nil {
				r.sendError(ctx, "", "invalid resize message")
				continue
			}
			sess, ok := r.server.sessions.Get(resize.SessionID)
			if !ok {
				r.sendError(ctx, resize.SessionID, "session not found: "+resize.SessionID)
				continue
			}
			if resize.Cols <= 0 || resize.Rows <= 0 {
				r.sendError(ctx, resize.SessionID, "resize dimensions must be positive")
				continue
			}
			if err := sess.Resize(uint16(resize.Cols), uint16(resize.Rows)); err != nil {
				r.logger.Debug("pty resize error", "session", resize.SessionID, "err", err)
			}

		case "close":
			if err := r.server.sessions.Close(msg.SessionID); err != nil {
				r.sendError(ctx, msg.SessionID, err.Error())
			}
			// The forwarder observes Done, emits the exit message, and
			// detaches itself.

		case "detach":
			if !r.detach(msg.SessionID) {
				r.sendError(ctx, msg.SessionID, "not attached to session: "+msg.SessionID)
			}

		case "list_tmux_sessions":
			// Answered from the monitor's cached snapshot; a live poll here
			// could block the read loop on a hung tmux server.
			var sessions []tmux.Session
			if r.server.monitor != nil {
				sessions = r.server.monitor.GetLastSnapshot()
			}
			if sessions == nil {
				sessions = []tmux.Session{}
			}
			r.send(ctx, WSTmuxSessionsMsg{Type: "tmux_sessions", Sessions: sessions})

		default:
			r.sendError(ctx, "", "unknown message type: "+msg.Type)
		}
	}
}

func (r *ConnectionRouter) handleCreate(ctx context.Context, data []byte) {
	var req WSCreateMsg
	if err := json.Unmarshal(data, &req); err != nil {
		r.sendError(ctx, "", "invalid create message")
		return
	}
	if req.Cols < 0 || req.Rows < 0 {
		r.sendError(ctx, "", "terminal dimensions must be non-negative")
		return
	}

	opts := session.CreateOptions{
		WorkDir: req.WorkDir,
		Cols:    uint16(req.Cols),
		Rows:    uint16(req.Rows),
	}
	if req.TmuxSession != "" {
		opts.Target = &tmux.Target{Name: req.TmuxSession, WindowIndex: req.WindowIndex}
	}

	sess, err := r.server.sessions.Create(opts)
	if err != nil {
		r.sendError(ctx, "", err.Error())
		return
	}

	r.attach(ctx, sess)
	r.send(ctx, WSSessionCreatedMsg{Type: "session_created", Session: sess.Info()})
}

// attach subscribes to the session and starts its forwarder. Scrollback is
// replayed before any live output so the client paints in order.
func (r *ConnectionRouter) attach(ctx context.Context, sess *session.Session) {
	ch, scrollback := sess.Subscribe()

	fwdCtx, cancel := context.WithCancel(ctx)
	f := &forwarder{sess: sess, ch: ch, cancel: cancel}

	r.mu.Lock()
	if prev, ok := r.forwarders[sess.ID]; ok {
		prev.cancel()
		prev.sess.Unsubscribe(prev.ch)
	}
	r.forwarders[sess.ID] = f
	r.mu.Unlock()

	if len(scrollback) > 0 {
		r.send(ctx, WSOutputMsg{
			Type:      "output",
			SessionID: sess.ID,
			Data:      base64.StdEncoding.EncodeToString(scrollback),
		})
	}

	go r.forwardLoop(fwdCtx, f)
}

// forwardLoop pumps one session's output, exit, and cwd changes to the
// connection until the session ends or the attachment is cancelled.
func (r *ConnectionRouter) forwardLoop(ctx context.Context, f *forwarder) {
	sess := f.sess

	cwdTicker := time.NewTicker(cwdPollInterval)
	defer cwdTicker.Stop()
	lastCwd := sess.Cwd()

	for {
		select {
		case <-ctx.Done():
			return

		case data, ok := <-f.ch:
			if !ok {
				return
			}
			r.send(ctx, WSOutputMsg{
				Type:      "output",
				SessionID: sess.ID,
				Data:      base64.StdEncoding.EncodeToString(data),
			})

		case <-cwdTicker.C:
			if cwd := sess.Cwd(); cwd != "" && cwd != lastCwd {
				lastCwd = cwd
				r.send(ctx, WSCwdUpdateMsg{Type: "cwd_update", SessionID: sess.ID, Cwd: cwd})
			}

		case <-sess.Done():
			// Drain whatever output was already queued before reporting
			// the exit, preserving per-session order.
		drain:
			for {
				select {
				case data, ok := <-f.ch:
					if !ok {
						break drain
					}
					r.send(ctx, WSOutputMsg{
						Type:      "output",
						SessionID: sess.ID,
						Data:      base64.StdEncoding.EncodeToString(data),
					})
				default:
					break drain
				}
			}
			exitCode := 0
			if code := sess.ExitCode(); code != nil {
				exitCode = *code
			}
			r.send(ctx, WSExitMsg{
				Type:      "exit",
				SessionID: sess.ID,
				ExitCode:  exitCode,
				Live:      true,
			})
			r.detach(sess.ID)
			return
		}
	}
}

// detach stops forwarding a session's output to this connection. The session
// itself keeps running.
func (r *ConnectionRouter) detach(id string) bool {
	r.mu.Lock()
	f, ok := r.forwarders[id]
	if ok {
		delete(r.forwarders, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	f.cancel()
	f.sess.Unsubscribe(f.ch)
	return true
}

func (r *ConnectionRouter) detachAll() {
	r.mu.Lock()
	forwarders := r.forwarders
	r.forwarders = make(map[string]*forwarder)
	r.mu.Unlock()
	for _, f := range forwarders {
		f.cancel()
		f.sess.Unsubscribe(f.ch)
	}
}

func (r *ConnectionRouter) sendError(ctx context.Context, sessionID, message string) {
	r.send(ctx, WSErrorMsg{Type: "error", SessionID: sessionID, Message: message})
}

// send marshals and writes one message. Serialized across all forwarders
// and the read loop.
func (r *ConnectionRouter) send(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		r.logger.Debug("websocket write failed", "err", err)
	}
}
