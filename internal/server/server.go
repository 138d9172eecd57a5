package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/loppo-llc/webmux/internal/notify"
	"github.com/loppo-llc/webmux/internal/session"
	"github.com/loppo-llc/webmux/internal/tmux"
)

type Server struct {
	sessions *session.Manager
	detector *tmux.Detector
	monitor  *tmux.Monitor
	notify   *notify.Manager
	store    *session.Store
	logger   *slog.Logger
	httpSrv  *http.Server
	version  string

	routersMu sync.Mutex
	routers   map[string]*ConnectionRouter
}

type Config struct {
	Addr          string
	Logger        *slog.Logger
	Version       string
	NotifyManager *notify.Manager
	Store         *session.Store
	Detector      *tmux.Detector
	Monitor       *tmux.Monitor
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		sessions: session.NewManager(logger, cfg.Store),
		detector: cfg.Detector,
		monitor:  cfg.Monitor,
		notify:   cfg.NotifyManager,
		store:    cfg.Store,
		logger:   logger,
		version:  cfg.Version,
		routers:  make(map[string]*ConnectionRouter),
	}
	if s.detector == nil {
		s.detector = tmux.NewDetector(0)
	}

	// Push a notification when a session exits; connected clients learn the
	// same thing through their exit message.
	if s.notify != nil {
		s.sessions.OnSessionExit = func(sess *session.Session) {
			s.notify.NotifySessionExit(sess.ID, sess.ShellType, sess.ExitCode())
		}
	}

	if s.monitor != nil {
		s.monitor.OnSessionsChanged = func(sessions []tmux.Session) {
			s.broadcast(WSTmuxSessionsMsg{Type: "tmux_sessions", Sessions: sessions})
		}
		s.monitor.OnAvailabilityChanged = func(available bool) {
			s.logger.Warn("tmux availability changed", "available", available)
			s.broadcast(WSTmuxStatusMsg{Type: "tmux_status", Available: available})
			if !available && s.notify != nil {
				s.notify.NotifyMultiplexerUnavailable()
			}
		}
		s.monitor.OnClientsChanged = func(attached, detached []tmux.Client) {
			s.logger.Debug("tmux clients changed",
				"attached", len(attached), "detached", len(detached))
			s.broadcast(WSTmuxStatusMsg{
				Type:      "tmux_status",
				Available: s.monitor.Available(),
				Attached:  attached,
				Detached:  detached,
			})
		}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/info", s.handleInfo)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("GET /api/v1/tmux/sessions", s.handleTmuxSessions)
	mux.HandleFunc("GET /api/v1/tmux/clients", s.handleTmuxClients)

	mux.HandleFunc("GET /api/v1/push/vapid", s.handleVAPIDKey)
	mux.HandleFunc("POST /api/v1/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("POST /api/v1/push/unsubscribe", s.handlePushUnsubscribe)

	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s
}

// Sessions exposes the session manager, mainly to seed sessions in tests.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) ServeTLS(ln net.Listener, certFile, keyFile string) error {
	s.logger.Info("server started (TLS)", "addr", ln.Addr().String())
	return s.httpSrv.ServeTLS(ln, certFile, keyFile)
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) {
	s.httpSrv.TLSConfig = tlsCfg
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	s.sessions.StopAll()
	return s.httpSrv.Shutdown(ctx)
}

// --- Router registry ---

func (s *Server) addRouter(r *ConnectionRouter) {
	s.routersMu.Lock()
	s.routers[r.id] = r
	s.routersMu.Unlock()
}

func (s *Server) dropRouter(id string) {
	s.routersMu.Lock()
	delete(s.routers, id)
	s.routersMu.Unlock()
}

// broadcast fans a message out to every live connection.
func (s *Server) broadcast(v any) {
	s.routersMu.Lock()
	routers := make([]*ConnectionRouter, 0, len(s.routers))
	for _, r := range s.routers {
		routers = append(routers, r)
	}
	s.routersMu.Unlock()

	for _, r := range routers {
		r.send(context.Background(), v)
	}
}

// --- API Handlers ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	homeDir, _ := os.UserHomeDir()

	tmuxAvailable := false
	if s.monitor != nil {
		tmuxAvailable = s.monitor.Available()
	} else {
		tmuxAvailable = s.detector.IsAvailable(r.Context())
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"version":       s.version,
		"hostname":      hostname,
		"homeDir":       homeDir,
		"tmuxAvailable": tmuxAvailable,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	infos := make([]session.Info, len(list))
	for i, sess := range list {
		infos[i] = sess.Info()
	}

	resp := map[string]any{"sessions": infos}
	if s.store != nil && r.URL.Query().Get("recent") == "true" {
		recent, err := s.store.Recent(r.Context(), 50)
		if err != nil {
			s.logger.Warn("failed to load recent sessions", "err", err)
		} else {
			if recent == nil {
				recent = []session.Info{}
			}
			resp["recent"] = recent
		}
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+id)
		return
	}
	writeJSONResponse(w, http.StatusOK, sess.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Close(id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		} else {
			writeError(w, http.StatusConflict, "conflict", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- tmux Handlers ---

func (s *Server) handleTmuxSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.detector.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "tmux_error", err.Error())
		return
	}
	if sessions == nil {
		sessions = []tmux.Session{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleTmuxClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.detector.ListClients(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "tmux_error", err.Error())
		return
	}
	if clients == nil {
		clients = []tmux.Client{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"clients": clients})
}

// --- Web Push Handlers ---

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"publicKey": s.notify.VAPIDPublicKey(),
	})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	s.notify.Subscribe(&sub)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}
	s.notify.Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Helpers ---

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
