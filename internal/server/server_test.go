package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{Logger: logger, Version: "test"})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s response: %v", url, err)
	}
	return resp.StatusCode
}

func TestInfoEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var resp map[string]any
	if code := getJSON(t, ts.URL+"/api/v1/info", &resp); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	if _, ok := resp["tmuxAvailable"]; !ok {
		t.Error("response missing tmuxAvailable")
	}
}

func TestListSessionsEmpty(t *testing.T) {
	_, ts := newTestServer(t)

	var resp struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/sessions", &resp); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(resp.Sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(resp.Sessions))
	}
}

func TestGetUnknownSession(t *testing.T) {
	_, ts := newTestServer(t)

	var resp map[string]any
	if code := getJSON(t, ts.URL+"/api/v1/sessions/s_404", &resp); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestDeleteUnknownSession(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/s_404", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPushEndpointsUnconfigured(t *testing.T) {
	_, ts := newTestServer(t)

	var resp map[string]any
	if code := getJSON(t, ts.URL+"/api/v1/push/vapid", &resp); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func wsSend(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("websocket write failed: %v", err)
	}
}

func wsRead(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
}

func TestWebSocketUnknownSessionKeepsConnection(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	wsSend(t, conn, WSInputMsg{
		Type:      "input",
		SessionID: "s_404",
		Data:      base64.StdEncoding.EncodeToString([]byte("ls\n")),
	})

	var errMsg WSErrorMsg
	wsRead(t, conn, &errMsg)
	if errMsg.Type != "error" {
		t.Fatalf("type = %q, want error", errMsg.Type)
	}
	if errMsg.SessionID != "s_404" {
		t.Errorf("error not routed to session: sessionId = %q", errMsg.SessionID)
	}

	// The connection survives a routed error: another message still gets a
	// reply.
	wsSend(t, conn, WSResizeMsg{Type: "resize", SessionID: "s_404", Cols: 80, Rows: 24})
	wsRead(t, conn, &errMsg)
	if errMsg.Type != "error" || errMsg.SessionID != "s_404" {
		t.Errorf("second reply = %+v, want routed error", errMsg)
	}
}

func TestWebSocketCreateNegativeDims(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dialWS(t, ts)

	wsSend(t, conn, WSCreateMsg{Type: "create", Cols: -1, Rows: 24})

	var errMsg WSErrorMsg
	wsRead(t, conn, &errMsg)
	if errMsg.Type != "error" {
		t.Fatalf("type = %q, want error", errMsg.Type)
	}
	if got := len(srv.Sessions().List()); got != 0 {
		t.Errorf("rejected create spawned %d sessions", got)
	}

	// The connection survives the rejected create.
	wsSend(t, conn, WSMessage{Type: "list_tmux_sessions"})
	var resp WSTmuxSessionsMsg
	wsRead(t, conn, &resp)
	if resp.Type != "tmux_sessions" {
		t.Fatalf("connection unusable after rejected create: got %q", resp.Type)
	}
}

func TestWebSocketListTmuxSessions(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	wsSend(t, conn, WSMessage{Type: "list_tmux_sessions"})

	var resp WSTmuxSessionsMsg
	wsRead(t, conn, &resp)
	if resp.Type != "tmux_sessions" {
		t.Fatalf("type = %q, want tmux_sessions", resp.Type)
	}
	if resp.Sessions == nil {
		t.Error("sessions should be an empty list, not null")
	}
}

func TestWebSocketUnknownType(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	wsSend(t, conn, WSMessage{Type: "bogus"})

	var errMsg WSErrorMsg
	wsRead(t, conn, &errMsg)
	if errMsg.Type != "error" {
		t.Fatalf("type = %q, want error", errMsg.Type)
	}
	if errMsg.SessionID != "" {
		t.Errorf("connection-level error should carry no session id, got %q", errMsg.SessionID)
	}
}

func TestWebSocketDetachUnattached(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	wsSend(t, conn, WSMessage{Type: "detach", SessionID: "s_1"})

	var errMsg WSErrorMsg
	wsRead(t, conn, &errMsg)
	if errMsg.Type != "error" || errMsg.SessionID != "s_1" {
		t.Errorf("reply = %+v, want routed error for s_1", errMsg)
	}
}

func TestWebSocketInvalidResize(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)
	wsSend(t, conn, WSResizeMsg{Type: "resize", SessionID: "s_1", Cols: 0, Rows: 0})

	var errMsg WSErrorMsg
	wsRead(t, conn, &errMsg)
	if errMsg.Type != "error" {
		t.Fatalf("type = %q, want error", errMsg.Type)
	}
}
