package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return ev
}

func TestWebSocketPingPong(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Handler)
	defer srv.Close()

	conn, _, err := dialWS(t, srv, app.token(t, "user-1", "linker"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if ev := readEvent(t, conn); ev["type"] != "ready" {
		t.Fatalf("expected ready, got %v", ev)
	}
	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if ev := readEvent(t, conn); ev["type"] != "pong" {
		t.Fatalf("expected pong, got %v", ev)
	}
}

func TestWebSocketReceivesLinkStatus(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Handler)
	defer srv.Close()

	tok := app.token(t, "user-1", "linker")
	conn, _, err := dialWS(t, srv, tok)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	readEvent(t, conn)

	w := app.do(t, http.MethodPost, "/v1/link/start", tok, nil)
	expectStatus(t, w, http.StatusOK)

	ev := readEvent(t, conn)
	if ev["type"] != "link-status" {
		t.Fatalf("expected link-status, got %v", ev)
	}
	data, _ := ev["data"].(map[string]any)
	if data["status"] != "token_issued" {
		t.Fatalf("expected token_issued, got %v", data)
	}
}

func TestWebSocketRejectsBadTokenAndRole(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Handler)
	defer srv.Close()

	_, resp, err := dialWS(t, srv, "garbage")
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v (%v)", resp, err)
	}

	_, resp, err = dialWS(t, srv, app.token(t, "user-1", "viewer"))
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v (%v)", resp, err)
	}
}
