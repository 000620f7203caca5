package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"linkbridge/internal/auth"
	"linkbridge/internal/config"
	"linkbridge/internal/db"
)

type testApp struct {
	*App
	cfg config.Config
}

func newTestApp(t *testing.T, extra map[string]string) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	vars := map[string]string{
		"MASTER_SECRET":      "secret",
		"MESSAGING_API_ID":   "12345",
		"MESSAGING_API_HASH": "hash",
		"LINK_POLL_WAIT":     "50ms",
		"LINK_ALLOWED_ROLES": "linker",
	}
	for k, v := range extra {
		vars[k] = v
	}
	cfg, err := config.LoadConfigFromEnv(vars)
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}

	gdb, err := db.Open(context.Background(), db.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "link.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })

	app, err := NewApp(cfg, gdb, zap.NewNop())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(app.Close)
	return &testApp{App: app, cfg: cfg}
}

func (a *testApp) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	cfg := auth.DefaultTokenConfig(a.cfg.MasterSecret)
	cfg.Expiry = a.cfg.TokenExpiry
	tok, err := auth.CreateToken(userID, roles, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return tok
}

func (a *testApp) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.Handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return resp
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("expected %d, got %d: %s", code, w.Code, w.Body.String())
	}
}

func loginToken(t *testing.T, qrURL string) string {
	t.Helper()
	_, tok, ok := strings.Cut(qrURL, "token=")
	if !ok || tok == "" {
		t.Fatalf("no token in %q", qrURL)
	}
	return tok
}
