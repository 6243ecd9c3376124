package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cove-ide/cove/internal/api"
	"github.com/cove-ide/cove/internal/db"
	"github.com/cove-ide/cove/internal/models"
	"github.com/cove-ide/cove/internal/term"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	database, err := db.OpenPath(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migration, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_initial.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if err := db.Migrate(database, string(migration)); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	shells := []models.ShellStatus{{Name: "bash", Installed: true, Path: "/bin/bash"}}
	spa := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ui"))
	})
	configPath := filepath.Join(t.TempDir(), "config.json")
	return New(database, shells, true, api.SessionDefaults{}, configPath, spa, term.NewRegistry())
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp models.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || !resp.Git || len(resp.Shells) != 1 {
		t.Errorf("unexpected health payload %+v", resp)
	}
}

func TestSPAFallback(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/some/client/route", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "ui" {
		t.Errorf("expected SPA fallback, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestUnknownSessionRoutes(t *testing.T) {
	srv := newTestServer(t)

	for _, target := range []string{
		"/api/sessions/ghost/scm",
		"/ws/session/ghost",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", target, rec.Code)
		}
	}
}
