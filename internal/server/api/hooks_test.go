package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/ayusman/watchpost/internal/plugin"
)

func writeHookManifest(t *testing.T, dir, name string) {
	t.Helper()
	hookDir := filepath.Join(dir, name)
	if err := os.MkdirAll(hookDir, 0755); err != nil {
		t.Fatalf("failed to create hook dir: %v", err)
	}
	manifest := `{"name":"` + name + `","version":"1.0.0","executable":"run","events":["incident"],"labels":["Knife"]}`
	if err := os.WriteFile(filepath.Join(hookDir, "plugin.json"), []byte(manifest), 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
}

func TestHookHandler(t *testing.T) {
	dir := t.TempDir()
	writeHookManifest(t, dir, "webhook")

	manager := plugin.NewManager(dir)
	if err := manager.Discover(); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	handler := NewHookHandler(manager)

	rec := serveThresholds(handler, http.MethodGet, "/api/hooks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var listed listHooksResponse
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(listed.Hooks) != 1 || listed.Hooks[0].Name != "webhook" {
		t.Fatalf("hooks = %+v", listed.Hooks)
	}
	if len(listed.Hooks[0].Labels) != 1 || listed.Hooks[0].Labels[0] != "Knife" {
		t.Errorf("labels = %v", listed.Hooks[0].Labels)
	}

	writeHookManifest(t, dir, "audit")
	rec = serveThresholds(handler, http.MethodPost, "/api/hooks/reload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reload expected status %d, got %d", http.StatusOK, rec.Code)
	}
	listed = listHooksResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(listed.Hooks) != 2 || listed.Hooks[0].Name != "audit" {
		t.Errorf("hooks after reload = %+v", listed.Hooks)
	}

	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{http.MethodPost, "/api/hooks", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/hooks/reload", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/hooks/other", http.StatusNotFound},
	} {
		if rec := serveThresholds(handler, tc.method, tc.path, ""); rec.Code != tc.want {
			t.Errorf("%s %s: expected status %d, got %d", tc.method, tc.path, tc.want, rec.Code)
		}
	}
}
