package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"nnbackend/internal/backend"
	"nnbackend/internal/engine/enginetest"
	"nnbackend/internal/httpapi"
)

// createTempModelsDir creates a temporary directory populated with small .gguf
// files and returns the directory path and the list of model IDs (filenames).
func createTempModelsDir(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte("gguf"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir, names
}

// newServer serves a backend built from raw config over eng.
func newServer(t *testing.T, modelsDir, raw string, eng *enginetest.Scripted) (*httptest.Server, *backend.Backend) {
	t.Helper()
	b, err := backend.InitBackendWithConfig([]byte(raw), backend.Options{Engine: eng, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("init backend: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(httpapi.NewBackendService(b, modelsDir)))
	t.Cleanup(func() {
		srv.Close()
		_ = b.Deinit(context.Background())
	})
	return srv, b
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil { t.Fatalf("new req: %v", err) }
	resp, err := http.DefaultClient.Do(req)
	if err != nil { t.Fatalf("do req: %v", err) }
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil { t.Fatalf("new req: %v", err) }
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil { t.Fatalf("do req: %v", err) }
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpDelete(t *testing.T, url string) int {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete, url, nil)
	if err != nil { t.Fatalf("new req: %v", err) }
	resp, err := http.DefaultClient.Do(req)
	if err != nil { t.Fatalf("do req: %v", err) }
	_ = resp.Body.Close()
	return resp.StatusCode
}

// mustJSON decodes body into T or fails the test.
func mustJSON[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("json: %v body=%s", err, string(body))
	}
	return v
}
