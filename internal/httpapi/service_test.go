package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"nnbackend/internal/backend"
	"nnbackend/internal/engine/enginetest"
	"nnbackend/pkg/types"
)

func newBackendMux(t *testing.T, raw string) (http.Handler, *backend.Backend, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tiny.gguf"), []byte("gguf"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := backend.InitBackendWithConfig([]byte(raw), backend.Options{
		Engine:       &enginetest.Scripted{},
		Logger:       zerolog.Nop(),
		ReapInterval: -1,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = b.Deinit(context.Background()) })
	return NewMux(NewBackendService(b, dir)), b, dir
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("json %q: %v", body, err)
	}
	return v
}

func TestBackendService_Flow(t *testing.T) {
	h, _, _ := newBackendMux(t, `{"max_concurrent":2}`)

	w := postJSON(h, "/graphs", `{"model":"tiny","config":{"stopping":{"stop":["world"]}}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("load status=%d body=%s", w.Code, w.Body.String())
	}
	g := decode[types.GraphResponse](t, w.Body.String())
	if g.ID == 0 || g.Name != "tiny.gguf" || !strings.HasPrefix(g.Version, "size_4_mtime_") {
		t.Fatalf("unexpected graph: %+v", g)
	}

	w = postJSON(h, "/contexts", `{}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("open status=%d body=%s", w.Code, w.Body.String())
	}
	c := decode[types.ContextResponse](t, w.Body.String())
	if c.Graph != g.ID || c.SessionID == "" {
		t.Fatalf("unexpected context: %+v", c)
	}

	path := "/contexts/" + itoa(int(c.ID)) + "/infer"
	w = postJSON(h, path, `{"prompt":"hello big world again","stream":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("infer status=%d body=%s", w.Code, w.Body.String())
	}
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(w.Body.String()))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) < 2 {
		t.Fatalf("expected token lines and a final line, got %q", lines)
	}
	final := decode[types.InferResult](t, lines[len(lines)-1])
	if !final.Done || final.StopReason != "stop_string" || final.Content != "hello big " {
		t.Fatalf("unexpected final line: %+v", final)
	}
	var streamed strings.Builder
	for _, l := range lines[:len(lines)-1] {
		streamed.WriteString(decode[types.InferChunk](t, l).Content)
	}
	if streamed.String() != final.Content {
		t.Fatalf("streamed %q, final %q", streamed.String(), final.Content)
	}

	// Per-run config applies to one call only.
	w = postJSON(h, path, `{"prompt":"a b c d","config":{"stopping":{"max_tokens":2}}}`)
	if final = decode[types.InferResult](t, w.Body.String()); final.StopReason != "max_tokens" || final.Tokens != 2 {
		t.Fatalf("unexpected result: %+v", final)
	}

	req := httptest.NewRequest(http.MethodDelete, "/contexts/"+itoa(int(c.ID)), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("close status=%d", rec.Code)
	}
	if w = postJSON(h, path, `{"prompt":"x"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("infer on closed context: expected 400, got %d", w.Code)
	}
}

func TestBackendService_NoActiveGraph(t *testing.T) {
	h, _, _ := newBackendMux(t, `{}`)
	if w := postJSON(h, "/contexts", `{}`); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestBackendService_ConcurrencyLimit429(t *testing.T) {
	h, _, _ := newBackendMux(t, `{"max_concurrent":1}`)
	if w := postJSON(h, "/graphs", `{"model":"tiny.gguf"}`); w.Code != http.StatusCreated {
		t.Fatalf("load status=%d", w.Code)
	}
	if w := postJSON(h, "/contexts", `{}`); w.Code != http.StatusCreated {
		t.Fatalf("open status=%d", w.Code)
	}
	w := postJSON(h, "/contexts", `{}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestBackendService_BadPriority(t *testing.T) {
	h, _, _ := newBackendMux(t, `{}`)
	postJSON(h, "/graphs", `{"model":"tiny.gguf"}`)
	if w := postJSON(h, "/contexts", `{"priority":"whenever"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestBackendService_LoadErrors(t *testing.T) {
	h, _, _ := newBackendMux(t, `{}`)
	if w := postJSON(h, "/graphs", `{"model":"missing.gguf"}`); w.Code != http.StatusBadRequest && w.Code != http.StatusNotFound {
		t.Fatalf("missing model: got %d", w.Code)
	}
	if w := postJSON(h, "/graphs", `{"model":"tiny.gguf","config":{"max_concurrent":0}}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad config: got %d", w.Code)
	}
}

func TestBackendService_SwapAndModels(t *testing.T) {
	h, b, dir := newBackendMux(t, `{}`)
	if err := os.WriteFile(filepath.Join(dir, "next.gguf"), []byte("gguf2"), 0o644); err != nil {
		t.Fatal(err)
	}
	postJSON(h, "/graphs", `{"model":"tiny.gguf"}`)
	w := postJSON(h, "/graphs/swap", `{"model":"next.gguf"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("swap status=%d body=%s", w.Code, w.Body.String())
	}
	g := decode[types.GraphResponse](t, w.Body.String())
	if active, ok := b.ActiveGraph(); !ok || uint32(active) != g.ID {
		t.Fatalf("active=%d want %d", active, g.ID)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models", nil))
	models := decode[types.ModelsResponse](t, rec.Body.String())
	if len(models.Models) != 2 || models.Models[0].ID != "next.gguf" {
		t.Fatalf("unexpected models: %+v", models.Models)
	}
}
