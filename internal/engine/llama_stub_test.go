//go:build !llama

package engine

import (
	"context"
	"errors"
	"testing"

	"nnbackend/internal/nnerr"
)

func TestStubLoadUnavailable(t *testing.T) {
	if Available() {
		t.Fatalf("stub must report unavailable")
	}
	_, err := NewLlama().Load(context.Background(), LoadSpec{Path: "/m.gguf"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v", err)
	}
	if nnerr.CodeOf(err) != nnerr.UnsupportedOperation {
		t.Fatalf("code=%v", nnerr.CodeOf(err))
	}
}

func TestStubLoadHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewLlama().Load(ctx, LoadSpec{Path: "/m.gguf"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}
