// Package engine is the boundary to the token generation runtime.
//
// Build tags:
//
//   - In-process llama (standard): go-llama.cpp adapter, enabled with
//     `-tags=llama`. Files: llama.go, llama_cgo.go (linker rpath hints).
//   - Without the tag, llama_stub.go keeps default builds CGO-free and fails
//     loads with ErrUnavailable.
package engine

import (
	"context"
	"errors"

	"nnbackend/internal/nnerr"
)

// ErrUnavailable signals that no generation runtime is compiled in.
var ErrUnavailable = nnerr.NewSentinel(nnerr.UnsupportedOperation, "llama support not built (missing 'llama' build tag)")

// ErrStop is returned by token callbacks to end generation early. Models
// return it (possibly wrapped) from Generate.
var ErrStop = errors.New("generation stopped")

// Engine loads model files.
type Engine interface {
	Load(ctx context.Context, spec LoadSpec) (Model, error)
}

// Model is a loaded model. Generate may be called concurrently; models that
// cannot run in parallel serialize internally.
type Model interface {
	// Generate streams tokens for req.Prompt to onToken until the model ends
	// the sequence, onToken returns an error, or ctx is done.
	Generate(ctx context.Context, req Request, onToken func(Token) error) error
	Close() error
}

// LoadSpec identifies a model file and its load-time parameters.
type LoadSpec struct {
	Path      string
	CtxSize   int
	GPULayers int
	BatchSize int
	Threads   int
	Adapters  []Adapter
}

// Adapter is a LoRA adapter applied at load.
type Adapter struct {
	Path  string
	Scale float64
}

// Request is a single generation call.
type Request struct {
	Prompt           string
	MaxTokens        int
	Threads          int
	Temperature      float64
	TopP             float64
	TopK             int
	RepeatPenalty    float64
	PresencePenalty  float64
	FrequencyPenalty float64
	Seed             int64
	IgnoreEOS        bool
	Grammar          string
}

// Token is one generated piece. ID is -1 when the runtime does not report ids.
type Token struct {
	ID   int32
	Text string
	EOS  bool
}
