//go:build llama

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"nnbackend/internal/nnerr"
)

// Llama loads models in-process through go-llama.cpp.
type Llama struct{}

// NewLlama returns the in-process llama engine.
func NewLlama() *Llama { return &Llama{} }

// Available reports whether real llama support is compiled in.
func Available() bool { return true }

type llamaModel struct {
	// go-llama.cpp keeps one token callback per model, so predictions are serialized.
	mu      sync.Mutex
	model   *llama.LLama
	threads int
}

func (Llama) Load(ctx context.Context, spec LoadSpec) (Model, error) {
	if strings.TrimSpace(spec.Path) == "" {
		return nil, nnerr.New(nnerr.InvalidArgument, "llama_load", "model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mo := []llama.ModelOption{
		llama.SetContext(zn(spec.CtxSize, 2048)),
		llama.SetNBatch(zn(spec.BatchSize, 512)),
	}
	if spec.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(spec.GPULayers))
	}
	switch len(spec.Adapters) {
	case 0:
	case 1:
		if a := spec.Adapters[0]; a.Scale != 1.0 {
			return nil, nnerr.New(nnerr.UnsupportedOperation, "llama_load", "lora scale %.2f not supported by this runtime", a.Scale)
		}
		mo = append(mo, llama.SetLoraAdapter(spec.Adapters[0].Path))
	default:
		return nil, nnerr.New(nnerr.UnsupportedOperation, "llama_load", "%d lora adapters requested, runtime supports one", len(spec.Adapters))
	}
	m, err := llama.New(spec.Path, mo...)
	if err != nil {
		return nil, nnerr.Wrap(nnerr.RuntimeError, "llama_load", err)
	}
	return &llamaModel{model: m, threads: spec.Threads}, nil
}

func (m *llamaModel) Generate(ctx context.Context, req Request, onToken func(Token) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return errors.New("llama model not initialized")
	}
	var cbErr error
	m.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onToken(Token{ID: -1, Text: tok}); err != nil {
			cbErr = err
			return false
		}
		return true
	})
	threads := req.Threads
	if threads <= 0 {
		threads = m.threads
	}
	_, err := m.model.Predict(req.Prompt, predictOptions(req, threads)...)
	if cbErr != nil {
		return cbErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return nnerr.Wrap(nnerr.RuntimeError, "llama_generate", err)
	}
	// go-llama.cpp does not surface the end-of-sequence token itself
	return onToken(Token{ID: -1, EOS: true})
}

func (m *llamaModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
	return nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v float64, def float32) float32 {
	if v > 0 {
		return float32(v)
	}
	return def
}

// predictOptions converts a Request into go-llama.cpp options.
func predictOptions(req Request, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(zn(req.MaxTokens, llama.DefaultOptions.Tokens)),
		llama.SetThreads(zn(threads, 1)),
		llama.SetTopP(zf(req.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(req.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(req.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(req.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if req.Seed >= 0 {
		po = append(po, llama.SetSeed(int(req.Seed)))
	}
	if req.IgnoreEOS {
		po = append(po, llama.IgnoreEOS)
	}
	return po
}
