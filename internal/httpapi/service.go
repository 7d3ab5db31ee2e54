package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"nnbackend/internal/backend"
	"nnbackend/internal/nnerr"
	"nnbackend/internal/registry"
	"nnbackend/internal/slots"
	"nnbackend/pkg/types"
)

// BackendService adapts a backend to the Service interface. Model names in
// load requests are looked up in ModelsDir before being treated as paths.
type BackendService struct {
	b         *backend.Backend
	modelsDir string
}

var _ Service = (*BackendService)(nil)

// NewBackendService serves b, resolving model names against modelsDir.
func NewBackendService(b *backend.Backend, modelsDir string) *BackendService {
	return &BackendService{b: b, modelsDir: modelsDir}
}

// streamedError is an inference failure reported on the stream itself; the
// response status is already committed.
type streamedError struct{ err error }

func (e *streamedError) Error() string { return e.err.Error() }
func (e *streamedError) Unwrap() error { return e.err }

func (s *BackendService) ListModels() []types.Model {
	if s.modelsDir == "" {
		return nil
	}
	models, err := registry.LoadDir(s.modelsDir)
	if err != nil {
		return nil
	}
	return models
}

func (s *BackendService) Status() types.StatusResponse { return s.b.Status() }

func (s *BackendService) Ready() bool { return s.b.Ready() }

func (s *BackendService) LoadGraph(ctx context.Context, req types.LoadRequest) (types.GraphResponse, error) {
	id, err := s.b.LoadByNameWithConfig(ctx, s.resolve(req.Model), rawConfig(req.Config))
	if err != nil {
		return types.GraphResponse{}, err
	}
	return s.graph(id), nil
}

func (s *BackendService) SwapGraph(ctx context.Context, req types.LoadRequest) (types.GraphResponse, error) {
	id, err := s.b.SwapModel(ctx, s.resolve(req.Model), rawConfig(req.Config))
	if err != nil {
		return types.GraphResponse{}, err
	}
	return s.graph(id), nil
}

func (s *BackendService) UnloadGraph(id uint32) error {
	return s.b.UnloadGraph(registry.GraphID(id))
}

func (s *BackendService) OpenContext(ctx context.Context, req types.OpenContextRequest) (types.ContextResponse, error) {
	const op = "open_context"
	p, err := slots.ParsePriority(req.Priority)
	if err != nil {
		return types.ContextResponse{}, nnerr.Wrap(nnerr.InvalidArgument, op, err)
	}
	graph := registry.GraphID(req.Graph)
	if graph == 0 {
		active, ok := s.b.ActiveGraph()
		if !ok {
			return types.ContextResponse{}, nnerr.New(nnerr.NotFound, op, "no active graph")
		}
		graph = active
	}
	var id backend.ExecID
	if req.Wait {
		id, err = s.b.InitExecutionContextWait(ctx, graph, p)
	} else {
		id, err = s.b.InitExecutionContext(ctx, graph)
	}
	if err != nil {
		return types.ContextResponse{}, err
	}
	resp := types.ContextResponse{ID: uint32(id)}
	resp.SessionID, _ = s.b.Session(id)
	resp.Graph, _ = s.b.ContextGraph(id)
	return resp, nil
}

func (s *BackendService) CloseContext(id uint32) error {
	return s.b.CloseExecutionContext(backend.ExecID(id))
}

// Infer runs one turn on context id. Streaming requests get one InferChunk
// line per output increment before the final InferResult line.
func (s *BackendService) Infer(ctx context.Context, id uint32, req types.InferRequest, w io.Writer, flush func()) error {
	enc := json.NewEncoder(w)
	wrote := false
	var onText func(string) error
	if req.Stream {
		onText = func(delta string) error {
			if err := enc.Encode(types.InferChunk{Content: delta}); err != nil {
				return err
			}
			wrote = true
			if flush != nil {
				flush()
			}
			return nil
		}
	}
	res, err := s.b.RunInferenceStream(ctx, backend.ExecID(id), backend.Text(req.Prompt), rawConfig(req.Config), onText)
	if err != nil {
		if !wrote {
			return err
		}
		_ = enc.Encode(types.InferResult{Done: true, Error: err.Error()})
		if flush != nil {
			flush()
		}
		return &streamedError{err: err}
	}
	if err := enc.Encode(types.InferResult{
		Done:       true,
		Content:    res.Text,
		StopReason: string(res.StopReason),
		StopDetail: res.StopDetail,
		Tokens:     res.Tokens,
		ElapsedMS:  res.Elapsed.Milliseconds(),
	}); err != nil {
		return &streamedError{err: err}
	}
	if flush != nil {
		flush()
	}
	return nil
}

func (s *BackendService) resolve(name string) string {
	if s.modelsDir != "" && name != "" {
		if m, ok := registry.Find(s.modelsDir, name); ok {
			return m.Path
		}
	}
	return name
}

func (s *BackendService) graph(id registry.GraphID) types.GraphResponse {
	resp := types.GraphResponse{ID: uint32(id)}
	if g, ok := s.b.Graph(id); ok {
		resp.Name = g.Name
		resp.Version = g.Version
		resp.Adapters = len(g.Adapters)
	}
	return resp
}

func rawConfig(raw json.RawMessage) []byte {
	if t := bytes.TrimSpace(raw); len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return nil
	}
	return raw
}
