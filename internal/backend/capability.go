package backend

import (
	"context"

	"nnbackend/internal/registry"
)

// Capability is the operation set front-ends drive a backend through.
type Capability interface {
	LoadByNameWithConfig(ctx context.Context, path string, configJSON []byte) (registry.GraphID, error)
	InitExecutionContext(ctx context.Context, graph registry.GraphID) (ExecID, error)
	RunInference(ctx context.Context, id ExecID, input Tensor, configJSON []byte) (Result, error)
	CloseExecutionContext(id ExecID) error
	Deinit(ctx context.Context) error
}

var _ Capability = (*Backend)(nil)
