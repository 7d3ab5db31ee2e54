package backend

import (
	"context"

	"nnbackend/internal/config"
	"nnbackend/internal/nnerr"
	"nnbackend/internal/registry"
)

// GraphEncoding names a serialized graph format for Load.
type GraphEncoding uint8

// ExecutionTarget names a device for Load.
type ExecutionTarget uint8

// Load builds a graph from in-memory builders. Only file-based loading is
// supported.
func (b *Backend) Load(builders [][]byte, encoding GraphEncoding, target ExecutionTarget) (registry.GraphID, error) {
	return 0, nnerr.New(nnerr.UnsupportedOperation, "load", "loading from builders is not supported; use LoadByName")
}

// LoadByName loads path with the backend configuration.
func (b *Backend) LoadByName(ctx context.Context, path string) (registry.GraphID, error) {
	return b.LoadByNameWithConfig(ctx, path, nil)
}

// LoadByNameWithConfig loads path with configJSON resolved over the backend
// configuration. The resolved sampling and stopping settings become the
// graph defaults for inference. Loads are additive; see SwapModel.
func (b *Backend) LoadByNameWithConfig(ctx context.Context, path string, configJSON []byte) (registry.GraphID, error) {
	cfg, err := b.loadConfig(configJSON)
	if err != nil {
		return 0, err
	}
	g, err := b.reg.Load(ctx, path, cfg)
	if err != nil {
		return 0, err
	}
	return g.ID, nil
}

// SwapModel loads path and makes it the active graph. Contexts bound to the
// previous graph keep running on it until closed; new contexts opened with
// the previous graph id bind to the new one.
func (b *Backend) SwapModel(ctx context.Context, path string, configJSON []byte) (registry.GraphID, error) {
	cfg, err := b.loadConfig(configJSON)
	if err != nil {
		return 0, err
	}
	g, err := b.reg.Swap(ctx, path, cfg)
	if err != nil {
		return 0, err
	}
	return g.ID, nil
}

// UnloadGraph drops the load handle. The graph is released once no context
// references it.
func (b *Backend) UnloadGraph(id registry.GraphID) error {
	if err := b.checkOpen("unload"); err != nil {
		return err
	}
	return b.reg.Unload(id)
}

// ActiveGraph returns the id of the active graph.
func (b *Backend) ActiveGraph() (registry.GraphID, bool) {
	g, ok := b.reg.Active()
	if !ok {
		return 0, false
	}
	return g.ID, true
}

// Graph returns the graph id resolves to.
func (b *Backend) Graph(id registry.GraphID) (*registry.Graph, bool) {
	return b.reg.Lookup(id)
}

func (b *Backend) loadConfig(raw []byte) (config.Config, error) {
	if err := b.checkOpen("load"); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.ResolveOver(b.cfg, raw)
	if err != nil {
		return config.Config{}, err
	}
	for _, w := range cfg.Warnings {
		b.log.Warn().Str("warning", w).Msg("load config value ignored")
	}
	return cfg, nil
}

func (b *Backend) checkOpen(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nnerr.Wrap(nnerr.RuntimeError, op, ErrBackendClosed)
	}
	return nil
}
