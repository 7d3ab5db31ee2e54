// Package backend ties graphs, slots and stopping criteria together into
// execution contexts. It is structured into small files by concern:
//
//   - backend.go: Backend type, InitBackend/InitBackendWithConfig, Deinit.
//   - capability.go: the Capability interface front-ends program against.
//   - graphs.go: LoadByNameWithConfig, SwapModel, UnloadGraph.
//   - contexts.go: execution context lifecycle, max_sessions eviction and
//     idle reclaim.
//   - inference.go: RunInference and the set_input/compute/get_output flow.
//   - tensor.go: Tensor and element types.
//   - status.go: Status snapshot.
//   - metrics.go: Prometheus collectors fed from backend events.
//   - errors.go: sentinels.
//
// External packages should use the Capability methods and Status; internal
// types are subject to change.
package backend
