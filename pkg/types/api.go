package types

import "encoding/json"

// LoadRequest loads a model into a graph. Config accepts the same nested or
// flat keys as the backend configuration.
type LoadRequest struct {
	// Model file path, or a filename inside the server models directory.
	Model string `json:"model"`
	// Optional configuration object (model, sampling, stopping, lora_adapters).
	Config json.RawMessage `json:"config,omitempty"`
}

// GraphResponse describes a loaded graph.
type GraphResponse struct {
	ID      uint32 `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	// Number of LoRA adapters applied.
	Adapters int `json:"adapters"`
}

// OpenContextRequest opens an execution context.
type OpenContextRequest struct {
	// Graph id; zero selects the active graph.
	Graph uint32 `json:"graph,omitempty"`
	// Wait in the queue when no slot is free instead of failing at once.
	Wait bool `json:"wait,omitempty"`
	// Queue priority: low, normal, high or urgent.
	Priority string `json:"priority,omitempty"`
}

// ContextResponse identifies an open execution context.
type ContextResponse struct {
	ID        uint32 `json:"id"`
	SessionID string `json:"session_id"`
	// Graph the context is bound to.
	Graph uint32 `json:"graph"`
}

// InferRequest runs one generation turn on a context.
type InferRequest struct {
	// Prompt text.
	Prompt string `json:"prompt"`
	// Stream NDJSON token lines before the final line.
	Stream bool `json:"stream,omitempty"`
	// Optional per-run configuration resolved over the graph defaults.
	Config json.RawMessage `json:"config,omitempty"`
}

// InferChunk is one streamed NDJSON line carrying an output increment.
type InferChunk struct {
	Content string `json:"content"`
}

// InferResult is the final NDJSON line of an inference.
type InferResult struct {
	Done bool `json:"done"`
	// Set when generation failed after streaming had started.
	Error string `json:"error,omitempty"`
	// Output with any matched stop string removed.
	Content    string `json:"content"`
	StopReason string `json:"stop_reason"`
	StopDetail string `json:"stop_detail,omitempty"`
	Tokens     int    `json:"tokens"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	Error string `json:"error"`
	// HTTP status code.
	Code int `json:"code"`
	// Backend status code name.
	Status string `json:"status,omitempty"`
}

// SlotStatus summarizes the slot pool and its queue.
type SlotStatus struct {
	InUse            int    `json:"in_use"`
	MaxConcurrent    int    `json:"max_concurrent"`
	Queued           int    `json:"queued"`
	QueueSize        int    `json:"queue_size"`
	WarningThreshold int    `json:"queue_warning_threshold"`
	RejectThreshold  int    `json:"queue_reject_threshold"`
	Granted          uint64 `json:"granted_total"`
	Rejected         uint64 `json:"rejected_total"`
	TimedOut         uint64 `json:"timed_out_total"`
	Reclaimed        uint64 `json:"reclaimed_total"`
}

// GraphStatus summarizes one loaded graph.
type GraphStatus struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Adapters    int    `json:"adapters"`
	Active      bool   `json:"active"`
	Retired     bool   `json:"retired"`
	Resident    bool   `json:"resident"`
	LoadRefs    int    `json:"load_refs"`
	ContextRefs int    `json:"context_refs"`
	EstMB       int    `json:"est_mb"`
	LastUsed    int64  `json:"last_used_unix"`
}

// ContextStatus summarizes one open execution context.
type ContextStatus struct {
	ID         uint32 `json:"id"`
	SessionID  string `json:"session_id"`
	Graph      uint32 `json:"graph"`
	Priority   string `json:"priority"`
	Running    bool   `json:"running"`
	Turns      int    `json:"turns"`
	CreatedAt  int64  `json:"created_unix"`
	LastActive int64  `json:"last_active_unix"`
}

// MemoryStatus reports the graph memory budget.
type MemoryStatus struct {
	UsedMB    int    `json:"used_mb"`
	BudgetMB  int    `json:"budget_mb"`
	Strategy  string `json:"cache_strategy"`
	Evictions uint64 `json:"evictions_total"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// ready when a graph is active, empty when none is loaded, closed after teardown.
	State    string          `json:"state"`
	Slots    SlotStatus      `json:"slots"`
	Graphs   []GraphStatus   `json:"graphs"`
	Contexts []ContextStatus `json:"contexts"`
	Memory   MemoryStatus    `json:"memory"`
	Warnings []string        `json:"warnings,omitempty"`
}
