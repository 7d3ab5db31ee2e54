// Package config resolves backend configuration from JSON (and from yaml or
// toml files converted to JSON). Every section may be given nested under its
// own key or as legacy flat keys at the top level; nested values win.
package config

import (
	"time"

	"nnbackend/internal/stopping"
)

// Config is the fully resolved configuration.
type Config struct {
	Server   ServerConfig      `json:"server"`
	Backend  BackendConfig     `json:"backend"`
	Model    ModelConfig       `json:"model"`
	Sampling SamplingConfig    `json:"sampling"`
	Stopping stopping.Criteria `json:"stopping"`
	Logging  LoggingConfig     `json:"logging"`
	Memory   MemoryConfig      `json:"memory"`
	// Warnings lists values that were ignored during resolution.
	Warnings []string `json:"warnings,omitempty"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	Addr         string   `json:"addr"`
	ModelsDir    string   `json:"models_dir"`
	DefaultModel string   `json:"default_model"`
	CORSOrigins  []string `json:"cors_origins"`
	MaxBodyBytes int64    `json:"max_body_bytes"`
}

// BackendConfig bounds sessions and scheduling for one backend instance.
type BackendConfig struct {
	MaxSessions           int           `json:"max_sessions"`
	IdleTimeout           time.Duration `json:"idle_timeout"`
	AutoCleanup           bool          `json:"auto_cleanup"`
	MaxConcurrent         int           `json:"max_concurrent"`
	QueueSize             int           `json:"queue_size"`
	DefaultTaskTimeout    time.Duration `json:"default_task_timeout"`
	PriorityScheduling    bool          `json:"priority_scheduling_enabled"`
	FairScheduling        bool          `json:"fair_scheduling_enabled"`
	QueueWarningThreshold int           `json:"queue_warning_threshold"`
	QueueRejectThreshold  int           `json:"queue_reject_threshold"`
	AutoQueueCleanup      bool          `json:"auto_queue_cleanup"`
	FairAging             time.Duration `json:"fair_aging"`
}

// ModelConfig holds load-time model parameters.
type ModelConfig struct {
	NPredict     int           `json:"n_predict"`
	NGPULayers   int           `json:"n_gpu_layers"`
	CtxSize      int           `json:"ctx_size"`
	BatchSize    int           `json:"batch_size"`
	Threads      int           `json:"threads"`
	LoraAdapters []LoraAdapter `json:"lora_adapters,omitempty"`
}

// LoraAdapter is an adapter file applied on top of the base model.
type LoraAdapter struct {
	Path  string  `json:"path"`
	Scale float64 `json:"scale"`
}

// SamplingConfig holds token sampling parameters.
type SamplingConfig struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	TopK             int     `json:"top_k"`
	MinP             float64 `json:"min_p"`
	TypicalP         float64 `json:"typical_p"`
	RepeatPenalty    float64 `json:"repeat_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PenaltyLastN     int     `json:"penalty_last_n"`
	Seed             int64   `json:"seed"`
	Grammar          string  `json:"grammar,omitempty"`
}

// LoggingConfig selects log level and sink.
type LoggingConfig struct {
	Level       string `json:"level"`
	EnableDebug bool   `json:"enable_debug"`
	Timestamps  bool   `json:"timestamps"`
	Colors      bool   `json:"colors"`
	File        string `json:"file,omitempty"`
}

// MemoryConfig bounds the memory held by loaded graphs.
type MemoryConfig struct {
	CacheStrategy string `json:"cache_strategy"`
	MaxMemoryMB   int    `json:"max_memory_mb"`
}

const (
	defaultMaxSessions        = 100
	defaultIdleTimeout        = 300 * time.Second
	defaultMaxConcurrent      = 8
	defaultQueueSize          = 50
	defaultTaskTimeout        = 30 * time.Second
	defaultWarningThreshold   = 40
	defaultRejectThreshold    = 50
	defaultFairAging          = 5 * time.Second
	defaultNPredict           = 512
	defaultCtxSize            = 2048
	defaultBatchSize          = 512
	defaultThreads            = 8
	defaultAddr               = ":8080"
	defaultModelsDir          = "~/models/llm"
	defaultMaxBodyBytes int64 = 1 << 20
)

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: defaultAddr, ModelsDir: defaultModelsDir, MaxBodyBytes: defaultMaxBodyBytes},
		Backend: BackendConfig{
			MaxSessions:           defaultMaxSessions,
			IdleTimeout:           defaultIdleTimeout,
			AutoCleanup:           true,
			MaxConcurrent:         defaultMaxConcurrent,
			QueueSize:             defaultQueueSize,
			DefaultTaskTimeout:    defaultTaskTimeout,
			PriorityScheduling:    true,
			FairScheduling:        true,
			QueueWarningThreshold: defaultWarningThreshold,
			QueueRejectThreshold:  defaultRejectThreshold,
			AutoQueueCleanup:      true,
			FairAging:             defaultFairAging,
		},
		Model: ModelConfig{
			NPredict:  defaultNPredict,
			CtxSize:   defaultCtxSize,
			BatchSize: defaultBatchSize,
			Threads:   defaultThreads,
		},
		Sampling: SamplingConfig{
			Temperature:   0.7,
			TopP:          0.95,
			TopK:          40,
			TypicalP:      1.0,
			RepeatPenalty: 1.1,
			PenaltyLastN:  64,
			Seed:          -1,
		},
		Stopping: stopping.Criteria{MaxTokens: defaultNPredict},
		Logging:  LoggingConfig{Level: "info", Timestamps: true},
		Memory:   MemoryConfig{CacheStrategy: "lru"},
	}
}
