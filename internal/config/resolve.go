package config

import (
	"fmt"
	"math"
	"time"

	"github.com/tidwall/gjson"

	"nnbackend/internal/nnerr"
)

// Resolve parses raw over the defaults. Empty input yields Default().
func Resolve(raw []byte) (Config, error) {
	return ResolveOver(Default(), raw)
}

// ResolveOver applies the keys present in raw on top of base. It is used both
// for backend init and for per-load and per-run overrides.
func ResolveOver(base Config, raw []byte) (Config, error) {
	cfg := base
	cfg.Warnings = nil
	if len(raw) == 0 {
		return cfg, nil
	}
	if !gjson.ValidBytes(raw) {
		return base, nnerr.New(nnerr.InvalidArgument, "config", "malformed JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return base, nnerr.New(nnerr.InvalidArgument, "config", "top-level value must be an object")
	}
	r := &resolver{}
	if err := r.backend(sectionOf(root, "backend"), &cfg.Backend); err != nil {
		return base, err
	}
	r.server(sectionOf(root, "server"), &cfg.Server)
	nPredictSet := r.model(sectionOf(root, "model"), &cfg.Model)
	if err := r.lora(root, &cfg.Model); err != nil {
		return base, err
	}
	r.sampling(sectionOf(root, "sampling"), &cfg.Sampling)
	if nPredictSet {
		cfg.Stopping.MaxTokens = cfg.Model.NPredict
	}
	if err := r.stopping(root, &cfg.Stopping); err != nil {
		return base, err
	}
	r.str(section{flat: root}, &cfg.Logging.Level, "log_level")
	r.str(section{flat: root}, &cfg.Logging.File, "log_file")
	r.logging(nestedOnly(root, "logging"), &cfg.Logging)
	r.checkLevel(&cfg.Logging)
	mem := nestedOnly(root, "memory")
	if !mem.nested.Exists() {
		mem = nestedOnly(root, "memory_policy")
	}
	r.memory(mem, &cfg.Memory)
	cfg.Warnings = r.warnings
	return cfg, nil
}

// section looks keys up in the nested object first, then at the top level.
type section struct {
	nested gjson.Result
	flat   gjson.Result
}

func sectionOf(root gjson.Result, name string) section {
	s := section{flat: root}
	if v := root.Get(name); v.IsObject() {
		s.nested = v
	}
	return s
}

// nestedOnly ignores top-level keys for sections whose names would clash.
func nestedOnly(root gjson.Result, name string) section {
	s := sectionOf(root, name)
	s.flat = gjson.Result{}
	return s
}

func (s section) get(keys ...string) (gjson.Result, string) {
	if s.nested.Exists() {
		for _, k := range keys {
			if v := s.nested.Get(k); v.Exists() {
				return v, k
			}
		}
	}
	for _, k := range keys {
		if v := s.flat.Get(k); v.Exists() {
			return v, k
		}
	}
	return gjson.Result{}, keys[0]
}

type resolver struct {
	warnings []string
}

func (r *resolver) warnf(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

func integer(v gjson.Result) (int64, bool) {
	if v.Type != gjson.Number || v.Num != math.Trunc(v.Num) {
		return 0, false
	}
	return v.Int(), true
}

// intIn stores an integer within [lo,hi]; anything else is ignored with a warning.
func (r *resolver) intIn(s section, dst *int, lo, hi int64, keys ...string) bool {
	v, k := s.get(keys...)
	if !v.Exists() {
		return false
	}
	n, ok := integer(v)
	if !ok || n < lo || n > hi {
		r.warnf("%s=%s outside [%d,%d], keeping %d", k, v.Raw, lo, hi, *dst)
		return false
	}
	*dst = int(n)
	return true
}

func (r *resolver) msIn(s section, dst *time.Duration, lo, hi int64, keys ...string) {
	v, k := s.get(keys...)
	if !v.Exists() {
		return
	}
	n, ok := integer(v)
	if !ok || n < lo || n > hi {
		r.warnf("%s=%s outside [%d,%d], keeping %d", k, v.Raw, lo, hi, dst.Milliseconds())
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}

func (r *resolver) boolean(s section, dst *bool, keys ...string) {
	v, k := s.get(keys...)
	if !v.Exists() {
		return
	}
	if v.Type != gjson.True && v.Type != gjson.False {
		r.warnf("%s=%s is not a boolean", k, v.Raw)
		return
	}
	*dst = v.Bool()
}

func (r *resolver) float(s section, dst *float64, keys ...string) {
	v, k := s.get(keys...)
	if !v.Exists() {
		return
	}
	if v.Type != gjson.Number {
		r.warnf("%s=%s is not a number", k, v.Raw)
		return
	}
	*dst = v.Float()
}

func (r *resolver) str(s section, dst *string, keys ...string) {
	v, k := s.get(keys...)
	if !v.Exists() {
		return
	}
	if v.Type != gjson.String {
		r.warnf("%s=%s is not a string", k, v.Raw)
		return
	}
	*dst = v.Str
}

func (r *resolver) backend(s section, b *BackendConfig) error {
	if v, _ := s.get("max_concurrent"); v.Exists() {
		n, ok := integer(v)
		if !ok || n < 1 || n > 256 {
			return nnerr.New(nnerr.InvalidArgument, "config", "max_concurrent=%s must be an integer in [1,256]", v.Raw)
		}
		b.MaxConcurrent = int(n)
	}
	r.intIn(s, &b.MaxSessions, 1, 10000, "max_sessions")
	r.msIn(s, &b.IdleTimeout, 1000, 86_400_000, "idle_timeout_ms")
	r.boolean(s, &b.AutoCleanup, "auto_cleanup")
	if r.intIn(s, &b.QueueSize, 1, 10000, "queue_size") {
		b.QueueRejectThreshold = b.QueueSize
		if w := int(float64(b.QueueSize) * 0.8); b.QueueWarningThreshold > w {
			b.QueueWarningThreshold = w
		}
	}
	r.msIn(s, &b.DefaultTaskTimeout, 1000, 600_000, "default_task_timeout_ms")
	r.boolean(s, &b.PriorityScheduling, "priority_scheduling_enabled", "priority_scheduling")
	r.boolean(s, &b.FairScheduling, "fair_scheduling_enabled", "fair_scheduling")
	r.boolean(s, &b.AutoQueueCleanup, "auto_queue_cleanup")
	r.msIn(s, &b.FairAging, 100, 600_000, "fair_aging_ms")

	warn, reject := b.QueueWarningThreshold, b.QueueRejectThreshold
	wSet := r.intIn(s, &warn, 0, 10000, "queue_warning_threshold")
	rSet := r.intIn(s, &reject, 1, 10000, "queue_reject_threshold")
	if wSet || rSet {
		if warn <= reject && reject <= b.QueueSize {
			b.QueueWarningThreshold, b.QueueRejectThreshold = warn, reject
		} else {
			r.warnf("queue thresholds warning=%d reject=%d queue_size=%d must satisfy warning <= reject <= queue_size, keeping %d/%d",
				warn, reject, b.QueueSize, b.QueueWarningThreshold, b.QueueRejectThreshold)
		}
	}
	return nil
}

func (r *resolver) server(s section, c *ServerConfig) {
	r.str(s, &c.Addr, "addr")
	r.str(s, &c.ModelsDir, "models_dir")
	r.str(s, &c.DefaultModel, "default_model")
	if v, _ := s.get("cors_origins"); v.IsArray() {
		c.CORSOrigins = stringList(v)
	}
	if v, k := s.get("max_body_bytes"); v.Exists() {
		if n, ok := integer(v); ok && n > 0 {
			c.MaxBodyBytes = n
		} else {
			r.warnf("%s=%s must be a positive integer", k, v.Raw)
		}
	}
}

// model reports whether the prediction length was given explicitly.
func (r *resolver) model(s section, m *ModelConfig) bool {
	set := r.intIn(s, &m.NPredict, -1, 1<<20, "max_tokens", "n_predict")
	r.intIn(s, &m.NGPULayers, -1, 1000, "n_gpu_layers")
	r.intIn(s, &m.CtxSize, 0, 1<<22, "n_ctx", "ctx_size")
	r.intIn(s, &m.BatchSize, 1, 1<<16, "n_batch", "batch_size")
	r.intIn(s, &m.Threads, 1, 1024, "threads")
	return set
}

func (r *resolver) lora(root gjson.Result, m *ModelConfig) error {
	v := root.Get("lora_adapters")
	if !v.Exists() {
		v = root.Get("model.lora_adapters")
	}
	if !v.Exists() {
		return nil
	}
	if !v.IsArray() {
		return nnerr.New(nnerr.InvalidArgument, "config", "lora_adapters must be an array")
	}
	var out []LoraAdapter
	for i, a := range v.Array() {
		p := a.Get("path")
		if p.Type != gjson.String || p.Str == "" {
			return nnerr.New(nnerr.InvalidArgument, "config", "lora_adapters[%d].path is required", i)
		}
		la := LoraAdapter{Path: p.Str, Scale: 1.0}
		if sc := a.Get("scale"); sc.Exists() {
			if sc.Type != gjson.Number {
				return nnerr.New(nnerr.InvalidArgument, "config", "lora_adapters[%d].scale must be a number", i)
			}
			la.Scale = sc.Float()
		}
		out = append(out, la)
	}
	m.LoraAdapters = out
	return nil
}

func (r *resolver) sampling(s section, c *SamplingConfig) {
	r.float(s, &c.Temperature, "temperature", "temp")
	r.float(s, &c.TopP, "top_p")
	r.intIn(s, &c.TopK, -1, 1<<20, "top_k")
	r.float(s, &c.MinP, "min_p")
	r.float(s, &c.TypicalP, "typical_p")
	r.float(s, &c.RepeatPenalty, "repeat_penalty")
	r.float(s, &c.PresencePenalty, "presence_penalty")
	r.float(s, &c.FrequencyPenalty, "frequency_penalty")
	r.intIn(s, &c.PenaltyLastN, -1, 1<<20, "repeat_last_n", "penalty_last_n")
	if v, k := s.get("seed"); v.Exists() {
		if n, ok := integer(v); ok {
			c.Seed = n
		} else {
			r.warnf("%s=%s is not an integer", k, v.Raw)
		}
	}
	r.str(s, &c.Grammar, "grammar")
}

func (r *resolver) logging(s section, c *LoggingConfig) {
	r.str(s, &c.Level, "level")
	r.boolean(s, &c.EnableDebug, "enable_debug")
	r.boolean(s, &c.Timestamps, "timestamps")
	r.boolean(s, &c.Colors, "colors")
	r.str(s, &c.File, "file")
}

func (r *resolver) checkLevel(c *LoggingConfig) {
	switch c.Level {
	case "debug", "info", "warn", "error", "fatal":
	default:
		r.warnf("logging.level=%q unknown, using info", c.Level)
		c.Level = "info"
	}
}

func (r *resolver) memory(s section, c *MemoryConfig) {
	r.str(s, &c.CacheStrategy, "cache_strategy")
	switch c.CacheStrategy {
	case "lru", "fifo", "smart":
	default:
		r.warnf("cache_strategy=%q unknown, using lru", c.CacheStrategy)
		c.CacheStrategy = "lru"
	}
	if v, k := s.get("max_memory_mb"); v.Exists() {
		n, ok := integer(v)
		if ok && (n == 0 || (n >= 128 && n <= 32768)) {
			c.MaxMemoryMB = int(n)
		} else {
			r.warnf("%s=%s must be 0 or in [128,32768]", k, v.Raw)
		}
	}
}

func stringList(v gjson.Result) []string {
	var out []string
	for _, e := range v.Array() {
		if e.Type == gjson.String && e.Str != "" {
			out = append(out, e.Str)
		}
	}
	return out
}
