package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nnbackend/internal/config"
	"nnbackend/internal/engine"
	"nnbackend/internal/events"
	"nnbackend/internal/nnerr"
	"nnbackend/internal/stopping"
)

// Result is the outcome of one generation call.
type Result struct {
	// Text is the output with a matched stop string removed.
	Text       string
	Tokens     int
	StopReason stopping.Reason
	StopDetail string
	Elapsed    time.Duration
}

// sinkError marks a failure of the caller's stream callback.
type sinkError struct{ err error }

func (e sinkError) Error() string { return e.err.Error() }
func (e sinkError) Unwrap() error { return e.err }

// RunInference generates a reply to the U8 prompt tensor input. configJSON,
// when present, is resolved over the graph defaults for this call only.
// Stopping by any criterion (including its time limit) is a successful
// result; errors are reserved for invalid input, a closed or reclaimed
// context, caller cancellation and engine failures. An engine failure closes
// the context.
func (b *Backend) RunInference(ctx context.Context, id ExecID, input Tensor, configJSON []byte) (Result, error) {
	return b.RunInferenceStream(ctx, id, input, configJSON, nil)
}

// RunInferenceStream is RunInference with onText receiving output increments
// as tokens arrive. An onText error aborts the call but keeps the context.
func (b *Backend) RunInferenceStream(ctx context.Context, id ExecID, input Tensor, configJSON []byte, onText func(string) error) (Result, error) {
	const op = "run_inference"
	ec, err := b.lookup(op, id)
	if err != nil {
		return Result{}, err
	}
	prompt, err := input.text(op)
	if err != nil {
		return Result{}, err
	}
	cfg := ec.graph.Defaults
	if len(configJSON) > 0 {
		if cfg, err = config.ResolveOver(cfg, configJSON); err != nil {
			return Result{}, err
		}
	}
	return b.generate(ctx, op, ec, prompt, cfg, onText)
}

// SetInput stores the prompt for Compute. Only index 0 exists.
func (b *Backend) SetInput(id ExecID, index uint32, input Tensor) error {
	const op = "set_input"
	if index != 0 {
		return nnerr.New(nnerr.InvalidArgument, op, "input index %d out of range", index)
	}
	ec, err := b.lookup(op, id)
	if err != nil {
		return err
	}
	prompt, err := input.text(op)
	if err != nil {
		return err
	}
	ec.mu.Lock()
	ec.input, ec.hasIn = prompt, true
	ec.mu.Unlock()
	ec.touch(b.now())
	b.slots.Touch(ec.slot)
	return nil
}

// Compute runs generation on the stored input with the graph defaults.
func (b *Backend) Compute(ctx context.Context, id ExecID) error {
	const op = "compute"
	ec, err := b.lookup(op, id)
	if err != nil {
		return err
	}
	ec.mu.Lock()
	prompt, ok := ec.input, ec.hasIn
	ec.mu.Unlock()
	if !ok {
		return nnerr.New(nnerr.InvalidArgument, op, "no input set")
	}
	_, err = b.generate(ctx, op, ec, prompt, ec.graph.Defaults, nil)
	return err
}

// GetOutput copies the last output into buf and returns its length. When buf
// is too small nothing is copied and the required length is returned with
// too_large.
func (b *Backend) GetOutput(id ExecID, index uint32, buf []byte) (int, error) {
	const op = "get_output"
	if index != 0 {
		return 0, nnerr.New(nnerr.InvalidArgument, op, "output index %d out of range", index)
	}
	ec, err := b.lookup(op, id)
	if err != nil {
		return 0, err
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if !ec.hasOut {
		return 0, nnerr.Wrap(nnerr.InvalidArgument, op, ErrNoOutput)
	}
	if len(buf) < len(ec.output) {
		return len(ec.output), nnerr.New(nnerr.TooLarge, op, "output is %d bytes, buffer holds %d", len(ec.output), len(buf))
	}
	return copy(buf, ec.output), nil
}

func (b *Backend) generate(ctx context.Context, op string, ec *ExecContext, prompt string, cfg config.Config, onText func(string) error) (Result, error) {
	se, err := stopping.New(cfg.Stopping, stopping.WithClock(b.now), stopping.WithLogger(b.log))
	if err != nil {
		return Result{}, err
	}
	runCtx, cancel, err := ec.begin(ctx)
	if err != nil {
		return Result{}, nnerr.Wrap(nnerr.CodeOf(err), op, err)
	}

	b.slots.SetBusy(ec.slot, true)
	var watchdog *time.Timer
	if left, ok := se.Remaining(); ok {
		watchdog = time.AfterFunc(max(left, 0), func() { cancel(errDeadline) })
	}

	emitted := 0
	start := b.now()
	genErr := safeGenerate(runCtx, ec.graph.Model(), engineRequest(prompt, cfg), func(t engine.Token) error {
		d := se.Observe(stopping.Token{ID: t.ID, Text: t.Text, EOS: t.EOS})
		ec.touch(b.now())
		b.slots.Touch(ec.slot)
		if onText != nil {
			if out := se.Output(); len(out) > emitted {
				if err := onText(out[emitted:]); err != nil {
					return sinkError{err}
				}
				emitted = len(out)
			}
		}
		if d.Stopped() {
			return engine.ErrStop
		}
		if watchdog != nil {
			if left, ok := se.Remaining(); ok {
				watchdog.Reset(max(left, 0))
			}
		}
		return nil
	})
	if watchdog != nil {
		watchdog.Stop()
	}

	var (
		sinkErr      sinkError
		failure      error
		engineFailed bool
	)
	cause := context.Cause(runCtx)
	switch {
	case genErr == nil || errors.Is(genErr, engine.ErrStop):
	case errors.As(genErr, &sinkErr):
		failure = nnerr.Wrap(nnerr.RuntimeError, op, sinkErr.err)
	case errors.Is(cause, errDeadline):
		se.Expire()
	case cause != nil:
		failure = nnerr.Wrap(nnerr.CodeOf(cause), op, cause)
	default:
		engineFailed = true
		failure = nnerr.Wrap(nnerr.RuntimeError, op, genErr)
	}
	ec.end(b.now(), se.Output(), failure == nil)
	b.slots.SetBusy(ec.slot, false)
	if engineFailed {
		b.pub.Publish(events.Event{Name: "inference_failed", Subject: ec.SessionID, Fields: map[string]any{"error": genErr.Error()}})
		b.log.Error().Err(genErr).Uint32("context", uint32(ec.ID)).Msg("generation failed, closing context")
		b.abandon(ec, failure)
	}
	if failure != nil {
		return Result{}, failure
	}

	d := se.Decision()
	if !d.Stopped() {
		d = stopping.Decision{Reason: stopping.ReasonEOS, Detail: "engine finished"}
	}
	res := Result{
		Text:       se.Output(),
		Tokens:     se.Tokens(),
		StopReason: d.Reason,
		StopDetail: d.Detail,
		Elapsed:    b.now().Sub(start),
	}
	b.pub.Publish(events.Event{Name: "inference_completed", Subject: ec.SessionID, Fields: map[string]any{
		"reason": string(res.StopReason), "tokens": res.Tokens, "elapsed_seconds": res.Elapsed.Seconds(),
	}})
	b.log.Debug().Uint32("context", uint32(ec.ID)).Str("reason", string(res.StopReason)).
		Int("tokens", res.Tokens).Dur("elapsed", res.Elapsed).Msg("inference done")
	return res, nil
}

// safeGenerate turns an engine panic into an error.
func safeGenerate(ctx context.Context, m engine.Model, req engine.Request, onToken func(engine.Token) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return m.Generate(ctx, req, onToken)
}

func engineRequest(prompt string, cfg config.Config) engine.Request {
	maxTokens := cfg.Stopping.MaxTokens
	if maxTokens <= 0 {
		maxTokens = cfg.Model.NPredict
	}
	return engine.Request{
		Prompt:           prompt,
		MaxTokens:        maxTokens,
		Threads:          cfg.Model.Threads,
		Temperature:      cfg.Sampling.Temperature,
		TopP:             cfg.Sampling.TopP,
		TopK:             cfg.Sampling.TopK,
		RepeatPenalty:    cfg.Sampling.RepeatPenalty,
		PresencePenalty:  cfg.Sampling.PresencePenalty,
		FrequencyPenalty: cfg.Sampling.FrequencyPenalty,
		Seed:             cfg.Sampling.Seed,
		IgnoreEOS:        cfg.Stopping.IgnoreEOS,
		Grammar:          cfg.Sampling.Grammar,
	}
}
