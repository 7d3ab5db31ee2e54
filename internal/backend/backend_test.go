package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nnbackend/internal/config"
	"nnbackend/internal/engine"
	"nnbackend/internal/engine/enginetest"
	"nnbackend/internal/events"
	"nnbackend/internal/nnerr"
	"nnbackend/internal/registry"
	"nnbackend/internal/slots"
	"nnbackend/internal/stopping"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	b     *Backend
	eng   *enginetest.Scripted
	pub   *events.Memory
	clock *testClock
	dir   string
}

func newFixture(t *testing.T, raw string) *fixture {
	t.Helper()
	return newFixtureWith(t, raw, &enginetest.Scripted{})
}

func newFixtureWith(t *testing.T, raw string, eng *enginetest.Scripted) *fixture {
	t.Helper()
	f := &fixture{
		eng:   eng,
		pub:   events.NewMemory(),
		clock: &testClock{t: time.Unix(1_700_000_000, 0)},
		dir:   t.TempDir(),
	}
	b, err := InitBackendWithConfig([]byte(raw), Options{
		Engine:       eng,
		Logger:       zerolog.Nop(),
		Publisher:    f.pub,
		Clock:        f.clock.now,
		ReapInterval: -1,
	})
	require.NoError(t, err)
	f.b = b
	t.Cleanup(func() { _ = b.Deinit(context.Background()) })
	return f
}

// hanging produces no tokens and blocks until the generation is canceled.
func hanging() *enginetest.Scripted {
	return &enginetest.Scripted{Hang: true, Reply: func(engine.LoadSpec, engine.Request) []engine.Token { return nil }}
}

func (f *fixture) model(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, []byte("gguf"), 0o644))
	return p
}

func (f *fixture) load(t *testing.T, name string) registry.GraphID {
	t.Helper()
	g, err := f.b.LoadByName(context.Background(), f.model(t, name))
	require.NoError(t, err)
	return g
}

func (f *fixture) open(t *testing.T, g registry.GraphID) ExecID {
	t.Helper()
	id, err := f.b.InitExecutionContext(context.Background(), g)
	require.NoError(t, err)
	return id
}

func TestInitBackendWithConfig_FlatEqualsNested(t *testing.T) {
	flat, err := InitBackendWithConfig([]byte(`{"max_concurrent":2,"queue_size":10}`), Options{Engine: &enginetest.Scripted{}, ReapInterval: -1})
	require.NoError(t, err)
	defer flat.Deinit(context.Background())
	nested, err := InitBackendWithConfig([]byte(`{"backend":{"max_concurrent":2,"queue_size":10}}`), Options{Engine: &enginetest.Scripted{}, ReapInterval: -1})
	require.NoError(t, err)
	defer nested.Deinit(context.Background())

	assert.Equal(t, flat.Config().Backend, nested.Config().Backend)
	assert.Equal(t, 2, nested.Config().Backend.MaxConcurrent)
	assert.Equal(t, 10, nested.Status().Slots.QueueSize)
}

func TestInitBackendWithConfig_Rejects(t *testing.T) {
	for name, raw := range map[string]string{
		"malformed":        `{"backend":`,
		"not an object":    `[1,2]`,
		"zero concurrency": `{"backend":{"max_concurrent":0}}`,
	} {
		t.Run(name, func(t *testing.T) {
			b, err := InitBackendWithConfig([]byte(raw), Options{Engine: &enginetest.Scripted{}})
			assert.Nil(t, b)
			assert.True(t, nnerr.IsInvalidArgument(err), "got %v", err)
		})
	}
	_, err := InitBackend(Options{})
	assert.True(t, nnerr.IsInvalidArgument(err), "engine required")
}

func TestInitExecutionContext_ConcurrencyLimit(t *testing.T) {
	f := newFixture(t, `{"backend":{"max_concurrent":2}}`)
	g := f.load(t, "m.gguf")
	ctx := context.Background()

	a := f.open(t, g)
	f.open(t, g)
	_, err := f.b.InitExecutionContext(ctx, g)
	require.Error(t, err)
	assert.Equal(t, nnerr.RuntimeError, nnerr.CodeOf(err))
	assert.True(t, errors.Is(err, slots.ErrRejected))

	require.NoError(t, f.b.CloseExecutionContext(a))
	f.open(t, g)
	_, err = f.b.InitExecutionContext(ctx, g)
	assert.Equal(t, nnerr.RuntimeError, nnerr.CodeOf(err))
}

func TestInitExecutionContext_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	f := newFixture(t, `{"backend":{"max_concurrent":3}}`)
	g := f.load(t, "m.gguf")

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.b.InitExecutionContext(context.Background(), g); err != nil {
				rejected.Add(1)
				return
			}
			ok.Add(1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, int32(17), rejected.Load())
	assert.Equal(t, 3, f.b.Status().Slots.InUse)
}

func TestInitExecutionContext_BadGraph(t *testing.T) {
	f := newFixture(t, `{}`)
	_, err := f.b.InitExecutionContext(context.Background(), 0)
	assert.True(t, nnerr.IsInvalidArgument(err))
	_, err = f.b.InitExecutionContext(context.Background(), 42)
	assert.True(t, nnerr.IsInvalidArgument(err))
	assert.Zero(t, f.b.Status().Slots.InUse)
}

func TestInitExecutionContextWait_PromotedOnRelease(t *testing.T) {
	f := newFixture(t, `{"backend":{"max_concurrent":1,"queue_size":4}}`)
	g := f.load(t, "m.gguf")
	holder := f.open(t, g)

	type result struct {
		id  ExecID
		err error
	}
	got := make(chan result, 1)
	go func() {
		id, err := f.b.InitExecutionContextWait(context.Background(), g, slots.High)
		got <- result{id, err}
	}()
	require.Eventually(t, func() bool { return f.b.Status().Slots.Queued == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.b.CloseExecutionContext(holder))
	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.NotEqual(t, holder, r.id)
		st := f.b.Status()
		require.Len(t, st.Contexts, 1)
		assert.Equal(t, "high", st.Contexts[0].Priority)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not promoted")
	}
}

func TestInitExecutionContextWait_CallerDeadline(t *testing.T) {
	f := newFixture(t, `{"backend":{"max_concurrent":1}}`)
	g := f.load(t, "m.gguf")
	f.open(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.b.InitExecutionContextWait(ctx, g, slots.Normal)
	assert.True(t, nnerr.IsTimeout(err), "got %v", err)
	assert.Zero(t, f.b.Status().Slots.Queued)
}

func TestMaxSessions_EvictsLeastRecentlyActive(t *testing.T) {
	f := newFixture(t, `{"backend":{"max_sessions":2,"max_concurrent":4}}`)
	g := f.load(t, "m.gguf")

	first := f.open(t, g)
	f.clock.advance(time.Second)
	second := f.open(t, g)
	f.clock.advance(time.Second)
	third := f.open(t, g)

	_, err := f.b.RunInference(context.Background(), first, Text("hi"), nil)
	assert.True(t, errors.Is(err, ErrEvicted), "got %v", err)
	_, ok := f.b.Session(second)
	assert.True(t, ok)
	_, ok = f.b.Session(third)
	assert.True(t, ok)
	assert.Len(t, f.pub.Named("session_evicted"), 1)
	assert.Equal(t, 2, f.b.Status().Slots.InUse)
	assert.NoError(t, f.b.CloseExecutionContext(first), "closing an evicted context succeeds")
}

func TestMaxSessions_WithoutAutoCleanupRejects(t *testing.T) {
	f := newFixture(t, `{"backend":{"max_sessions":1,"auto_cleanup":false}}`)
	g := f.load(t, "m.gguf")
	f.open(t, g)
	_, err := f.b.InitExecutionContext(context.Background(), g)
	assert.Equal(t, nnerr.RuntimeError, nnerr.CodeOf(err))
}

func TestRunInference_EchoEndsOnEOS(t *testing.T) {
	f := newFixture(t, `{}`)
	id := f.open(t, f.load(t, "m.gguf"))

	res, err := f.b.RunInference(context.Background(), id, Text("one two three"), nil)
	require.NoError(t, err)
	assert.Equal(t, "one two three", res.Text)
	assert.Equal(t, stopping.ReasonEOS, res.StopReason)
	assert.Equal(t, 4, res.Tokens)
	assert.Len(t, f.pub.Named("inference_completed"), 1)
}

func TestRunInference_StopStrings(t *testing.T) {
	eng := &enginetest.Scripted{Reply: func(engine.LoadSpec, engine.Request) []engine.Token {
		return enginetest.Words("Hello", " world", ".", " More", " text")
	}}
	f := newFixtureWith(t, `{}`, eng)
	id := f.open(t, f.load(t, "m.gguf"))

	res, err := f.b.RunInference(context.Background(), id, Text("greet"), []byte(`{"stop":[".","!","?"],"stopping":{"max_tokens":10}}`))
	require.NoError(t, err)
	assert.Equal(t, stopping.ReasonStopString, res.StopReason)
	assert.Equal(t, "Hello world", res.Text)
	assert.Equal(t, 3, res.Tokens)

	buf := make([]byte, 64)
	n, err := f.b.GetOutput(id, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", string(buf[:n]))
}

func TestRunInference_MaxTokensBoundsOutput(t *testing.T) {
	f := newFixture(t, `{}`)
	id := f.open(t, f.load(t, "m.gguf"))

	res, err := f.b.RunInference(context.Background(), id, Text("a b c d e f g h"), []byte(`{"stopping":{"max_tokens":4}}`))
	require.NoError(t, err)
	assert.Equal(t, stopping.ReasonMaxTokens, res.StopReason)
	assert.Equal(t, 4, res.Tokens)
	assert.Equal(t, "a b c d", res.Text)
}

func TestRunInference_GraphDefaultsFromLoadConfig(t *testing.T) {
	f := newFixture(t, `{}`)
	g, err := f.b.LoadByNameWithConfig(context.Background(), f.model(t, "m.gguf"), []byte(`{"stop":["!"],"model":{"n_ctx":4096}}`))
	require.NoError(t, err)
	id := f.open(t, g)

	res, err := f.b.RunInference(context.Background(), id, Text("wow! more"), nil)
	require.NoError(t, err)
	assert.Equal(t, "wow", res.Text)
	assert.Equal(t, 4096, f.eng.Loads()[0].CtxSize)

	res, err = f.b.RunInference(context.Background(), id, Text("wow! more"), []byte(`{"stop":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "wow! more", res.Text, "runtime config overrides graph defaults for one call")
}

func TestRunInference_TimeLimitIsAStopReason(t *testing.T) {
	eng := &enginetest.Scripted{
		Reply: func(engine.LoadSpec, engine.Request) []engine.Token { return enginetest.Words("partial") },
		Hang:  true,
	}
	f := newFixtureWith(t, `{}`, eng)
	id := f.open(t, f.load(t, "m.gguf"))

	res, err := f.b.RunInference(context.Background(), id, Text("x"), []byte(`{"stopping":{"max_time_ms":30}}`))
	require.NoError(t, err)
	assert.Equal(t, stopping.ReasonTimeout, res.StopReason)
	assert.Equal(t, "partial", res.Text)

	eng.Hang = false
	_, err = f.b.RunInference(context.Background(), id, Text("x"), nil)
	assert.NoError(t, err, "context stays usable after a timed out generation")
}

func TestRunInference_DynamicTimeoutCapsWatchdog(t *testing.T) {
	eng := hanging()
	f := newFixtureWith(t, `{}`, eng)
	id := f.open(t, f.load(t, "m.gguf"))

	start := time.Now()
	res, err := f.b.RunInference(context.Background(), id, Text("x"),
		[]byte(`{"stopping":{"max_time_ms":600000,"dynamic_timeout":{"base_ms":40,"token_scale":10,"max_ms":5000}}}`))
	require.NoError(t, err)
	assert.Equal(t, stopping.ReasonTimeout, res.StopReason)
	assert.Less(t, time.Since(start), 5*time.Second, "dynamic limit supersedes max_time_ms")
}

func TestRunInference_InputValidation(t *testing.T) {
	f := newFixture(t, `{}`)
	id := f.open(t, f.load(t, "m.gguf"))
	ctx := context.Background()

	_, err := f.b.RunInference(ctx, id, Tensor{Type: FP32, Data: []byte{0, 0, 0, 0}}, nil)
	assert.True(t, nnerr.IsInvalidArgument(err))
	_, err = f.b.RunInference(ctx, id, Tensor{Type: U8, Data: []byte{0xff, 0xfe}}, nil)
	assert.True(t, nnerr.IsInvalidEncoding(err))
	_, err = f.b.RunInference(ctx, id, Tensor{Type: U8, Dimensions: []uint32{2, 2}, Data: []byte("abc")}, nil)
	assert.True(t, nnerr.IsInvalidArgument(err))
	_, err = f.b.RunInference(ctx, id, Text("x"), []byte(`{"stop":`))
	assert.True(t, nnerr.IsInvalidArgument(err))
	_, err = f.b.RunInference(ctx, id, Text("x"), []byte(`{"stopping":{"pattern_conditions":[{"pattern":"(","match_type":"partial"}]}}`))
	assert.True(t, nnerr.IsInvalidArgument(err))
	_, err = f.b.RunInference(ctx, 999, Text("x"), nil)
	assert.True(t, nnerr.IsInvalidArgument(err))
}

func TestRunInference_Stream(t *testing.T) {
	eng := &enginetest.Scripted{Reply: func(engine.LoadSpec, engine.Request) []engine.Token {
		return enginetest.Words("Hi", " there", ".", " ignored")
	}}
	f := newFixtureWith(t, `{"stop":["."]}`, eng)
	id := f.open(t, f.load(t, "m.gguf"))

	var pieces []string
	res, err := f.b.RunInferenceStream(context.Background(), id, Text("x"), nil, func(s string) error {
		pieces = append(pieces, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", " there"}, pieces)
	assert.Equal(t, "Hi there", res.Text)

	sinkErr := errors.New("client gone")
	_, err = f.b.RunInferenceStream(context.Background(), id, Text("x"), nil, func(string) error { return sinkErr })
	assert.ErrorIs(t, err, sinkErr)
	_, ok := f.b.Session(id)
	assert.True(t, ok, "a failing sink keeps the context open")
}

func TestRunInference_BusyContext(t *testing.T) {
	eng := hanging()
	f := newFixtureWith(t, `{}`, eng)
	id := f.open(t, f.load(t, "m.gguf"))
	started := eng.Started()

	done := make(chan error, 1)
	go func() {
		_, err := f.b.RunInference(context.Background(), id, Text("x"), nil)
		done <- err
	}()
	<-started
	_, err := f.b.RunInference(context.Background(), id, Text("y"), nil)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, f.b.CloseExecutionContext(id))
	err = <-done
	assert.ErrorIs(t, err, ErrContextClosed)
	assert.Equal(t, nnerr.RuntimeError, nnerr.CodeOf(err))
	assert.Zero(t, f.b.Status().Slots.InUse)
}

func TestRunInference_CallerCancel(t *testing.T) {
	eng := hanging()
	f := newFixtureWith(t, `{}`, eng)
	id := f.open(t, f.load(t, "m.gguf"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.b.RunInference(ctx, id, Text("x"), nil)
	assert.True(t, nnerr.IsTimeout(err), "got %v", err)
	_, ok := f.b.Session(id)
	assert.True(t, ok)
}

func TestRunInference_EngineFailureClosesContext(t *testing.T) {
	eng := &enginetest.Scripted{GenErr: errors.New("kv cache full"), ErrAfter: 1}
	f := newFixtureWith(t, `{}`, eng)
	g := f.load(t, "m.gguf")
	id := f.open(t, g)

	_, err := f.b.RunInference(context.Background(), id, Text("a b c"), nil)
	require.Error(t, err)
	assert.Equal(t, nnerr.RuntimeError, nnerr.CodeOf(err))
	assert.Contains(t, err.Error(), "kv cache full")
	assert.Zero(t, f.b.Status().Slots.InUse)
	assert.Len(t, f.pub.Named("inference_failed"), 1)

	_, err = f.b.RunInference(context.Background(), id, Text("again"), nil)
	assert.Equal(t, nnerr.RuntimeError, nnerr.CodeOf(err))
	assert.NoError(t, f.b.CloseExecutionContext(id))

	eng.GenErr = nil
	f.open(t, g)
}

func TestIdleTimeout_ReclaimsContext(t *testing.T) {
	f := newFixture(t, `{"backend":{"idle_timeout_ms":1000,"auto_cleanup":true}}`)
	g := f.load(t, "m.gguf")
	id := f.open(t, g)

	f.clock.advance(500 * time.Millisecond)
	assert.Empty(t, f.b.Tick().Reclaimed)

	f.clock.advance(time.Second)
	rep := f.b.Tick()
	assert.Len(t, rep.Reclaimed, 1)
	assert.Zero(t, f.b.Status().Slots.InUse)

	_, err := f.b.RunInference(context.Background(), id, Text("x"), nil)
	assert.True(t, nnerr.IsTimeout(err), "got %v", err)
	assert.ErrorIs(t, err, slots.ErrIdleTimeout)
	require.Eventually(t, func() bool {
		gs := f.b.Status().Graphs
		return len(gs) == 1 && gs[0].ContextRefs == 0
	}, time.Second, time.Millisecond)

	assert.NoError(t, f.b.CloseExecutionContext(id))
	assert.True(t, nnerr.IsInvalidArgument(f.b.CloseExecutionContext(id)))
}

func TestIdleTimeout_GeneratingContextNotReclaimed(t *testing.T) {
	eng := hanging()
	f := newFixtureWith(t, `{"backend":{"idle_timeout_ms":1000,"auto_cleanup":true}}`, eng)
	id := f.open(t, f.load(t, "m.gguf"))
	started := eng.Started()

	done := make(chan error, 1)
	go func() {
		_, err := f.b.RunInference(context.Background(), id, Text("x"), nil)
		done <- err
	}()
	<-started
	f.clock.advance(1500 * time.Millisecond)
	assert.Empty(t, f.b.Tick().Reclaimed, "a generating context is not idle")
	assert.Equal(t, 1, f.b.Status().Slots.InUse)

	require.NoError(t, f.b.CloseExecutionContext(id))
	assert.ErrorIs(t, <-done, ErrContextClosed)
}

func TestIdleTimeout_ActivityKeepsContext(t *testing.T) {
	f := newFixture(t, `{"backend":{"idle_timeout_ms":1000}}`)
	id := f.open(t, f.load(t, "m.gguf"))

	for i := 0; i < 3; i++ {
		f.clock.advance(800 * time.Millisecond)
		_, err := f.b.RunInference(context.Background(), id, Text("x"), nil)
		require.NoError(t, err)
	}
	assert.Empty(t, f.b.Tick().Reclaimed)
}

func TestSwapModel_OldContextKeepsWorking(t *testing.T) {
	eng := &enginetest.Scripted{Reply: func(spec engine.LoadSpec, _ engine.Request) []engine.Token {
		return append(enginetest.Words(filepath.Base(spec.Path)), enginetest.EOS())
	}}
	f := newFixtureWith(t, `{}`, eng)
	ctx := context.Background()
	old := f.load(t, "a.gguf")
	bound := f.open(t, old)

	next, err := f.b.SwapModel(ctx, f.model(t, "b.gguf"), nil)
	require.NoError(t, err)
	active, ok := f.b.ActiveGraph()
	require.True(t, ok)
	assert.Equal(t, next, active)

	res, err := f.b.RunInference(ctx, bound, Text("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "a.gguf", res.Text)

	fresh := f.open(t, old)
	gid, _ := f.b.ContextGraph(fresh)
	assert.Equal(t, uint32(next), gid, "retired handle binds to the successor")
	res, err = f.b.RunInference(ctx, fresh, Text("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "b.gguf", res.Text)

	require.NoError(t, f.b.CloseExecutionContext(bound))
	assert.Equal(t, 1, eng.Closed(), "old graph released with its last context")
}

func TestSetInputComputeGetOutput(t *testing.T) {
	f := newFixture(t, `{}`)
	id := f.open(t, f.load(t, "m.gguf"))
	ctx := context.Background()

	assert.True(t, nnerr.IsInvalidArgument(f.b.Compute(ctx, id)), "compute before set_input")
	_, err := f.b.GetOutput(id, 0, make([]byte, 8))
	assert.ErrorIs(t, err, ErrNoOutput)
	assert.True(t, nnerr.IsInvalidArgument(f.b.SetInput(id, 1, Text("x"))))

	require.NoError(t, f.b.SetInput(id, 0, Text("hello there")))
	require.NoError(t, f.b.Compute(ctx, id))

	n, err := f.b.GetOutput(id, 0, make([]byte, 4))
	assert.True(t, nnerr.IsTooLarge(err))
	assert.Equal(t, len("hello there"), n)

	buf := make([]byte, 32)
	n, err = f.b.GetOutput(id, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello there", string(buf[:n]))
	_, err = f.b.GetOutput(id, 1, buf)
	assert.True(t, nnerr.IsInvalidArgument(err))
}

func TestLoad_Errors(t *testing.T) {
	f := newFixture(t, `{}`)
	ctx := context.Background()

	_, err := f.b.Load(nil, 0, 0)
	assert.True(t, nnerr.IsUnsupportedOperation(err))
	_, err = f.b.LoadByName(ctx, filepath.Join(f.dir, "missing.gguf"))
	assert.True(t, nnerr.IsNotFound(err))
	_, err = f.b.LoadByNameWithConfig(ctx, f.model(t, "m.gguf"), []byte(`{"lora_adapters":[{"path":"/nope/a.bin"}]}`))
	assert.True(t, nnerr.IsNotFound(err), "got %v", err)
	_, err = f.b.LoadByNameWithConfig(ctx, f.model(t, "m.gguf"), []byte(`not json`))
	assert.True(t, nnerr.IsInvalidArgument(err))

	unavailable := newFixtureWith(t, `{}`, &enginetest.Scripted{LoadErr: engine.ErrUnavailable})
	_, err = unavailable.b.LoadByName(ctx, unavailable.model(t, "m.gguf"))
	assert.True(t, nnerr.IsUnsupportedOperation(err))
}

func TestUnloadGraph(t *testing.T) {
	f := newFixture(t, `{}`)
	g := f.load(t, "m.gguf")
	id := f.open(t, g)

	require.NoError(t, f.b.UnloadGraph(g))
	_, err := f.b.RunInference(context.Background(), id, Text("still works"), nil)
	require.NoError(t, err)
	require.NoError(t, f.b.CloseExecutionContext(id))
	assert.Equal(t, 1, f.eng.Closed())
	assert.True(t, nnerr.IsNotFound(f.b.UnloadGraph(g)))
}

func TestDeinit_DrainsQueueAndClosesContexts(t *testing.T) {
	eng := hanging()
	f := newFixtureWith(t, `{"backend":{"max_concurrent":1,"queue_size":4}}`, eng)
	g := f.load(t, "m.gguf")
	id := f.open(t, g)
	started := eng.Started()

	runErr := make(chan error, 1)
	go func() {
		_, err := f.b.RunInference(context.Background(), id, Text("x"), nil)
		runErr <- err
	}()
	<-started
	waitErr := make(chan error, 1)
	go func() {
		_, err := f.b.InitExecutionContextWait(context.Background(), g, slots.Normal)
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return f.b.Status().Slots.Queued == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.b.Deinit(context.Background()))
	assert.ErrorIs(t, <-waitErr, slots.ErrClosed)
	assert.ErrorIs(t, <-runErr, ErrBackendClosed)
	assert.Equal(t, 1, eng.Closed())
	assert.Equal(t, "closed", f.b.Status().State)
	assert.False(t, f.b.Ready())

	_, err := f.b.InitExecutionContext(context.Background(), g)
	assert.ErrorIs(t, err, ErrBackendClosed)
	assert.NoError(t, f.b.Deinit(context.Background()))
	assert.Len(t, f.pub.Named("backend_deinit"), 1)
}

func TestCapabilityFlow(t *testing.T) {
	f := newFixture(t, `{}`)
	var c Capability = f.b
	ctx := context.Background()

	g, err := c.LoadByNameWithConfig(ctx, f.model(t, "m.gguf"), []byte(`{"sampling":{"temperature":0.2}}`))
	require.NoError(t, err)
	id, err := c.InitExecutionContext(ctx, g)
	require.NoError(t, err)
	res, err := c.RunInference(ctx, id, Text("ping"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ping", res.Text)
	require.NoError(t, c.CloseExecutionContext(id))
	assert.True(t, nnerr.IsInvalidArgument(c.CloseExecutionContext(id)))
	require.NoError(t, c.Deinit(ctx))
}

func TestStatus(t *testing.T) {
	f := newFixture(t, `{"backend":{"max_concurrent":3,"queue_size":20},"memory":{"max_memory_mb":1024}}`)
	assert.Equal(t, "empty", f.b.Status().State)
	assert.False(t, f.b.Ready())

	g := f.load(t, "m.gguf")
	id := f.open(t, g)
	st := f.b.Status()
	assert.Equal(t, "ready", st.State)
	assert.True(t, f.b.Ready())
	assert.Equal(t, 1, st.Slots.InUse)
	assert.Equal(t, 3, st.Slots.MaxConcurrent)
	assert.Equal(t, 20, st.Slots.RejectThreshold)
	assert.Equal(t, 1024, st.Memory.BudgetMB)
	require.Len(t, st.Graphs, 1)
	assert.True(t, st.Graphs[0].Active)
	assert.Equal(t, 1, st.Graphs[0].ContextRefs)
	require.Len(t, st.Contexts, 1)
	assert.Equal(t, uint32(id), st.Contexts[0].ID)
	assert.NotEmpty(t, st.Contexts[0].SessionID)
	assert.NotEmpty(t, f.pub.Named("slot_acquired"), "events reach the configured publisher")
}

func TestReapInterval(t *testing.T) {
	cases := []struct {
		name     string
		idle     time.Duration
		task     time.Duration
		cleanup  bool
		queue    bool
		override time.Duration
		want     time.Duration
	}{
		{name: "disabled", want: 0},
		{name: "override", cleanup: true, override: 5 * time.Millisecond, want: 5 * time.Millisecond},
		{name: "negative override", cleanup: true, override: -1, want: 0},
		{name: "idle quarter", idle: 2 * time.Second, cleanup: true, want: 500 * time.Millisecond},
		{name: "capped", idle: time.Hour, cleanup: true, want: time.Second},
		{name: "floor", idle: 100 * time.Millisecond, cleanup: true, want: 50 * time.Millisecond},
		{name: "task", task: 1200 * time.Millisecond, queue: true, want: 300 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := config.BackendConfig{IdleTimeout: tc.idle, DefaultTaskTimeout: tc.task, AutoCleanup: tc.cleanup, AutoQueueCleanup: tc.queue}
			assert.Equal(t, tc.want, reapInterval(c, tc.override))
		})
	}
}
