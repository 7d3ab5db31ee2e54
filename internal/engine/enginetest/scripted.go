// Package enginetest provides a scripted engine for tests.
package enginetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"nnbackend/internal/engine"
)

// ErrClosed is returned by Generate on a closed model.
var ErrClosed = errors.New("scripted model closed")

// Scripted is an in-memory engine. By default a model echoes the prompt word
// by word and ends with an EOS token.
type Scripted struct {
	// LoadErr fails every Load.
	LoadErr error
	// Reply overrides the default echo.
	Reply func(spec engine.LoadSpec, req engine.Request) []engine.Token
	// GenErr is returned after ErrAfter tokens have been emitted.
	GenErr   error
	ErrAfter int
	// Delay is slept before every token.
	Delay time.Duration
	// Hang blocks after the scripted tokens until ctx is done.
	Hang bool

	mu      sync.Mutex
	loads   []engine.LoadSpec
	closed  int
	started chan struct{}
}

// Started receives one value each time a Generate call begins.
func (s *Scripted) Started() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started == nil {
		s.started = make(chan struct{}, 64)
	}
	return s.started
}

func (s *Scripted) Load(ctx context.Context, spec engine.LoadSpec) (engine.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	s.mu.Lock()
	s.loads = append(s.loads, spec)
	s.mu.Unlock()
	return &model{s: s, spec: spec}, nil
}

// Loads returns every spec loaded so far.
func (s *Scripted) Loads() []engine.LoadSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.LoadSpec(nil), s.loads...)
}

// Closed counts closed models.
func (s *Scripted) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type model struct {
	s      *Scripted
	spec   engine.LoadSpec
	mu     sync.Mutex
	closed bool
}

func (m *model) Generate(ctx context.Context, req engine.Request, onToken func(engine.Token) error) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	s := m.s
	s.mu.Lock()
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()

	var toks []engine.Token
	if s.Reply != nil {
		toks = s.Reply(m.spec, req)
	} else {
		toks = Echo(req.Prompt)
	}
	for i, tk := range toks {
		if s.GenErr != nil && i == s.ErrAfter {
			return s.GenErr
		}
		if s.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.Delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onToken(tk); err != nil {
			return err
		}
	}
	if s.GenErr != nil && s.ErrAfter >= len(toks) {
		return s.GenErr
	}
	if s.Hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (m *model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.s.mu.Lock()
	m.s.closed++
	m.s.mu.Unlock()
	return nil
}

// Words turns texts into tokens with ids starting at 100.
func Words(texts ...string) []engine.Token {
	out := make([]engine.Token, len(texts))
	for i, t := range texts {
		out[i] = engine.Token{ID: int32(100 + i), Text: t}
	}
	return out
}

// EOS is an end-of-sequence token.
func EOS() engine.Token { return engine.Token{ID: 2, EOS: true} }

// Echo splits prompt into word tokens followed by EOS.
func Echo(prompt string) []engine.Token {
	fields := strings.Fields(prompt)
	texts := make([]string, len(fields))
	for i, f := range fields {
		if i > 0 {
			f = " " + f
		}
		texts[i] = f
	}
	return append(Words(texts...), EOS())
}
