// Package stopping decides, token by token, when a generation must end.
//
// An Engine is created per generation call from a Criteria value and moves
// from running to stopped exactly once. Checks run on the cumulative text so
// patterns that span token boundaries are still found. Reasons are evaluated
// in a fixed order: max tokens, time, token id, end of sequence, stop
// strings, regex patterns, grammar triggers, semantic heuristics.
package stopping

import (
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/rs/zerolog"

	"nnbackend/internal/nnerr"
)

// ErrInvalidCriteria is returned for criteria that cannot be compiled.
var ErrInvalidCriteria = nnerr.NewSentinel(nnerr.InvalidArgument, "invalid stopping criteria")

// Token is one unit produced by the generation engine. ID is negative when
// the engine does not expose token ids.
type Token struct {
	ID   int32
	Text string
	EOS  bool
}

const defaultMatchTimeout = 50 * time.Millisecond

type options struct {
	now          func() time.Time
	scorers      map[SemanticKind]Scorer
	matchTimeout time.Duration
	log          zerolog.Logger
}

// Option configures an Engine.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithScorer overrides the heuristic used for kind.
func WithScorer(kind SemanticKind, s Scorer) Option {
	return func(o *options) { o.scorers[kind] = s }
}

// WithLogger receives warnings about conditions that stop being evaluated.
func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = l } }

// WithMatchTimeout bounds a single regex evaluation.
func WithMatchTimeout(d time.Duration) Option { return func(o *options) { o.matchTimeout = d } }

type compiledRegex struct {
	re   *regexp2.Regexp
	desc string
	// off is set once a match times out; the condition is skipped from then on.
	off bool
}

type semanticCheck struct {
	cond   SemanticCondition
	scorer Scorer
}

// Engine evaluates Criteria for one generation call. It is not safe for
// concurrent use.
type Engine struct {
	c        Criteria
	now      func() time.Time
	log      zerolog.Logger
	start    time.Time
	tokenIDs []TokenCondition
	patterns []compiledRegex
	triggers []compiledRegex
	semantic []semanticCheck

	text     strings.Builder
	tokens   int
	cut      int
	decision Decision
}

// New compiles c into a fresh engine. The clock starts now.
func New(c Criteria, opts ...Option) (*Engine, error) {
	o := options{now: time.Now, scorers: DefaultScorers(), matchTimeout: defaultMatchTimeout, log: zerolog.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	if c.MaxTokens < 0 || c.MaxTime < 0 {
		return nil, nnerr.Wrap(nnerr.InvalidArgument, "stopping", ErrInvalidCriteria)
	}
	e := &Engine{c: c, now: o.now, log: o.log}
	for _, cond := range c.Conditions {
		switch v := cond.(type) {
		case TokenCondition:
			e.tokenIDs = append(e.tokenIDs, v)
		case PatternCondition:
			expr := v.Pattern
			if v.Match == MatchFull {
				expr = `\A(?:` + expr + `)\z`
			}
			re, err := compile(expr, o.matchTimeout)
			if err != nil {
				return nil, nnerr.New(nnerr.InvalidArgument, "stopping", "pattern %q: %v", v.Pattern, err)
			}
			e.patterns = append(e.patterns, compiledRegex{re: re, desc: v.String()})
		case GrammarTrigger:
			var expr string
			switch v.Kind {
			case TriggerWord:
				expr = `(?<!\w)` + regexp2.Escape(v.Value) + `(?!\w)`
			case TriggerPatternFull:
				expr = `\A(?:` + v.Value + `)\z`
			default:
				expr = v.Value
			}
			re, err := compile(expr, o.matchTimeout)
			if err != nil {
				return nil, nnerr.New(nnerr.InvalidArgument, "stopping", "grammar trigger %q: %v", v.Value, err)
			}
			e.triggers = append(e.triggers, compiledRegex{re: re, desc: v.String()})
		case SemanticCondition:
			if v.Threshold < 0 || v.Threshold > 1 {
				return nil, nnerr.New(nnerr.InvalidArgument, "stopping", "%s threshold %v outside [0,1]", v.Kind, v.Threshold)
			}
			s, ok := o.scorers[v.Kind]
			if !ok {
				return nil, nnerr.New(nnerr.InvalidArgument, "stopping", "unknown semantic condition %q", v.Kind)
			}
			e.semantic = append(e.semantic, semanticCheck{cond: v, scorer: s})
		}
	}
	e.start = e.now()
	return e, nil
}

func compile(expr string, timeout time.Duration) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(expr, regexp2.None)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = timeout
	return re, nil
}

// Observe records tok and returns the resulting state. Once stopped, further
// observations are ignored and return the same decision.
func (e *Engine) Observe(tok Token) Decision {
	if e.decision.Stopped() {
		return e.decision
	}
	prev := e.text.Len()
	e.tokens++
	if !tok.EOS || e.c.IgnoreEOS {
		e.text.WriteString(tok.Text)
	}
	e.cut = e.text.Len()
	e.decision = e.evaluate(tok, prev)
	return e.decision
}

// Expire moves a running engine to the timeout state. Callers use it when the
// generation engine produced nothing before the deadline.
func (e *Engine) Expire() Decision {
	if !e.decision.Stopped() {
		e.decision = Decision{Reason: ReasonTimeout, Detail: "deadline"}
	}
	return e.decision
}

// Deadline is the longest the call may run, or false when unbounded.
func (e *Engine) Deadline() (time.Duration, bool) {
	if e.dynamic() {
		if e.c.Dynamic.Max > 0 {
			return e.c.Dynamic.Max, true
		}
		return 0, false
	}
	return e.c.MaxTime, e.c.MaxTime > 0
}

// Remaining is the time left under the current limit, which for a dynamic
// timeout grows with the token count. It is false when unbounded.
func (e *Engine) Remaining() (time.Duration, bool) {
	limit := e.timeLimit()
	if limit <= 0 {
		return 0, false
	}
	return limit - e.Elapsed(), true
}

// Decision returns the current state.
func (e *Engine) Decision() Decision { return e.decision }

// Tokens is the number of observed tokens.
func (e *Engine) Tokens() int { return e.tokens }

// Text is everything generated so far.
func (e *Engine) Text() string { return e.text.String() }

// Output is the generated text with a matched stop string, and a token
// matched in stop_on_token mode, removed.
func (e *Engine) Output() string { return e.text.String()[:e.cut] }

// Elapsed reports time since the engine was created.
func (e *Engine) Elapsed() time.Duration { return e.now().Sub(e.start) }

func (e *Engine) dynamic() bool { return e.c.ContextAware && e.c.Dynamic != nil }

func (e *Engine) timeLimit() time.Duration {
	if e.dynamic() {
		return e.c.Dynamic.Deadline(e.tokens)
	}
	return e.c.MaxTime
}

func (e *Engine) evaluate(tok Token, prev int) Decision {
	if e.c.MaxTokens > 0 && e.tokens >= e.c.MaxTokens {
		return Decision{Reason: ReasonMaxTokens}
	}
	if limit := e.timeLimit(); limit > 0 && e.Elapsed() > limit {
		return Decision{Reason: ReasonTimeout, Detail: limit.String()}
	}
	for _, tc := range e.tokenIDs {
		if tok.ID >= 0 && tok.ID == tc.TokenID {
			if tc.Mode == StopOnToken && !tok.EOS {
				e.cut = prev
			}
			return Decision{Reason: ReasonToken, Detail: tc.String()}
		}
	}
	if tok.EOS && !e.c.IgnoreEOS {
		return Decision{Reason: ReasonEOS}
	}
	text := e.text.String()
	for _, s := range e.c.StopStrings {
		if s == "" {
			continue
		}
		// Only the region touched by the latest token can hold a new match.
		from := prev - len(s) + 1
		if from < 0 {
			from = 0
		}
		if i := strings.Index(text[from:], s); i >= 0 {
			e.cut = from + i
			return Decision{Reason: ReasonStopString, Detail: s}
		}
	}
	for i := range e.patterns {
		if e.match(&e.patterns[i], text) {
			return Decision{Reason: ReasonPattern, Detail: e.patterns[i].desc}
		}
	}
	for i := range e.triggers {
		if e.match(&e.triggers[i], text) {
			return Decision{Reason: ReasonGrammar, Detail: e.triggers[i].desc}
		}
	}
	for _, s := range e.semantic {
		if e.tokens < s.cond.MinTokens {
			continue
		}
		if score := s.scorer.Score(text, e.tokens); score >= s.cond.Threshold {
			return Decision{Reason: Reason(s.cond.Kind), Detail: s.cond.String()}
		}
	}
	return Decision{}
}

// match reports whether r matches text. A match that exceeds the timeout
// disables r for the rest of the call.
func (e *Engine) match(r *compiledRegex, text string) bool {
	if r.off {
		return false
	}
	ok, err := r.re.MatchString(text)
	if err != nil {
		r.off = true
		e.log.Warn().Err(err).Str("condition", r.desc).Int("tokens", e.tokens).Msg("stop condition disabled after match timeout")
		return false
	}
	return ok
}
