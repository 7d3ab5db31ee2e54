package stopping

import (
	"fmt"
	"time"
)

// Criteria describes when a single generation call must end. It is fixed for
// the duration of the call.
type Criteria struct {
	MaxTokens   int
	MaxTime     time.Duration
	IgnoreEOS   bool
	StopStrings []string
	// Conditions holds TokenCondition, PatternCondition, GrammarTrigger and
	// SemanticCondition values. Evaluation order between kinds is fixed;
	// within a kind it follows slice order.
	Conditions   []Condition
	ContextAware bool
	Dynamic      *DynamicTimeout
}

// Condition is one configured stopping rule.
type Condition interface {
	stage() int
	String() string
}

// TokenMode controls whether the matching token is kept in the output.
type TokenMode int

const (
	StopOnToken TokenMode = iota
	StopAfterToken
)

// ParseTokenMode accepts "stop_on_token" (also the empty string) and "stop_after_token".
func ParseTokenMode(s string) (TokenMode, error) {
	switch s {
	case "", "stop_on_token":
		return StopOnToken, nil
	case "stop_after_token":
		return StopAfterToken, nil
	}
	return 0, fmt.Errorf("unknown token condition mode %q", s)
}

// TokenCondition stops when the latest token id equals TokenID.
type TokenCondition struct {
	TokenID int32
	Mode    TokenMode
}

// MatchType selects whole-text or substring regex matching.
type MatchType int

const (
	MatchPartial MatchType = iota
	MatchFull
)

func ParseMatchType(s string) (MatchType, error) {
	switch s {
	case "", "partial":
		return MatchPartial, nil
	case "full":
		return MatchFull, nil
	}
	return 0, fmt.Errorf("unknown match_type %q", s)
}

// PatternCondition is a regex evaluated against the cumulative text.
type PatternCondition struct {
	Pattern string
	Match   MatchType
}

// TriggerKind is the grammar trigger flavor.
type TriggerKind int

const (
	TriggerWord TriggerKind = iota
	TriggerPattern
	TriggerPatternFull
)

func ParseTriggerKind(s string) (TriggerKind, error) {
	switch s {
	case "word":
		return TriggerWord, nil
	case "", "pattern":
		return TriggerPattern, nil
	case "pattern_full":
		return TriggerPatternFull, nil
	}
	return 0, fmt.Errorf("unknown grammar trigger type %q", s)
}

// GrammarTrigger stops on a whole word or on a regex.
type GrammarTrigger struct {
	Kind  TriggerKind
	Value string
}

// SemanticKind names a heuristic scorer.
type SemanticKind string

const (
	CompletionDetection SemanticKind = "completion_detection"
	RepetitionDetection SemanticKind = "repetition_detection"
	CoherenceBreak      SemanticKind = "coherence_break"
)

// SemanticCondition stops once the scorer for Kind reaches Threshold.
// Evaluation is skipped until MinTokens tokens have been produced.
type SemanticCondition struct {
	Kind      SemanticKind
	Threshold float64
	MinTokens int
}

func (TokenCondition) stage() int    { return stageToken }
func (PatternCondition) stage() int  { return stagePattern }
func (GrammarTrigger) stage() int    { return stageGrammar }
func (SemanticCondition) stage() int { return stageSemantic }

func (c TokenCondition) String() string { return fmt.Sprintf("token(%d)", c.TokenID) }
func (c PatternCondition) String() string {
	if c.Match == MatchFull {
		return "pattern_full(" + c.Pattern + ")"
	}
	return "pattern(" + c.Pattern + ")"
}
func (c GrammarTrigger) String() string {
	switch c.Kind {
	case TriggerWord:
		return "word(" + c.Value + ")"
	case TriggerPatternFull:
		return "trigger_full(" + c.Value + ")"
	}
	return "trigger(" + c.Value + ")"
}
func (c SemanticCondition) String() string { return fmt.Sprintf("%s>=%.2f", c.Kind, c.Threshold) }

const (
	stageToken = iota + 3
	stagePattern
	stageGrammar
	stageSemantic
)

// DynamicTimeout grows the deadline with output length up to Max.
type DynamicTimeout struct {
	Base       time.Duration
	TokenScale time.Duration
	Max        time.Duration
}

// Deadline returns min(Max, Base + TokenScale*tokens). A zero Max leaves the
// deadline uncapped.
func (d DynamicTimeout) Deadline(tokens int) time.Duration {
	dl := d.Base + time.Duration(tokens)*d.TokenScale
	if d.Max > 0 && dl > d.Max {
		return d.Max
	}
	return dl
}

// Reason is why a generation stopped.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonMaxTokens  Reason = "max_tokens"
	ReasonTimeout    Reason = "timeout"
	ReasonToken      Reason = "token"
	ReasonEOS        Reason = "eos"
	ReasonStopString Reason = "stop_string"
	ReasonPattern    Reason = "pattern"
	ReasonGrammar    Reason = "grammar"
	// Semantic stops report the SemanticKind as the reason.
)

// Decision is the engine state after an observation.
type Decision struct {
	Reason Reason
	Detail string
}

func (d Decision) Stopped() bool { return d.Reason != ReasonNone }
