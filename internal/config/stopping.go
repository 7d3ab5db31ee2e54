package config

import (
	"time"

	"github.com/tidwall/gjson"

	"nnbackend/internal/nnerr"
	"nnbackend/internal/stopping"
)

const defaultRepetitionThreshold = 0.6

// stopping resolves the stopping section. Condition kinds present in the
// input replace the same kind in c; absent kinds are kept.
func (r *resolver) stopping(root gjson.Result, c *stopping.Criteria) error {
	st := nestedOnly(root, "stopping")
	loose := sectionOf(root, "stopping")

	r.intIn(st, &c.MaxTokens, 0, 1<<20, "max_tokens")
	maxTime := c.MaxTime
	r.msIn(st, &maxTime, 0, 3_600_000, "max_time_ms")
	if v := root.Get("timeout_config.max_inference_time_ms"); v.Exists() && !st.nested.Get("max_time_ms").Exists() {
		r.msIn(section{flat: root}, &maxTime, 0, 3_600_000, "timeout_config.max_inference_time_ms")
	}
	c.MaxTime = maxTime

	eos := section{nested: st.nested, flat: root.Get("sampling")}
	r.boolean(section{flat: root}, &c.IgnoreEOS, "ignore_eos")
	r.boolean(eos, &c.IgnoreEOS, "ignore_eos")

	if v, _ := loose.get("stop", "stop_sequences"); v.Exists() {
		if !v.IsArray() {
			return nnerr.New(nnerr.InvalidArgument, "config", "stop must be an array of strings")
		}
		c.StopStrings = stringList(v)
	}

	if dyn := st.nested.Get("dynamic_timeout"); dyn.Exists() {
		if !dyn.IsObject() {
			return nnerr.New(nnerr.InvalidArgument, "config", "dynamic_timeout must be an object")
		}
		d := stopping.DynamicTimeout{
			Base:       msFloat(dyn.Get("base_ms")),
			TokenScale: msFloat(dyn.Get("token_scale")),
			Max:        msFloat(dyn.Get("max_ms")),
		}
		if d.Base < 0 || d.TokenScale < 0 || d.Max < 0 {
			return nnerr.New(nnerr.InvalidArgument, "config", "dynamic_timeout values must be non-negative")
		}
		c.Dynamic = &d
		if !st.nested.Get("context_aware").Exists() {
			c.ContextAware = true
		}
	}
	r.boolean(st, &c.ContextAware, "context_aware")

	kinds := splitConditions(c.Conditions)
	if v := st.nested.Get("token_conditions"); v.Exists() {
		conds, err := tokenConditions(v)
		if err != nil {
			return err
		}
		kinds.token = conds
	}
	if v := st.nested.Get("pattern_conditions"); v.Exists() {
		conds, err := patternConditions(v)
		if err != nil {
			return err
		}
		kinds.pattern = conds
	}
	if v := st.nested.Get("grammar_triggers"); v.Exists() {
		conds, err := grammarTriggers(v)
		if err != nil {
			return err
		}
		kinds.grammar = conds
	}
	if v := st.nested.Get("semantic_conditions"); v.Exists() {
		conds, err := semanticConditions(v)
		if err != nil {
			return err
		}
		kinds.semantic = conds
	} else if v := root.Get("semantic_stopping"); v.IsObject() {
		kinds.semantic = semanticStopping(v)
	}
	c.Conditions = kinds.join()
	return nil
}

func msFloat(v gjson.Result) time.Duration {
	return time.Duration(v.Float() * float64(time.Millisecond))
}

type conditionKinds struct {
	token, pattern, grammar, semantic []stopping.Condition
}

func splitConditions(in []stopping.Condition) conditionKinds {
	var k conditionKinds
	for _, c := range in {
		switch c.(type) {
		case stopping.TokenCondition:
			k.token = append(k.token, c)
		case stopping.PatternCondition:
			k.pattern = append(k.pattern, c)
		case stopping.GrammarTrigger:
			k.grammar = append(k.grammar, c)
		case stopping.SemanticCondition:
			k.semantic = append(k.semantic, c)
		}
	}
	return k
}

func (k conditionKinds) join() []stopping.Condition {
	n := len(k.token) + len(k.pattern) + len(k.grammar) + len(k.semantic)
	if n == 0 {
		return nil
	}
	out := make([]stopping.Condition, 0, n)
	out = append(out, k.token...)
	out = append(out, k.pattern...)
	out = append(out, k.grammar...)
	return append(out, k.semantic...)
}

func badCondition(kind string, i int, format string, args ...any) error {
	return nnerr.New(nnerr.InvalidArgument, "config", "stopping.%s[%d]: "+format, append([]any{kind, i}, args...)...)
}

func tokenConditions(v gjson.Result) ([]stopping.Condition, error) {
	if !v.IsArray() {
		return nil, nnerr.New(nnerr.InvalidArgument, "config", "stopping.token_conditions must be an array")
	}
	var out []stopping.Condition
	for i, e := range v.Array() {
		id, ok := integer(e.Get("token_id"))
		if !ok {
			return nil, badCondition("token_conditions", i, "token_id must be an integer")
		}
		mode, err := stopping.ParseTokenMode(e.Get("mode").String())
		if err != nil {
			return nil, badCondition("token_conditions", i, "%v", err)
		}
		out = append(out, stopping.TokenCondition{TokenID: int32(id), Mode: mode})
	}
	return out, nil
}

func patternConditions(v gjson.Result) ([]stopping.Condition, error) {
	if !v.IsArray() {
		return nil, nnerr.New(nnerr.InvalidArgument, "config", "stopping.pattern_conditions must be an array")
	}
	var out []stopping.Condition
	for i, e := range v.Array() {
		if e.Type == gjson.String {
			out = append(out, stopping.PatternCondition{Pattern: e.Str})
			continue
		}
		p := e.Get("pattern")
		if p.Type != gjson.String || p.Str == "" {
			return nil, badCondition("pattern_conditions", i, "pattern is required")
		}
		mt, err := stopping.ParseMatchType(e.Get("match_type").String())
		if err != nil {
			return nil, badCondition("pattern_conditions", i, "%v", err)
		}
		out = append(out, stopping.PatternCondition{Pattern: p.Str, Match: mt})
	}
	return out, nil
}

// grammarTriggers accepts [{type, value}] or {enabled, patterns: [...]}.
func grammarTriggers(v gjson.Result) ([]stopping.Condition, error) {
	if v.IsObject() {
		if en := v.Get("enabled"); en.Exists() && !en.Bool() {
			return nil, nil
		}
		var out []stopping.Condition
		for _, p := range stringList(v.Get("patterns")) {
			out = append(out, stopping.GrammarTrigger{Kind: stopping.TriggerPattern, Value: p})
		}
		return out, nil
	}
	if !v.IsArray() {
		return nil, nnerr.New(nnerr.InvalidArgument, "config", "stopping.grammar_triggers must be an array or object")
	}
	var out []stopping.Condition
	for i, e := range v.Array() {
		kind, err := stopping.ParseTriggerKind(e.Get("type").String())
		if err != nil {
			return nil, badCondition("grammar_triggers", i, "%v", err)
		}
		val := e.Get("value")
		if val.Type != gjson.String || val.Str == "" {
			return nil, badCondition("grammar_triggers", i, "value is required")
		}
		out = append(out, stopping.GrammarTrigger{Kind: kind, Value: val.Str})
	}
	return out, nil
}

func semanticConditions(v gjson.Result) ([]stopping.Condition, error) {
	if !v.IsArray() {
		return nil, nnerr.New(nnerr.InvalidArgument, "config", "stopping.semantic_conditions must be an array")
	}
	var out []stopping.Condition
	for i, e := range v.Array() {
		typ := e.Get("type")
		if typ.Type != gjson.String || typ.Str == "" {
			return nil, badCondition("semantic_conditions", i, "type is required")
		}
		th := e.Get("threshold")
		if th.Type != gjson.Number || th.Num < 0 || th.Num > 1 {
			return nil, badCondition("semantic_conditions", i, "threshold must be a number in [0,1]")
		}
		minTok, _ := integer(e.Get("min_tokens"))
		out = append(out, stopping.SemanticCondition{
			Kind:      stopping.SemanticKind(typ.Str),
			Threshold: th.Num,
			MinTokens: int(minTok),
		})
	}
	return out, nil
}

func semanticStopping(v gjson.Result) []stopping.Condition {
	if en := v.Get("enabled"); en.Exists() && !en.Bool() {
		return nil
	}
	var out []stopping.Condition
	if th := v.Get("completion_confidence_threshold"); th.Type == gjson.Number && th.Num >= 0 && th.Num <= 1 {
		out = append(out, stopping.SemanticCondition{Kind: stopping.CompletionDetection, Threshold: th.Num})
	}
	if v.Get("repetition_detection").Bool() {
		out = append(out, stopping.SemanticCondition{Kind: stopping.RepetitionDetection, Threshold: defaultRepetitionThreshold})
	}
	return out
}
