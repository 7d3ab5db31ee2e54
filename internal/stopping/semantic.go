package stopping

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Scorer returns a heuristic score in [0,1] for the text generated so far.
type Scorer interface {
	Score(text string, tokens int) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(text string, tokens int) float64

func (f ScorerFunc) Score(text string, tokens int) float64 { return f(text, tokens) }

// DefaultScorers returns the built-in heuristics keyed by kind.
func DefaultScorers() map[SemanticKind]Scorer {
	return map[SemanticKind]Scorer{
		CompletionDetection: ScorerFunc(completionScore),
		RepetitionDetection: ScorerFunc(repetitionScore),
		CoherenceBreak:      ScorerFunc(coherenceScore),
	}
}

var closingPhrases = []string{
	"in conclusion",
	"in summary",
	"to summarize",
	"hope this helps",
	"let me know if",
	"the end",
}

// completionScore rewards terminal punctuation, closing phrases near the end
// and balanced delimiters.
func completionScore(text string, _ int) float64 {
	t := strings.TrimRight(text, " \t")
	if t == "" {
		return 0
	}
	score := 0.0
	switch {
	case strings.HasSuffix(t, "\n\n"):
		score = 0.7
	default:
		r, _ := utf8.DecodeLastRuneInString(strings.TrimRight(t, "\n\"')"))
		if r == '.' || r == '!' || r == '?' {
			score = 0.6
		}
	}
	tail := strings.ToLower(t)
	if len(tail) > 120 {
		tail = tail[len(tail)-120:]
	}
	for _, p := range closingPhrases {
		if strings.Contains(tail, p) {
			score += 0.3
			break
		}
	}
	if score > 0 && balanced(t) {
		score += 0.1
	}
	return clamp01(score)
}

func balanced(s string) bool {
	return strings.Count(s, "(") == strings.Count(s, ")") &&
		strings.Count(s, "[") == strings.Count(s, "]") &&
		strings.Count(s, "{") == strings.Count(s, "}") &&
		strings.Count(s, "\"")%2 == 0 &&
		strings.Count(s, "```")%2 == 0
}

const repetitionN = 3

// repetitionScore is the share of word trigrams that repeat an earlier one.
func repetitionScore(text string, _ int) float64 {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 2*repetitionN {
		return 0
	}
	seen := make(map[string]struct{}, len(words))
	total, repeated := 0, 0
	for i := 0; i+repetitionN <= len(words); i++ {
		k := strings.Join(words[i:i+repetitionN], " ")
		total++
		if _, ok := seen[k]; ok {
			repeated++
			continue
		}
		seen[k] = struct{}{}
	}
	return float64(repeated) / float64(total)
}

const coherenceWindow = 64

// coherenceScore is the share of noise runes in the trailing window: invalid
// or control characters and runs of one non-space rune longer than three.
func coherenceScore(text string, _ int) float64 {
	runes := []rune(text)
	if len(runes) > coherenceWindow {
		runes = runes[len(runes)-coherenceWindow:]
	}
	if len(runes) == 0 {
		return 0
	}
	noise, run := 0, 0
	var prev rune
	for i, r := range runes {
		if i > 0 && r == prev && !unicode.IsSpace(r) {
			run++
		} else {
			run = 1
		}
		prev = r
		switch {
		case r == utf8.RuneError:
			noise++
		case unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r':
			noise++
		case run > 3:
			noise++
		}
	}
	return clamp01(float64(noise) / float64(len(runes)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
