package jsonrepair

import (
	"context"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

// Stage names the extraction step that produced a result.
type Stage int

const (
	StageAsIs Stage = iota
	StageFenceStripped
	StageBalancedExtraction
	StageFirstLastBrace
)

func (s Stage) String() string {
	switch s {
	case StageAsIs:
		return "as_is"
	case StageFenceStripped:
		return "fence_stripped"
	case StageBalancedExtraction:
		return "balanced_extraction"
	case StageFirstLastBrace:
		return "first_last_brace"
	default:
		return "unknown"
	}
}

// IsStructured reports whether s is valid JSON whose top-level value is an
// object or an array. Scalars do not count.
func IsStructured(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	return gjson.Valid(trimmed)
}

// isJSON reports whether s as a whole is valid JSON, scalars included.
func isJSON(s string) bool {
	trimmed := strings.TrimSpace(s)
	return trimmed != "" && gjson.Valid(trimmed)
}

// Extract runs the local stages in order and returns the first success.
// Text that already is valid JSON, scalars included, is returned as is; the
// later stages only pull out objects and arrays.
func Extract(text string) (string, Stage, bool) {
	out, stage, ok, _ := extract(context.Background(), text)
	return out, stage, ok
}

func extract(ctx context.Context, text string) (string, Stage, bool, error) {
	if isJSON(text) {
		return text, StageAsIs, true, nil
	}
	if s, ok := stripFences(text); ok && IsStructured(s) {
		return s, StageFenceStripped, true, nil
	}
	s, ok, err := balancedSpan(ctx, text)
	if err != nil {
		return "", 0, false, err
	}
	if ok {
		return s, StageBalancedExtraction, true, nil
	}
	if s, ok := firstLastBrace(text); ok && IsStructured(s) {
		return s, StageFirstLastBrace, true, nil
	}
	return "", 0, false, nil
}

// stripFences removes a leading ``` or ```json line and a trailing ```.
func stripFences(text string) (string, bool) {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return "", false
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// language tag, if any
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(strings.TrimSpace(s), "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s), true
}

// span is a bracket-balanced region text[start:end+1].
type span struct {
	start, end int
}

// balancedSpan returns the leftmost bracket-balanced {...} or [...] span
// that parses. Brackets inside string literals are ignored.
//
// Spans are collected in one pass and validated leftmost first. Validation
// stops once it has covered validationBudget times the input size.
func balancedSpan(ctx context.Context, text string) (string, bool, error) {
	spans := collectSpans(text)
	if len(spans) == 0 {
		return "", false, nil
	}
	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })

	budget := validationBudget * len(text)
	for _, sp := range spans {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		n := sp.end + 1 - sp.start
		if n > budget {
			break
		}
		budget -= n
		if candidate := text[sp.start : sp.end+1]; IsStructured(candidate) {
			return candidate, true, nil
		}
	}
	return "", false, nil
}

const validationBudget = 8

// collectSpans scans text once and returns every balanced span. A closing
// bracket that does not match drops all open brackets. Quotes only start a
// string literal inside an open bracket.
func collectSpans(text string) []span {
	type open struct {
		at    int
		close byte
	}
	var (
		stack    []open
		spans    []span
		inString bool
		escaped  bool
	)

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = len(stack) > 0
		case '{':
			stack = append(stack, open{at: i, close: '}'})
		case '[':
			stack = append(stack, open{at: i, close: ']'})
		case '}', ']':
			if len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			if top.close != c {
				stack = stack[:0]
				continue
			}
			stack = stack[:len(stack)-1]
			spans = append(spans, span{start: top.at, end: i})
		}
	}
	return spans
}

func firstLastBrace(text string) (string, bool) {
	i := strings.IndexByte(text, '{')
	j := strings.LastIndexByte(text, '}')
	if i < 0 || j <= i {
		return "", false
	}
	return text[i : j+1], true
}
