// Package llmjson recovers structured output from untrusted model text.
//
// Small local models rarely return the clean JSON they were asked for: they
// wrap it in reasoning traces (<think>…</think>), markdown code fences,
// explanatory prose, or cut it off mid-string when they hit a token limit.
// This package applies a fixed recovery ladder so callers either get a
// usable value or a typed error they can replace with a fallback — parsing
// never panics and never needs a second model call.
package llmjson

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// thinkRE matches reasoning-trace blocks some models emit around answers.
// (?s) lets . span newlines; the non-greedy body keeps multiple blocks from
// merging into one match.
var thinkRE = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripReasoning removes <think>…</think> blocks and trims the remainder.
// An unterminated trailing <think> block (truncated generation) is removed
// to the end of the text.
func StripReasoning(s string) string {
	s = thinkRE.ReplaceAllString(s, "")
	if i := strings.Index(s, "<think>"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// stripCodeFences removes markdown code-fence markers (```json … ```)
// without touching the fenced content.
func stripCodeFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// extractArray returns the first bracket-delimited substring that looks like
// a JSON array, so surrounding prose does not break the parse. When no
// closing bracket exists (truncated output), the text from the opening
// bracket onward is returned for repair.
func extractArray(s string) string {
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return s
	}
	end := strings.LastIndexByte(s, ']')
	if end > start {
		return s[start : end+1]
	}
	return s[start:]
}

// repairTruncated closes an array that starts with '[' but lost its closing
// bracket: an unterminated trailing string is closed first, then the
// bracket appended. Input that is not a truncated array passes through
// unchanged.
func repairTruncated(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || strings.HasSuffix(s, "]") {
		return s
	}
	s = strings.TrimRight(s, ", \t\n")
	if !strings.HasSuffix(s, `"`) {
		s += `"`
	}
	return s + "]"
}

// ParseStringArray runs the full recovery ladder over raw model output and
// parses it as a JSON array of strings:
//
//  1. strip reasoning-trace blocks
//  2. strip code-fence markers
//  3. extract the first array-looking substring
//  4. repair an unterminated array
//  5. parse
//
// Non-string array elements are stringified rather than rejected. On any
// remaining failure an error is returned; callers substitute their
// stage-specific fallback values.
func ParseStringArray(raw string) ([]string, error) {
	clean := StripReasoning(raw)
	clean = stripCodeFences(clean)
	clean = extractArray(clean)
	clean = repairTruncated(clean)

	var items []any
	if err := json.Unmarshal([]byte(clean), &items); err != nil {
		return nil, fmt.Errorf("llmjson: parse array: %w", err)
	}

	out := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			out = append(out, v)
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	return out, nil
}
