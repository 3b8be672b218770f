package llmjson_test

import (
	"testing"

	"github.com/MrWong99/shelfwise/internal/llmjson"
)

// TestParseStringArray_Clean verifies a well-formed array parses as-is.
func TestParseStringArray_Clean(t *testing.T) {
	got, err := llmjson.ParseStringArray(`["a", "b", "c"]`)
	if err != nil {
		t.Fatalf("ParseStringArray: %v", err)
	}
	want := []string{"a", "b", "c"}
	assertEqual(t, got, want)
}

// TestParseStringArray_ThinkBlock verifies reasoning traces are stripped
// before parsing.
func TestParseStringArray_ThinkBlock(t *testing.T) {
	got, err := llmjson.ParseStringArray(`<think>x</think>["a","b"]`)
	if err != nil {
		t.Fatalf("ParseStringArray: %v", err)
	}
	assertEqual(t, got, []string{"a", "b"})
}

// TestParseStringArray_CodeFence verifies markdown fences are stripped.
func TestParseStringArray_CodeFence(t *testing.T) {
	raw := "```json\n[\"one\", \"two\"]\n```"
	got, err := llmjson.ParseStringArray(raw)
	if err != nil {
		t.Fatalf("ParseStringArray: %v", err)
	}
	assertEqual(t, got, []string{"one", "two"})
}

// TestParseStringArray_SurroundingProse verifies the first array-looking
// substring is extracted from chatter.
func TestParseStringArray_SurroundingProse(t *testing.T) {
	raw := `Sure! Here are the reasons: ["r1", "r2"] Hope that helps.`
	got, err := llmjson.ParseStringArray(raw)
	if err != nil {
		t.Fatalf("ParseStringArray: %v", err)
	}
	assertEqual(t, got, []string{"r1", "r2"})
}

// TestParseStringArray_Truncated verifies that output cut off mid-string is
// repaired into a parseable list with at least one element, never an error.
func TestParseStringArray_Truncated(t *testing.T) {
	got, err := llmjson.ParseStringArray(`["a", "b`)
	if err != nil {
		t.Fatalf("ParseStringArray: %v", err)
	}
	if len(got) < 1 {
		t.Fatalf("expected at least one recovered element, got %v", got)
	}
	if got[0] != "a" {
		t.Errorf("first element: got %q, want %q", got[0], "a")
	}
}

// TestParseStringArray_TruncatedAfterComma verifies a trailing comma does
// not defeat the repair.
func TestParseStringArray_TruncatedAfterComma(t *testing.T) {
	got, err := llmjson.ParseStringArray(`["a", "b",`)
	if err != nil {
		t.Fatalf("ParseStringArray: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("expected at least two recovered elements, got %v", got)
	}
}

// TestParseStringArray_NonStringElements verifies numbers inside the array
// are stringified rather than rejected.
func TestParseStringArray_NonStringElements(t *testing.T) {
	got, err := llmjson.ParseStringArray(`["a", 2]`)
	if err != nil {
		t.Fatalf("ParseStringArray: %v", err)
	}
	assertEqual(t, got, []string{"a", "2"})
}

// TestParseStringArray_Garbage verifies unrecoverable input returns an
// error instead of panicking.
func TestParseStringArray_Garbage(t *testing.T) {
	for _, raw := range []string{"", "no array here", "<think>only thoughts", "{}"} {
		if _, err := llmjson.ParseStringArray(raw); err == nil {
			t.Errorf("input %q: expected error, got nil", raw)
		}
	}
}

// TestStripReasoning_UnterminatedBlock verifies a truncated trailing think
// block is dropped entirely.
func TestStripReasoning_UnterminatedBlock(t *testing.T) {
	got := llmjson.StripReasoning("answer <think>still going")
	if got != "answer" {
		t.Errorf("got %q, want %q", got, "answer")
	}
}

func assertEqual(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d: got %q, want %q", i, got[i], want[i])
		}
	}
}
