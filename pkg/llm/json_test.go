package llm

import (
	"testing"
)

func TestExtractJSON_PlainObject(t *testing.T) {
	input := `{"kind": "aggregate", "limit": 50}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected %q, got %q", input, result)
	}
}

func TestExtractJSON_PlainArray(t *testing.T) {
	input := `[{"column": "region"}, {"column": "units_sold"}]`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected %q, got %q", input, result)
	}
}

func TestExtractJSON_NestedObject(t *testing.T) {
	input := `{"aggregate": {"group_by": ["region"], "metrics": [{"fn": "sum"}]}}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected %q, got %q", input, result)
	}
}

func TestExtractJSON_WithThinkTags(t *testing.T) {
	input := `<think>
The question asks for a sum grouped by region.
</think>
{"kind": "aggregate"}`

	expected := `{"kind": "aggregate"}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != expected {
		t.Errorf("expected %q, got %q", expected, result)
	}
}

func TestExtractJSON_WithMarkdownFence(t *testing.T) {
	input := "Here is the plan:\n```json\n{\"kind\": \"list\", \"limit\": 10}\n```"
	expected := `{"kind": "list", "limit": 10}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != expected {
		t.Errorf("expected %q, got %q", expected, result)
	}
}

func TestExtractJSON_WithSurroundingProse(t *testing.T) {
	input := `The answer plan is {"kind": "unsupported"} as requested.`
	expected := `{"kind": "unsupported"}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != expected {
		t.Errorf("expected %q, got %q", expected, result)
	}
}

func TestExtractJSON_BracesInsideStrings(t *testing.T) {
	input := `{"note": "a } inside a string", "ok": true}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected %q, got %q", input, result)
	}
}

func TestExtractJSON_NoJSON(t *testing.T) {
	_, err := ExtractJSON("I cannot answer that question.")
	if err == nil {
		t.Fatal("expected error for response without JSON, got nil")
	}
}

func TestExtractJSON_UnbalancedBraces(t *testing.T) {
	_, err := ExtractJSON(`{"kind": "aggregate"`)
	if err == nil {
		t.Fatal("expected error for unbalanced JSON, got nil")
	}
}

func TestParseJSONResponse(t *testing.T) {
	type plan struct {
		Kind  string `json:"kind"`
		Limit int    `json:"limit"`
	}

	result, err := ParseJSONResponse[plan]("```json\n{\"kind\": \"list\", \"limit\": 25}\n```")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != "list" {
		t.Errorf("Kind = %q, want %q", result.Kind, "list")
	}
	if result.Limit != 25 {
		t.Errorf("Limit = %d, want %d", result.Limit, 25)
	}
}

func TestParseJSONResponse_InvalidShape(t *testing.T) {
	type plan struct {
		Limit int `json:"limit"`
	}

	_, err := ParseJSONResponse[plan](`{"limit": "not a number"}`)
	if err == nil {
		t.Fatal("expected error for mismatched field type, got nil")
	}
}
