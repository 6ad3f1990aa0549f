package llm

import (
	"testing"
)

func TestParseJSONResponsePlain(t *testing.T) {
	var result map[string]any
	if err := ParseJSONResponse(`{"key": "value", "num": 42}`, &result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("expected key='value', got %v", result["key"])
	}
	if result["num"] != float64(42) {
		t.Errorf("expected num=42, got %v", result["num"])
	}
}

func TestParseJSONResponseWithCodeFence(t *testing.T) {
	var result map[string]any
	text := "```json\n{\"key\": \"value\"}\n```"
	if err := ParseJSONResponse(text, &result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("expected key='value', got %v", result["key"])
	}
}

func TestParseJSONResponseWithPlainFence(t *testing.T) {
	var result map[string]any
	text := "```\n{\"key\": \"value\"}\n```"
	if err := ParseJSONResponse(text, &result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("expected key='value', got %v", result["key"])
	}
}

func TestParseJSONResponseLoneFence(t *testing.T) {
	var result map[string]any
	if err := ParseJSONResponse("```", &result); err == nil {
		t.Error("expected error for a fence with no payload")
	}
}

func TestParseJSONResponseInvalid(t *testing.T) {
	var result map[string]any
	if err := ParseJSONResponse("not json at all", &result); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseJSONResponseEmpty(t *testing.T) {
	var result map[string]any
	if err := ParseJSONResponse("", &result); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestParseJSONResponseWhitespace(t *testing.T) {
	var result map[string]any
	if err := ParseJSONResponse("  \n  {\"key\": \"value\"}  \n  ", &result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("expected key='value', got %v", result["key"])
	}
}

func TestParseCandidatesShapes(t *testing.T) {
	wrapped := `{"recommendations": [{"title": "A", "content": "B", "rationale": "C"}]}`
	got, err := parseCandidates(wrapped)
	if err != nil || len(got) != 1 || got[0].Body != "B" {
		t.Fatalf("wrapped: got %+v, err %v", got, err)
	}

	bare := "```json\n[{\"title\": \"A\", \"content\": \"B\", \"rationale\": \"C\"}, {\"title\": \"D\"}]\n```"
	got, err = parseCandidates(bare)
	if err != nil || len(got) != 2 || got[1].Title != "D" {
		t.Fatalf("bare: got %+v, err %v", got, err)
	}

	if _, err := parseCandidates(`{"something": "else"}`); err == nil {
		t.Error("expected error for an object without recommendations")
	}
}
