package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON returns the first JSON object or array in model output.
// Markdown code fences and surrounding prose are stripped.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", ErrNoJSON
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return "", ErrNoJSON
	}
	return text[start : end+1], nil
}

// DecodeJSON extracts and unmarshals the JSON value in model output into v.
func DecodeJSON(text string, v any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding model JSON: %w", err)
	}
	return nil
}
