package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// ExtractJSON returns the JSON object embedded in a model response, which
// may be wrapped in a markdown fence or surrounded by prose.
func ExtractJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if m := fencedJSON.FindStringSubmatch(text); len(m) > 1 {
		return m[1], true
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// DecodeJSON extracts and decodes the JSON object in text into T.
func DecodeJSON[T any](text string) (T, error) {
	var out T
	raw, ok := ExtractJSON(text)
	if !ok {
		return out, fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("decode response JSON: %w", err)
	}
	return out, nil
}
