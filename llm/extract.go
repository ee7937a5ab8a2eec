package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ============================================================================
// STRUCTURED OUTPUT EXTRACTION
// ============================================================================

var fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// ParseOutput extracts structured output from raw model text. It tries a
// fenced JSON block, then the outermost brace span. String fallbacks degrade
// to the trimmed raw text; other fallbacks are returned as-is on failure.
// A decoded object with an "output" key unwraps to that key's value.
func ParseOutput(text string, fallback interface{}) interface{} {
	_, wantString := fallback.(string)

	jsonStr := ""
	if m := fencedJSONPattern.FindStringSubmatch(text); m != nil {
		jsonStr = m[1]
	} else {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start != -1 && end > start {
			jsonStr = text[start : end+1]
		}
	}

	if jsonStr == "" {
		if wantString {
			return strings.TrimSpace(text)
		}
		return fallback
	}

	var data interface{}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		if wantString {
			return strings.TrimSpace(text)
		}
		return fallback
	}

	if obj, ok := data.(map[string]interface{}); ok {
		if inner, ok := obj["output"]; ok {
			return inner
		}
	}
	return data
}
