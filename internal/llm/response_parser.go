package llm

import (
	"encoding/json"
	"strings"
)

// CleanJSONResponse removes common formatting noise from model JSON output:
// markdown code fences and surrounding whitespace.
func CleanJSONResponse(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}

// ExtractJSONArray attempts to extract and parse a JSON array from a model
// response. It first tries the cleaned response directly, then the content
// between the outermost brackets.
func ExtractJSONArray[T any](response string) ([]T, error) {
	trimmed := strings.TrimSpace(response)

	cleaned := CleanJSONResponse(trimmed)
	var result []T
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		return result, nil
	}

	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start >= 0 && end > start {
		snippet := trimmed[start : end+1]
		if err := json.Unmarshal([]byte(snippet), &result); err == nil {
			return result, nil
		}
	}

	return nil, &JSONParseError{Response: response, Message: "could not parse JSON array"}
}

// ExtractJSON extracts a JSON object from a response using the same flexible
// strategies as ExtractJSONArray.
func ExtractJSON[T any](response string, target T) error {
	trimmed := strings.TrimSpace(response)

	cleaned := CleanJSONResponse(trimmed)
	if err := json.Unmarshal([]byte(cleaned), target); err == nil {
		return nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		snippet := trimmed[start : end+1]
		if err := json.Unmarshal([]byte(snippet), target); err == nil {
			return nil
		}
	}

	return &JSONParseError{Response: response, Message: "could not parse JSON object"}
}

// JSONParseError reports a model response that could not be parsed as JSON.
type JSONParseError struct {
	Response string
	Message  string
}

func (e *JSONParseError) Error() string {
	return e.Message + ": " + TruncateForError(e.Response, 200)
}

// TruncateForError truncates a string for error messages.
func TruncateForError(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit]) + "..."
}
