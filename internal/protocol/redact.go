package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Redaction limits. Payloads that failed validation are logged for
// diagnosis, but never verbatim: secrets are masked and size is bounded so a
// hostile agent cannot blow up the log stream.
const (
	redactMaxDepth  = 4
	redactMaxArray  = 50
	redactMaxString = 2000
)

var sensitiveKey = regexp.MustCompile(`(?i)(token|authorization|secret|password)`)

// RedactPayload decodes a raw frame and returns a log-safe representation:
// sensitive keys masked, strings and arrays truncated, nesting capped.
// Frames that are not valid JSON come back as a truncated string.
// Pure function; safe to unit-test in isolation.
func RedactPayload(data []byte) any {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return truncateString(string(data))
	}
	return redactValue(v, 0)
}

func redactValue(v any, depth int) any {
	switch t := v.(type) {
	case map[string]any:
		if depth >= redactMaxDepth {
			return fmt.Sprintf("[object: %d keys]", len(t))
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKey.MatchString(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = redactValue(val, depth+1)
		}
		return out

	case []any:
		if depth >= redactMaxDepth {
			return fmt.Sprintf("[array: %d items]", len(t))
		}
		n := len(t)
		truncated := false
		if n > redactMaxArray {
			n = redactMaxArray
			truncated = true
		}
		out := make([]any, 0, n+1)
		for i := 0; i < n; i++ {
			out = append(out, redactValue(t[i], depth+1))
		}
		if truncated {
			out = append(out, fmt.Sprintf("[+%d more]", len(t)-redactMaxArray))
		}
		return out

	case string:
		return truncateString(t)

	default:
		return v
	}
}

func truncateString(s string) string {
	if len(s) <= redactMaxString {
		return s
	}
	return s[:redactMaxString] + fmt.Sprintf("…[truncated %d bytes]", len(s)-redactMaxString)
}
