package tracing

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// State snapshots leave the engine masked, never raw. Two layers apply:
// field names that look like PII get their whole value replaced by a
// hash marker, and remaining free text is scrubbed for emails, phone
// numbers and URL credentials. Non-string primitives under innocent
// field names pass through untouched so numeric traces stay readable.

var (
	piiFieldPattern = regexp.MustCompile(`(?i)^(.*(e[-_]?mail|phone|mobile|telephone|address|street|zip[-_]?code|postal[-_]?code|ssn|passport|birth[-_]?date|dob|credit[-_]?card|card[-_]?number|iban).*|(first|last|full|middle|user|nick|sur)[-_]?name|name)$`)

	emailPattern   = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`)
	phonePattern   = regexp.MustCompile(`\b(\+\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	urlCredPattern = regexp.MustCompile(`([A-Za-z][A-Za-z0-9+.-]*://)[^/@\s]+@`)
)

// sensitiveHeaders are never written into webhook trace details.
var sensitiveHeaders = []string{"authorization", "x-api-key", "cookie", "x-auth-token"}

// MaskState returns a deep copy of a state snapshot with PII masked.
// The input is never modified.
func MaskState(state map[string]interface{}) map[string]interface{} {
	if state == nil {
		return nil
	}
	masked := make(map[string]interface{}, len(state))
	for key, value := range state {
		masked[key] = maskField(key, value)
	}
	return masked
}

// maskField masks one field. A PII-looking field name wins over type:
// its value is replaced wholesale by a hash marker so nothing nested
// inside can leak.
func maskField(key string, value interface{}) interface{} {
	if piiFieldPattern.MatchString(key) {
		return hashMarker(value)
	}

	switch v := value.(type) {
	case map[string]interface{}:
		return MaskState(v)
	case []interface{}:
		masked := make([]interface{}, len(v))
		for i, item := range v {
			masked[i] = maskField("", item)
		}
		return masked
	case string:
		return ScrubText(v)
	default:
		return value
	}
}

// hashMarker replaces a value with a stable masked form. The first 8
// hex chars of the SHA-256 let operators correlate equal values across
// steps without revealing them.
func hashMarker(value interface{}) string {
	var text string
	switch v := value.(type) {
	case string:
		text = v
	case nil:
		text = ""
	default:
		if raw, err := json.Marshal(v); err == nil {
			text = string(raw)
		} else {
			text = fmt.Sprintf("%v", v)
		}
	}
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("[MASKED:%x]", sum[:4])
}

// ScrubText removes PII patterns from free text. URL credentials are
// scrubbed first so the email pass does not mangle them.
func ScrubText(text string) string {
	text = urlCredPattern.ReplaceAllString(text, "${1}***@")
	text = emailPattern.ReplaceAllString(text, "[EMAIL]")
	text = phonePattern.ReplaceAllString(text, "[PHONE]")
	return text
}

// RedactHeaders copies a header map with credential-bearing headers
// replaced by a placeholder.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	redacted := make(map[string]string, len(headers))
	for name, value := range headers {
		if isSensitiveHeader(name) {
			redacted[name] = "[REDACTED]"
		} else {
			redacted[name] = value
		}
	}
	return redacted
}

func isSensitiveHeader(name string) bool {
	for _, h := range sensitiveHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// MaskURLCredentials hides the userinfo part of a URL before it is
// traced.
func MaskURLCredentials(rawURL string) string {
	return urlCredPattern.ReplaceAllString(rawURL, "${1}***@")
}

// maxTracedBody caps webhook response bodies stored in trace details.
const maxTracedBody = 1024

// previewLen is how much of an oversized body survives as preview.
const previewLen = 256

// SummarizeBody renders a webhook response body for trace storage.
// Bodies within the cap are kept as parsed JSON when possible, raw
// string otherwise. Oversized bodies collapse to a truncation envelope.
func SummarizeBody(body []byte) interface{} {
	if len(body) == 0 {
		return nil
	}
	if len(body) > maxTracedBody {
		return map[string]interface{}{
			"_truncated":  true,
			"_size_bytes": len(body),
			"_preview":    string(body[:previewLen]),
		}
	}
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed
	}
	return string(body)
}
