package state

import (
	"encoding/json"
	"regexp"
)

// templatePattern matches {{ dotted.path }} tokens, whitespace tolerant.
var templatePattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render substitutes {{path}} tokens in s with values looked up in the bag.
// Surrounding literal text is preserved. Tokens whose path resolves to nil
// are left in place so callers can detect unresolved templates downstream.
func (b Bag) Render(s string) string {
	return templatePattern.ReplaceAllStringFunc(s, func(token string) string {
		path := templatePattern.FindStringSubmatch(token)[1]
		value := b.Get(path)
		if value == nil {
			return token
		}
		return Stringify(value)
	})
}

// RenderValue walks a JSON-shaped value and renders every string with the
// bag. Maps and lists are copied, non-string scalars pass through.
func (b Bag) RenderValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case string:
		return b.Render(tv)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, item := range tv {
			out[k] = b.RenderValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[i] = b.RenderValue(item)
		}
		return out
	default:
		return v
	}
}

// HasTemplate reports whether s still contains a {{...}} token.
func HasTemplate(s string) bool {
	return templatePattern.MatchString(s)
}

// StripTemplates walks a JSON-shaped value and replaces every string that
// still contains a {{...}} token with nil, so unresolved placeholders never
// leave the process in an outbound payload. Pure-template strings and
// strings with surrounding text both collapse to nil. Non-string scalars
// pass through unchanged.
func StripTemplates(v interface{}) interface{} {
	switch tv := v.(type) {
	case string:
		if HasTemplate(tv) {
			return nil
		}
		return tv
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, item := range tv {
			out[k] = StripTemplates(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[i] = StripTemplates(item)
		}
		return out
	default:
		return v
	}
}

func stringifyComplex(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
