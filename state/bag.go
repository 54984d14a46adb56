// Package state implements the hierarchical session state bag: a JSON-shaped
// map navigated by dotted paths, with deep-merge semantics and template
// substitution for flow-authored strings.
package state

import (
	"strconv"
	"strings"
)

// Reserved top-level namespaces of every session state bag.
const (
	RootUser    = "user"    // identity and preferences, persists across the session
	RootTemp    = "temp"    // per-flow scratch space, cleared on session end
	RootContext = "context" // runtime-provided identifiers injected at session start
)

// Bag is a hierarchical state map. Values are JSON-shaped: nil, bool,
// float64/int, string, []interface{} or map[string]interface{}.
type Bag map[string]interface{}

// NewBag returns a bag with the reserved roots initialized to empty maps.
func NewBag() Bag {
	return Bag{
		RootUser:    map[string]interface{}{},
		RootTemp:    map[string]interface{}{},
		RootContext: map[string]interface{}{},
	}
}

// EnsureRoots initializes any missing reserved root with an empty map.
func (b Bag) EnsureRoots() {
	for _, root := range []string{RootUser, RootTemp, RootContext} {
		if _, ok := b[root]; !ok {
			b[root] = map[string]interface{}{}
		}
	}
}

// Get resolves a dotted path against the bag. Missing paths and traversals
// through non-map values return nil.
func (b Bag) Get(path string) interface{} {
	if path == "" {
		return nil
	}
	var current interface{} = map[string]interface{}(b)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// GetString resolves a dotted path and stringifies the result.
// Missing paths return the empty string.
func (b Bag) GetString(path string) string {
	return Stringify(b.Get(path))
}

// Set writes a value at a dotted path, creating intermediate maps as needed.
// Traversing through an existing non-map value replaces it with a map.
func (b Bag) Set(path string, value interface{}) {
	if path == "" {
		return
	}
	parts := strings.Split(path, ".")
	current := map[string]interface{}(b)
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// Clone returns a deep copy of the bag. Lists and nested maps are copied;
// scalars are shared (immutable in JSON shape).
func (b Bag) Clone() Bag {
	return Bag(cloneMap(b))
}

// Merge deep-merges src into the bag: maps recurse, everything else
// (scalars, lists) is replaced by the src value.
func (b Bag) Merge(src map[string]interface{}) {
	mergeMaps(b, src)
}

// DeepMerge merges src into dst recursively and returns dst. Map values
// merge key-wise; any other value in src overwrites the dst value.
func DeepMerge(dst, src map[string]interface{}) map[string]interface{} {
	mergeMaps(dst, src)
	return dst
}

func mergeMaps(dst, src map[string]interface{}) {
	for key, sv := range src {
		if sm, ok := sv.(map[string]interface{}); ok {
			if dm, ok := dst[key].(map[string]interface{}); ok {
				mergeMaps(dm, sm)
				continue
			}
			dst[key] = cloneMap(sm)
			continue
		}
		dst[key] = cloneValue(sv)
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		return cloneMap(tv)
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Number coerces a JSON-shaped scalar to float64. The second return is
// false for non-numeric values.
func Number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Stringify renders a scalar for template interpolation. Floats drop
// trailing zeros, nil renders empty, containers fall back to their JSON
// encoding via stringifyComplex.
func Stringify(v interface{}) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case bool:
		return strconv.FormatBool(tv)
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(tv), 'f', -1, 32)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	default:
		return stringifyComplex(tv)
	}
}

// Truthy reports the predicate truth value of a bag value: nil, false,
// zero, empty string, empty list and empty map are all falsy.
func Truthy(v interface{}) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	case string:
		return tv != ""
	case []interface{}:
		return len(tv) > 0
	case map[string]interface{}:
		return len(tv) > 0
	default:
		if n, ok := Number(tv); ok {
			return n != 0
		}
		return true
	}
}
