// Package descriptor implements the canonicalization and deep-partial-match
// rules used to resolve a connection by Descriptor.
package descriptor

import (
	"encoding/json"
	"sort"

	"github.com/nodelink/linkmesh/pkg/wire"
)

// Canonical returns the canonical JSON encoding of d: an object with its
// top-level keys sorted lexicographically. Deeper nesting is not
// canonicalized — descriptors in practice are shallow, and a richer
// descriptor would call for structural hashing instead.
func Canonical(d wire.Metadata) (string, error) {
	if len(d) == 0 {
		return "{}", nil
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 64)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return "", err
		}
		vb, err := json.Marshal(d[k])
		if err != nil {
			return "", err
		}
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')
	return string(ordered), nil
}

// DeepPartialMatch reports whether every key present in pattern also exists
// on target with a recursively deep-partial-matching value. Extra keys on
// target are ignored. Reference/primitive equality short-circuits true.
// Arrays are compared positionally, treating indices as object keys.
func DeepPartialMatch(target, pattern any) bool {
	if target == nil && pattern == nil {
		return true
	}
	if m, ok := pattern.(wire.Metadata); ok {
		pattern = map[string]any(m)
	}
	if m, ok := target.(wire.Metadata); ok {
		target = map[string]any(m)
	}
	for _, v := range []*any{&target, &pattern} {
		if s, ok := (*v).([]string); ok {
			a := make([]any, len(s))
			for i, e := range s {
				a[i] = e
			}
			*v = a
		}
	}
	switch p := pattern.(type) {
	case map[string]any:
		t, ok := target.(map[string]any)
		if !ok {
			return false
		}
		for k, pv := range p {
			tv, exists := t[k]
			if !exists {
				return false
			}
			if !DeepPartialMatch(tv, pv) {
				return false
			}
		}
		return true
	case []any:
		t, ok := target.([]any)
		if !ok {
			return false
		}
		if len(t) < len(p) {
			return false
		}
		for i, pv := range p {
			if !DeepPartialMatch(t[i], pv) {
				return false
			}
		}
		return true
	default:
		return target == pattern
	}
}
