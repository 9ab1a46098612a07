package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	RedactedMarker = "[REDACTED]"
	hashPrefix     = "sha256:"
	hashHexLen     = 16
)

var piiKeys = map[string]struct{}{
	"email":       {},
	"phone":       {},
	"ssn":         {},
	"employee_id": {},
	"address":     {},
	"name":        {},
}

// Redactor hashes identifiers and masks PII keys when enabled.
type Redactor struct {
	enabled bool
	salt    string
}

func NewRedactor(enabled bool, salt string) Redactor {
	return Redactor{enabled: enabled, salt: salt}
}

// ID returns id unchanged when redaction is off, otherwise a deterministic
// truncated SHA-256 of salt+id.
func (r Redactor) ID(id string) string {
	if !r.enabled || id == "" {
		return id
	}
	sum := sha256.Sum256([]byte(r.salt + id))
	return hashPrefix + hex.EncodeToString(sum[:])[:hashHexLen]
}

// Details returns a copy of details with PII keys masked at any depth.
// The input is never mutated.
func (r Redactor) Details(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	if !r.enabled {
		return copyMap(details)
	}
	return redactMap(details)
}

func redactMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, ok := piiKeys[strings.ToLower(k)]; ok {
			out[k] = RedactedMarker
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return redactMap(m)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]any); ok {
			out[k] = copyMap(m)
			continue
		}
		out[k] = v
	}
	return out
}
