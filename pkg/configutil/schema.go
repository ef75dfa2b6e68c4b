package configutil

import (
	"errors"
	"sort"
	"strings"
)

// Schema lists the keys a provider settings map may carry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// ValidateSettings validates a provider settings map against a schema.
// Keys are compared case, underscore and hyphen insensitively.
func ValidateSettings(input map[string]any, schema Schema) error {
	return schema.Validate(input)
}

// Validate reports missing required keys and, unless allowed, unknown keys.
func (s Schema) Validate(input map[string]any) error {
	required := normalizedSet(s.Required)
	allowed := normalizedSet(s.Optional)
	for nk, k := range required {
		allowed[nk] = k
	}

	var missing, unknown []string
	present := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = true
		if _, ok := allowed[nk]; !ok && !s.AllowUnknown {
			unknown = append(unknown, k)
		}
		if reqKey, ok := required[nk]; ok && isBlank(v) {
			missing = append(missing, reqKey)
		}
	}
	for nk, reqKey := range required {
		if !present[nk] {
			missing = append(missing, reqKey)
		}
	}
	return schemaError(missing, unknown)
}

func normalizedSet(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[normalizeKey(k)] = k
	}
	return out
}

func schemaError(missing, unknown []string) error {
	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return errors.New(strings.Join(parts, "; "))
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
