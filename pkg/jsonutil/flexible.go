// Package jsonutil normalises loosely typed values found in vendor JSON payloads.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FlexibleStringValue converts a json.RawMessage to a string. Superset returns
// identifiers as numbers for most resources but as strings for a few (uuids,
// slugs), so callers treat every identifier as an opaque string.
// Returns empty string for null/empty.
func FlexibleStringValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal
	}

	// json.Number keeps the literal text, so ids past 2^53 are not rounded.
	var numVal json.Number
	if err := json.Unmarshal(raw, &numVal); err == nil {
		return numVal.String()
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return fmt.Sprintf("%t", boolVal)
	}

	return string(raw)
}

// Field returns obj[key] as a string, or "" when the key is missing.
func Field(obj map[string]json.RawMessage, key string) string {
	if obj == nil {
		return ""
	}
	return FlexibleStringValue(obj[key])
}

// IDLess orders two opaque identifiers. Integers compare numerically so that
// "9" sorts before "10"; anything else falls back to lexical order, and
// integers sort before non-integers.
func IDLess(a, b string) bool {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		return ai < bi
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	default:
		return a < b
	}
}
