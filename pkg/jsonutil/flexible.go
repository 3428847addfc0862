package jsonutil

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringValue converts a json.RawMessage to a string, handling cases where
// LLMs return numbers or booleans instead of strings. Returns empty string for null/empty.
func FlexibleStringValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	// Try string first
	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal
	}

	// Try number
	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		if numVal == float64(int64(numVal)) {
			return fmt.Sprintf("%d", int64(numVal))
		}
		return fmt.Sprintf("%g", numVal)
	}

	// Try boolean
	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return fmt.Sprintf("%t", boolVal)
	}

	// Fallback: return raw string representation
	return string(raw)
}

// FlexibleUintValue converts a json.RawMessage to a uint32, tolerating string
// numbers and nulls from LLM output. Returns fallback for null, negatives, or
// anything unparseable.
func FlexibleUintValue(raw json.RawMessage, fallback uint32) uint32 {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}

	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		if numVal < 0 {
			return fallback
		}
		return uint32(numVal)
	}

	// LLMs sometimes quote numbers
	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		var quoted float64
		if _, scanErr := fmt.Sscanf(strVal, "%g", &quoted); scanErr == nil && quoted >= 0 {
			return uint32(quoted)
		}
	}

	return fallback
}

// FlexibleStringSlice converts a json.RawMessage holding either a JSON array or
// a single scalar into a string slice. Returns nil for null/empty.
func FlexibleStringSlice(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s := FlexibleStringValue(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}

	if s := FlexibleStringValue(raw); s != "" {
		return []string{s}
	}
	return nil
}
