package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tessella-ai/tessella-engine/pkg/models"
)

var nonIdentifierRuns = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeHeaders maps raw sheet headers to safe SQL identifiers: lowercase,
// non-alphanumeric runs collapsed to underscores, duplicates suffixed _2, _3.
// The result is positional and the same length as the input.
func SanitizeHeaders(headers []string) []string {
	safe := make([]string, len(headers))
	used := make(map[string]bool, len(headers))
	counts := make(map[string]int, len(headers))
	for i, header := range headers {
		name := nonIdentifierRuns.ReplaceAllString(strings.ToLower(strings.TrimSpace(header)), "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if name[0] >= '0' && name[0] <= '9' {
			name = "c_" + name
		}
		// A header may itself sanitize to an already-suffixed name, so the
		// candidate has to be checked against every name assigned so far, not
		// just counted per base.
		base := name
		n := counts[base]
		if n > 0 {
			name = fmt.Sprintf("%s_%d", base, n+1)
		}
		for used[name] {
			n++
			name = fmt.Sprintf("%s_%d", base, n+1)
		}
		counts[base] = n + 1
		used[name] = true
		safe[i] = name
	}
	return safe
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// parseDate tries the supported date layouts in order.
func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var booleanTokens = map[string]bool{
	"true": true, "false": false,
	"yes": true, "no": false,
}

// cellType classifies a single non-empty cell.
func cellType(value any) models.LogicalType {
	switch v := value.(type) {
	case int, int32, int64:
		return models.TypeInteger
	case float32, float64:
		return models.TypeFloat
	case bool:
		return models.TypeBoolean
	case time.Time:
		return models.TypeDate
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return models.TypeUnknown
		}
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return models.TypeInteger
		}
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			return models.TypeFloat
		}
		if _, ok := parseDate(s); ok {
			return models.TypeDate
		}
		if _, ok := booleanTokens[strings.ToLower(s)]; ok {
			return models.TypeBoolean
		}
		return models.TypeString
	case nil:
		return models.TypeUnknown
	default:
		return models.TypeString
	}
}

// InferColumnType classifies a column from its cell values. Integer widens to
// float when both appear; any other mixture collapses to string. A column with
// no non-empty values is string.
func InferColumnType(values []any) models.LogicalType {
	inferred := models.TypeUnknown
	for _, value := range values {
		t := cellType(value)
		if t == models.TypeUnknown {
			continue
		}
		switch {
		case inferred == models.TypeUnknown:
			inferred = t
		case inferred == t:
		case inferred.IsNumeric() && t.IsNumeric():
			inferred = models.TypeFloat
		default:
			return models.TypeString
		}
	}
	if inferred == models.TypeUnknown {
		return models.TypeString
	}
	return inferred
}

// CoerceCell converts one raw cell into the Go value the physical column type
// stores. Empty cells become nil. A cell the type cannot represent is an
// error: inference already saw every value, so this indicates a bug upstream.
func CoerceCell(value any, t models.LogicalType) (any, error) {
	if value == nil {
		return nil, nil
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}

	switch t {
	case models.TypeInteger:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot store %q as integer: %w", v, err)
			}
			return n, nil
		}
	case models.TypeFloat:
		switch v := value.(type) {
		case int:
			return float64(v), nil
		case int32:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float32:
			return float64(v), nil
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot store %q as float: %w", v, err)
			}
			return f, nil
		}
	case models.TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, ok := booleanTokens[strings.ToLower(strings.TrimSpace(v))]
			if !ok {
				return nil, fmt.Errorf("cannot store %q as boolean", v)
			}
			return b, nil
		}
	case models.TypeDate:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case string:
			d, ok := parseDate(strings.TrimSpace(v))
			if !ok {
				return nil, fmt.Errorf("cannot store %q as date", v)
			}
			return d, nil
		}
	default:
		switch v := value.(type) {
		case string:
			return v, nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	}
	return nil, fmt.Errorf("cannot store %T as %s", value, t)
}
