package services

import (
	"fmt"
	"sort"
	"time"

	"github.com/tessella-ai/tessella-engine/pkg/models"
)

// ProfileDataset computes per-column statistics over coerced rows. Rows are
// positional against columns; values are the typed cells handed to the bulk
// loader, so numeric min/max compare real numbers, not strings.
func ProfileDataset(columns []models.ColumnEntry, rows [][]any, maxSampleValues int) *models.DatasetProfile {
	profile := &models.DatasetProfile{
		RowCount: int64(len(rows)),
		Columns:  make(map[string]models.ColumnProfile, len(columns)),
	}

	for i, col := range columns {
		values := make([]any, 0, len(rows))
		for _, row := range rows {
			if i < len(row) {
				values = append(values, row[i])
			} else {
				values = append(values, nil)
			}
		}
		profile.Columns[col.OriginalName] = profileColumn(col.LogicalType, values, maxSampleValues)
	}
	return profile
}

func profileColumn(t models.LogicalType, values []any, maxSampleValues int) models.ColumnProfile {
	cp := models.ColumnProfile{LogicalType: t}

	nulls := 0
	distinct := make(map[string]struct{})
	var minVal, maxVal any
	for _, v := range values {
		if v == nil {
			nulls++
			continue
		}
		distinct[fmt.Sprintf("%v", v)] = struct{}{}
		if minVal == nil || lessValue(v, minVal) {
			minVal = v
		}
		if maxVal == nil || lessValue(maxVal, v) {
			maxVal = v
		}
	}

	if len(values) > 0 {
		cp.NullRatio = float64(nulls) / float64(len(values))
	}
	cp.DistinctCount = int64(len(distinct))
	if t != models.TypeString || len(distinct) <= maxSampleValues {
		cp.MinValue = renderProfileValue(minVal)
		cp.MaxValue = renderProfileValue(maxVal)
	}

	// Low-cardinality string columns double as enums for filter grounding.
	if t == models.TypeString && len(distinct) > 0 && len(distinct) <= maxSampleValues {
		samples := make([]string, 0, len(distinct))
		for v := range distinct {
			samples = append(samples, v)
		}
		sort.Strings(samples)
		cp.SampleValues = samples
	}
	return cp
}

// lessValue orders two non-nil cells of the same logical type.
func lessValue(a, b any) bool {
	switch av := a.(type) {
	case int64:
		if bv, ok := b.(int64); ok {
			return av < bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Before(bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return !av && bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	}
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}

// renderProfileValue keeps profile JSON stable across round-trips.
func renderProfileValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return t.Format("2006-01-02")
	default:
		return v
	}
}
