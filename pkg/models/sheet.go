package models

import (
	"time"
)

// LogicalType is the inferred type of an ingested column.
type LogicalType string

const (
	TypeString  LogicalType = "string"
	TypeInteger LogicalType = "integer"
	TypeFloat   LogicalType = "float"
	TypeBoolean LogicalType = "boolean"
	TypeDate    LogicalType = "date"
	TypeUnknown LogicalType = "unknown"
)

// IsNumeric reports whether the type supports sum/avg and numeric comparisons.
func (t LogicalType) IsNumeric() bool {
	return t == TypeInteger || t == TypeFloat
}

// PhysicalType returns the Postgres column type used to store values of this type.
func (t LogicalType) PhysicalType() string {
	switch t {
	case TypeInteger:
		return "BIGINT"
	case TypeFloat:
		return "DOUBLE PRECISION"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeDate:
		return "DATE"
	default:
		return "TEXT"
	}
}

// TableEntry records the physical table backing one (document, sheet).
// The table name is globally unique and never reused; generation increases
// on every re-ingestion so in-flight readers keep a stable target.
type TableEntry struct {
	DocumentID string    `json:"document_id"`
	SheetName  string    `json:"sheet_name"`
	TableName  string    `json:"table_name"`
	Generation int64     `json:"generation"`
	RowCount   int64     `json:"row_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ColumnEntry records one column of an ingested sheet. Ordinal preserves the
// source sheet's left-to-right order; SafeName is unique within the sheet and
// is the only identifier ever placed in generated SQL.
type ColumnEntry struct {
	DocumentID   string      `json:"document_id"`
	SheetName    string      `json:"sheet_name"`
	Ordinal      int         `json:"ordinal"`
	OriginalName string      `json:"original_name"`
	SafeName     string      `json:"safe_name"`
	LogicalType  LogicalType `json:"logical_type"`
	PhysicalType string      `json:"physical_type"`
	Nullable     bool        `json:"nullable"`
}

// ColumnProfile holds per-column statistics computed at ingestion.
type ColumnProfile struct {
	LogicalType   LogicalType `json:"logical_type"`
	NullRatio     float64     `json:"null_ratio"`
	DistinctCount int64       `json:"distinct_count"`
	MinValue      any         `json:"min_value,omitempty"`
	MaxValue      any         `json:"max_value,omitempty"`
	// SampleValues carries distinct values for low-cardinality string columns,
	// used to ground enum-style filters.
	SampleValues []string `json:"sample_values,omitempty"`
}

// DatasetProfile aggregates statistics for one ingested sheet, keyed by the
// column's original name. Recomputed whenever the table is rematerialized.
type DatasetProfile struct {
	RowCount int64                    `json:"row_count"`
	Columns  map[string]ColumnProfile `json:"columns"`
}

// SheetSummary is the routing view of one registered sheet.
type SheetSummary struct {
	DocumentID string        `json:"document_id"`
	SheetName  string        `json:"sheet_name"`
	RowCount   int64         `json:"row_count"`
	IsDefault  bool          `json:"is_default"`
	Columns    []ColumnEntry `json:"columns"`
}

// IngestedColumn is one column header as delivered by the ingestion collaborator.
type IngestedColumn struct {
	OriginalName string
	InferredType LogicalType // TypeUnknown lets the registry infer from values
}

// SheetIngested is the contract the ingestion collaborator satisfies to hand a
// materializable sheet to the schema registry. Rows are positional and must
// match the Columns slice; cell values may be nil.
type SheetIngested struct {
	DocumentID string
	SheetName  string
	Columns    []IngestedColumn
	Rows       [][]any
}
