package models

// ResultColumn describes one column of a result set. OriginalName carries the
// source header for user-facing citation text; Name is the identifier the row
// maps are keyed by.
type ResultColumn struct {
	Name         string      `json:"name"`
	OriginalName string      `json:"original_name"`
	Type         LogicalType `json:"type"`
}

// ResultSet holds bounded, typed query results. Truncated is true when the
// table had more matching rows (or groups) than the effective limit returned.
type ResultSet struct {
	Columns   []ResultColumn   `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
	// Citations maps safe column names back to original sheet headers.
	Citations map[string]string `json:"citations"`
	// Statement is the executed SQL, returned for transparency. Parameters are
	// deliberately omitted: they may contain user data.
	Statement string `json:"statement"`
	// Generation identifies the physical table snapshot the rows came from.
	Generation int64 `json:"generation"`
}

// OutcomeKind discriminates analytics outcomes.
type OutcomeKind string

const (
	OutcomeAnswered OutcomeKind = "answered"
	OutcomeDeferred OutcomeKind = "deferred"
)

// AnalyticsOutcome is the facade result handed to the chat orchestrator.
// Deferred means "not analytics-answerable": the caller falls back to generic
// retrieval. It is expected control flow, not an error.
type AnalyticsOutcome struct {
	Kind    OutcomeKind `json:"kind"`
	Result  *ResultSet  `json:"result,omitempty"`
	Summary string      `json:"summary,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// Answered wraps a result set in a successful outcome.
func Answered(rs *ResultSet, summary string) *AnalyticsOutcome {
	return &AnalyticsOutcome{Kind: OutcomeAnswered, Result: rs, Summary: summary}
}

// Deferred signals fallback to generic retrieval with a routing reason.
func Deferred(reason string) *AnalyticsOutcome {
	return &AnalyticsOutcome{Kind: OutcomeDeferred, Reason: reason}
}
