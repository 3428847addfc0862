package apperrors

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrIngestionConflict = errors.New("ingestion already in flight for document sheet")
	ErrAnalyticsDisabled = errors.New("analytics pipeline is disabled")
	// ErrStaleGeneration means the physical table a query compiled against was
	// retired by a re-ingestion between validation and execution.
	ErrStaleGeneration = errors.New("table generation no longer exists")
	// ErrQueryTimeout means a query hit the configured execution time budget.
	// Recoverable: the question falls back to generic retrieval.
	ErrQueryTimeout = errors.New("query exceeded the execution time budget")
)
