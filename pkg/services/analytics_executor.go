package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/tessella-ai/tessella-engine/pkg/apperrors"
	"github.com/tessella-ai/tessella-engine/pkg/config"
	"github.com/tessella-ai/tessella-engine/pkg/logging"
	"github.com/tessella-ai/tessella-engine/pkg/models"
)

// pgUndefinedTable is the SQLSTATE a query against a retired generation hits.
const pgUndefinedTable = "42P01"

// RowQuerier is the slice of the connection pool the executor needs.
type RowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// AnalyticsExecutor runs compiled queries under the configured time budget,
// detects truncation via the probe statement, and maps result rows back to
// original sheet headers for citation.
type AnalyticsExecutor interface {
	Execute(ctx context.Context, query *CompiledQuery) (*models.ResultSet, error)
}

type analyticsExecutor struct {
	db     RowQuerier
	cfg    *config.AnalyticsConfig
	logger *zap.Logger
}

// NewAnalyticsExecutor creates a new AnalyticsExecutor.
func NewAnalyticsExecutor(db RowQuerier, cfg *config.AnalyticsConfig, logger *zap.Logger) AnalyticsExecutor {
	return &analyticsExecutor{db: db, cfg: cfg, logger: logger}
}

var _ AnalyticsExecutor = (*analyticsExecutor)(nil)

func (e *analyticsExecutor) Execute(ctx context.Context, query *CompiledQuery) (*models.ResultSet, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout())
	defer cancel()

	start := time.Now()
	rows, err := e.db.Query(ctx, query.Statement, query.Params...)
	if err != nil {
		return nil, e.classify(err, query)
	}
	defer rows.Close()

	result := &models.ResultSet{
		Columns:    query.Columns,
		Rows:       make([]map[string]any, 0, query.Limit),
		Citations:  make(map[string]string, len(query.Columns)),
		Statement:  query.Statement,
		Generation: query.Generation,
	}
	for _, col := range query.Columns {
		result.Citations[col.Name] = col.OriginalName
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read result row: %w", err)
		}
		row := make(map[string]any, len(query.Columns))
		for i, col := range query.Columns {
			if i < len(values) {
				row[col.Name] = renderCell(values[i], col.Type)
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, e.classify(err, query)
	}
	result.RowCount = len(result.Rows)

	if query.ProbeStatement != "" {
		truncated, err := e.probe(ctx, query)
		if err != nil {
			return nil, err
		}
		result.Truncated = truncated
	}

	e.logger.Debug("analytics query executed",
		zap.String("table", query.TableName),
		zap.Int64("generation", query.Generation),
		zap.Int("row_count", result.RowCount),
		zap.Bool("truncated", result.Truncated),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("statement", logging.SanitizeStatement(query.Statement)))

	return result, nil
}

// probe asks whether any row or group exists beyond the limit.
func (e *analyticsExecutor) probe(ctx context.Context, query *CompiledQuery) (bool, error) {
	rows, err := e.db.Query(ctx, query.ProbeStatement, query.ProbeParams...)
	if err != nil {
		return false, e.classify(err, query)
	}
	defer rows.Close()
	truncated := rows.Next()
	if err := rows.Err(); err != nil {
		return false, e.classify(err, query)
	}
	return truncated, nil
}

// classify maps database failures to the errors the facade acts on: a missing
// table means the generation was retired mid-flight, a deadline means the
// query blew its time budget.
func (e *analyticsExecutor) classify(err error, query *CompiledQuery) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		e.logger.Info("query hit retired table generation",
			zap.String("table", query.TableName),
			zap.Int64("generation", query.Generation))
		return fmt.Errorf("table %s: %w", query.TableName, apperrors.ErrStaleGeneration)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		e.logger.Info("query hit the execution time budget",
			zap.String("table", query.TableName),
			zap.Duration("timeout", e.cfg.QueryTimeout()))
		return fmt.Errorf("after %s: %w", e.cfg.QueryTimeout(), apperrors.ErrQueryTimeout)
	}
	return fmt.Errorf("query execution failed: %w", err)
}

// renderCell normalizes a scanned value for the result map: dates render as
// ISO strings, everything else passes through as pgx decoded it.
func renderCell(value any, t models.LogicalType) any {
	if ts, ok := value.(time.Time); ok && t == models.TypeDate {
		return ts.Format("2006-01-02")
	}
	return value
}
