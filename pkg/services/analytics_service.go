package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tessella-ai/tessella-engine/pkg/apperrors"
	"github.com/tessella-ai/tessella-engine/pkg/config"
	"github.com/tessella-ai/tessella-engine/pkg/models"
)

// AnalyticsService is the pipeline facade: route, build, validate, compile,
// execute. Every non-answerable path comes back as a deferred outcome with a
// reason; only infrastructure faults surface as errors.
type AnalyticsService interface {
	Analyze(ctx context.Context, documentID, sheetName, question string) (*models.AnalyticsOutcome, error)
}

type analyticsService struct {
	registry  SchemaRegistry
	router    IntentRouter
	builder   PlanBuilder
	validator PlanValidator
	compiler  SQLCompiler
	executor  AnalyticsExecutor
	cfg       *config.AnalyticsConfig
	logger    *zap.Logger
}

// NewAnalyticsService creates the analytics pipeline facade.
func NewAnalyticsService(
	registry SchemaRegistry,
	router IntentRouter,
	builder PlanBuilder,
	validator PlanValidator,
	compiler SQLCompiler,
	executor AnalyticsExecutor,
	cfg *config.AnalyticsConfig,
	logger *zap.Logger,
) AnalyticsService {
	return &analyticsService{
		registry:  registry,
		router:    router,
		builder:   builder,
		validator: validator,
		compiler:  compiler,
		executor:  executor,
		cfg:       cfg,
		logger:    logger,
	}
}

var _ AnalyticsService = (*analyticsService)(nil)

func (s *analyticsService) Analyze(ctx context.Context, documentID, sheetName, question string) (*models.AnalyticsOutcome, error) {
	if !s.cfg.Enabled {
		return models.Deferred("analytics pipeline is disabled"), nil
	}
	if strings.TrimSpace(question) == "" {
		return models.Deferred("question is empty"), nil
	}

	decision, err := s.router.Route(ctx, documentID, sheetName, question)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return models.Deferred("document has no tabular data"), nil
		}
		return nil, fmt.Errorf("routing failed: %w", err)
	}
	if decision.Intent == IntentNone {
		return models.Deferred(decision.Reason), nil
	}

	plan, err := s.builder.Build(ctx, documentID, question, decision)
	if err != nil {
		var buildErr *BuildError
		if errors.As(err, &buildErr) {
			s.logger.Info("plan build deferred",
				zap.String("document_id", documentID),
				zap.String("kind", string(buildErr.Kind)),
				zap.String("reason", buildErr.Message))
			return models.Deferred(buildErr.Message), nil
		}
		if errors.Is(err, apperrors.ErrNotFound) {
			return models.Deferred("sheet metadata is missing"), nil
		}
		return nil, fmt.Errorf("plan build failed: %w", err)
	}

	result, err := s.runPlan(ctx, plan)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			s.logger.Info("plan rejected",
				zap.String("document_id", documentID),
				zap.String("code", string(validationErr.Code)),
				zap.String("reason", validationErr.Message))
			return models.Deferred(validationErr.Message), nil
		}
		if errors.Is(err, apperrors.ErrNotFound) {
			return models.Deferred("sheet metadata is missing"), nil
		}
		if errors.Is(err, apperrors.ErrQueryTimeout) {
			s.logger.Warn("query timed out, deferring",
				zap.String("document_id", documentID),
				zap.Error(err))
			return models.Deferred("the question could not be answered within the time budget"), nil
		}
		return nil, err
	}

	return models.Answered(result, summarize(plan, result)), nil
}

// runPlan validates, compiles, and executes. A stale-generation failure gets
// exactly one retry: re-validation resolves the new physical table, so the
// retry runs against fresh data instead of failing the question.
func (s *analyticsService) runPlan(ctx context.Context, plan *models.QueryPlan) (*models.ResultSet, error) {
	result, err := s.validateAndExecute(ctx, plan)
	if err != nil && errors.Is(err, apperrors.ErrStaleGeneration) {
		s.logger.Info("retrying against new table generation",
			zap.String("document_id", plan.Target.DocumentID),
			zap.String("sheet_name", plan.Target.SheetName))
		result, err = s.validateAndExecute(ctx, plan)
	}
	return result, err
}

func (s *analyticsService) validateAndExecute(ctx context.Context, plan *models.QueryPlan) (*models.ResultSet, error) {
	validated, err := s.validator.Validate(ctx, plan)
	if err != nil {
		return nil, err
	}
	compiled, err := s.compiler.Compile(validated)
	if err != nil {
		return nil, fmt.Errorf("compilation failed: %w", err)
	}
	result, err := s.executor.Execute(ctx, compiled)
	if err != nil {
		return nil, err
	}

	// A result can never hold more rows than the table generation it ran
	// against. Disagreement means registry metadata drifted; log it, the rows
	// themselves are still correct.
	if entry := validated.TableEntry(); entry != nil && int64(result.RowCount) > entry.RowCount {
		s.logger.Warn("result row count exceeds registered table rows",
			zap.String("table_name", entry.TableName),
			zap.Int64("registered_rows", entry.RowCount),
			zap.Int("result_rows", result.RowCount))
	}
	return result, nil
}

// summarize renders a one-line natural summary of the result for the chat
// layer to ground its answer on.
func summarize(plan *models.QueryPlan, rs *models.ResultSet) string {
	switch plan.Kind {
	case models.PlanAggregate:
		agg := plan.Aggregate
		if len(agg.GroupBy) == 0 && len(agg.Metrics) == 1 && rs.RowCount == 1 {
			metricCol := rs.Columns[len(rs.Columns)-1]
			value := rs.Rows[0][metricCol.Name]
			if agg.Metrics[0].Fn == models.AggCount && agg.Metrics[0].Column.SafeName == "" {
				return fmt.Sprintf("%v matching rows", value)
			}
			return fmt.Sprintf("%s = %v", metricCol.OriginalName, value)
		}
		suffix := ""
		if rs.Truncated {
			suffix = fmt.Sprintf(" (showing the first %d)", rs.RowCount)
		}
		return fmt.Sprintf("%d groups%s", rs.RowCount, suffix)
	case models.PlanList:
		if rs.Truncated {
			return fmt.Sprintf("%d matching rows (more exist beyond the limit)", rs.RowCount)
		}
		return fmt.Sprintf("%d matching rows", rs.RowCount)
	}
	return ""
}
