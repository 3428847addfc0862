package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tessella-ai/tessella-engine/pkg/apperrors"
	"github.com/tessella-ai/tessella-engine/pkg/models"
)

type mockRouter struct {
	decision *RouteDecision
	err      error
}

func (m *mockRouter) Route(ctx context.Context, documentID, sheetName, question string) (*RouteDecision, error) {
	return m.decision, m.err
}

type mockBuilder struct {
	plan *models.QueryPlan
	err  error
}

func (m *mockBuilder) Build(ctx context.Context, documentID, question string, decision *RouteDecision) (*models.QueryPlan, error) {
	return m.plan, m.err
}

type mockValidator struct {
	validated *ValidatedPlan
	err       error
	calls     int
}

func (m *mockValidator) Validate(ctx context.Context, plan *models.QueryPlan) (*ValidatedPlan, error) {
	m.calls++
	return m.validated, m.err
}

type mockCompiler struct {
	compiled *CompiledQuery
	err      error
}

func (m *mockCompiler) Compile(plan *ValidatedPlan) (*CompiledQuery, error) {
	return m.compiled, m.err
}

type mockExecutor struct {
	results []*models.ResultSet
	errs    []error
	calls   int
}

func (m *mockExecutor) Execute(ctx context.Context, query *CompiledQuery) (*models.ResultSet, error) {
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i < len(m.results) {
		return m.results[i], nil
	}
	return nil, fmt.Errorf("unexpected execute call %d", i)
}

func countPlan() *models.QueryPlan {
	return &models.QueryPlan{
		Target: salesTarget(),
		Kind:   models.PlanAggregate,
		Aggregate: &models.AggregatePlan{
			Metrics: []models.Metric{{Fn: models.AggCount}},
			Limit:   50,
		},
	}
}

func countResult(n int64) *models.ResultSet {
	return &models.ResultSet{
		Columns:  []models.ResultColumn{{Name: "count_0", OriginalName: "count", Type: models.TypeInteger}},
		Rows:     []map[string]any{{"count_0": n}},
		RowCount: 1,
	}
}

func newTestService(router IntentRouter, builder PlanBuilder, validator PlanValidator, compiler SQLCompiler, executor AnalyticsExecutor) AnalyticsService {
	return NewAnalyticsService(salesRegistry(), router, builder, validator, compiler, executor, testAnalyticsConfig(), zap.NewNop())
}

func TestAnalyticsServiceAnswersCount(t *testing.T) {
	executor := &mockExecutor{results: []*models.ResultSet{countResult(42)}}
	svc := newTestService(
		&mockRouter{decision: salesDecision(IntentAggregate)},
		&mockBuilder{plan: countPlan()},
		&mockValidator{validated: &ValidatedPlan{}},
		&mockCompiler{compiled: &CompiledQuery{}},
		executor,
	)

	outcome, err := svc.Analyze(context.Background(), "doc1", "", "how many rows?")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAnswered, outcome.Kind)
	assert.Equal(t, "42 matching rows", outcome.Summary)
	assert.Equal(t, 1, executor.calls)
}

func TestAnalyticsServiceDisabled(t *testing.T) {
	cfg := testAnalyticsConfig()
	cfg.Enabled = false
	svc := NewAnalyticsService(salesRegistry(), &mockRouter{}, &mockBuilder{}, &mockValidator{}, &mockCompiler{}, &mockExecutor{}, cfg, zap.NewNop())

	outcome, err := svc.Analyze(context.Background(), "doc1", "", "how many rows?")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDeferred, outcome.Kind)
}

func TestAnalyticsServiceDefersOnIntentNone(t *testing.T) {
	svc := newTestService(
		&mockRouter{decision: &RouteDecision{Intent: IntentNone, Reason: "no cue"}},
		&mockBuilder{}, &mockValidator{}, &mockCompiler{}, &mockExecutor{},
	)

	outcome, err := svc.Analyze(context.Background(), "doc1", "", "hello there")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDeferred, outcome.Kind)
	assert.Equal(t, "no cue", outcome.Reason)
}

func TestAnalyticsServiceDefersOnBuildError(t *testing.T) {
	svc := newTestService(
		&mockRouter{decision: salesDecision(IntentAggregate)},
		&mockBuilder{err: &BuildError{Kind: BuildAmbiguous, Message: "could not pick a column"}},
		&mockValidator{}, &mockCompiler{}, &mockExecutor{},
	)

	outcome, err := svc.Analyze(context.Background(), "doc1", "", "what is the total?")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDeferred, outcome.Kind)
	assert.Equal(t, "could not pick a column", outcome.Reason)
}

func TestAnalyticsServiceDefersOnValidationError(t *testing.T) {
	svc := newTestService(
		&mockRouter{decision: salesDecision(IntentAggregate)},
		&mockBuilder{plan: countPlan()},
		&mockValidator{err: &ValidationError{Code: ValidationUnknownColumn, Message: "column missing"}},
		&mockCompiler{}, &mockExecutor{},
	)

	outcome, err := svc.Analyze(context.Background(), "doc1", "", "count of salary")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDeferred, outcome.Kind)
	assert.Equal(t, "column missing", outcome.Reason)
}

func TestAnalyticsServiceRetriesStaleGeneration(t *testing.T) {
	validator := &mockValidator{validated: &ValidatedPlan{}}
	executor := &mockExecutor{
		errs:    []error{fmt.Errorf("table dat_old: %w", apperrors.ErrStaleGeneration), nil},
		results: []*models.ResultSet{nil, countResult(7)},
	}
	svc := newTestService(
		&mockRouter{decision: salesDecision(IntentAggregate)},
		&mockBuilder{plan: countPlan()},
		validator,
		&mockCompiler{compiled: &CompiledQuery{}},
		executor,
	)

	outcome, err := svc.Analyze(context.Background(), "doc1", "", "how many rows?")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAnswered, outcome.Kind)
	assert.Equal(t, 2, executor.calls)
	assert.Equal(t, 2, validator.calls)
}

func TestAnalyticsServiceDefersOnQueryTimeout(t *testing.T) {
	executor := &mockExecutor{
		errs:    []error{fmt.Errorf("after 15s: %w", apperrors.ErrQueryTimeout)},
		results: []*models.ResultSet{nil},
	}
	svc := newTestService(
		&mockRouter{decision: salesDecision(IntentAggregate)},
		&mockBuilder{plan: countPlan()},
		&mockValidator{validated: &ValidatedPlan{}},
		&mockCompiler{compiled: &CompiledQuery{}},
		executor,
	)

	outcome, err := svc.Analyze(context.Background(), "doc1", "", "how many rows?")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDeferred, outcome.Kind)
	assert.Contains(t, outcome.Reason, "time budget")
	assert.Equal(t, 1, executor.calls)
}

func TestAnalyticsServiceEmptyQuestion(t *testing.T) {
	svc := newTestService(&mockRouter{}, &mockBuilder{}, &mockValidator{}, &mockCompiler{}, &mockExecutor{})

	outcome, err := svc.Analyze(context.Background(), "doc1", "", "   ")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDeferred, outcome.Kind)
}
