package services

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tessella-ai/tessella-engine/pkg/models"
)

func mustValidate(t *testing.T, plan *models.QueryPlan) *ValidatedPlan {
	t.Helper()
	validated, err := NewPlanValidator(salesRegistry(), testAnalyticsConfig(), zap.NewNop()).
		Validate(context.Background(), plan)
	require.NoError(t, err)
	return validated
}

func TestSQLCompilerAggregate(t *testing.T) {
	compiler := NewSQLCompiler()

	validated := mustValidate(t, &models.QueryPlan{
		Target: salesTarget(),
		Kind:   models.PlanAggregate,
		Aggregate: &models.AggregatePlan{
			GroupBy: []models.ColumnRef{salesRef("region")},
			Metrics: []models.Metric{{Fn: models.AggSum, Column: salesRef("units_sold")}},
			Filters: []models.Predicate{{Column: salesRef("units_sold"), Op: models.OpGt, Value: int64(10)}},
			Order:   &models.OrderSpec{MetricIndex: 0, Descending: true},
			Limit:   25,
		},
	})

	compiled, err := compiler.Compile(validated)
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT region, sum(units_sold)::bigint AS sum_units_sold_0 FROM dat_abc123"+
			" WHERE units_sold > $1 GROUP BY region"+
			" ORDER BY sum_units_sold_0 DESC, region ASC LIMIT $2",
		compiled.Statement)
	assert.Equal(t, []any{int64(10), int64(25)}, compiled.Params)

	assert.Equal(t,
		"SELECT 1 FROM dat_abc123 WHERE units_sold > $1 GROUP BY region OFFSET $2 LIMIT 1",
		compiled.ProbeStatement)
	assert.Equal(t, []any{int64(10), int64(25)}, compiled.ProbeParams)

	require.Len(t, compiled.Columns, 2)
	assert.Equal(t, "Region", compiled.Columns[0].OriginalName)
	assert.Equal(t, "sum of Units Sold", compiled.Columns[1].OriginalName)
	assert.Equal(t, models.TypeInteger, compiled.Columns[1].Type)
}

func TestSQLCompilerUngroupedAggregateHasNoProbe(t *testing.T) {
	compiler := NewSQLCompiler()

	validated := mustValidate(t, &models.QueryPlan{
		Target: salesTarget(),
		Kind:   models.PlanAggregate,
		Aggregate: &models.AggregatePlan{
			Metrics: []models.Metric{{Fn: models.AggCount}},
		},
	})

	compiled, err := compiler.Compile(validated)
	require.NoError(t, err)
	assert.Equal(t, "SELECT count(*) AS count_0 FROM dat_abc123", compiled.Statement)
	assert.Empty(t, compiled.Params)
	assert.Empty(t, compiled.ProbeStatement)
}

func TestSQLCompilerList(t *testing.T) {
	compiler := NewSQLCompiler()

	validated := mustValidate(t, &models.QueryPlan{
		Target: salesTarget(),
		Kind:   models.PlanList,
		List: &models.ListPlan{
			Columns: []models.ColumnRef{salesRef("region"), salesRef("units_sold")},
			Filters: []models.Predicate{
				{Column: salesRef("region"), Op: models.OpEq, Value: "West"},
				{Column: salesRef("units_sold"), Op: models.OpGte, Value: int64(5)},
			},
			Order: &models.OrderSpec{MetricIndex: -1, Column: salesRef("units_sold"), Descending: true},
			Limit: 20,
		},
	})

	compiled, err := compiler.Compile(validated)
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT region, units_sold FROM dat_abc123 WHERE region = $1 AND units_sold >= $2"+
			" ORDER BY units_sold DESC LIMIT $3",
		compiled.Statement)
	assert.Equal(t, []any{"West", int64(5), int64(20)}, compiled.Params)
	assert.Equal(t,
		"SELECT 1 FROM dat_abc123 WHERE region = $1 AND units_sold >= $2 OFFSET $3 LIMIT 1",
		compiled.ProbeStatement)
}

func TestSQLCompilerListDefaultsToAllColumns(t *testing.T) {
	compiler := NewSQLCompiler()

	validated := mustValidate(t, &models.QueryPlan{
		Target: salesTarget(),
		Kind:   models.PlanList,
		List:   &models.ListPlan{Limit: 10},
	})

	compiled, err := compiler.Compile(validated)
	require.NoError(t, err)
	assert.Equal(t, "SELECT region, units_sold, order_date FROM dat_abc123 LIMIT $1", compiled.Statement)
	require.Len(t, compiled.Columns, 3)
	assert.Equal(t, "Order Date", compiled.Columns[2].OriginalName)
}

func TestSQLCompilerContainsEscapesWildcards(t *testing.T) {
	compiler := NewSQLCompiler()

	validated := mustValidate(t, &models.QueryPlan{
		Target: salesTarget(),
		Kind:   models.PlanList,
		List: &models.ListPlan{
			Filters: []models.Predicate{{Column: salesRef("region"), Op: models.OpContains, Value: "50%_off"}},
			Limit:   10,
		},
	})

	compiled, err := compiler.Compile(validated)
	require.NoError(t, err)
	assert.Contains(t, compiled.Statement, "region ILIKE $1")
	assert.Equal(t, `%50\%\_off%`, compiled.Params[0])
}

func TestSQLCompilerInFilter(t *testing.T) {
	compiler := NewSQLCompiler()

	validated := mustValidate(t, &models.QueryPlan{
		Target: salesTarget(),
		Kind:   models.PlanList,
		List: &models.ListPlan{
			Filters: []models.Predicate{{Column: salesRef("region"), Op: models.OpIn, Values: []any{"West", "East"}}},
			Limit:   10,
		},
	})

	compiled, err := compiler.Compile(validated)
	require.NoError(t, err)
	assert.Contains(t, compiled.Statement, "region IN ($1, $2)")
	assert.Equal(t, []any{"West", "East", int64(10)}, compiled.Params)
}

// Compilation must be a pure function: the same plan always yields
// byte-identical SQL and identical parameter lists.
func TestSQLCompilerDeterministic(t *testing.T) {
	compiler := NewSQLCompiler()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	ops := []models.FilterOp{models.OpEq, models.OpNeq, models.OpGt, models.OpGte, models.OpLt, models.OpLte}
	fns := []models.AggFn{models.AggCount, models.AggSum, models.AggAvg, models.AggMin, models.AggMax}

	properties.Property("same plan compiles identically", prop.ForAll(
		func(fnIdx, opIdx int, threshold int64, grouped, descending bool, limit uint32) bool {
			fn := fns[fnIdx%len(fns)]
			agg := &models.AggregatePlan{
				Metrics: []models.Metric{{Fn: fn, Column: salesRef("units_sold")}},
				Filters: []models.Predicate{{
					Column: salesRef("units_sold"),
					Op:     ops[opIdx%len(ops)],
					Value:  threshold,
				}},
				Limit: limit%1000 + 1,
			}
			if grouped {
				agg.GroupBy = []models.ColumnRef{salesRef("region")}
				agg.Order = &models.OrderSpec{MetricIndex: 0, Descending: descending}
			}
			plan := &models.QueryPlan{Target: salesTarget(), Kind: models.PlanAggregate, Aggregate: agg}

			validated, err := NewPlanValidator(salesRegistry(), testAnalyticsConfig(), zap.NewNop()).
				Validate(context.Background(), plan)
			if err != nil {
				return true // rejected plans cannot reach the compiler
			}

			first, err := compiler.Compile(validated)
			if err != nil {
				return false
			}
			second, err := compiler.Compile(validated)
			if err != nil {
				return false
			}
			if first.Statement != second.Statement || first.ProbeStatement != second.ProbeStatement {
				return false
			}
			if len(first.Params) != len(second.Params) {
				return false
			}
			for i := range first.Params {
				if first.Params[i] != second.Params[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, len(fns)-1),
		gen.IntRange(0, len(ops)-1),
		gen.Int64(),
		gen.Bool(),
		gen.Bool(),
		gen.UInt32(),
	))

	properties.TestingRun(t)
}
