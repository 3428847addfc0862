package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tessella-ai/tessella-engine/pkg/config"
	"github.com/tessella-ai/tessella-engine/pkg/jsonutil"
	"github.com/tessella-ai/tessella-engine/pkg/llm"
	"github.com/tessella-ai/tessella-engine/pkg/models"
	"github.com/tessella-ai/tessella-engine/pkg/prompts"
	"github.com/tessella-ai/tessella-engine/pkg/retry"
)

// BuildErrorKind distinguishes "could not decide" from "cannot express".
type BuildErrorKind string

const (
	// BuildAmbiguous means the question matched the schema but the builder
	// could not settle on a single plan.
	BuildAmbiguous BuildErrorKind = "ambiguous"
	// BuildUnsupported means the question asks for something outside the plan
	// grammar.
	BuildUnsupported BuildErrorKind = "unsupported"
)

// BuildError reports why no plan could be produced. It is expected control
// flow: the analytics facade turns it into a deferred outcome.
type BuildError struct {
	Kind    BuildErrorKind
	Message string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("plan build %s: %s", e.Kind, e.Message)
}

// PlanBuilder turns a routed question into a typed QueryPlan. A deterministic
// heuristic pass runs first; an optional LLM pass handles questions the
// heuristics find ambiguous. Either way the output is constrained to the plan
// grammar and still untrusted until validated.
type PlanBuilder interface {
	Build(ctx context.Context, documentID, question string, decision *RouteDecision) (*models.QueryPlan, error)
}

type planBuilder struct {
	registry SchemaRegistry
	client   llm.LLMClient // nil when no generator endpoint is configured
	cfg      *config.AnalyticsConfig
	logger   *zap.Logger
}

// NewPlanBuilder creates a new PlanBuilder. client may be nil; the heuristic
// pass then stands alone.
func NewPlanBuilder(registry SchemaRegistry, client llm.LLMClient, cfg *config.AnalyticsConfig, logger *zap.Logger) PlanBuilder {
	return &planBuilder{registry: registry, client: client, cfg: cfg, logger: logger}
}

var _ PlanBuilder = (*planBuilder)(nil)

func (b *planBuilder) Build(ctx context.Context, documentID, question string, decision *RouteDecision) (*models.QueryPlan, error) {
	columns, err := b.registry.GetColumns(ctx, documentID, decision.SheetName)
	if err != nil {
		return nil, err
	}
	profile, err := b.registry.GetProfile(ctx, documentID, decision.SheetName)
	if err != nil {
		return nil, err
	}

	plan, buildErr := b.heuristicBuild(documentID, question, decision, columns, profile)
	if buildErr != nil && buildErr.Kind == BuildAmbiguous && b.client != nil {
		llmPlan, llmErr := b.llmBuild(ctx, documentID, question, decision.SheetName, columns, profile)
		if llmErr == nil {
			plan, buildErr = llmPlan, nil
		} else {
			b.logger.Warn("plan generation fallback failed",
				zap.String("document_id", documentID),
				zap.Error(llmErr))
		}
	}
	if buildErr != nil {
		return nil, buildErr
	}

	b.clampLimits(plan)
	return plan, nil
}

var (
	topNPattern     = regexp.MustCompile(`\b(?:top|first)\s+(\d+)\b`)
	topGroupPattern = regexp.MustCompile(`\b(?:top|first)\s+\d+\s+([a-z][a-z0-9 _]*?)(?:\s+by\b|\?|$)`)
	byColumnPattern = regexp.MustCompile(`\b(?:by|per|for each)\s+([a-z][a-z0-9 _]*)`)
	gtPattern       = regexp.MustCompile(`\b(?:over|above|greater than|more than)\s+(-?\d+(?:\.\d+)?)`)
	ltPattern       = regexp.MustCompile(`\b(?:under|below|less than|fewer than)\s+(-?\d+(?:\.\d+)?)`)
	gtePattern      = regexp.MustCompile(`\bat least\s+(-?\d+(?:\.\d+)?)`)
	ltePattern      = regexp.MustCompile(`\bat most\s+(-?\d+(?:\.\d+)?)`)
)

func (b *planBuilder) heuristicBuild(documentID, question string, decision *RouteDecision, columns []models.ColumnEntry, profile *models.DatasetProfile) (*models.QueryPlan, *BuildError) {
	lower := strings.ToLower(question)
	target := models.SheetRef{DocumentID: documentID, SheetName: decision.SheetName}
	byName := make(map[string]models.ColumnEntry, len(columns))
	for _, col := range columns {
		byName[col.SafeName] = col
	}

	matched := make([]models.ColumnEntry, 0, len(decision.MatchedColumns))
	for _, name := range decision.MatchedColumns {
		if col, ok := byName[name]; ok {
			matched = append(matched, col)
		}
	}

	filters := b.heuristicFilters(documentID, decision.SheetName, lower, matched, profile)

	if decision.Intent == IntentList {
		plan := &models.QueryPlan{
			Target: target,
			Kind:   models.PlanList,
			List: &models.ListPlan{
				Filters: filters,
			},
		}
		if n, ok := extractTopN(lower); ok {
			plan.List.Limit = n
		}
		return plan, nil
	}

	fn, ok := aggregateFn(lower)
	if !ok {
		return nil, &BuildError{Kind: BuildAmbiguous, Message: "could not identify an aggregate function"}
	}

	agg := &models.AggregatePlan{Filters: filters}

	// "top 5 regions by units sold" ranks groups on a metric: the phrase after
	// "by" names the ranking column, not the grouping.
	if fn == models.AggCount && topGroupPattern.MatchString(lower) {
		if rankCol, ok := phraseColumn(byColumnPattern, lower, columns); ok && rankCol.LogicalType.IsNumeric() {
			fn = models.AggSum
		}
	}

	if fn == models.AggCount {
		agg.Metrics = []models.Metric{{Fn: models.AggCount}}
	} else {
		metricCol, ok := firstNumeric(matched)
		if !ok {
			// Fall back to the sheet's sole numeric column; more than one is
			// a genuine ambiguity.
			numeric := numericColumns(columns)
			switch len(numeric) {
			case 0:
				return nil, &BuildError{Kind: BuildUnsupported, Message: fmt.Sprintf("%s requires a numeric column and the sheet has none", fn)}
			case 1:
				metricCol = numeric[0]
			default:
				return nil, &BuildError{Kind: BuildAmbiguous, Message: fmt.Sprintf("could not pick the column to %s", fn)}
			}
		}
		agg.Metrics = []models.Metric{{Fn: fn, Column: columnRef(documentID, decision.SheetName, metricCol)}}
	}

	if groupCol, ok := b.groupByColumn(lower, matched, columns); ok {
		agg.GroupBy = []models.ColumnRef{columnRef(documentID, decision.SheetName, groupCol)}
		// Grouped results default to largest-first on the metric.
		agg.Order = &models.OrderSpec{MetricIndex: 0, Descending: true}
	}

	if n, ok := extractTopN(lower); ok {
		agg.Limit = n
		if agg.Order == nil {
			agg.Order = &models.OrderSpec{MetricIndex: 0, Descending: true}
		}
	}

	return &models.QueryPlan{Target: target, Kind: models.PlanAggregate, Aggregate: agg}, nil
}

// heuristicFilters derives predicates from the question: enum values of
// matched string columns become equality filters, numeric phrases become
// comparisons on the first matched numeric column.
func (b *planBuilder) heuristicFilters(documentID, sheetName, lower string, matched []models.ColumnEntry, profile *models.DatasetProfile) []models.Predicate {
	var filters []models.Predicate

	for _, col := range matched {
		if col.LogicalType != models.TypeString {
			continue
		}
		cp, ok := profile.Columns[col.OriginalName]
		if !ok {
			continue
		}
		for _, sample := range cp.SampleValues {
			if containsToken(lower, strings.ToLower(sample)) {
				filters = append(filters, models.Predicate{
					Column: columnRef(documentID, sheetName, col),
					Op:     models.OpEq,
					Value:  sample,
				})
				break
			}
		}
	}

	if numCol, ok := firstNumeric(matched); ok {
		for _, c := range []struct {
			pattern *regexp.Regexp
			op      models.FilterOp
		}{
			{gtPattern, models.OpGt},
			{gtePattern, models.OpGte},
			{ltPattern, models.OpLt},
			{ltePattern, models.OpLte},
		} {
			if m := c.pattern.FindStringSubmatch(lower); m != nil {
				value, err := strconv.ParseFloat(m[1], 64)
				if err != nil {
					continue
				}
				filters = append(filters, models.Predicate{
					Column: columnRef(documentID, sheetName, numCol),
					Op:     c.op,
					Value:  value,
				})
			}
		}
	}

	return filters
}

// groupByColumn finds the grouping column: the noun after "top N", then a
// non-numeric "by X" / "per X" phrase, then the first matched non-numeric
// column when a breakdown cue is present.
func (b *planBuilder) groupByColumn(lower string, matched, all []models.ColumnEntry) (models.ColumnEntry, bool) {
	if col, ok := phraseColumn(topGroupPattern, lower, all); ok {
		return col, true
	}
	if col, ok := phraseColumn(byColumnPattern, lower, all); ok && !col.LogicalType.IsNumeric() {
		return col, true
	}
	if strings.Contains(lower, "breakdown") || strings.Contains(lower, "distinct") || strings.Contains(lower, "unique") {
		for _, col := range matched {
			if !col.LogicalType.IsNumeric() {
				return col, true
			}
		}
	}
	return models.ColumnEntry{}, false
}

// phraseColumn resolves the capture of pattern against the sheet's columns.
func phraseColumn(pattern *regexp.Regexp, lower string, columns []models.ColumnEntry) (models.ColumnEntry, bool) {
	m := pattern.FindStringSubmatch(lower)
	if m == nil {
		return models.ColumnEntry{}, false
	}
	tokens := questionTokens(strings.TrimSpace(m[1]))
	for _, col := range columns {
		if columnMentioned(col, tokens) {
			return col, true
		}
	}
	return models.ColumnEntry{}, false
}

var (
	avgPattern   = regexp.MustCompile(`\b(average|mean)\b`)
	sumPattern   = regexp.MustCompile(`\b(sum|total)\b`)
	minPattern   = regexp.MustCompile(`\b(min(imum)?|lowest|smallest)\b`)
	maxPattern   = regexp.MustCompile(`\b(max(imum)?|highest|largest)\b`)
	countPattern = regexp.MustCompile(`\b(how many|count|number of|distinct|unique|breakdown|top|most|per)\b`)
)

func aggregateFn(lower string) (models.AggFn, bool) {
	switch {
	case avgPattern.MatchString(lower):
		return models.AggAvg, true
	case sumPattern.MatchString(lower):
		return models.AggSum, true
	case minPattern.MatchString(lower):
		return models.AggMin, true
	case maxPattern.MatchString(lower):
		return models.AggMax, true
	case countPattern.MatchString(lower):
		return models.AggCount, true
	}
	return "", false
}

func extractTopN(lower string) (uint32, bool) {
	m := topNPattern.FindStringSubmatch(lower)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint32(n), true
}

func firstNumeric(columns []models.ColumnEntry) (models.ColumnEntry, bool) {
	for _, col := range columns {
		if col.LogicalType.IsNumeric() {
			return col, true
		}
	}
	return models.ColumnEntry{}, false
}

func numericColumns(columns []models.ColumnEntry) []models.ColumnEntry {
	var numeric []models.ColumnEntry
	for _, col := range columns {
		if col.LogicalType.IsNumeric() {
			numeric = append(numeric, col)
		}
	}
	return numeric
}

func columnRef(documentID, sheetName string, col models.ColumnEntry) models.ColumnRef {
	return models.ColumnRef{DocumentID: documentID, SheetName: sheetName, SafeName: col.SafeName}
}

// containsToken reports whether needle occurs in haystack on token boundaries.
func containsToken(haystack, needle string) bool {
	idx := strings.Index(haystack, needle)
	for idx >= 0 {
		beforeOK := idx == 0 || !isWordByte(haystack[idx-1])
		afterIdx := idx + len(needle)
		afterOK := afterIdx >= len(haystack) || !isWordByte(haystack[afterIdx])
		if beforeOK && afterOK {
			return true
		}
		next := strings.Index(haystack[idx+1:], needle)
		if next < 0 {
			return false
		}
		idx += 1 + next
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

// wirePlan is the JSON shape the generator model returns. Field values are
// coerced tolerantly; nothing here is trusted until validation.
type wirePlan struct {
	Kind    string          `json:"kind"`
	GroupBy json.RawMessage `json:"group_by,omitempty"`
	Metrics []wireMetric    `json:"metrics,omitempty"`
	Columns json.RawMessage `json:"columns,omitempty"`
	Filters []wireFilter    `json:"filters,omitempty"`
	Order   *wireOrder      `json:"order,omitempty"`
	Limit   json.RawMessage `json:"limit,omitempty"`
}

type wireMetric struct {
	Fn     json.RawMessage `json:"fn"`
	Column json.RawMessage `json:"column,omitempty"`
}

type wireFilter struct {
	Column json.RawMessage `json:"column"`
	Op     json.RawMessage `json:"op"`
	Value  any             `json:"value,omitempty"`
	Values []any           `json:"values,omitempty"`
}

type wireOrder struct {
	By          json.RawMessage `json:"by"`
	MetricIndex *int            `json:"metric_index,omitempty"`
	Descending  bool            `json:"descending"`
}

func (b *planBuilder) llmBuild(ctx context.Context, documentID, question, sheetName string, columns []models.ColumnEntry, profile *models.DatasetProfile) (*models.QueryPlan, error) {
	sheetCtx := &prompts.PlanSheetContext{
		SheetName: sheetName,
		RowCount:  profile.RowCount,
		Columns:   make([]prompts.PlanColumnContext, 0, len(columns)),
	}
	for _, col := range columns {
		pcc := prompts.PlanColumnContext{
			SafeName:     col.SafeName,
			OriginalName: col.OriginalName,
			Type:         col.LogicalType,
		}
		if cp, ok := profile.Columns[col.OriginalName]; ok {
			pcc.NullRatio = cp.NullRatio
			pcc.SampleValues = cp.SampleValues
		}
		sheetCtx.Columns = append(sheetCtx.Columns, pcc)
	}

	prompt := prompts.BuildPlanGenerationPrompt(question, sheetCtx)
	resp, err := retry.DoWithResultIfRetryable(ctx, nil, func() (*llm.GenerateResponseResult, error) {
		return b.client.GenerateResponse(ctx, prompt, prompts.PlanSystemMessage, 0.0)
	})
	if err != nil {
		return nil, fmt.Errorf("plan generation request failed: %w", err)
	}

	wire, err := llm.ParseJSONResponse[wirePlan](resp.Content)
	if err != nil {
		return nil, fmt.Errorf("plan generation returned invalid JSON: %w", err)
	}

	return b.convertWirePlan(documentID, sheetName, &wire)
}

// convertWirePlan lifts the tolerant wire shape into the typed plan grammar.
// Unknown kinds, functions, and operators are rejected here, before validation.
func (b *planBuilder) convertWirePlan(documentID, sheetName string, wire *wirePlan) (*models.QueryPlan, error) {
	target := models.SheetRef{DocumentID: documentID, SheetName: sheetName}
	ref := func(safeName string) models.ColumnRef {
		return models.ColumnRef{DocumentID: documentID, SheetName: sheetName, SafeName: safeName}
	}

	filters := make([]models.Predicate, 0, len(wire.Filters))
	for _, f := range wire.Filters {
		op := models.FilterOp(jsonutil.FlexibleStringValue(f.Op))
		if !models.ValidFilterOp(op) {
			return nil, &BuildError{Kind: BuildUnsupported, Message: fmt.Sprintf("unknown filter operator %q", op)}
		}
		filters = append(filters, models.Predicate{
			Column: ref(jsonutil.FlexibleStringValue(f.Column)),
			Op:     op,
			Value:  f.Value,
			Values: f.Values,
		})
	}

	var order *models.OrderSpec
	if wire.Order != nil {
		order = &models.OrderSpec{MetricIndex: -1, Descending: wire.Order.Descending}
		by := jsonutil.FlexibleStringValue(wire.Order.By)
		if by == "metric" || wire.Order.MetricIndex != nil {
			order.MetricIndex = 0
			if wire.Order.MetricIndex != nil {
				order.MetricIndex = *wire.Order.MetricIndex
			}
		} else {
			order.Column = ref(by)
		}
	}

	limit := jsonutil.FlexibleUintValue(wire.Limit, 0)

	switch wire.Kind {
	case "aggregate":
		metrics := make([]models.Metric, 0, len(wire.Metrics))
		for _, m := range wire.Metrics {
			fn := models.AggFn(jsonutil.FlexibleStringValue(m.Fn))
			if !models.ValidAggFn(fn) {
				return nil, &BuildError{Kind: BuildUnsupported, Message: fmt.Sprintf("unknown aggregate function %q", fn)}
			}
			metric := models.Metric{Fn: fn}
			if name := jsonutil.FlexibleStringValue(m.Column); name != "" {
				metric.Column = ref(name)
			}
			metrics = append(metrics, metric)
		}
		if len(metrics) == 0 {
			return nil, &BuildError{Kind: BuildUnsupported, Message: "aggregate plan has no metrics"}
		}
		groupBy := make([]models.ColumnRef, 0)
		for _, name := range jsonutil.FlexibleStringSlice(wire.GroupBy) {
			groupBy = append(groupBy, ref(name))
		}
		return &models.QueryPlan{
			Target: target,
			Kind:   models.PlanAggregate,
			Aggregate: &models.AggregatePlan{
				GroupBy: groupBy,
				Metrics: metrics,
				Filters: filters,
				Order:   order,
				Limit:   limit,
			},
		}, nil

	case "list":
		cols := make([]models.ColumnRef, 0)
		for _, name := range jsonutil.FlexibleStringSlice(wire.Columns) {
			cols = append(cols, ref(name))
		}
		if order != nil && order.MetricIndex >= 0 {
			return nil, &BuildError{Kind: BuildUnsupported, Message: "list plans cannot order by metric"}
		}
		return &models.QueryPlan{
			Target: target,
			Kind:   models.PlanList,
			List: &models.ListPlan{
				Columns: cols,
				Filters: filters,
				Order:   order,
				Limit:   limit,
			},
		}, nil

	case "unsupported":
		return nil, &BuildError{Kind: BuildUnsupported, Message: "question is outside the plan grammar"}
	default:
		return nil, &BuildError{Kind: BuildUnsupported, Message: fmt.Sprintf("unknown plan kind %q", wire.Kind)}
	}
}

// clampLimits applies the default and ceiling row limits in place.
func (b *planBuilder) clampLimits(plan *models.QueryPlan) {
	switch plan.Kind {
	case models.PlanAggregate:
		if plan.Aggregate.Limit == 0 {
			plan.Aggregate.Limit = b.cfg.DefaultRowLimit
		}
		if plan.Aggregate.Limit > b.cfg.MaxGroupRows {
			plan.Aggregate.Limit = b.cfg.MaxGroupRows
		}
	case models.PlanList:
		if plan.List.Limit == 0 {
			plan.List.Limit = b.cfg.DefaultRowLimit
		}
		if plan.List.Limit > b.cfg.MaxListRows {
			plan.List.Limit = b.cfg.MaxListRows
		}
	}
}
