package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tessella-ai/tessella-engine/pkg/config"
	"github.com/tessella-ai/tessella-engine/pkg/models"
	safesql "github.com/tessella-ai/tessella-engine/pkg/sql"
)

// ValidationCode classifies why a plan was rejected.
type ValidationCode string

const (
	ValidationMalformedPlan  ValidationCode = "malformed_plan"
	ValidationUnknownColumn  ValidationCode = "unknown_column"
	ValidationTypeMismatch   ValidationCode = "type_mismatch"
	ValidationSchemaMismatch ValidationCode = "schema_mismatch"
	ValidationUnsafeLiteral  ValidationCode = "unsafe_literal"
)

// ValidationError reports a rejected plan. Rejection is expected control flow
// for plans from an untrusted generator, not a system fault.
type ValidationError struct {
	Code    ValidationCode
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan validation failed (%s): %s", e.Code, e.Message)
}

func validationErrorf(code ValidationCode, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ValidatedPlan is the only input the SQL compiler accepts. Its fields are
// unexported so the sole way to obtain one is PlanValidator.Validate: the type
// system enforces that no unvalidated plan reaches compilation.
type ValidatedPlan struct {
	plan    *models.QueryPlan
	entry   *models.TableEntry
	columns map[string]models.ColumnEntry
	ordered []models.ColumnEntry
}

// Plan returns the validated, normalized plan.
func (v *ValidatedPlan) Plan() *models.QueryPlan { return v.plan }

// TableEntry returns the physical table the plan was validated against.
func (v *ValidatedPlan) TableEntry() *models.TableEntry { return v.entry }

// Column resolves a validated safe name.
func (v *ValidatedPlan) Column(safeName string) (models.ColumnEntry, bool) {
	col, ok := v.columns[safeName]
	return col, ok
}

// Columns returns the sheet's columns in ordinal order.
func (v *ValidatedPlan) Columns() []models.ColumnEntry { return v.ordered }

// PlanValidator checks an untrusted plan against the schema registry: every
// column ref must resolve, every operation must fit the column's type, every
// literal must be benign, and limits are re-clamped regardless of what the
// builder wrote. It never consults the question text.
type PlanValidator interface {
	Validate(ctx context.Context, plan *models.QueryPlan) (*ValidatedPlan, error)
}

type planValidator struct {
	registry SchemaRegistry
	cfg      *config.AnalyticsConfig
	logger   *zap.Logger
}

// NewPlanValidator creates a new PlanValidator.
func NewPlanValidator(registry SchemaRegistry, cfg *config.AnalyticsConfig, logger *zap.Logger) PlanValidator {
	return &planValidator{registry: registry, cfg: cfg, logger: logger}
}

var _ PlanValidator = (*planValidator)(nil)

func (pv *planValidator) Validate(ctx context.Context, plan *models.QueryPlan) (*ValidatedPlan, error) {
	if plan == nil {
		return nil, validationErrorf(ValidationMalformedPlan, "plan is nil")
	}
	if plan.Target.DocumentID == "" || plan.Target.SheetName == "" {
		return nil, validationErrorf(ValidationMalformedPlan, "plan has no target sheet")
	}

	switch plan.Kind {
	case models.PlanAggregate:
		if plan.Aggregate == nil || plan.List != nil {
			return nil, validationErrorf(ValidationMalformedPlan, "aggregate plan variant mismatch")
		}
	case models.PlanList:
		if plan.List == nil || plan.Aggregate != nil {
			return nil, validationErrorf(ValidationMalformedPlan, "list plan variant mismatch")
		}
	default:
		return nil, validationErrorf(ValidationMalformedPlan, "unknown plan kind %q", plan.Kind)
	}

	entry, err := pv.registry.GetTableEntry(ctx, plan.Target.DocumentID, plan.Target.SheetName)
	if err != nil {
		return nil, err
	}
	ordered, err := pv.registry.GetColumns(ctx, plan.Target.DocumentID, plan.Target.SheetName)
	if err != nil {
		return nil, err
	}
	columns := make(map[string]models.ColumnEntry, len(ordered))
	for _, col := range ordered {
		columns[col.SafeName] = col
	}

	// Validation works on a private copy so later mutation of the caller's
	// plan cannot bypass what was checked.
	clone := clonePlan(plan)

	for _, ref := range clone.ColumnRefs() {
		if _, err := resolveRef(ref, clone.Target, columns); err != nil {
			return nil, err
		}
	}

	switch clone.Kind {
	case models.PlanAggregate:
		if err := pv.validateAggregate(clone, columns); err != nil {
			return nil, err
		}
	case models.PlanList:
		if err := pv.validateList(clone, columns); err != nil {
			return nil, err
		}
	}

	return &ValidatedPlan{plan: clone, entry: entry, columns: columns, ordered: ordered}, nil
}

func resolveRef(ref models.ColumnRef, target models.SheetRef, columns map[string]models.ColumnEntry) (models.ColumnEntry, error) {
	if ref.DocumentID != target.DocumentID || ref.SheetName != target.SheetName {
		return models.ColumnEntry{}, validationErrorf(ValidationSchemaMismatch,
			"column %q references sheet %s/%s, plan targets %s/%s",
			ref.SafeName, ref.DocumentID, ref.SheetName, target.DocumentID, target.SheetName)
	}
	if !safesql.IsSafeIdentifier(ref.SafeName) {
		return models.ColumnEntry{}, validationErrorf(ValidationUnknownColumn, "column name %q is not a valid identifier", ref.SafeName)
	}
	col, ok := columns[ref.SafeName]
	if !ok {
		return models.ColumnEntry{}, validationErrorf(ValidationUnknownColumn, "column %q does not exist in the sheet", ref.SafeName)
	}
	return col, nil
}

func (pv *planValidator) validateAggregate(plan *models.QueryPlan, columns map[string]models.ColumnEntry) error {
	agg := plan.Aggregate
	if len(agg.Metrics) == 0 {
		return validationErrorf(ValidationMalformedPlan, "aggregate plan has no metrics")
	}

	for i, m := range agg.Metrics {
		if !models.ValidAggFn(m.Fn) {
			return validationErrorf(ValidationMalformedPlan, "metric %d has unknown function %q", i, m.Fn)
		}
		if m.Column.SafeName == "" {
			if m.Fn != models.AggCount {
				return validationErrorf(ValidationMalformedPlan, "metric %d (%s) requires a column", i, m.Fn)
			}
			continue
		}
		col, err := resolveRef(m.Column, plan.Target, columns)
		if err != nil {
			return err
		}
		if m.Fn.RequiresNumeric() && !col.LogicalType.IsNumeric() {
			return validationErrorf(ValidationTypeMismatch, "%s requires a numeric column, %q is %s", m.Fn, col.SafeName, col.LogicalType)
		}
		if (m.Fn == models.AggMin || m.Fn == models.AggMax) && col.LogicalType == models.TypeBoolean {
			return validationErrorf(ValidationTypeMismatch, "%s is not defined for boolean column %q", m.Fn, col.SafeName)
		}
	}

	if err := pv.validateFilters(agg.Filters, plan.Target, columns); err != nil {
		return err
	}

	if agg.Order != nil {
		if agg.Order.MetricIndex >= 0 {
			if agg.Order.MetricIndex >= len(agg.Metrics) {
				return validationErrorf(ValidationMalformedPlan, "order references metric %d of %d", agg.Order.MetricIndex, len(agg.Metrics))
			}
		} else {
			inGroupBy := false
			for _, g := range agg.GroupBy {
				if g.SafeName == agg.Order.Column.SafeName {
					inGroupBy = true
					break
				}
			}
			if !inGroupBy {
				return validationErrorf(ValidationMalformedPlan, "order column %q is not in the group-by set", agg.Order.Column.SafeName)
			}
		}
	}

	agg.Limit = clamp(agg.Limit, pv.cfg.DefaultRowLimit, pv.cfg.MaxGroupRows)
	return nil
}

func (pv *planValidator) validateList(plan *models.QueryPlan, columns map[string]models.ColumnEntry) error {
	list := plan.List

	if err := pv.validateFilters(list.Filters, plan.Target, columns); err != nil {
		return err
	}
	if list.Order != nil && list.Order.MetricIndex >= 0 {
		return validationErrorf(ValidationMalformedPlan, "list plans cannot order by metric")
	}
	list.Limit = clamp(list.Limit, pv.cfg.DefaultRowLimit, pv.cfg.MaxListRows)
	return nil
}

func (pv *planValidator) validateFilters(filters []models.Predicate, target models.SheetRef, columns map[string]models.ColumnEntry) error {
	for i := range filters {
		f := &filters[i]
		if !models.ValidFilterOp(f.Op) {
			return validationErrorf(ValidationMalformedPlan, "filter %d has unknown operator %q", i, f.Op)
		}
		col, err := resolveRef(f.Column, target, columns)
		if err != nil {
			return err
		}

		switch {
		case f.Op == models.OpContains && col.LogicalType != models.TypeString:
			return validationErrorf(ValidationTypeMismatch, "contains requires a string column, %q is %s", col.SafeName, col.LogicalType)
		case f.Op.IsComparison() && !col.LogicalType.IsNumeric() && col.LogicalType != models.TypeDate:
			return validationErrorf(ValidationTypeMismatch, "%s requires a numeric or date column, %q is %s", f.Op, col.SafeName, col.LogicalType)
		}

		if f.Op == models.OpIn {
			if len(f.Values) == 0 {
				return validationErrorf(ValidationMalformedPlan, "in filter on %q has no values", col.SafeName)
			}
			for j, v := range f.Values {
				coerced, err := coerceLiteral(v, col)
				if err != nil {
					return err
				}
				f.Values[j] = coerced
			}
			f.Value = nil
		} else {
			coerced, err := coerceLiteral(f.Value, col)
			if err != nil {
				return err
			}
			f.Value = coerced
			f.Values = nil
		}
	}
	return nil
}

// coerceLiteral normalizes a predicate literal to the Go type its column
// binds, and screens string literals for injection payloads. Literals only
// ever reach SQL as bound parameters; the screen catches a plan source
// emitting attack strings before anything touches the database.
func coerceLiteral(value any, col models.ColumnEntry) (any, error) {
	if value == nil {
		return nil, validationErrorf(ValidationMalformedPlan, "filter on %q has no value", col.SafeName)
	}

	if s, ok := value.(string); ok {
		if result := safesql.CheckLiteralForInjection(col.SafeName, s); result != nil {
			return nil, validationErrorf(ValidationUnsafeLiteral, "literal for %q matched injection fingerprint %s", col.SafeName, result.Fingerprint)
		}
	}

	switch col.LogicalType {
	case models.TypeInteger:
		switch v := value.(type) {
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
			return v, nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		}
	case models.TypeFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case models.TypeBoolean:
		if v, ok := value.(bool); ok {
			return v, nil
		}
		if s, ok := value.(string); ok {
			if b, ok := booleanTokens[strings.ToLower(strings.TrimSpace(s))]; ok {
				return b, nil
			}
		}
	case models.TypeDate:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case string:
			if d, ok := parseDate(strings.TrimSpace(v)); ok {
				return d, nil
			}
		}
	default:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil
	}
	return nil, validationErrorf(ValidationTypeMismatch, "literal %v cannot be compared to %s column %q", value, col.LogicalType, col.SafeName)
}

func clamp(limit, fallback, ceiling uint32) uint32 {
	if limit == 0 {
		limit = fallback
	}
	if limit > ceiling {
		limit = ceiling
	}
	return limit
}

// clonePlan deep-copies a plan, detaching validation state from the caller.
func clonePlan(plan *models.QueryPlan) *models.QueryPlan {
	out := &models.QueryPlan{Target: plan.Target, Kind: plan.Kind}
	if plan.Aggregate != nil {
		agg := &models.AggregatePlan{
			GroupBy: append([]models.ColumnRef(nil), plan.Aggregate.GroupBy...),
			Metrics: append([]models.Metric(nil), plan.Aggregate.Metrics...),
			Filters: cloneFilters(plan.Aggregate.Filters),
			Limit:   plan.Aggregate.Limit,
		}
		if plan.Aggregate.Order != nil {
			order := *plan.Aggregate.Order
			agg.Order = &order
		}
		out.Aggregate = agg
	}
	if plan.List != nil {
		list := &models.ListPlan{
			Columns: append([]models.ColumnRef(nil), plan.List.Columns...),
			Filters: cloneFilters(plan.List.Filters),
			Limit:   plan.List.Limit,
		}
		if plan.List.Order != nil {
			order := *plan.List.Order
			list.Order = &order
		}
		out.List = list
	}
	return out
}

func cloneFilters(filters []models.Predicate) []models.Predicate {
	out := append([]models.Predicate(nil), filters...)
	for i := range out {
		out[i].Values = append([]any(nil), filters[i].Values...)
	}
	return out
}
