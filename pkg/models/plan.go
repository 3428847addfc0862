package models

// PlanKind discriminates the two variants of the closed plan union.
type PlanKind string

const (
	PlanAggregate PlanKind = "aggregate"
	PlanList      PlanKind = "list"
)

// AggFn is the closed set of aggregate functions a plan may request.
// Anything outside this set never survives deserialization.
type AggFn string

const (
	AggCount AggFn = "count"
	AggSum   AggFn = "sum"
	AggAvg   AggFn = "avg"
	AggMin   AggFn = "min"
	AggMax   AggFn = "max"
)

// ValidAggFn reports whether fn is a member of the closed aggregate set.
func ValidAggFn(fn AggFn) bool {
	switch fn {
	case AggCount, AggSum, AggAvg, AggMin, AggMax:
		return true
	}
	return false
}

// RequiresNumeric reports whether the function only accepts numeric columns.
func (fn AggFn) RequiresNumeric() bool {
	return fn == AggSum || fn == AggAvg
}

// FilterOp is the closed set of predicate operators.
type FilterOp string

const (
	OpEq       FilterOp = "eq"
	OpNeq      FilterOp = "neq"
	OpLt       FilterOp = "lt"
	OpLte      FilterOp = "lte"
	OpGt       FilterOp = "gt"
	OpGte      FilterOp = "gte"
	OpContains FilterOp = "contains"
	OpIn       FilterOp = "in"
)

// ValidFilterOp reports whether op is a member of the closed operator set.
func ValidFilterOp(op FilterOp) bool {
	switch op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpContains, OpIn:
		return true
	}
	return false
}

// IsComparison reports whether op is an ordering comparison (<, <=, >, >=).
func (op FilterOp) IsComparison() bool {
	switch op {
	case OpLt, OpLte, OpGt, OpGte:
		return true
	}
	return false
}

// ColumnRef names a column by its registry identity. A ref carries no
// authority: it is meaningless until resolved against the schema registry.
type ColumnRef struct {
	DocumentID string `json:"document_id"`
	SheetName  string `json:"sheet_name"`
	SafeName   string `json:"safe_name"`
}

// Predicate is one filter clause. Value is untrusted input and only ever
// reaches generated SQL as a bound parameter. For OpIn, Values carries the
// member list and Value is ignored.
type Predicate struct {
	Column ColumnRef `json:"column"`
	Op     FilterOp  `json:"op"`
	Value  any       `json:"value,omitempty"`
	Values []any     `json:"values,omitempty"`
}

// Metric pairs an aggregate function with its target column. For AggCount the
// column ref may be empty (COUNT of rows).
type Metric struct {
	Fn     AggFn     `json:"fn"`
	Column ColumnRef `json:"column"`
}

// OrderSpec requests result ordering by a group-by column or metric index.
type OrderSpec struct {
	// MetricIndex orders by the n-th metric when >= 0; otherwise Column is used.
	MetricIndex int       `json:"metric_index"`
	Column      ColumnRef `json:"column"`
	Descending  bool      `json:"descending"`
}

// AggregatePlan groups rows and computes metrics per group.
type AggregatePlan struct {
	GroupBy []ColumnRef `json:"group_by"`
	Metrics []Metric    `json:"metrics"`
	Filters []Predicate `json:"filters"`
	Order   *OrderSpec  `json:"order,omitempty"`
	Limit   uint32      `json:"limit"`
}

// ListPlan selects raw rows, optionally filtered and ordered.
type ListPlan struct {
	Columns []ColumnRef `json:"columns"`
	Filters []Predicate `json:"filters"`
	Order   *OrderSpec  `json:"order,omitempty"`
	Limit   uint32      `json:"limit"`
}

// SheetRef names the sheet a plan targets.
type SheetRef struct {
	DocumentID string `json:"document_id"`
	SheetName  string `json:"sheet_name"`
}

// QueryPlan is the closed union over the two plan variants. Exactly one of
// Aggregate/List is non-nil, matching Kind. The type deliberately has no field
// that could carry raw SQL: untrusted plan sources are constrained to this
// grammar before validation ever runs.
type QueryPlan struct {
	Target    SheetRef       `json:"target"`
	Kind      PlanKind       `json:"kind"`
	Aggregate *AggregatePlan `json:"aggregate,omitempty"`
	List      *ListPlan      `json:"list,omitempty"`
}

// ColumnRefs returns every column reference in the plan, in declaration order.
// The validator resolves each one against the registry; none carries authority
// on its own.
func (p *QueryPlan) ColumnRefs() []ColumnRef {
	var refs []ColumnRef
	switch p.Kind {
	case PlanAggregate:
		if p.Aggregate == nil {
			return nil
		}
		refs = append(refs, p.Aggregate.GroupBy...)
		for _, m := range p.Aggregate.Metrics {
			if m.Column.SafeName != "" {
				refs = append(refs, m.Column)
			}
		}
		for _, f := range p.Aggregate.Filters {
			refs = append(refs, f.Column)
		}
		if p.Aggregate.Order != nil && p.Aggregate.Order.MetricIndex < 0 {
			refs = append(refs, p.Aggregate.Order.Column)
		}
	case PlanList:
		if p.List == nil {
			return nil
		}
		refs = append(refs, p.List.Columns...)
		for _, f := range p.List.Filters {
			refs = append(refs, f.Column)
		}
		if p.List.Order != nil {
			refs = append(refs, p.List.Order.Column)
		}
	}
	return refs
}

// Limit returns the requested row limit of whichever variant is set.
func (p *QueryPlan) Limit() uint32 {
	switch p.Kind {
	case PlanAggregate:
		if p.Aggregate != nil {
			return p.Aggregate.Limit
		}
	case PlanList:
		if p.List != nil {
			return p.List.Limit
		}
	}
	return 0
}
