package services

import (
	"fmt"
	"strings"

	"github.com/tessella-ai/tessella-engine/pkg/models"
	safesql "github.com/tessella-ai/tessella-engine/pkg/sql"
)

// CompiledQuery is a fully parameterized statement pair ready for execution.
// Statement returns the result rows; ProbeStatement, when non-empty, returns
// one row iff more rows (or groups) matched than Limit allowed.
type CompiledQuery struct {
	Statement      string
	Params         []any
	ProbeStatement string
	ProbeParams    []any
	TableName      string
	Generation     int64
	Columns        []models.ResultColumn
	Limit          uint32
}

// SQLCompiler lowers a validated plan to SQL by whitelist: every identifier
// comes from the registry, every literal becomes a bound parameter, and the
// same plan always produces byte-identical SQL. There is no string
// interpolation of anything user-controlled.
type SQLCompiler interface {
	Compile(plan *ValidatedPlan) (*CompiledQuery, error)
}

type sqlCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler. The compiler is stateless.
func NewSQLCompiler() SQLCompiler {
	return &sqlCompiler{}
}

var _ SQLCompiler = (*sqlCompiler)(nil)

func (c *sqlCompiler) Compile(vp *ValidatedPlan) (*CompiledQuery, error) {
	plan := vp.Plan()
	entry := vp.TableEntry()

	var compiled *CompiledQuery
	var err error
	switch plan.Kind {
	case models.PlanAggregate:
		compiled, err = c.compileAggregate(vp)
	case models.PlanList:
		compiled, err = c.compileList(vp)
	default:
		err = fmt.Errorf("cannot compile plan kind %q", plan.Kind)
	}
	if err != nil {
		return nil, err
	}

	compiled.TableName = entry.TableName
	compiled.Generation = entry.Generation

	// A compiler that emitted multiple statements has a bug; fail closed.
	if err := safesql.EnsureSingleStatement(compiled.Statement); err != nil {
		return nil, fmt.Errorf("compiled statement rejected: %w", err)
	}
	if compiled.ProbeStatement != "" {
		if err := safesql.EnsureSingleStatement(compiled.ProbeStatement); err != nil {
			return nil, fmt.Errorf("compiled probe rejected: %w", err)
		}
	}
	return compiled, nil
}

func (c *sqlCompiler) compileAggregate(vp *ValidatedPlan) (*CompiledQuery, error) {
	agg := vp.Plan().Aggregate
	table := vp.TableEntry().TableName

	params := &paramList{}
	where, err := compileFilters(agg.Filters, params)
	if err != nil {
		return nil, err
	}

	selects := make([]string, 0, len(agg.GroupBy)+len(agg.Metrics))
	groups := make([]string, 0, len(agg.GroupBy))
	resultCols := make([]models.ResultColumn, 0, len(agg.GroupBy)+len(agg.Metrics))

	for _, g := range agg.GroupBy {
		col, ok := vp.Column(g.SafeName)
		if !ok {
			return nil, fmt.Errorf("group-by column %q missing from validated plan", g.SafeName)
		}
		selects = append(selects, col.SafeName)
		groups = append(groups, col.SafeName)
		resultCols = append(resultCols, models.ResultColumn{
			Name:         col.SafeName,
			OriginalName: col.OriginalName,
			Type:         col.LogicalType,
		})
	}

	aliases := make([]string, len(agg.Metrics))
	for i, m := range agg.Metrics {
		alias := metricAlias(i, m)
		aliases[i] = alias
		expr, rc, err := metricExpr(vp, m, alias)
		if err != nil {
			return nil, err
		}
		selects = append(selects, expr)
		resultCols = append(resultCols, rc)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(selects, ", "), table)
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	if len(groups) > 0 {
		fmt.Fprintf(&b, " GROUP BY %s", strings.Join(groups, ", "))
		b.WriteString(" ORDER BY ")
		b.WriteString(aggregateOrder(agg, groups, aliases))
		limit := params.add(int64(agg.Limit))
		fmt.Fprintf(&b, " LIMIT %s", limit)
	}

	compiled := &CompiledQuery{
		Statement: b.String(),
		Params:    params.values,
		Columns:   resultCols,
		Limit:     agg.Limit,
	}

	// An ungrouped aggregate always yields one row; only groups can truncate.
	if len(groups) > 0 {
		probeParams := &paramList{}
		probeWhere, err := compileFilters(agg.Filters, probeParams)
		if err != nil {
			return nil, err
		}
		var pb strings.Builder
		fmt.Fprintf(&pb, "SELECT 1 FROM %s", table)
		if probeWhere != "" {
			pb.WriteString(" WHERE ")
			pb.WriteString(probeWhere)
		}
		fmt.Fprintf(&pb, " GROUP BY %s OFFSET %s LIMIT 1",
			strings.Join(groups, ", "), probeParams.add(int64(agg.Limit)))
		compiled.ProbeStatement = pb.String()
		compiled.ProbeParams = probeParams.values
	}
	return compiled, nil
}

func (c *sqlCompiler) compileList(vp *ValidatedPlan) (*CompiledQuery, error) {
	list := vp.Plan().List
	table := vp.TableEntry().TableName

	selected := vp.Columns()
	if len(list.Columns) > 0 {
		selected = make([]models.ColumnEntry, 0, len(list.Columns))
		for _, ref := range list.Columns {
			col, ok := vp.Column(ref.SafeName)
			if !ok {
				return nil, fmt.Errorf("list column %q missing from validated plan", ref.SafeName)
			}
			selected = append(selected, col)
		}
	}

	names := make([]string, len(selected))
	resultCols := make([]models.ResultColumn, len(selected))
	for i, col := range selected {
		names[i] = col.SafeName
		resultCols[i] = models.ResultColumn{
			Name:         col.SafeName,
			OriginalName: col.OriginalName,
			Type:         col.LogicalType,
		}
	}

	params := &paramList{}
	where, err := compileFilters(list.Filters, params)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(names, ", "), table)
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	if list.Order != nil {
		dir := "ASC"
		if list.Order.Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", list.Order.Column.SafeName, dir)
	}
	fmt.Fprintf(&b, " LIMIT %s", params.add(int64(list.Limit)))

	probeParams := &paramList{}
	probeWhere, err := compileFilters(list.Filters, probeParams)
	if err != nil {
		return nil, err
	}
	var pb strings.Builder
	fmt.Fprintf(&pb, "SELECT 1 FROM %s", table)
	if probeWhere != "" {
		pb.WriteString(" WHERE ")
		pb.WriteString(probeWhere)
	}
	fmt.Fprintf(&pb, " OFFSET %s LIMIT 1", probeParams.add(int64(list.Limit)))

	return &CompiledQuery{
		Statement:      b.String(),
		Params:         params.values,
		ProbeStatement: pb.String(),
		ProbeParams:    probeParams.values,
		Columns:        resultCols,
		Limit:          list.Limit,
	}, nil
}

// paramList numbers bound parameters in order of appearance.
type paramList struct {
	values []any
}

func (p *paramList) add(value any) string {
	p.values = append(p.values, value)
	return fmt.Sprintf("$%d", len(p.values))
}

// compileFilters renders predicates in declaration order, AND-joined.
func compileFilters(filters []models.Predicate, params *paramList) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(filters))
	for _, f := range filters {
		clause, err := compileFilter(f, params)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	return strings.Join(clauses, " AND "), nil
}

func compileFilter(f models.Predicate, params *paramList) (string, error) {
	name := f.Column.SafeName
	switch f.Op {
	case models.OpEq:
		return fmt.Sprintf("%s = %s", name, params.add(f.Value)), nil
	case models.OpNeq:
		return fmt.Sprintf("%s <> %s", name, params.add(f.Value)), nil
	case models.OpLt:
		return fmt.Sprintf("%s < %s", name, params.add(f.Value)), nil
	case models.OpLte:
		return fmt.Sprintf("%s <= %s", name, params.add(f.Value)), nil
	case models.OpGt:
		return fmt.Sprintf("%s > %s", name, params.add(f.Value)), nil
	case models.OpGte:
		return fmt.Sprintf("%s >= %s", name, params.add(f.Value)), nil
	case models.OpContains:
		s, ok := f.Value.(string)
		if !ok {
			return "", fmt.Errorf("contains literal for %q is not a string", name)
		}
		return fmt.Sprintf("%s ILIKE %s", name, params.add("%"+escapeLike(s)+"%")), nil
	case models.OpIn:
		placeholders := make([]string, len(f.Values))
		for i, v := range f.Values {
			placeholders[i] = params.add(v)
		}
		return fmt.Sprintf("%s IN (%s)", name, strings.Join(placeholders, ", ")), nil
	default:
		return "", fmt.Errorf("cannot compile filter operator %q", f.Op)
	}
}

// escapeLike neutralizes LIKE wildcards in a contains literal so the user's
// text matches itself, not a pattern.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// metricAlias names a metric output column: the function, the target, and the
// position, so repeated metrics never collide.
func metricAlias(index int, m models.Metric) string {
	if m.Column.SafeName == "" {
		return fmt.Sprintf("%s_%d", m.Fn, index)
	}
	return fmt.Sprintf("%s_%s_%d", m.Fn, m.Column.SafeName, index)
}

func metricExpr(vp *ValidatedPlan, m models.Metric, alias string) (string, models.ResultColumn, error) {
	if m.Column.SafeName == "" {
		return fmt.Sprintf("count(*) AS %s", alias), models.ResultColumn{
			Name:         alias,
			OriginalName: "count",
			Type:         models.TypeInteger,
		}, nil
	}

	col, ok := vp.Column(m.Column.SafeName)
	if !ok {
		return "", models.ResultColumn{}, fmt.Errorf("metric column %q missing from validated plan", m.Column.SafeName)
	}

	// sum and avg widen to numeric in Postgres; cast back so rows scan into
	// plain Go ints and floats.
	resultType := col.LogicalType
	cast := ""
	switch m.Fn {
	case models.AggCount:
		resultType = models.TypeInteger
	case models.AggAvg:
		resultType = models.TypeFloat
		cast = "::double precision"
	case models.AggSum:
		if col.LogicalType == models.TypeInteger {
			cast = "::bigint"
		} else {
			cast = "::double precision"
		}
	}

	return fmt.Sprintf("%s(%s)%s AS %s", m.Fn, col.SafeName, cast, alias), models.ResultColumn{
		Name:         alias,
		OriginalName: fmt.Sprintf("%s of %s", m.Fn, col.OriginalName),
		Type:         resultType,
	}, nil
}

// aggregateOrder renders the ORDER BY of a grouped aggregate. Group columns
// always follow the primary sort as tiebreakers so equal metric values come
// back in a stable order.
func aggregateOrder(agg *models.AggregatePlan, groups, aliases []string) string {
	var primary string
	switch {
	case agg.Order == nil:
		// Grouped results default to largest-first on the first metric.
		primary = aliases[0] + " DESC"
	case agg.Order.MetricIndex >= 0:
		primary = aliases[agg.Order.MetricIndex] + " ASC"
		if agg.Order.Descending {
			primary = aliases[agg.Order.MetricIndex] + " DESC"
		}
	default:
		primary = agg.Order.Column.SafeName + " ASC"
		if agg.Order.Descending {
			primary = agg.Order.Column.SafeName + " DESC"
		}
	}

	parts := []string{primary}
	for _, g := range groups {
		if !strings.HasPrefix(primary, g+" ") {
			parts = append(parts, g+" ASC")
		}
	}
	return strings.Join(parts, ", ")
}
