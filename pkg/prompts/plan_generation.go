package prompts

import (
	"fmt"
	"strings"

	"github.com/tessella-ai/tessella-engine/pkg/models"
)

// PlanSheetContext provides the schema and profile hints the plan generator
// may reference. Only safe column names appear; the model never sees raw SQL
// or physical table names.
type PlanSheetContext struct {
	SheetName string
	RowCount  int64
	Columns   []PlanColumnContext
}

// PlanColumnContext describes one selectable column.
type PlanColumnContext struct {
	SafeName     string
	OriginalName string
	Type         models.LogicalType
	NullRatio    float64
	SampleValues []string
}

// PlanSystemMessage pins the generator to the closed plan grammar.
const PlanSystemMessage = `You translate questions about a spreadsheet into a JSON query plan.
You must respond with a single JSON object and nothing else.
The plan grammar is closed: only the fields and values described in the user message are allowed.
Never invent column names. Never produce SQL.`

// BuildPlanGenerationPrompt renders the plan-generation request for one
// question against one sheet.
func BuildPlanGenerationPrompt(question string, sheet *PlanSheetContext) string {
	var b strings.Builder

	b.WriteString("## Sheet\n\n")
	fmt.Fprintf(&b, "Name: %s (%d rows)\n\nColumns:\n", sheet.SheetName, sheet.RowCount)
	for _, col := range sheet.Columns {
		fmt.Fprintf(&b, "- %s (%s", col.SafeName, col.Type)
		if col.OriginalName != "" && col.OriginalName != col.SafeName {
			fmt.Fprintf(&b, ", header %q", col.OriginalName)
		}
		if col.NullRatio > 0 {
			fmt.Fprintf(&b, ", %.0f%% null", col.NullRatio*100)
		}
		b.WriteString(")")
		if len(col.SampleValues) > 0 {
			fmt.Fprintf(&b, " values: %s", strings.Join(col.SampleValues, ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString(`
## Plan format

{
  "kind": "aggregate" | "list",
  "group_by": ["column", ...],            // aggregate only, may be empty
  "metrics": [{"fn": "count|sum|avg|min|max", "column": "..."}],  // aggregate only; count may omit column
  "columns": ["column", ...],             // list only; empty means all columns
  "filters": [{"column": "...", "op": "eq|neq|lt|lte|gt|gte|contains|in", "value": ..., "values": [...]}],
  "order": {"by": "column" | "metric", "metric_index": 0, "descending": true},  // optional
  "limit": 50                             // optional
}

Rules:
- "sum" and "avg" require a numeric column; "contains" requires a string column.
- "in" uses "values"; every other operator uses "value".
- Use only the column names listed above.
- If the question cannot be answered from this sheet, respond {"kind": "unsupported"}.

## Question

`)
	b.WriteString(question)
	b.WriteString("\n")

	return b.String()
}
