package services

import (
	"context"
	"regexp"
	"strings"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/tessella-ai/tessella-engine/pkg/config"
	"github.com/tessella-ai/tessella-engine/pkg/models"
)

// Intent classifies what a question asks of the tabular data.
type Intent string

const (
	IntentAggregate Intent = "aggregate"
	IntentList      Intent = "list"
	// IntentNone means the question is not tabular-analytic; the caller falls
	// back to generic retrieval.
	IntentNone Intent = "none"
)

// RouteDecision is the router's verdict for one question.
type RouteDecision struct {
	Intent    Intent
	SheetName string
	// MatchedColumns holds safe names of columns the question mentions,
	// in sheet ordinal order.
	MatchedColumns []string
	Score          int
	// Reason explains an IntentNone verdict.
	Reason string
}

// IntentRouter decides whether a question is answerable from a document's
// sheets and, if so, with which plan shape. Classification is deterministic:
// cue phrases plus schema token matching, no model in the loop.
type IntentRouter interface {
	Route(ctx context.Context, documentID, sheetName, question string) (*RouteDecision, error)
}

type intentRouter struct {
	registry SchemaRegistry
	cfg      *config.AnalyticsConfig
	logger   *zap.Logger
}

// NewIntentRouter creates a new IntentRouter.
func NewIntentRouter(registry SchemaRegistry, cfg *config.AnalyticsConfig, logger *zap.Logger) IntentRouter {
	return &intentRouter{registry: registry, cfg: cfg, logger: logger}
}

var _ IntentRouter = (*intentRouter)(nil)

// Aggregation cues are checked before list cues: "how many orders" must
// aggregate even though "orders" would also satisfy a list match.
var aggregateCues = []*regexp.Regexp{
	regexp.MustCompile(`\bhow many\b`),
	regexp.MustCompile(`\bcount\b`),
	regexp.MustCompile(`\bnumber of\b`),
	regexp.MustCompile(`\bdistinct\b`),
	regexp.MustCompile(`\bunique\b`),
	regexp.MustCompile(`\bbreakdown\b`),
	regexp.MustCompile(`\bgroup(ed)? by\b`),
	regexp.MustCompile(`\b(average|mean)\b`),
	regexp.MustCompile(`\b(sum|total)\b`),
	regexp.MustCompile(`\bmin(imum)?\b`),
	regexp.MustCompile(`\bmax(imum)?\b`),
	regexp.MustCompile(`\b(lowest|smallest)\b`),
	regexp.MustCompile(`\b(highest|largest|most|top)\b`),
	regexp.MustCompile(`\bper\b`),
}

var listCues = []*regexp.Regexp{
	regexp.MustCompile(`\blist\b`),
	regexp.MustCompile(`\bshow( me)?\b`),
	regexp.MustCompile(`\bfind\b`),
	regexp.MustCompile(`\bget\b`),
	regexp.MustCompile(`\bwhat are\b`),
	regexp.MustCompile(`\bwho are\b`),
	regexp.MustCompile(`\bwhich\b`),
	regexp.MustCompile(`\bfilter\b`),
	regexp.MustCompile(`\bwhere\b`),
	regexp.MustCompile(`\brows?\b`),
	regexp.MustCompile(`\bentries\b`),
	regexp.MustCompile(`\brecords?\b`),
}

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

// questionTokens lowercases, splits, and singularizes a question so "regions"
// matches a column named region.
func questionTokens(question string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range tokenSplit.Split(strings.ToLower(question), -1) {
		if tok == "" {
			continue
		}
		tokens[tok] = struct{}{}
		tokens[inflection.Singular(tok)] = struct{}{}
	}
	return tokens
}

func matchesAny(question string, cues []*regexp.Regexp) bool {
	for _, cue := range cues {
		if cue.MatchString(question) {
			return true
		}
	}
	return false
}

func (r *intentRouter) Route(ctx context.Context, documentID, sheetName, question string) (*RouteDecision, error) {
	summaries, err := r.registry.GetSheetSummaries(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return &RouteDecision{Intent: IntentNone, Reason: "document has no tabular sheets"}, nil
	}

	lower := strings.ToLower(question)
	tokens := questionTokens(question)

	intent := IntentNone
	switch {
	case matchesAny(lower, aggregateCues):
		intent = IntentAggregate
	case matchesAny(lower, listCues):
		intent = IntentList
	}
	if intent == IntentNone {
		return &RouteDecision{Intent: IntentNone, Reason: "no aggregation or listing cue in question"}, nil
	}

	target, matched := r.pickSheet(summaries, sheetName, tokens)
	score := len(matched)
	if target != nil && sheetRefMentioned(target.SheetName, tokens) {
		score++
	}

	if score < r.cfg.MinMatchScore {
		r.logger.Debug("question below match threshold",
			zap.String("document_id", documentID),
			zap.Int("score", score),
			zap.Int("min_score", r.cfg.MinMatchScore))
		return &RouteDecision{Intent: IntentNone, Reason: "question does not reference any sheet column"}, nil
	}

	return &RouteDecision{
		Intent:         intent,
		SheetName:      target.SheetName,
		MatchedColumns: matched,
		Score:          score,
	}, nil
}

// pickSheet selects the target sheet: an explicit request wins, then a sheet
// whose name the question mentions, then the default, then the best column
// match. Returns the chosen summary and its matched safe column names.
func (r *intentRouter) pickSheet(summaries []models.SheetSummary, requested string, tokens map[string]struct{}) (*models.SheetSummary, []string) {
	if requested != "" {
		for i := range summaries {
			if summaries[i].SheetName == requested {
				return &summaries[i], matchColumns(&summaries[i], tokens)
			}
		}
	}

	for i := range summaries {
		if sheetRefMentioned(summaries[i].SheetName, tokens) {
			return &summaries[i], matchColumns(&summaries[i], tokens)
		}
	}

	var best *models.SheetSummary
	var bestMatched []string
	for i := range summaries {
		matched := matchColumns(&summaries[i], tokens)
		switch {
		case best == nil,
			len(matched) > len(bestMatched),
			len(matched) == len(bestMatched) && summaries[i].IsDefault:
			best = &summaries[i]
			bestMatched = matched
		}
	}
	return best, bestMatched
}

// matchColumns returns safe names of columns whose name tokens all appear in
// the question.
func matchColumns(summary *models.SheetSummary, tokens map[string]struct{}) []string {
	var matched []string
	for _, col := range summary.Columns {
		if columnMentioned(col, tokens) {
			matched = append(matched, col.SafeName)
		}
	}
	return matched
}

func columnMentioned(col models.ColumnEntry, tokens map[string]struct{}) bool {
	parts := strings.Split(col.SafeName, "_")
	if len(parts) == 0 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			continue
		}
		if _, ok := tokens[inflection.Singular(part)]; !ok {
			return false
		}
	}
	return true
}

func sheetRefMentioned(sheetName string, tokens map[string]struct{}) bool {
	for _, part := range tokenSplit.Split(strings.ToLower(sheetName), -1) {
		if part == "" {
			continue
		}
		if _, ok := tokens[inflection.Singular(part)]; !ok {
			return false
		}
	}
	return true
}
