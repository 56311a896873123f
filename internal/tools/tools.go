// Package tools defines the finance tools exposed to the reasoning loop.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/folio-agent/internal/domain"
	"github.com/ashureev/folio-agent/internal/portfolio"
	"github.com/ashureev/folio-agent/internal/tooling"
)

// SchemaVersion is stamped on every payload. Consumers switch on it instead
// of guessing between payload shapes.
const SchemaVersion = 1

// Meta is embedded in every payload.
type Meta struct {
	SchemaVersion int    `json:"schema_version"`
	Summary       string `json:"summary"`
}

func meta(format string, args ...any) Meta {
	return Meta{SchemaVersion: SchemaVersion, Summary: fmt.Sprintf(format, args...)}
}

// GoalStore is the persistence the goal tools need.
type GoalStore interface {
	CreateGoal(ctx context.Context, goal domain.DividendGoal) (domain.DividendGoal, error)
	ListGoals(ctx context.Context) ([]domain.DividendGoal, error)
	UpdateGoal(ctx context.Context, id string, update domain.GoalUpdate) (domain.DividendGoal, error)
	DeleteGoal(ctx context.Context, id string) error
}

// Deps are the collaborators tools read from.
type Deps struct {
	Portfolio portfolio.Backend
	Goals     GoalStore
	Logger    *slog.Logger
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Register adds every finance tool to reg. Goal tools are skipped when no
// goal store is configured.
func Register(reg *tooling.Registry, deps Deps) error {
	if deps.Portfolio == nil {
		return fmt.Errorf("register tools: portfolio backend is required")
	}
	defs := []tooling.Tool{
		portfolioAnalysisTool(deps),
		portfolioPerformanceTool(deps),
		benchmarkComparisonTool(deps),
		complianceCheckTool(deps),
		marketDataLookupTool(deps),
		transactionHistoryTool(deps),
		taxEstimateTool(deps),
		dividendScreenerTool(deps),
		dividendIncomeProjectionTool(deps),
		dividendCalendarTool(deps),
	}
	if deps.Goals != nil {
		defs = append(defs, dividendGoalManagerTool(deps))
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register tools: %w", err)
		}
	}
	return nil
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

func stringProp(description string, enum ...string) map[string]any {
	prop := map[string]any{"type": "string", "description": description}
	if len(enum) > 0 {
		values := make([]any, len(enum))
		for i, v := range enum {
			values[i] = v
		}
		prop["enum"] = values
	}
	return prop
}

func numberProp(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

var dateRangeProp = stringProp("Period: 1d, 1w, 1m, 3m, 6m, ytd, 1y, 3y, 5y or max. Defaults to ytd.", portfolio.ValidRanges...)

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// money formats v as dollars with thousands separators and two decimals.
func money(v float64) string {
	if v < 0 {
		return "-$" + number(-v)
	}
	return "$" + number(v)
}

// number formats v with thousands separators and two decimals.
func number(v float64) string {
	s := strconv.FormatFloat(round2(v), 'f', 2, 64)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac := s[:len(s)-3], s[len(s)-3:]
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + b.String() + frac
}

func pct(v float64) string {
	return strconv.FormatFloat(round2(v), 'f', 2, 64) + "%"
}
