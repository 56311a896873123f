package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/folio-agent/internal/domain"
)

// RulesModel is the model name reported by RulesReasoner.
const RulesModel = "rules"

const maxSymbolLookups = 3

const capabilitiesAnswer = "I can help with your portfolio: holdings and allocation, performance, " +
	"benchmark comparisons, dividends and income goals, tax estimates and concentration checks. " +
	"What would you like to know?"

var (
	symbolPattern   = regexp.MustCompile(`\$?\b[A-Z]{1,5}\b`)
	greetingPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|thanks|thank you|good (morning|afternoon|evening))\b[\s!.]*$`)

	notSymbols = map[string]bool{
		"I": true, "A": true, "AM": true, "AN": true, "AND": true, "ARE": true, "AT": true,
		"DO": true, "ETF": true, "ETFS": true, "FOR": true, "HOW": true, "IF": true, "IN": true,
		"IRA": true, "IS": true, "IT": true, "MY": true, "OF": true, "ON": true, "OR": true,
		"S": true, "P": true, "TO": true, "USD": true, "EUR": true, "WHAT": true, "YTD": true,
		"ME": true, "US": true, "CEO": true, "USA": true, "ROI": true, "OK": true,
	}

	incomeKeywords = []string{"income", "project", "calendar", "upcoming", "next", "payout", "goal", "per month", "monthly"}

	rangeKeywords = []struct {
		keywords []string
		value    string
	}{
		{[]string{"all time", "since inception", "since i started"}, "max"},
		{[]string{"5 year", "five year", "5y"}, "5y"},
		{[]string{"3 year", "three year", "3y"}, "3y"},
		{[]string{"past year", "last year", "12 months", "1y", "one year"}, "1y"},
		{[]string{"6 month", "six month", "half year", "6m"}, "6m"},
		{[]string{"3 month", "three month", "quarter", "3m"}, "3m"},
		{[]string{"this month", "past month", "last month", "1m"}, "1m"},
		{[]string{"this week", "past week", "last week", "1w"}, "1w"},
		{[]string{"today", "1d"}, "1d"},
	}
)

// RulesReasoner picks tools from the question category, mentioned symbols and
// keywords, then answers from the tool payload summaries. It needs no model
// and is fully deterministic apart from invocation ids.
type RulesReasoner struct {
	newID func() string
}

// NewRulesReasoner returns a RulesReasoner.
func NewRulesReasoner() *RulesReasoner {
	return &RulesReasoner{newID: uuid.NewString}
}

// Reason implements Reasoner.
func (r *RulesReasoner) Reason(ctx context.Context, req ReasonRequest) (ReasonStep, error) {
	if err := ctx.Err(); err != nil {
		return ReasonStep{}, err
	}
	step := ReasonStep{Model: RulesModel}
	if len(req.Exchanges) == 0 {
		step.ToolCalls = r.plan(req)
		if len(step.ToolCalls) == 0 {
			step.Content = capabilitiesAnswer
		}
	} else {
		step.Content = compose(req.Results())
	}
	step.Usage = Usage{
		InputTokens:  estimateTokens(req.Question) + 50*len(req.Tools),
		OutputTokens: estimateTokens(step.Content) + 20*len(step.ToolCalls),
	}
	return step, nil
}

func (r *RulesReasoner) plan(req ReasonRequest) []ToolCall {
	text := req.Question
	if greetingPattern.MatchString(text) {
		return nil
	}
	lower := strings.ToLower(text)
	symbols := extractSymbols(text)
	dateRange := detectRange(lower)
	available := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		available[t.Name] = true
	}

	var calls []ToolCall
	seen := map[string]bool{}
	add := func(name string, args map[string]any) {
		key := name
		if sym, ok := args["symbol"].(string); ok {
			key += ":" + sym
		}
		if !available[name] || seen[key] {
			return
		}
		seen[key] = true
		calls = append(calls, ToolCall{ID: r.newID(), Name: name, Arguments: args})
	}

	for _, name := range req.PreferredTools {
		switch name {
		case "market_data_lookup":
			for i, sym := range symbols {
				if i == maxSymbolLookups {
					break
				}
				add(name, map[string]any{"symbol": sym})
			}
		case "dividend_screener":
			if len(symbols) > 0 {
				add(name, map[string]any{"symbols": strings.Join(symbols, ",")})
			}
		case "dividend_income_projection", "dividend_calendar":
			// A yield question about named symbols is answered by the screener alone.
			if len(symbols) > 0 && !containsAny(lower, incomeKeywords...) {
				continue
			}
			add(name, map[string]any{})
		case "portfolio_performance", "tax_estimate", "benchmark_comparison":
			add(name, map[string]any{"date_range": dateRange})
		default:
			add(name, map[string]any{})
		}
	}

	switch {
	case strings.Contains(lower, "goal"):
		add("dividend_goal_manager", map[string]any{"action": "list"})
	case containsAny(lower, "benchmark", "s&p", "index", "compare", "beat the market"):
		add("benchmark_comparison", map[string]any{"date_range": dateRange})
	case containsAny(lower, "transaction", "trade", "bought", "sold", "activity", "fees"):
		add("transaction_history", map[string]any{})
	}
	return calls
}

// compose writes the answer from payload summaries and acknowledges failures.
func compose(results []domain.ToolResult) string {
	var found, failed []string
	for _, res := range results {
		if !res.Succeeded() {
			failed = append(failed, res.Tool)
			continue
		}
		var payload struct {
			Summary string `json:"summary"`
		}
		if err := json.Unmarshal(res.Payload, &payload); err == nil && payload.Summary != "" {
			found = append(found, payload.Summary)
		}
	}

	var b strings.Builder
	if len(found) == 0 {
		b.WriteString("I couldn't retrieve your portfolio data right now, so I can't answer reliably. Please try again shortly.")
	} else {
		b.WriteString("Here's what I found in your portfolio data:\n\n")
		for _, s := range found {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "\nI was unable to retrieve data from: %s.", strings.Join(failed, ", "))
	}
	return strings.TrimSpace(b.String())
}

func extractSymbols(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range symbolPattern.FindAllString(text, -1) {
		sym := strings.TrimPrefix(m, "$")
		if notSymbols[sym] || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}

func detectRange(lower string) string {
	for _, rk := range rangeKeywords {
		if containsAny(lower, rk.keywords...) {
			return rk.value
		}
	}
	return "ytd"
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
