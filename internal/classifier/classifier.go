// Package classifier assigns a coarse category to a user query.
package classifier

import (
	"strings"

	"github.com/ashureev/folio-agent/internal/domain"
)

type rule struct {
	category domain.Category
	keywords []string
}

// Rules are evaluated in order; the first rule with a matching keyword wins.
var rules = []rule{
	{domain.CategoryTax, []string{"tax", "capital gain", "deduct", "wash sale", "harvest"}},
	{domain.CategoryIncomeProjection, []string{"dividend", "yield", "payout", "income", "projection", "ex-date", "ex date"}},
	{domain.CategoryAdvice, []string{"should i", "recommend", "suggest", "advice", "optimize", "rebalance"}},
	{domain.CategoryCompliance, []string{"compliance", "concentration", "diversif", "risk limit", "overweight"}},
}

var preferredTools = map[domain.Category][]string{
	domain.CategoryGeneral:          {"portfolio_analysis", "portfolio_performance", "market_data_lookup"},
	domain.CategoryIncomeProjection: {"dividend_screener", "dividend_income_projection", "dividend_calendar"},
	domain.CategoryTax:              {"tax_estimate", "transaction_history"},
	domain.CategoryCompliance:       {"compliance_check", "portfolio_analysis"},
	domain.CategoryAdvice:           {"portfolio_analysis", "portfolio_performance", "benchmark_comparison"},
}

// followUpWords is the longest utterance treated as a follow-up that inherits
// the category of the previous user turn ("and MSFT?").
const followUpWords = 4

// Classify returns the category for text, using history for short follow-ups.
// It never fails; unclassifiable input is general.
func Classify(text string, history []domain.Message) domain.Category {
	if c, ok := match(text); ok {
		return c
	}
	if len(strings.Fields(text)) > followUpWords {
		return domain.CategoryGeneral
	}
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role != domain.RoleUser || msg.Content == text {
			continue
		}
		if c, ok := match(msg.Content); ok {
			return c
		}
		break
	}
	return domain.CategoryGeneral
}

// PreferredTools lists the tools most useful for a category, used as a hint by
// the reasoner. The returned slice is a copy.
func PreferredTools(c domain.Category) []string {
	tools, ok := preferredTools[c]
	if !ok {
		tools = preferredTools[domain.CategoryGeneral]
	}
	return append([]string(nil), tools...)
}

func match(text string) (domain.Category, bool) {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return domain.CategoryGeneral, false
	}
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.category, true
			}
		}
	}
	return domain.CategoryGeneral, false
}
