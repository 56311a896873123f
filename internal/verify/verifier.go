// Package verify scores a draft answer against the tool data that produced it
// and attaches the disclaimers the score and category call for.
package verify

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ashureev/folio-agent/internal/domain"
)

const (
	// CategoryDisclaimer is appended to tax and advice answers.
	CategoryDisclaimer = "\n\n---\n*This analysis is for informational purposes only and does not " +
		"constitute financial advice. Consult a qualified financial professional " +
		"before making investment decisions.*"

	// LowConfidenceNote is appended when the score buckets as low.
	LowConfidenceNote = "\n\n*Low confidence: parts of this answer could not be verified against " +
		"your portfolio data. Please double-check before relying on it, or try asking again.*"

	// MediumConfidenceNote is appended when the score buckets as medium.
	MediumConfidenceNote = "\n\n*Please verify the key figures against your account before acting on them.*"
)

// Caps applied after the weighted score.
const (
	capToolError     = 0.75
	capUngrounded    = 0.6
	capBoundExceeded = 0.45
	minAnswerLength  = 20
	checkCount       = 4

	// Success rate used when no tool ran.
	neutralSuccessRate = 0.5
)

var (
	financialDisclaimerKeywords = []string{"not financial advice", "consult", "professional", "informational purposes", "disclaimer"}
	taxDisclaimerKeywords       = []string{"tax professional", "consult", "jurisdiction", "disclaimer", "estimate"}
	errorAcknowledgements       = []string{"unable", "error", "could not", "couldn't", "unavailable"}

	numberPattern = regexp.MustCompile(`\$?([\d,]+\.?\d*)\s*%?`)
	dollarPattern = regexp.MustCompile(`\$[\d,]+\.?\d*`)

	directivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(you should|I recommend|must) (buy|sell|short)\b`),
		regexp.MustCompile(`(?i)\bguaranteed\b`),
		regexp.MustCompile(`(?i)\brisk[- ]?free\b`),
		regexp.MustCompile(`(?i)\bwill (definitely|certainly|surely) (go up|increase|rise)\b`),
	}
)

// Input is everything the verifier looks at.
type Input struct {
	Draft    string
	Results  []domain.ToolResult
	Metrics  domain.AgentMetrics
	Category domain.Category
}

// Output is the finalized answer. Nothing in it is mutated after return.
type Output struct {
	Content      string
	Confidence   domain.ConfidenceScore
	Metrics      domain.AgentMetrics
	Warnings     []string
	Errors       []string
	ChecksPassed int
	Sources      []string
}

// Passed reports whether the answer had no hard errors and at least medium confidence.
func (o Output) Passed() bool {
	return len(o.Errors) == 0 && o.Confidence.Value >= 0.5
}

type checkResult struct {
	passed   bool
	warnings []string
	errors   []string
	sources  []string
}

// Verify runs the rule set and returns the finalized answer.
func Verify(in Input) Output {
	content := in.Draft
	if (in.Category == domain.CategoryTax || in.Category == domain.CategoryAdvice) &&
		!strings.Contains(content, strings.TrimSpace(CategoryDisclaimer)) {
		content += CategoryDisclaimer
	}

	executed := domain.ToolResults(in.Results).Executed()
	out := Output{Metrics: in.Metrics.Clone()}
	checks := []checkResult{
		checkFacts(content, executed),
		checkHallucination(content, executed),
		checkDomain(content, in.Category),
		checkCompleteness(content, executed),
	}
	for _, c := range checks {
		if c.passed {
			out.ChecksPassed++
		}
		out.Warnings = append(out.Warnings, c.warnings...)
		out.Errors = append(out.Errors, c.errors...)
		out.Sources = append(out.Sources, c.sources...)
	}

	rate, ok := executed.SuccessRate()
	if !ok {
		rate = neutralSuccessRate
	}
	score := 0.7*float64(out.ChecksPassed)/checkCount + 0.3*rate
	if len(executed.Failed()) > 0 {
		score = math.Min(score, capToolError)
	}
	if in.Category.DataDependent() && len(executed) == 0 {
		score = math.Min(score, capUngrounded)
		out.Warnings = append(out.Warnings, "No tool data was used for a data-dependent question")
	}
	if in.Metrics.BoundExceeded != "" {
		score = math.Min(score, capBoundExceeded)
		out.Warnings = append(out.Warnings, "Reasoning stopped early: "+in.Metrics.BoundExceeded+" limit reached")
	}
	out.Confidence = domain.NewConfidence(score)

	switch out.Confidence.Bucket() {
	case domain.BucketLow:
		content += LowConfidenceNote
	case domain.BucketMedium:
		content += MediumConfidenceNote
	}
	out.Content = content
	return out
}

func checkFacts(response string, results domain.ToolResults) checkResult {
	claimed := make(map[float64]struct{})
	for _, m := range numberPattern.FindAllStringSubmatch(response, -1) {
		raw := strings.ReplaceAll(m[1], ",", "")
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil || n <= 0.01 {
			continue
		}
		claimed[round2(n)] = struct{}{}
	}
	if len(claimed) == 0 {
		return checkResult{passed: true, sources: []string{"No numerical claims to verify"}}
	}

	known := make(map[float64]struct{})
	var sources []string
	for _, r := range results {
		if !r.Succeeded() || len(r.Payload) == 0 {
			continue
		}
		var data any
		if err := json.Unmarshal(r.Payload, &data); err != nil {
			continue
		}
		collectNumbers(data, known, 0)
		sources = append(sources, "Tool data: "+r.Tool)
	}

	var unverified []float64
	for n := range claimed {
		if _, ok := known[n]; !ok {
			unverified = append(unverified, n)
		}
	}
	ratio := 1 - float64(len(unverified))/float64(len(claimed))

	var warnings []string
	if len(unverified) > 0 && len(unverified) <= 3 {
		sort.Float64s(unverified)
		warnings = append(warnings, fmt.Sprintf("Some numbers could not be traced to tool data: %v", unverified))
	}
	return checkResult{passed: ratio >= 0.5, warnings: warnings, sources: sources}
}

func collectNumbers(data any, into map[float64]struct{}, depth int) {
	if depth > 8 {
		return
	}
	switch v := data.(type) {
	case float64:
		into[round2(v)] = struct{}{}
		into[round2(math.Abs(v))] = struct{}{}
	case map[string]any:
		for _, item := range v {
			collectNumbers(item, into, depth+1)
		}
	case []any:
		for _, item := range v {
			collectNumbers(item, into, depth+1)
		}
	}
}

func checkHallucination(response string, results domain.ToolResults) checkResult {
	var warnings []string
	for _, p := range directivePatterns {
		if p.MatchString(response) {
			warnings = append(warnings, "Response contains directive financial language matching "+p.String())
		}
	}
	if len(results) == 0 && dollarPattern.MatchString(response) {
		warnings = append(warnings, "Response contains dollar amounts but no tools were called to source data")
	}
	return checkResult{passed: len(warnings) == 0, warnings: warnings}
}

func checkDomain(response string, category domain.Category) checkResult {
	lower := strings.ToLower(response)
	switch category {
	case domain.CategoryTax:
		if !containsAny(lower, taxDisclaimerKeywords) {
			return checkResult{errors: []string{"Tax-related response missing required disclaimer"}}
		}
	case domain.CategoryAdvice:
		if !containsAny(lower, financialDisclaimerKeywords) {
			return checkResult{passed: true, warnings: []string{"Financial advice response should include disclaimer"}}
		}
	}
	return checkResult{passed: true}
}

func checkCompleteness(response string, results domain.ToolResults) checkResult {
	var warnings []string
	if len(strings.TrimSpace(response)) < minAnswerLength {
		warnings = append(warnings, "Response is too short and may be incomplete")
	}
	if len(results.Failed()) > 0 && !containsAny(strings.ToLower(response), errorAcknowledgements) {
		warnings = append(warnings, "Tools returned errors but response doesn't acknowledge data limitations")
	}
	return checkResult{passed: len(warnings) == 0, warnings: warnings}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
