package tools

import (
	"context"
	"fmt"

	"github.com/ashureev/folio-agent/internal/portfolio"
	"github.com/ashureev/folio-agent/internal/tooling"
)

// TaxDisclaimer accompanies every tax estimate.
const TaxDisclaimer = "DISCLAIMER: This is a rough estimate for informational purposes only. " +
	"Tax calculations depend on your jurisdiction, holding periods, tax-loss harvesting, " +
	"and other factors. Consult a qualified tax professional for accurate tax advice."

const maxMonthlyDividends = 12

// TaxEstimate is the tax_estimate payload.
type TaxEstimate struct {
	Meta
	DateRange                   string              `json:"date_range"`
	EstimatedCapitalGainsLosses float64             `json:"estimated_capital_gains_losses"`
	GainsType                   string              `json:"gains_type"`
	TotalDividendIncome         float64             `json:"total_dividend_income"`
	TotalFeesDeductible         float64             `json:"total_fees_deductible"`
	NetPerformance              float64             `json:"net_performance"`
	MonthlyDividends            []portfolio.Payment `json:"monthly_dividends"`
	Disclaimer                  string              `json:"disclaimer"`
}

func taxEstimateTool(deps Deps) tooling.Tool {
	return tooling.Tool{
		Name: "tax_estimate",
		Description: "Estimate capital gains or losses, dividend income and deductible fees for a period. " +
			"Use for tax related questions. Results are estimates, not tax advice.",
		InputSchema: objectSchema(map[string]any{"date_range": dateRangeProp}),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			dateRange := portfolio.NormalizeRange(tooling.String(args, "date_range", "ytd"))
			perf, err := deps.Portfolio.Performance(ctx, dateRange)
			if err != nil {
				return nil, fmt.Errorf("estimate tax: %w", err)
			}
			dividends, err := deps.Portfolio.DividendsReceived(ctx, dateRange)
			if err != nil {
				return nil, fmt.Errorf("estimate tax: %w", err)
			}
			return estimateTax(dateRange, perf, dividends), nil
		},
	}
}

func estimateTax(dateRange string, perf portfolio.Performance, dividends []portfolio.Payment) TaxEstimate {
	out := TaxEstimate{
		DateRange:                   dateRange,
		EstimatedCapitalGainsLosses: round2(perf.GrossPerformance),
		GainsType:                   "Capital Gains",
		TotalFeesDeductible:         round2(perf.Fees),
		NetPerformance:              round2(perf.NetPerformance),
		MonthlyDividends:            []portfolio.Payment{},
		Disclaimer:                  TaxDisclaimer,
	}
	if perf.GrossPerformance < 0 {
		out.GainsType = "Capital Losses"
	}
	var total float64
	for _, d := range dividends {
		total += d.Amount
	}
	out.TotalDividendIncome = round2(total)
	if len(dividends) > maxMonthlyDividends {
		dividends = dividends[len(dividends)-maxMonthlyDividends:]
	}
	out.MonthlyDividends = append(out.MonthlyDividends, dividends...)

	out.Meta = meta("Estimated %s (%s): %s. Dividend income: %s. Deductible fees: %s.",
		out.GainsType, dateRange, money(out.EstimatedCapitalGainsLosses),
		money(out.TotalDividendIncome), money(out.TotalFeesDeductible))
	return out
}
