package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/ashureev/folio-agent/internal/portfolio"
	"github.com/ashureev/folio-agent/internal/tooling"
)

// HoldingSummary is one row of a portfolio analysis.
type HoldingSummary struct {
	Name          string  `json:"name"`
	Symbol        string  `json:"symbol"`
	Currency      string  `json:"currency"`
	AssetClass    string  `json:"asset_class"`
	AssetSubClass string  `json:"asset_sub_class"`
	AllocationPct float64 `json:"allocation_pct"`
	Value         float64 `json:"value"`
}

// PortfolioAnalysis is the portfolio_analysis payload.
type PortfolioAnalysis struct {
	Meta
	TotalValue           float64            `json:"total_value"`
	HoldingsCount        int                `json:"holdings_count"`
	Holdings             []HoldingSummary   `json:"holdings"`
	AssetClassAllocation map[string]float64 `json:"asset_class_allocation"`
	SectorAllocation     map[string]float64 `json:"sector_allocation"`
	Warnings             []string           `json:"warnings"`
}

const (
	maxHoldingsListed   = 20
	maxSectorsListed    = 10
	holdingConcentrated = 20.0
	assetConcentrated   = 40.0
)

func portfolioAnalysisTool(deps Deps) tooling.Tool {
	return tooling.Tool{
		Name: "portfolio_analysis",
		Description: "Analyze the portfolio: holdings, allocation percentages, sector and asset class " +
			"breakdown, and total value. Use for questions about what the user owns or how money is allocated.",
		InputSchema: objectSchema(map[string]any{
			"account_filter":     stringProp("Optional account id to filter holdings by."),
			"asset_class_filter": stringProp("Optional asset class (EQUITY, FIXED_INCOME, ...)."),
			"tag_filter":         stringProp("Optional tag name to filter holdings by."),
		}),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			holdings, err := deps.Portfolio.Holdings(ctx, portfolio.HoldingsFilter{
				Account:    tooling.String(args, "account_filter", ""),
				AssetClass: tooling.String(args, "asset_class_filter", ""),
				Tag:        tooling.String(args, "tag_filter", ""),
			})
			if err != nil {
				return nil, fmt.Errorf("analyze portfolio: %w", err)
			}
			return analyzeHoldings(holdings), nil
		},
	}
}

func analyzeHoldings(holdings []portfolio.Holding) PortfolioAnalysis {
	out := PortfolioAnalysis{
		Holdings:             []HoldingSummary{},
		AssetClassAllocation: map[string]float64{},
		SectorAllocation:     map[string]float64{},
		Warnings:             []string{},
	}
	assetClasses := map[string]float64{}
	sectors := map[string]float64{}
	for _, h := range holdings {
		out.TotalValue += h.Value
		out.Holdings = append(out.Holdings, HoldingSummary{
			Name:          h.Name,
			Symbol:        h.Symbol,
			Currency:      h.Currency,
			AssetClass:    h.AssetClass,
			AssetSubClass: h.AssetSubClass,
			AllocationPct: round2(h.Allocation * 100),
			Value:         round2(h.Value),
		})
		ac := h.AssetClass
		if ac == "" {
			ac = "UNKNOWN"
		}
		assetClasses[ac] += h.Allocation
		for _, s := range h.Sectors {
			sectors[s.Name] += s.Weight * h.Allocation
		}
	}
	out.TotalValue = round2(out.TotalValue)
	out.HoldingsCount = len(out.Holdings)

	sort.SliceStable(out.Holdings, func(i, j int) bool {
		return out.Holdings[i].AllocationPct > out.Holdings[j].AllocationPct
	})
	for _, h := range out.Holdings {
		if h.AllocationPct > holdingConcentrated {
			out.Warnings = append(out.Warnings, fmt.Sprintf("High concentration: %s at %s", h.Name, pct(h.AllocationPct)))
		}
	}
	if len(out.Holdings) > maxHoldingsListed {
		out.Holdings = out.Holdings[:maxHoldingsListed]
	}

	for _, name := range sortedKeys(assetClasses) {
		v := round2(assetClasses[name] * 100)
		out.AssetClassAllocation[name] = v
		if v > assetConcentrated {
			out.Warnings = append(out.Warnings, fmt.Sprintf("High %s concentration: %s", name, pct(v)))
		}
	}
	for i, name := range keysByValueDesc(sectors) {
		if i == maxSectorsListed {
			break
		}
		out.SectorAllocation[name] = round2(sectors[name] * 100)
	}

	if len(out.Holdings) == 0 {
		out.Meta = meta("No holdings matched the requested filters.")
		return out
	}
	top := out.Holdings[0]
	out.Meta = meta("Portfolio has %d holdings worth %s. Largest position: %s (%s) at %s.",
		out.HoldingsCount, money(out.TotalValue), top.Name, top.Symbol, pct(top.AllocationPct))
	return out
}

// Performance is the portfolio_performance payload. Percentages are in percent.
type Performance struct {
	Meta
	DateRange           string  `json:"date_range"`
	CurrentValue        float64 `json:"current_value"`
	StartValue          float64 `json:"start_value"`
	NetPerformance      float64 `json:"net_performance"`
	NetPerformancePct   float64 `json:"net_performance_pct"`
	GrossPerformance    float64 `json:"gross_performance"`
	GrossPerformancePct float64 `json:"gross_performance_pct"`
	TotalInvestment     float64 `json:"total_investment"`
	Fees                float64 `json:"fees"`
	Dividends           float64 `json:"dividends"`
	DataPoints          int     `json:"data_points"`
}

func portfolioPerformanceTool(deps Deps) tooling.Tool {
	return tooling.Tool{
		Name: "portfolio_performance",
		Description: "Get portfolio performance (net and gross return, value change, fees, dividends) " +
			"over a date range. Use for questions about returns, gains, losses or growth.",
		InputSchema: objectSchema(map[string]any{"date_range": dateRangeProp}),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			perf, err := deps.Portfolio.Performance(ctx, portfolio.NormalizeRange(tooling.String(args, "date_range", "ytd")))
			if err != nil {
				return nil, fmt.Errorf("get performance: %w", err)
			}
			out := Performance{
				DateRange:           perf.Range,
				CurrentValue:        round2(perf.CurrentValue),
				StartValue:          round2(perf.StartValue),
				NetPerformance:      round2(perf.NetPerformance),
				NetPerformancePct:   round2(perf.NetPerformancePct * 100),
				GrossPerformance:    round2(perf.GrossPerformance),
				GrossPerformancePct: round2(perf.GrossPerformancePct * 100),
				TotalInvestment:     round2(perf.TotalInvestment),
				Fees:                round2(perf.Fees),
				Dividends:           round2(perf.Dividends),
				DataPoints:          perf.DataPoints,
			}
			out.Meta = meta("Net performance (%s): %s (%s). Portfolio value moved from %s to %s.",
				out.DateRange, money(out.NetPerformance), pct(out.NetPerformancePct),
				money(out.StartValue), money(out.CurrentValue))
			return out, nil
		},
	}
}

// BenchmarkRow compares the portfolio with one index.
type BenchmarkRow struct {
	Benchmark          string  `json:"benchmark"`
	BenchmarkReturnPct float64 `json:"benchmark_return_pct"`
	PortfolioReturnPct float64 `json:"portfolio_return_pct"`
	DifferencePct      float64 `json:"difference_pct"`
	Outperforming      bool    `json:"outperforming"`
}

// BenchmarkComparison is the benchmark_comparison payload.
type BenchmarkComparison struct {
	Meta
	DateRange           string         `json:"date_range"`
	PortfolioReturnPct  float64        `json:"portfolio_return_pct"`
	Comparisons         []BenchmarkRow `json:"comparisons"`
	BenchmarksAvailable int            `json:"benchmarks_available"`
}

func benchmarkComparisonTool(deps Deps) tooling.Tool {
	return tooling.Tool{
		Name:        "benchmark_comparison",
		Description: "Compare portfolio return against market benchmarks such as the S&P 500 over a date range.",
		InputSchema: objectSchema(map[string]any{"date_range": dateRangeProp}),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			dateRange := portfolio.NormalizeRange(tooling.String(args, "date_range", "ytd"))
			perf, err := deps.Portfolio.Performance(ctx, dateRange)
			if err != nil {
				return nil, fmt.Errorf("get performance: %w", err)
			}
			benchmarks, err := deps.Portfolio.Benchmarks(ctx)
			if err != nil {
				return nil, fmt.Errorf("get benchmarks: %w", err)
			}

			out := BenchmarkComparison{
				DateRange:           dateRange,
				PortfolioReturnPct:  round2(perf.NetPerformancePct * 100),
				Comparisons:         []BenchmarkRow{},
				BenchmarksAvailable: len(benchmarks),
			}
			for _, bm := range benchmarks {
				ret, ok := bm.Performances[dateRange]
				if !ok {
					ret, ok = bm.Performances["ytd"]
				}
				if !ok {
					continue
				}
				diff := perf.NetPerformancePct - ret
				out.Comparisons = append(out.Comparisons, BenchmarkRow{
					Benchmark:          bm.Name,
					BenchmarkReturnPct: round2(ret * 100),
					PortfolioReturnPct: out.PortfolioReturnPct,
					DifferencePct:      round2(diff * 100),
					Outperforming:      diff > 0,
				})
			}
			out.Meta = meta("Portfolio return (%s): %s compared against %d benchmark(s).",
				dateRange, pct(out.PortfolioReturnPct), len(out.Comparisons))
			return out, nil
		},
	}
}

// Finding is one compliance rule outcome.
type Finding struct {
	Rule     string `json:"rule"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
}

// ComplianceReport is the compliance_check payload.
type ComplianceReport struct {
	Meta
	Compliant           bool               `json:"compliant"`
	ViolationCount      int                `json:"violation_count"`
	WarningCount        int                `json:"warning_count"`
	Violations          []Finding          `json:"violations"`
	Warnings            []Finding          `json:"warnings"`
	Passes              []string           `json:"passes"`
	HoldingsCount       int                `json:"holdings_count"`
	AssetClassBreakdown map[string]float64 `json:"asset_class_breakdown"`
	SectorBreakdown     map[string]float64 `json:"sector_breakdown"`
	ThresholdsUsed      map[string]float64 `json:"thresholds_used"`
}

const minHoldingsDiversified = 5

func complianceCheckTool(deps Deps) tooling.Tool {
	return tooling.Tool{
		Name: "compliance_check",
		Description: "Check the portfolio against diversification rules and concentration limits " +
			"(single holding, sector, asset class). Use for risk, diversification or concentration questions.",
		InputSchema: objectSchema(map[string]any{
			"single_holding_limit":     numberProp("Max percent for one holding. Default 20."),
			"single_sector_limit":      numberProp("Max percent for one sector. Default 40."),
			"single_asset_class_limit": numberProp("Max percent for one asset class. Default 60."),
		}),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			holdings, err := deps.Portfolio.Holdings(ctx, portfolio.HoldingsFilter{})
			if err != nil {
				return nil, fmt.Errorf("compliance check: %w", err)
			}
			return checkCompliance(holdings,
				tooling.Float(args, "single_holding_limit", 20),
				tooling.Float(args, "single_sector_limit", 40),
				tooling.Float(args, "single_asset_class_limit", 60)), nil
		},
	}
}

func checkCompliance(holdings []portfolio.Holding, holdingLimit, sectorLimit, assetLimit float64) ComplianceReport {
	out := ComplianceReport{
		Violations:          []Finding{},
		Warnings:            []Finding{},
		Passes:              []string{},
		HoldingsCount:       len(holdings),
		AssetClassBreakdown: map[string]float64{},
		SectorBreakdown:     map[string]float64{},
		ThresholdsUsed: map[string]float64{
			"single_holding_limit":     holdingLimit,
			"single_sector_limit":      sectorLimit,
			"single_asset_class_limit": assetLimit,
		},
	}

	assetTotals := map[string]float64{}
	sectorTotals := map[string]float64{}
	for _, h := range holdings {
		alloc := h.Allocation * 100
		switch {
		case alloc > holdingLimit:
			out.Violations = append(out.Violations, Finding{
				Rule:     "Single Holding Concentration",
				Detail:   fmt.Sprintf("%s is %s of portfolio (limit %s)", h.Name, pct(alloc), pct(holdingLimit)),
				Severity: "HIGH",
			})
		case alloc > holdingLimit*0.8:
			out.Warnings = append(out.Warnings, Finding{
				Rule:     "Single Holding Approaching Limit",
				Detail:   fmt.Sprintf("%s is %s (limit %s)", h.Name, pct(alloc), pct(holdingLimit)),
				Severity: "MEDIUM",
			})
		}
		ac := h.AssetClass
		if ac == "" {
			ac = "UNKNOWN"
		}
		assetTotals[ac] += alloc
		for _, s := range h.Sectors {
			sectorTotals[s.Name] += s.Weight * alloc
		}
	}

	for _, ac := range sortedKeys(assetTotals) {
		total := round2(assetTotals[ac])
		out.AssetClassBreakdown[ac] = total
		if total > assetLimit {
			out.Violations = append(out.Violations, Finding{
				Rule:     "Asset Class Concentration",
				Detail:   fmt.Sprintf("%s is %s (limit %s)", ac, pct(total), pct(assetLimit)),
				Severity: "MEDIUM",
			})
		}
	}
	for _, sector := range sortedKeys(sectorTotals) {
		total := round2(sectorTotals[sector])
		out.SectorBreakdown[sector] = total
		if total > sectorLimit {
			out.Violations = append(out.Violations, Finding{
				Rule:     "Sector Concentration",
				Detail:   fmt.Sprintf("%s is %s (limit %s)", sector, pct(total), pct(sectorLimit)),
				Severity: "MEDIUM",
			})
		}
	}

	if len(holdings) < minHoldingsDiversified {
		out.Warnings = append(out.Warnings, Finding{
			Rule:     "Minimum Diversification",
			Detail:   fmt.Sprintf("Only %d holdings (recommended %d or more)", len(holdings), minHoldingsDiversified),
			Severity: "LOW",
		})
	} else {
		out.Passes = append(out.Passes, fmt.Sprintf("Diversification: %d holdings", len(holdings)))
	}

	out.Compliant = len(out.Violations) == 0
	out.ViolationCount = len(out.Violations)
	out.WarningCount = len(out.Warnings)
	if out.Compliant {
		out.Meta = meta("Portfolio is compliant across %d holdings with %d warning(s).", out.HoldingsCount, out.WarningCount)
	} else {
		out.Meta = meta("Found %d violation(s) and %d warning(s) across %d holdings.", out.ViolationCount, out.WarningCount, out.HoldingsCount)
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func keysByValueDesc(m map[string]float64) []string {
	keys := sortedKeys(m)
	sort.SliceStable(keys, func(i, j int) bool { return m[keys[i]] > m[keys[j]] })
	return keys
}
