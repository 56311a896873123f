package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/folio-agent/internal/portfolio"
	"github.com/ashureev/folio-agent/internal/tooling"
)

const (
	maxScreenedSymbols = 10
	historyYears       = 5
	historyListed      = 8
	dateLayout         = "2006-01-02"
)

// ScreenedStock is one dividend_screener row.
type ScreenedStock struct {
	Symbol           string              `json:"symbol"`
	Name             string              `json:"name"`
	DividendYieldPct float64             `json:"dividend_yield_pct"`
	AnnualDividend   float64             `json:"annual_dividend"`
	PayoutRatioPct   float64             `json:"payout_ratio_pct"`
	ExDividendDate   string              `json:"ex_dividend_date,omitempty"`
	FiveYearAvgYield float64             `json:"five_year_avg_yield"`
	MarketPrice      float64             `json:"market_price"`
	Currency         string              `json:"currency"`
	GrowthRate5yr    float64             `json:"growth_rate_5yr"`
	History          []portfolio.Payment `json:"history"`
	PaysDividend     bool                `json:"pays_dividend"`
}

// DividendScreen is the dividend_screener payload.
type DividendScreen struct {
	Meta
	Stocks   []ScreenedStock `json:"stocks"`
	NotFound []string        `json:"not_found"`
}

func dividendScreenerTool(deps Deps) tooling.Tool {
	return tooling.Tool{
		Name: "dividend_screener",
		Description: "Screen stocks for dividend yield, payout ratio, dividend growth and payment history. " +
			"Defaults to the portfolio's holdings when no symbol is given.",
		InputSchema: objectSchema(map[string]any{
			"symbol":  stringProp("One ticker symbol."),
			"symbols": stringProp("Comma separated ticker symbols."),
		}),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			symbols := screenSymbols(args)
			if len(symbols) == 0 {
				holdings, err := deps.Portfolio.Holdings(ctx, portfolio.HoldingsFilter{})
				if err != nil {
					return nil, fmt.Errorf("screen dividends: %w", err)
				}
				for _, h := range holdings {
					symbols = append(symbols, h.Symbol)
				}
			}
			if len(symbols) > maxScreenedSymbols {
				symbols = symbols[:maxScreenedSymbols]
			}
			return screenDividends(ctx, deps.Portfolio, symbols)
		},
	}
}

func screenSymbols(args map[string]any) []string {
	seen := map[string]bool{}
	var out []string
	raw := tooling.String(args, "symbol", "") + "," + tooling.String(args, "symbols", "")
	for _, part := range strings.Split(raw, ",") {
		sym := strings.ToUpper(strings.TrimSpace(part))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}

func screenDividends(ctx context.Context, src portfolio.DividendSource, symbols []string) (DividendScreen, error) {
	out := DividendScreen{Stocks: []ScreenedStock{}, NotFound: []string{}}
	for _, sym := range symbols {
		info, err := src.DividendInfo(ctx, sym)
		if errors.Is(err, portfolio.ErrSymbolNotFound) {
			out.NotFound = append(out.NotFound, sym)
			continue
		}
		if err != nil {
			return DividendScreen{}, fmt.Errorf("screen %s: %w", sym, err)
		}
		history, err := src.DividendHistory(ctx, sym, historyYears)
		if err != nil {
			return DividendScreen{}, fmt.Errorf("dividend history %s: %w", sym, err)
		}
		listed := history
		if len(listed) > historyListed {
			listed = listed[len(listed)-historyListed:]
		}
		out.Stocks = append(out.Stocks, ScreenedStock{
			Symbol:           info.Symbol,
			Name:             info.Name,
			DividendYieldPct: round2(info.DividendYieldPct),
			AnnualDividend:   round2(info.AnnualDividend),
			PayoutRatioPct:   round2(info.PayoutRatioPct),
			ExDividendDate:   info.ExDividendDate,
			FiveYearAvgYield: round2(info.FiveYearAvgYield),
			MarketPrice:      round2(info.MarketPrice),
			Currency:         info.Currency,
			GrowthRate5yr:    DividendGrowthRate(history),
			History:          append([]portfolio.Payment{}, listed...),
			PaysDividend:     info.AnnualDividend > 0,
		})
	}

	var lines []string
	for _, s := range out.Stocks {
		if !s.PaysDividend {
			lines = append(lines, fmt.Sprintf("%s (%s) pays no dividend.", s.Symbol, s.Name))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (%s): yield %s, annual dividend %s, payout ratio %s.",
			s.Symbol, s.Name, pct(s.DividendYieldPct), money(s.AnnualDividend), pct(s.PayoutRatioPct)))
	}
	if len(lines) == 0 {
		out.Meta = meta("No dividend data found for the requested symbols.")
	} else {
		out.Meta = meta("%s", strings.Join(lines, " "))
	}
	return out, nil
}

// DividendGrowthRate returns the annualized growth between the first and
// last four payments, in percent. Fewer than eight payments yield 0.
func DividendGrowthRate(history []portfolio.Payment) float64 {
	if len(history) < 8 {
		return 0
	}
	var early, recent float64
	for _, p := range history[:4] {
		early += p.Amount
	}
	for _, p := range history[len(history)-4:] {
		recent += p.Amount
	}
	early /= 4
	recent /= 4
	if early <= 0 {
		return 0
	}
	years := math.Max(1, float64(len(history)/4))
	return round2((math.Pow(recent/early, 1/years) - 1) * 100)
}

// HoldingIncome is one holding's projected dividend income.
type HoldingIncome struct {
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	Shares         float64 `json:"shares"`
	AnnualDividend float64 `json:"annual_dividend_per_share"`
	AnnualIncome   float64 `json:"annual_income"`
	MonthlyIncome  float64 `json:"monthly_income"`
	YieldPct       float64 `json:"yield_pct"`
}

// GoalProgress relates projected income to the newest goal.
type GoalProgress struct {
	GoalID          string  `json:"goal_id"`
	TargetMonthly   float64 `json:"target_monthly"`
	TargetAnnual    float64 `json:"target_annual"`
	ProgressPct     float64 `json:"progress_pct"`
	RemainingAnnual float64 `json:"remaining_annual"`
}

// IncomeProjection is the dividend_income_projection payload.
type IncomeProjection struct {
	Meta
	TotalAnnual    float64            `json:"total_annual"`
	TotalMonthly   float64            `json:"total_monthly"`
	PayingHoldings int                `json:"paying_holdings"`
	ByHolding      []HoldingIncome    `json:"by_holding"`
	ByQuarter      map[string]float64 `json:"by_quarter"`
	GoalProgress   *GoalProgress      `json:"goal_progress"`
}

func dividendIncomeProjectionTool(deps Deps) tooling.Tool {
	return tooling.Tool{
		Name: "dividend_income_projection",
		Description: "Project annual, monthly and quarterly dividend income from current holdings, " +
			"with progress toward the user's dividend income goal.",
		InputSchema: objectSchema(map[string]any{}),
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			holdings, err := deps.Portfolio.Holdings(ctx, portfolio.HoldingsFilter{})
			if err != nil {
				return nil, fmt.Errorf("project income: %w", err)
			}
			out := IncomeProjection{ByHolding: []HoldingIncome{}}
			for _, h := range holdings {
				info, err := deps.Portfolio.DividendInfo(ctx, h.Symbol)
				if errors.Is(err, portfolio.ErrSymbolNotFound) {
					continue
				}
				if err != nil {
					return nil, fmt.Errorf("project income %s: %w", h.Symbol, err)
				}
				if row, ok := projectHolding(h, info); ok {
					out.ByHolding = append(out.ByHolding, row)
					out.TotalAnnual += row.AnnualIncome
				}
			}
			if deps.Goals != nil {
				goals, err := deps.Goals.ListGoals(ctx)
				if err != nil {
					return nil, fmt.Errorf("load goals: %w", err)
				}
				if len(goals) > 0 {
					out.GoalProgress = &GoalProgress{
						GoalID:        goals[0].ID,
						TargetMonthly: goals[0].TargetMonthly,
						TargetAnnual:  goals[0].TargetAnnual,
					}
				}
			}
			finishProjection(&out)
			return out, nil
		},
	}
}

func projectHolding(h portfolio.Holding, info portfolio.DividendInfo) (HoldingIncome, bool) {
	if info.AnnualDividend <= 0 {
		return HoldingIncome{}, false
	}
	shares := h.Quantity
	if info.MarketPrice > 0 && h.Value > 0 {
		shares = h.Value / info.MarketPrice
	}
	if shares <= 0 {
		return HoldingIncome{}, false
	}
	annual := shares * info.AnnualDividend
	return HoldingIncome{
		Symbol:         h.Symbol,
		Name:           h.Name,
		Shares:         round2(shares),
		AnnualDividend: round2(info.AnnualDividend),
		AnnualIncome:   round2(annual),
		MonthlyIncome:  round2(annual / 12),
		YieldPct:       round2(info.DividendYieldPct),
	}, true
}

func finishProjection(out *IncomeProjection) {
	sort.SliceStable(out.ByHolding, func(i, j int) bool {
		return out.ByHolding[i].AnnualIncome > out.ByHolding[j].AnnualIncome
	})
	out.PayingHoldings = len(out.ByHolding)
	annual := out.TotalAnnual
	out.TotalAnnual = round2(annual)
	out.TotalMonthly = round2(annual / 12)
	quarter := round2(annual / 4)
	out.ByQuarter = map[string]float64{"Q1": quarter, "Q2": quarter, "Q3": quarter, "Q4": quarter}

	summary := fmt.Sprintf("Projected dividend income: %s per year (%s per month) from %d paying holdings.",
		money(out.TotalAnnual), money(out.TotalMonthly), out.PayingHoldings)
	if g := out.GoalProgress; g != nil {
		target := g.TargetAnnual
		if target <= 0 {
			target = g.TargetMonthly * 12
		}
		if target > 0 {
			g.ProgressPct = round2(math.Min(100, annual/target*100))
			g.RemainingAnnual = round2(math.Max(0, target-annual))
		}
		summary += fmt.Sprintf(" Goal progress: %s.", pct(g.ProgressPct))
	}
	out.Meta = meta("%s", summary)
}

// CalendarEntry is one upcoming ex-dividend date.
type CalendarEntry struct {
	Symbol          string  `json:"symbol"`
	Name            string  `json:"name"`
	ExDate          string  `json:"ex_date"`
	AmountPerShare  float64 `json:"estimated_amount_per_share"`
	EstimatedPayout float64 `json:"estimated_payout"`
}

// DividendCalendar is the dividend_calendar payload.
type DividendCalendar struct {
	Meta
	DaysAhead      int             `json:"days_ahead"`
	HoldingsCount  int             `json:"holdings_count"`
	Upcoming       []CalendarEntry `json:"upcoming"`
	Count          int             `json:"count"`
	NextPayoutDate string          `json:"next_payout_date,omitempty"`
}

const maxDaysAhead = 365

func dividendCalendarTool(deps Deps) tooling.Tool {
	return tooling.Tool{
		Name:        "dividend_calendar",
		Description: "List upcoming ex-dividend dates and estimated payouts for current holdings.",
		InputSchema: objectSchema(map[string]any{
			"days_ahead": map[string]any{"type": "integer", "description": "Look-ahead window in days. Default 90."},
		}),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			days := tooling.Int(args, "days_ahead", 90)
			if days < 1 || days > maxDaysAhead {
				return nil, fmt.Errorf("%w: days_ahead must be between 1 and %d", tooling.ErrInvalidInput, maxDaysAhead)
			}
			holdings, err := deps.Portfolio.Holdings(ctx, portfolio.HoldingsFilter{})
			if err != nil {
				return nil, fmt.Errorf("dividend calendar: %w", err)
			}
			now := deps.now().UTC()
			start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
			end := start.AddDate(0, 0, days)

			out := DividendCalendar{DaysAhead: days, HoldingsCount: len(holdings), Upcoming: []CalendarEntry{}}
			for _, h := range holdings {
				info, err := deps.Portfolio.DividendInfo(ctx, h.Symbol)
				if errors.Is(err, portfolio.ErrSymbolNotFound) {
					continue
				}
				if err != nil {
					return nil, fmt.Errorf("dividend calendar %s: %w", h.Symbol, err)
				}
				ex, err := time.Parse(dateLayout, info.ExDividendDate)
				if err != nil || ex.Before(start) || ex.After(end) || info.AnnualDividend <= 0 {
					continue
				}
				perShare := info.AnnualDividend / 4
				shares := h.Quantity
				if info.MarketPrice > 0 && h.Value > 0 {
					shares = h.Value / info.MarketPrice
				}
				out.Upcoming = append(out.Upcoming, CalendarEntry{
					Symbol:          h.Symbol,
					Name:            h.Name,
					ExDate:          info.ExDividendDate,
					AmountPerShare:  round2(perShare),
					EstimatedPayout: round2(perShare * shares),
				})
			}
			sort.SliceStable(out.Upcoming, func(i, j int) bool { return out.Upcoming[i].ExDate < out.Upcoming[j].ExDate })
			out.Count = len(out.Upcoming)
			if out.Count > 0 {
				out.NextPayoutDate = out.Upcoming[0].ExDate
			}
			out.Meta = meta("%d upcoming ex-dividend date(s) across %d holdings.", out.Count, out.HoldingsCount)
			return out, nil
		},
	}
}
