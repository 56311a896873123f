// Package portfolio provides read access to holdings, performance, activity
// and market data from a portfolio backend.
package portfolio

import (
	"context"
	"errors"
)

// ErrSymbolNotFound is returned when a symbol is unknown to the backend.
var ErrSymbolNotFound = errors.New("symbol not found")

// SectorWeight is a sector share of one holding, in [0,1].
type SectorWeight struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Holding is one position. AllocationPct is a fraction in [0,1].
type Holding struct {
	Symbol        string         `json:"symbol"`
	Name          string         `json:"name"`
	Currency      string         `json:"currency"`
	AssetClass    string         `json:"assetClass"`
	AssetSubClass string         `json:"assetSubClass"`
	Accounts      []string       `json:"accounts,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Allocation    float64        `json:"allocationInPercentage"`
	Value         float64        `json:"value"`
	Quantity      float64        `json:"quantity"`
	Sectors       []SectorWeight `json:"sectors,omitempty"`
}

// HoldingsFilter narrows Holdings. Empty fields match everything.
type HoldingsFilter struct {
	Account    string
	AssetClass string
	Tag        string
}

// Performance summarizes returns over a date range. Percentages are fractions.
type Performance struct {
	Range               string  `json:"range"`
	CurrentValue        float64 `json:"currentValue"`
	StartValue          float64 `json:"startValue"`
	NetPerformance      float64 `json:"netPerformance"`
	NetPerformancePct   float64 `json:"netPerformancePercentage"`
	GrossPerformance    float64 `json:"grossPerformance"`
	GrossPerformancePct float64 `json:"grossPerformancePercentage"`
	TotalInvestment     float64 `json:"totalInvestment"`
	Fees                float64 `json:"fees"`
	Dividends           float64 `json:"dividends"`
	DataPoints          int     `json:"dataPoints"`
}

// Activity is one transaction.
type Activity struct {
	Date      string  `json:"date"`
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Account   string  `json:"account,omitempty"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
	Fee       float64 `json:"fee"`
	Currency  string  `json:"currency"`
}

// Payment is a dated cash amount (dividend received or paid per share).
type Payment struct {
	Date   string  `json:"date"`
	Amount float64 `json:"amount"`
}

// Quote is the current market profile of a symbol.
type Quote struct {
	Symbol        string         `json:"symbol"`
	DataSource    string         `json:"dataSource"`
	Name          string         `json:"name"`
	Currency      string         `json:"currency"`
	MarketPrice   float64        `json:"marketPrice"`
	AssetClass    string         `json:"assetClass"`
	AssetSubClass string         `json:"assetSubClass"`
	Sectors       []SectorWeight `json:"sectors,omitempty"`
	Countries     []string       `json:"countries,omitempty"`
}

// Benchmark is an index with returns keyed by date range, as fractions.
type Benchmark struct {
	Name         string             `json:"name"`
	Performances map[string]float64 `json:"performances"`
}

// DividendInfo describes a stock's dividend. Percentages are in percent.
type DividendInfo struct {
	Symbol           string  `json:"symbol"`
	Name             string  `json:"name"`
	DividendYieldPct float64 `json:"dividendYield"`
	AnnualDividend   float64 `json:"annualDividend"`
	PayoutRatioPct   float64 `json:"payoutRatio"`
	ExDividendDate   string  `json:"exDividendDate"`
	FiveYearAvgYield float64 `json:"fiveYearAvgYield"`
	MarketPrice      float64 `json:"marketPrice"`
	Currency         string  `json:"currency"`
}

// Provider is the portfolio backend.
type Provider interface {
	Holdings(ctx context.Context, filter HoldingsFilter) ([]Holding, error)
	Performance(ctx context.Context, dateRange string) (Performance, error)
	DividendsReceived(ctx context.Context, dateRange string) ([]Payment, error)
	Activities(ctx context.Context, account string) ([]Activity, error)
	Quote(ctx context.Context, dataSource, symbol string) (Quote, error)
	Benchmarks(ctx context.Context) ([]Benchmark, error)
}

// DividendSource supplies per-symbol dividend data.
type DividendSource interface {
	DividendInfo(ctx context.Context, symbol string) (DividendInfo, error)
	DividendHistory(ctx context.Context, symbol string, years int) ([]Payment, error)
}

// Backend is a Provider that also knows dividends.
type Backend interface {
	Provider
	DividendSource
}

// ValidRanges lists accepted date range identifiers.
var ValidRanges = []string{"1d", "1w", "1m", "3m", "6m", "ytd", "1y", "3y", "5y", "max"}

// NormalizeRange returns r if valid, otherwise "ytd".
func NormalizeRange(r string) string {
	for _, v := range ValidRanges {
		if r == v {
			return r
		}
	}
	return "ytd"
}
