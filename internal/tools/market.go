package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/folio-agent/internal/portfolio"
	"github.com/ashureev/folio-agent/internal/tooling"
)

// MarketData is the market_data_lookup payload.
type MarketData struct {
	Meta
	Symbol        string                   `json:"symbol"`
	DataSource    string                   `json:"data_source"`
	Found         bool                     `json:"found"`
	Name          string                   `json:"name,omitempty"`
	Currency      string                   `json:"currency,omitempty"`
	MarketPrice   float64                  `json:"market_price"`
	AssetClass    string                   `json:"asset_class,omitempty"`
	AssetSubClass string                   `json:"asset_sub_class,omitempty"`
	Sectors       []portfolio.SectorWeight `json:"sectors,omitempty"`
	Countries     []string                 `json:"countries,omitempty"`
}

var dataSources = []string{"YAHOO", "COINGECKO", "ALPHA_VANTAGE", "FINANCIAL_MODELING_PREP", "MANUAL"}

func marketDataLookupTool(deps Deps) tooling.Tool {
	return tooling.Tool{
		Name: "market_data_lookup",
		Description: "Look up the current price and profile of a ticker symbol (name, currency, " +
			"asset class, sectors). Use for questions about a specific stock, ETF or coin.",
		InputSchema: objectSchema(map[string]any{
			"symbol":      stringProp("Ticker symbol, e.g. AAPL."),
			"data_source": stringProp("Market data source. Defaults to YAHOO.", dataSources...),
		}, "symbol"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			symbol := strings.ToUpper(tooling.String(args, "symbol", ""))
			source := tooling.String(args, "data_source", "YAHOO")
			q, err := deps.Portfolio.Quote(ctx, source, symbol)
			if errors.Is(err, portfolio.ErrSymbolNotFound) {
				out := MarketData{Symbol: symbol, DataSource: source}
				out.Meta = meta("No market data found for %s.", symbol)
				return out, nil
			}
			if err != nil {
				return nil, fmt.Errorf("lookup %s: %w", symbol, err)
			}
			out := MarketData{
				Symbol:        q.Symbol,
				DataSource:    source,
				Found:         true,
				Name:          q.Name,
				Currency:      q.Currency,
				MarketPrice:   round2(q.MarketPrice),
				AssetClass:    q.AssetClass,
				AssetSubClass: q.AssetSubClass,
				Sectors:       q.Sectors,
				Countries:     q.Countries,
			}
			out.Meta = meta("%s (%s) trades at %s %s.", out.Symbol, out.Name, number(out.MarketPrice), out.Currency)
			return out, nil
		},
	}
}

// ActivityRow is one transaction in a transaction_history payload.
type ActivityRow struct {
	Date      string  `json:"date"`
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Account   string  `json:"account,omitempty"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Fee       float64 `json:"fee"`
	Currency  string  `json:"currency"`
}

// TransactionHistory is the transaction_history payload.
type TransactionHistory struct {
	Meta
	TotalActivities  int            `json:"total_activities"`
	TypeBreakdown    map[string]int `json:"type_breakdown"`
	TotalFeesPaid    float64        `json:"total_fees_paid"`
	RecentActivities []ActivityRow  `json:"recent_activities"`
}

var activityTypes = []string{"BUY", "SELL", "DIVIDEND", "FEE", "INTEREST", "LIABILITY"}

const maxActivitiesListed = 20

func transactionHistoryTool(deps Deps) tooling.Tool {
	return tooling.Tool{
		Name: "transaction_history",
		Description: "Get buy, sell, dividend and fee transactions, with totals by type and fees paid. " +
			"Use for questions about past trades or activity.",
		InputSchema: objectSchema(map[string]any{
			"account_filter": stringProp("Optional account id."),
			"type_filter":    stringProp("Optional activity type.", activityTypes...),
		}),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			activities, err := deps.Portfolio.Activities(ctx, tooling.String(args, "account_filter", ""))
			if err != nil {
				return nil, fmt.Errorf("list activities: %w", err)
			}
			return summarizeActivities(activities, tooling.String(args, "type_filter", "")), nil
		},
	}
}

func summarizeActivities(activities []portfolio.Activity, typeFilter string) TransactionHistory {
	out := TransactionHistory{
		TypeBreakdown:    map[string]int{},
		RecentActivities: []ActivityRow{},
	}
	rows := make([]ActivityRow, 0, len(activities))
	for _, a := range activities {
		if typeFilter != "" && !strings.EqualFold(a.Type, typeFilter) {
			continue
		}
		out.TypeBreakdown[a.Type]++
		out.TotalFeesPaid += a.Fee
		rows = append(rows, ActivityRow{
			Date:      a.Date,
			Type:      a.Type,
			Symbol:    a.Symbol,
			Account:   a.Account,
			Quantity:  a.Quantity,
			UnitPrice: a.UnitPrice,
			Fee:       a.Fee,
			Currency:  a.Currency,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date > rows[j].Date })
	if len(rows) > maxActivitiesListed {
		rows = rows[:maxActivitiesListed]
	}
	out.RecentActivities = rows
	out.TotalActivities = len(activities)
	if typeFilter != "" {
		out.TotalActivities = out.TypeBreakdown[strings.ToUpper(typeFilter)]
	}
	out.TotalFeesPaid = round2(out.TotalFeesPaid)
	out.Meta = meta("Found %d activities with total fees paid of %s.", out.TotalActivities, money(out.TotalFeesPaid))
	return out
}
