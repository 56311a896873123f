package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// APIError is a non-2xx response from the portfolio backend.
type APIError struct {
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ghostfolio %s: status %d: %s", e.Path, e.Status, e.Body)
}

// GhostfolioClient reads portfolio data from the Ghostfolio REST API.
type GhostfolioClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewGhostfolioClient creates a client for baseURL (e.g. http://host:3333/api).
func NewGhostfolioClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *GhostfolioClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GhostfolioClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		now:     time.Now,
	}
}

func (c *GhostfolioClient) get(ctx context.Context, path string, params url.Values, out any) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ghostfolio %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("[Ghostfolio] request", "path", path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Status: resp.StatusCode, Path: path, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

type gfHolding struct {
	Holding
	AccountRefs []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"accounts"`
	TagRefs []struct {
		Name string `json:"name"`
	} `json:"tags"`
}

// Holdings returns positions sorted by allocation, largest first.
func (c *GhostfolioClient) Holdings(ctx context.Context, filter HoldingsFilter) ([]Holding, error) {
	params := url.Values{}
	if filter.Account != "" {
		params.Set("accounts", filter.Account)
	}
	if filter.AssetClass != "" {
		params.Set("assetClasses", filter.AssetClass)
	}
	if filter.Tag != "" {
		params.Set("tags", filter.Tag)
	}

	var body struct {
		Holdings map[string]json.RawMessage `json:"holdings"`
	}
	if err := c.get(ctx, "/v1/portfolio/details", params, &body); err != nil {
		return nil, err
	}

	holdings := make([]Holding, 0, len(body.Holdings))
	for key, raw := range body.Holdings {
		var h gfHolding
		if err := json.Unmarshal(raw, &h); err != nil {
			c.logger.Warn("[Ghostfolio] skipping undecodable holding", "key", key, "error", err)
			continue
		}
		out := h.Holding
		out.Accounts, out.Tags = nil, nil
		if out.Name == "" {
			out.Name = key
		}
		for _, a := range h.AccountRefs {
			out.Accounts = append(out.Accounts, a.ID)
		}
		for _, t := range h.TagRefs {
			out.Tags = append(out.Tags, t.Name)
		}
		holdings = append(holdings, out)
	}
	sortHoldings(holdings)
	return holdings, nil
}

// Performance returns portfolio returns for dateRange.
func (c *GhostfolioClient) Performance(ctx context.Context, dateRange string) (Performance, error) {
	dateRange = NormalizeRange(dateRange)
	var body struct {
		Chart []struct {
			NetWorth float64 `json:"netWorth"`
		} `json:"chart"`
		Performance Performance `json:"performance"`
	}
	if err := c.get(ctx, "/v2/portfolio/performance", url.Values{"range": {dateRange}}, &body); err != nil {
		return Performance{}, err
	}
	perf := body.Performance
	perf.Range = dateRange
	perf.DataPoints = len(body.Chart)
	if n := len(body.Chart); n > 0 {
		perf.StartValue = body.Chart[0].NetWorth
		perf.CurrentValue = body.Chart[n-1].NetWorth
	}
	return perf, nil
}

// DividendsReceived returns monthly dividend income for dateRange.
func (c *GhostfolioClient) DividendsReceived(ctx context.Context, dateRange string) ([]Payment, error) {
	var body struct {
		Dividends []struct {
			Date       string  `json:"date"`
			Investment float64 `json:"investment"`
		} `json:"dividends"`
	}
	params := url.Values{"range": {NormalizeRange(dateRange)}, "groupBy": {"month"}}
	if err := c.get(ctx, "/v1/portfolio/dividends", params, &body); err != nil {
		return nil, err
	}
	out := make([]Payment, 0, len(body.Dividends))
	for _, d := range body.Dividends {
		out = append(out, Payment{Date: d.Date, Amount: d.Investment})
	}
	return out, nil
}

// Activities returns transactions, optionally for one account.
func (c *GhostfolioClient) Activities(ctx context.Context, account string) ([]Activity, error) {
	params := url.Values{}
	if account != "" {
		params.Set("accounts", account)
	}
	var body struct {
		Activities []struct {
			Date          string  `json:"date"`
			Type          string  `json:"type"`
			Quantity      float64 `json:"quantity"`
			UnitPrice     float64 `json:"unitPrice"`
			Fee           float64 `json:"fee"`
			Currency      string  `json:"currency"`
			AccountID     string  `json:"accountId"`
			SymbolProfile *struct {
				Symbol   string `json:"symbol"`
				Currency string `json:"currency"`
			} `json:"SymbolProfile"`
		} `json:"activities"`
	}
	if err := c.get(ctx, "/v1/order", params, &body); err != nil {
		return nil, err
	}
	out := make([]Activity, 0, len(body.Activities))
	for _, a := range body.Activities {
		act := Activity{
			Date:      a.Date,
			Type:      a.Type,
			Account:   a.AccountID,
			Quantity:  a.Quantity,
			UnitPrice: a.UnitPrice,
			Fee:       a.Fee,
			Currency:  a.Currency,
		}
		if a.SymbolProfile != nil {
			act.Symbol = a.SymbolProfile.Symbol
			if act.Currency == "" {
				act.Currency = a.SymbolProfile.Currency
			}
		}
		out = append(out, act)
	}
	return out, nil
}

// Quote looks up a symbol's market profile.
func (c *GhostfolioClient) Quote(ctx context.Context, dataSource, symbol string) (Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	path := "/v1/symbol/" + url.PathEscape(dataSource) + "/" + url.PathEscape(symbol)
	var body struct {
		Quote
		CountryRefs []struct {
			Name string `json:"name"`
		} `json:"countries"`
	}
	if err := c.get(ctx, path, nil, &body); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return Quote{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
		}
		return Quote{}, err
	}
	q := body.Quote
	q.Symbol = symbol
	q.DataSource = dataSource
	q.Countries = nil
	for _, country := range body.CountryRefs {
		q.Countries = append(q.Countries, country.Name)
	}
	return q, nil
}

// Benchmarks returns the configured benchmark indices. Non-numeric
// performance entries are ignored.
func (c *GhostfolioClient) Benchmarks(ctx context.Context) ([]Benchmark, error) {
	var body struct {
		Benchmarks []struct {
			Name         string                     `json:"name"`
			Performances map[string]json.RawMessage `json:"performances"`
		} `json:"benchmarks"`
	}
	if err := c.get(ctx, "/v1/benchmarks", nil, &body); err != nil {
		return nil, err
	}
	out := make([]Benchmark, 0, len(body.Benchmarks))
	for _, b := range body.Benchmarks {
		bm := Benchmark{Name: b.Name, Performances: map[string]float64{}}
		for key, raw := range b.Performances {
			var v float64
			if json.Unmarshal(raw, &v) == nil {
				bm.Performances[key] = v
			}
		}
		out = append(out, bm)
	}
	return out, nil
}

// DividendHistory derives per-share dividend payments from DIVIDEND activities.
func (c *GhostfolioClient) DividendHistory(ctx context.Context, symbol string, years int) ([]Payment, error) {
	activities, err := c.Activities(ctx, "")
	if err != nil {
		return nil, err
	}
	return dividendHistory(activities, symbol, c.now().AddDate(-years, 0, 0)), nil
}

// DividendInfo combines the symbol quote with trailing twelve month payments.
func (c *GhostfolioClient) DividendInfo(ctx context.Context, symbol string) (DividendInfo, error) {
	quote, err := c.Quote(ctx, "YAHOO", symbol)
	if err != nil {
		return DividendInfo{}, err
	}
	history, err := c.DividendHistory(ctx, symbol, 1)
	if err != nil {
		return DividendInfo{}, err
	}
	var annual float64
	for _, p := range history {
		annual += p.Amount
	}
	info := DividendInfo{
		Symbol:         quote.Symbol,
		Name:           quote.Name,
		AnnualDividend: round(annual, 4),
		MarketPrice:    round(quote.MarketPrice, 2),
		Currency:       quote.Currency,
	}
	if quote.MarketPrice > 0 {
		info.DividendYieldPct = round(annual/quote.MarketPrice*100, 2)
	}
	if n := len(history); n > 0 {
		info.ExDividendDate = history[n-1].Date
	}
	return info, nil
}

func dividendHistory(activities []Activity, symbol string, since time.Time) []Payment {
	symbol = strings.ToUpper(symbol)
	var out []Payment
	for _, a := range activities {
		if a.Type != "DIVIDEND" || strings.ToUpper(a.Symbol) != symbol {
			continue
		}
		date := a.Date
		if len(date) >= 10 {
			date = date[:10]
		}
		if t, err := time.Parse("2006-01-02", date); err == nil && t.Before(since) {
			continue
		}
		out = append(out, Payment{Date: date, Amount: round(a.UnitPrice, 4)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
