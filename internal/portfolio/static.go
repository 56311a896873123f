package portfolio

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
)

//go:embed fixtures/portfolio.json
var defaultFixture []byte

// Fixture is the document a StaticProvider serves.
type Fixture struct {
	Holdings          []Holding              `json:"holdings"`
	Performance       map[string]Performance `json:"performance"`
	DividendsReceived []Payment              `json:"dividendsReceived"`
	Activities        []Activity             `json:"activities"`
	Quotes            []Quote                `json:"quotes"`
	Benchmarks        []Benchmark            `json:"benchmarks"`
	Dividends         map[string]struct {
		Info    DividendInfo `json:"info"`
		History []Payment    `json:"history"`
	} `json:"dividends"`
}

// StaticProvider serves a fixed sample portfolio. It backs offline
// development and tests.
type StaticProvider struct {
	fixture Fixture
}

// NewStaticProvider loads the embedded sample portfolio.
func NewStaticProvider() (*StaticProvider, error) {
	return NewStaticProviderFromJSON(defaultFixture)
}

// NewStaticProviderFromJSON loads a fixture document.
func NewStaticProviderFromJSON(raw []byte) (*StaticProvider, error) {
	var f Fixture
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode portfolio fixture: %w", err)
	}
	sortHoldings(f.Holdings)
	return &StaticProvider{fixture: f}, nil
}

// Holdings implements Provider.
func (p *StaticProvider) Holdings(ctx context.Context, filter HoldingsFilter) ([]Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Holding, 0, len(p.fixture.Holdings))
	for _, h := range p.fixture.Holdings {
		if filter.Account != "" && !containsFold(h.Accounts, filter.Account) {
			continue
		}
		if filter.AssetClass != "" && !strings.EqualFold(h.AssetClass, filter.AssetClass) {
			continue
		}
		if filter.Tag != "" && !containsFold(h.Tags, filter.Tag) {
			continue
		}
		out = append(out, cloneHolding(h))
	}
	return out, nil
}

// Performance implements Provider. Ranges without data fall back to ytd.
func (p *StaticProvider) Performance(ctx context.Context, dateRange string) (Performance, error) {
	if err := ctx.Err(); err != nil {
		return Performance{}, err
	}
	dateRange = NormalizeRange(dateRange)
	perf, ok := p.fixture.Performance[dateRange]
	if !ok {
		perf = p.fixture.Performance["ytd"]
	}
	perf.Range = dateRange
	return perf, nil
}

// DividendsReceived implements Provider.
func (p *StaticProvider) DividendsReceived(ctx context.Context, _ string) ([]Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]Payment(nil), p.fixture.DividendsReceived...), nil
}

// Activities implements Provider.
func (p *StaticProvider) Activities(ctx context.Context, account string) ([]Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Activity, 0, len(p.fixture.Activities))
	for _, a := range p.fixture.Activities {
		if account != "" && !strings.EqualFold(a.Account, account) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Quote implements Provider.
func (p *StaticProvider) Quote(ctx context.Context, dataSource, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	for _, q := range p.fixture.Quotes {
		if strings.EqualFold(q.Symbol, symbol) {
			q.DataSource = dataSource
			q.Sectors = append([]SectorWeight(nil), q.Sectors...)
			q.Countries = append([]string(nil), q.Countries...)
			return q, nil
		}
	}
	return Quote{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, strings.ToUpper(symbol))
}

// Benchmarks implements Provider.
func (p *StaticProvider) Benchmarks(ctx context.Context) ([]Benchmark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Benchmark, 0, len(p.fixture.Benchmarks))
	for _, b := range p.fixture.Benchmarks {
		perfs := make(map[string]float64, len(b.Performances))
		for k, v := range b.Performances {
			perfs[k] = v
		}
		out = append(out, Benchmark{Name: b.Name, Performances: perfs})
	}
	return out, nil
}

// DividendInfo implements DividendSource.
func (p *StaticProvider) DividendInfo(ctx context.Context, symbol string) (DividendInfo, error) {
	if err := ctx.Err(); err != nil {
		return DividendInfo{}, err
	}
	d, ok := p.fixture.Dividends[strings.ToUpper(symbol)]
	if !ok {
		return DividendInfo{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, strings.ToUpper(symbol))
	}
	return d.Info, nil
}

// DividendHistory implements DividendSource. The fixture ignores years.
func (p *StaticProvider) DividendHistory(ctx context.Context, symbol string, _ int) ([]Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, ok := p.fixture.Dividends[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, strings.ToUpper(symbol))
	}
	return append([]Payment(nil), d.History...), nil
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func cloneHolding(h Holding) Holding {
	h.Accounts = append([]string(nil), h.Accounts...)
	h.Tags = append([]string(nil), h.Tags...)
	h.Sectors = append([]SectorWeight(nil), h.Sectors...)
	return h
}
