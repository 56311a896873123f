package portfolio

import (
	"math"
	"sort"
)

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func sortHoldings(holdings []Holding) {
	sort.SliceStable(holdings, func(i, j int) bool {
		if holdings[i].Allocation != holdings[j].Allocation {
			return holdings[i].Allocation > holdings[j].Allocation
		}
		return holdings[i].Symbol < holdings[j].Symbol
	})
}
