package llm

import (
	"strings"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

// Price is the USD cost per million tokens
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// PriceTable maps model names to prices
type PriceTable struct {
	prices   map[string]Price
	usdToEUR float64
}

// NewPriceTable creates a price table; usdToEUR converts the USD total
func NewPriceTable(prices map[string]Price, usdToEUR float64) PriceTable {
	return PriceTable{prices: prices, usdToEUR: usdToEUR}
}

// Lookup finds the price of a model. Dated or suffixed model ids
// ("gpt-4.1-mini-2025-04-14") fall back to the longest matching prefix.
func (t PriceTable) Lookup(model string) (Price, bool) {
	if p, ok := t.prices[model]; ok {
		return p, true
	}
	best, found := "", false
	for name := range t.prices {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best, found = name, true
		}
	}
	if !found {
		return Price{}, false
	}
	return t.prices[best], true
}

// Cost converts usage into money; unknown models cost nothing
func (t PriceTable) Cost(model string, u domain.Usage) domain.Cost {
	p, ok := t.Lookup(model)
	if !ok {
		return domain.Cost{}
	}
	usd := float64(u.InputTokens)/1e6*p.InputPerMillion + float64(u.OutputTokens)/1e6*p.OutputPerMillion
	return domain.Cost{USD: usd, EUR: usd * t.usdToEUR}
}
