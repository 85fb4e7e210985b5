// Package market implements the simulated market data feed: a price walker
// and the background updater that recomputes portfolio totals for every live
// session.
package market

import (
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"portfolio-analyzer/internal/config"
)

// Walker generates mock prices with a bounded random walk: each tick moves a
// ticker's price by a uniform fraction in [-volatility, +volatility] of its
// previous price, rounded to cents. First observation of a ticker starts
// from its configured base price, or the default price when unknown.
type Walker struct {
	mu         sync.Mutex
	last       map[string]decimal.Decimal
	base       map[string]decimal.Decimal
	defaultP   decimal.Decimal
	volatility float64
	rng        *rand.Rand
}

// NewWalker seeds a walker from the market config and a process-wide seed.
func NewWalker(cfg config.MarketConfig, seed int64) *Walker {
	base := make(map[string]decimal.Decimal, len(cfg.BasePrices))
	for ticker, price := range cfg.BasePrices {
		base[ticker] = decimal.NewFromFloat(price)
	}
	return &Walker{
		last:       make(map[string]decimal.Decimal),
		base:       base,
		defaultP:   decimal.NewFromFloat(cfg.DefaultPrice),
		volatility: cfg.Volatility,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

var minPrice = decimal.NewFromFloat(0.01)

// Next advances the walk for the given tickers and returns their new prices.
func (w *Walker) Next(tickers []string) map[string]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	prices := make(map[string]float64, len(tickers))
	for _, ticker := range tickers {
		last, ok := w.last[ticker]
		if !ok {
			if base, known := w.base[ticker]; known {
				last = base
			} else {
				last = w.defaultP
			}
		}

		step := (2*w.rng.Float64() - 1) * w.volatility
		next := last.Mul(decimal.NewFromFloat(1 + step)).Round(2)
		if next.LessThan(minPrice) {
			next = minPrice
		}
		w.last[ticker] = next
		prices[ticker], _ = next.Float64()
	}
	return prices
}
