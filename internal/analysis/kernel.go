// Package analysis implements the metric kernels and the parallel analysis
// engine.
//
// A kernel is a pure function (ticker, snapshot, rng) → value: it reads only
// the snapshot it is passed, so every metric of a run sees exactly the same
// portfolio state no matter what the market updater does mid-run. The same
// (snapshot, ticker, seed) always yields the same value.
package analysis

import (
	"context"
	"math"
	"math/rand"
	"time"

	"portfolio-analyzer/pkg/types"
)

// Kernel computes one metric value from a portfolio snapshot.
type Kernel func(ticker string, snapshot types.Document, rng *rand.Rand) float64

// kernels maps metric names to their implementations.
var kernels = map[string]Kernel{
	types.MetricPortfolioRisk:   computePortfolioRisk,
	types.MetricConcentration:   computeConcentration,
	types.MetricCorrelation:     computeCorrelation,
	types.MetricMomentum:        computeMomentum,
	types.MetricAllocationScore: computeAllocationScore,
}

// KernelFor returns the kernel registered under the given metric name.
func KernelFor(metric string) (Kernel, bool) {
	k, ok := kernels[metric]
	return k, ok
}

// holdingWeight is the fraction of the portfolio held in this ticker, by
// share count. Empty holdings or an absent ticker yield 0, never NaN.
func holdingWeight(ticker string, snapshot types.Document) float64 {
	total := snapshot.TotalShares()
	if total == 0 {
		return 0
	}
	return float64(snapshot.Holdings[ticker]) / float64(total)
}

// computePortfolioRisk derives a bounded risk figure from the position's
// weight, scaled by a drawn risk factor. Result is in [0, 0.5].
func computePortfolioRisk(ticker string, snapshot types.Document, rng *rand.Rand) float64 {
	factor := 0.1 + 0.4*rng.Float64()
	return round4(holdingWeight(ticker, snapshot) * factor)
}

// computeConcentration is the share of the portfolio in this ticker,
// clamped to [0, 1].
func computeConcentration(ticker string, snapshot types.Document, rng *rand.Rand) float64 {
	return round4(clamp(holdingWeight(ticker, snapshot), 0, 1))
}

// computeCorrelation draws a simulated correlation against the rest of the
// holdings, in [-0.3, 0.9].
func computeCorrelation(ticker string, snapshot types.Document, rng *rand.Rand) float64 {
	return round4(-0.3 + 1.2*rng.Float64())
}

// computeMomentum draws a direction in [-1, 1] damped by position weight.
func computeMomentum(ticker string, snapshot types.Document, rng *rand.Rand) float64 {
	direction := 2*rng.Float64() - 1
	return round4(direction * holdingWeight(ticker, snapshot))
}

// computeAllocationScore compares the position's weight to an equal-weight
// ideal. Positive means under-allocated, negative over-allocated; in [-1, 1].
func computeAllocationScore(ticker string, snapshot types.Document, rng *rand.Rand) float64 {
	n := len(snapshot.Holdings)
	if n == 0 {
		n = 1
	}
	ideal := 1.0 / float64(n)
	return round4(ideal - holdingWeight(ticker, snapshot))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// sleep blocks for d or until the context is cancelled, whichever comes
// first. This is the kernels' artificial computation latency and their
// cancellation suspension point.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
