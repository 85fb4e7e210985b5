package analysis

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"portfolio-analyzer/pkg/types"
)

func snapshot() types.Document {
	return types.Document{
		SessionID:  "s-1-aaaa",
		Holdings:   map[string]int64{"AAPL": 100, "GOOGL": 50, "MSFT": 75},
		TotalValue: 125000.00,
	}
}

func TestKernelsRegisteredForDefaultMetrics(t *testing.T) {
	t.Parallel()
	for _, name := range types.DefaultMetrics() {
		if _, ok := KernelFor(name); !ok {
			t.Errorf("no kernel for %s", name)
		}
	}
}

func TestKernelsDeterministicUnderSeed(t *testing.T) {
	t.Parallel()

	snap := snapshot()
	for _, name := range types.DefaultMetrics() {
		kernel, _ := KernelFor(name)
		a := kernel("AAPL", snap, rand.New(rand.NewSource(42)))
		b := kernel("AAPL", snap, rand.New(rand.NewSource(42)))
		if a != b {
			t.Errorf("%s: same seed gave %v and %v", name, a, b)
		}
	}
}

func TestKernelBounds(t *testing.T) {
	t.Parallel()

	snap := snapshot()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		for _, tc := range []struct {
			name   string
			lo, hi float64
		}{
			{types.MetricPortfolioRisk, 0, 0.5},
			{types.MetricConcentration, 0, 1},
			{types.MetricCorrelation, -1, 1},
			{types.MetricMomentum, -1, 1},
			{types.MetricAllocationScore, -1, 1},
		} {
			kernel, _ := KernelFor(tc.name)
			v := kernel("AAPL", snap, rng)
			if math.IsNaN(v) || v < tc.lo || v > tc.hi {
				t.Fatalf("%s = %v outside [%v, %v]", tc.name, v, tc.lo, tc.hi)
			}
		}
	}
}

func TestKernelsHandleEmptyHoldings(t *testing.T) {
	t.Parallel()

	empty := types.Document{SessionID: "s-1-aaaa", Holdings: map[string]int64{}}
	rng := rand.New(rand.NewSource(1))
	for _, name := range types.DefaultMetrics() {
		kernel, _ := KernelFor(name)
		v := kernel("AAPL", empty, rng)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s on empty holdings = %v", name, v)
		}
	}
}

func TestKernelsHandleAbsentTicker(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	for _, name := range types.DefaultMetrics() {
		kernel, _ := KernelFor(name)
		v := kernel("ZZZZ", snapshot(), rng)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s on absent ticker = %v", name, v)
		}
	}
}

func TestConcentrationIsShareWeight(t *testing.T) {
	t.Parallel()

	kernel, _ := KernelFor(types.MetricConcentration)
	v := kernel("AAPL", snapshot(), rand.New(rand.NewSource(1)))
	// 100 of 225 shares.
	if want := 0.4444; v != want {
		t.Errorf("concentration = %v, want %v", v, want)
	}
}

func TestSleepObservesCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := sleep(ctx, 5*time.Second)
	if err == nil {
		t.Fatal("sleep returned nil after cancellation")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sleep held for %s after cancel", elapsed)
	}
}
