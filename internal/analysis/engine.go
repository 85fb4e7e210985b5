package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"portfolio-analyzer/internal/config"
	"portfolio-analyzer/internal/observability"
	"portfolio-analyzer/pkg/types"
)

// Repository is the slice of the portfolio facade the engine needs.
type Repository interface {
	BeginAnalysis(ctx context.Context, sessionID, ticker string) (types.Document, error)
	AppendResult(ctx context.Context, sessionID string, result types.MetricResult) error
}

// Emitter is the session's outbound channel. Implementations serialize
// writes; the engine never assumes more than one frame in flight.
type Emitter interface {
	Emit(msg any) error
}

// Engine launches analysis runs. One engine is shared by all sessions; each
// Start call produces an independent Run.
type Engine struct {
	repo    Repository
	metrics []string
	min     time.Duration
	max     time.Duration
	now     func() time.Time
	seed    func() int64
	obs     *observability.Metrics
	logger  *slog.Logger
}

// New builds the engine from the analysis config. Every configured metric
// must have a registered kernel.
func New(repo Repository, cfg config.AnalysisConfig, obs *observability.Metrics, logger *slog.Logger) (*Engine, error) {
	for _, name := range cfg.Metrics {
		if _, ok := KernelFor(name); !ok {
			return nil, fmt.Errorf("unknown metric %q", name)
		}
	}
	return &Engine{
		repo:    repo,
		metrics: append([]string(nil), cfg.Metrics...),
		min:     cfg.DelayMin,
		max:     cfg.DelayMax,
		now:     func() time.Time { return time.Now().UTC() },
		seed:    func() int64 { return time.Now().UnixNano() },
		obs:     obs,
		logger:  logger.With("component", "analysis"),
	}, nil
}

// Run is the handle for one in-flight analysis. Done closes only after every
// metric task has returned. Once it is closed, nothing further will be
// emitted on the session from this run. That is the settlement the
// controller waits on during cancel-on-switch.
type Run struct {
	ticker   string
	cancel   context.CancelFunc
	done     chan struct{}
	failOnce sync.Once
}

// Ticker returns the ticker this run analyzes.
func (r *Run) Ticker() string { return r.ticker }

// Cancel signals every metric task to stop. Safe to call repeatedly.
func (r *Run) Cancel() { r.cancel() }

// Done is closed when the run has settled (all tasks returned).
func (r *Run) Done() <-chan struct{} { return r.done }

// Start begins an analysis run for (sessionID, ticker): it marks the
// analysis as started (receiving the snapshot), then launches one goroutine
// per metric. Each completed metric is persisted before it is emitted. The
// returned Run is owned by the caller, which must Cancel it (and wait on
// Done) before starting another run on the same session.
func (e *Engine) Start(ctx context.Context, sessionID string, em Emitter, ticker string) (*Run, error) {
	snapshot, err := e.repo.BeginAnalysis(ctx, sessionID, ticker)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ticker: ticker,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.obs.AnalysesStarted.Inc()
	e.logger.Info("analysis started", "session", sessionID, "ticker", ticker)

	seed := e.seed()
	var wg sync.WaitGroup
	for i, metric := range e.metrics {
		wg.Add(1)
		rng := rand.New(rand.NewSource(seed + int64(i)))
		go func(metric string, rng *rand.Rand) {
			defer wg.Done()
			e.runMetric(runCtx, run, sessionID, ticker, metric, snapshot, rng, em)
		}(metric, rng)
	}

	go func() {
		wg.Wait()
		if runCtx.Err() != nil {
			e.obs.AnalysesCancelled.Inc()
		} else {
			e.obs.AnalysesCompleted.Inc()
		}
		cancel()
		close(run.done)
	}()

	return run, nil
}

// runMetric computes one metric against the snapshot, persists the result,
// then emits it. Cancellation at any suspension point makes the task exit
// without a partial write; a result whose persist step already finished is
// legal history and stays in the store.
func (e *Engine) runMetric(
	ctx context.Context,
	run *Run,
	sessionID, ticker, metric string,
	snapshot types.Document,
	rng *rand.Rand,
	em Emitter,
) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("metric kernel panic",
				"session", sessionID, "ticker", ticker, "metric", metric, "panic", p)
			if ctx.Err() == nil {
				_ = em.Emit(types.NewErrorMessage(fmt.Sprintf("metric %s failed", metric)))
			}
		}
	}()

	kernel, _ := KernelFor(metric)

	// Draw the delay and the value up front so both depend only on the seed,
	// then serve the simulated latency.
	delay := e.min
	if e.max > e.min {
		delay += time.Duration(rng.Int63n(int64(e.max - e.min)))
	}
	value := kernel(ticker, snapshot, rng)

	if err := sleep(ctx, delay); err != nil {
		return
	}

	result := types.MetricResult{
		Ticker:    ticker,
		Metric:    metric,
		Value:     value,
		Timestamp: e.now(),
	}

	// Persist before emit: the client must never observe a result the store
	// does not have.
	if err := e.repo.AppendResult(ctx, sessionID, result); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, types.ErrSessionNotFound) {
			// Session expired under a live run. Surface once and stop the run;
			// no partial results reach the client.
			e.logger.Warn("session lost mid-run", "session", sessionID, "ticker", ticker)
		} else {
			e.logger.Error("persist result failed",
				"session", sessionID, "metric", metric, "error", err)
		}
		e.obs.StoreErrors.WithLabelValues("append_result").Inc()
		run.failOnce.Do(func() {
			_ = em.Emit(types.NewErrorMessage("analysis aborted: state error"))
			run.cancel()
		})
		return
	}

	if ctx.Err() != nil {
		// Cancelled between persist and emit. The persisted result stays as
		// append-only history, but nothing further goes to the client.
		return
	}

	if err := em.Emit(types.NewResultMessage(result)); err != nil {
		e.logger.Debug("emit failed", "session", sessionID, "metric", metric, "error", err)
		return
	}
	e.obs.ResultsEmitted.Inc()
}
