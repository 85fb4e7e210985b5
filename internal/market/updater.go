package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"portfolio-analyzer/internal/observability"
	"portfolio-analyzer/pkg/types"
)

// Repository is the slice of the portfolio facade the updater needs.
type Repository interface {
	ListSessions(ctx context.Context) ([]string, error)
	Holdings(ctx context.Context, sessionID string) (map[string]int64, error)
	ApplyMarketUpdate(ctx context.Context, sessionID string, prices map[string]float64) (float64, error)
}

// Updater is the single process-wide market tick. Every interval it
// enumerates live sessions, walks prices for each session's holdings, and
// recomputes total_value. It mutates only total_value and last_activity,
// never current_analysis or analysis_results, so a tick landing mid-run is
// invisible to that run's snapshot.
type Updater struct {
	repo     Repository
	walker   *Walker
	interval time.Duration
	cron     *cron.Cron
	obs      *observability.Metrics
	logger   *slog.Logger
}

// NewUpdater wires the updater. Start schedules it; Stop drains it.
func NewUpdater(repo Repository, walker *Walker, interval time.Duration, obs *observability.Metrics, logger *slog.Logger) *Updater {
	return &Updater{
		repo:     repo,
		walker:   walker,
		interval: interval,
		obs:      obs,
		logger:   logger.With("component", "market-updater"),
	}
}

// Start schedules the periodic tick. A tick that overruns the interval is
// skipped rather than stacked.
func (u *Updater) Start() error {
	u.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := u.cron.AddFunc(fmt.Sprintf("@every %s", u.interval), u.runTick); err != nil {
		return fmt.Errorf("schedule market updater: %w", err)
	}
	u.cron.Start()
	u.logger.Info("market updater started", "interval", u.interval)
	return nil
}

// Stop halts the schedule and waits for an in-flight tick to finish.
func (u *Updater) Stop() {
	if u.cron == nil {
		return
	}
	<-u.cron.Stop().Done()
	u.logger.Info("market updater stopped")
}

func (u *Updater) runTick() {
	ctx, cancel := context.WithTimeout(context.Background(), u.interval)
	defer cancel()
	u.Tick(ctx)
}

// Tick performs one market update pass. Per-session failures are logged and
// skipped; the pass always covers the remaining sessions and the next tick
// proceeds on schedule.
func (u *Updater) Tick(ctx context.Context) {
	defer u.obs.MarketTicks.Inc()

	ids, err := u.repo.ListSessions(ctx)
	if err != nil {
		u.logger.Error("list sessions failed", "error", err)
		u.obs.StoreErrors.WithLabelValues("list_sessions").Inc()
		return
	}

	for _, sessionID := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := u.updateSession(ctx, sessionID); err != nil {
			if errors.Is(err, types.ErrSessionNotFound) {
				// Expired between the scan and the update.
				u.logger.Debug("session gone, skipping", "session", sessionID)
			} else {
				u.logger.Warn("market update failed, skipping session",
					"session", sessionID, "error", err)
			}
			u.obs.MarketSessionErrors.Inc()
		}
	}
}

func (u *Updater) updateSession(ctx context.Context, sessionID string) error {
	holdings, err := u.repo.Holdings(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(holdings) == 0 {
		return nil
	}

	tickers := make([]string, 0, len(holdings))
	for ticker := range holdings {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	prices := u.walker.Next(tickers)
	total, err := u.repo.ApplyMarketUpdate(ctx, sessionID, prices)
	if err != nil {
		return err
	}

	u.logger.Debug("market values updated", "session", sessionID, "total", total)
	return nil
}
