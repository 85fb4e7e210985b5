// Package portfolio is the typed facade over the state gateway. It validates
// inputs, fills in the initial document for new sessions, and stamps every
// mutation with a UTC timestamp. All other components talk to the document
// store only through this package. No business logic lives here, and no
// retries beyond the gateway's single script re-register.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"portfolio-analyzer/pkg/types"
)

// tickerRE matches valid ticker symbols: uppercase, alphanumeric plus dots,
// at most ten characters.
var tickerRE = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,9}$`)

// sessionIDRE bounds session ids to document-store-safe opaque strings.
var sessionIDRE = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateTicker reports whether t is a legal ticker symbol.
func ValidateTicker(t string) error {
	if !tickerRE.MatchString(t) {
		return fmt.Errorf("invalid ticker %q", t)
	}
	return nil
}

// ValidateSessionID reports whether sid is a legal session id.
func ValidateSessionID(sid string) error {
	if !sessionIDRE.MatchString(sid) {
		return fmt.Errorf("invalid session id %q", sid)
	}
	return nil
}

// Gateway is the narrow store interface the repository delegates to.
// Implemented by internal/store against Redis; tests substitute an
// in-memory fake.
type Gateway interface {
	Ensure(ctx context.Context, sessionID string, initial types.Document) (types.Document, error)
	Read(ctx context.Context, sessionID string) (types.Document, error)
	BeginAnalysis(ctx context.Context, sessionID, ticker string, startedAt time.Time) (types.Document, error)
	AppendResult(ctx context.Context, sessionID string, result types.MetricResult, lastActivity time.Time) error
	ApplyMarketUpdate(ctx context.Context, sessionID string, prices map[string]float64, lastActivity time.Time) (float64, error)
	ReadHoldings(ctx context.Context, sessionID string) (map[string]int64, error)
	ListSessions(ctx context.Context) ([]string, error)
}

// Defaults describes the document created on first activity for a session.
type Defaults struct {
	Holdings   map[string]int64
	TotalValue float64
}

// Repository exposes the domain-level state operations.
type Repository struct {
	gw       Gateway
	defaults Defaults
	now      func() time.Time
	logger   *slog.Logger
}

// New builds a repository over the given gateway.
func New(gw Gateway, defaults Defaults, logger *slog.Logger) *Repository {
	return &Repository{
		gw:       gw,
		defaults: defaults,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With("component", "portfolio"),
	}
}

// initialDocument builds the create-if-absent document for a session.
func (r *Repository) initialDocument(sessionID string) types.Document {
	holdings := make(map[string]int64, len(r.defaults.Holdings))
	for t, n := range r.defaults.Holdings {
		holdings[t] = n
	}
	return types.Document{
		SessionID:       sessionID,
		Holdings:        holdings,
		TotalValue:      r.defaults.TotalValue,
		AnalysisResults: []types.MetricResult{},
		LastActivity:    r.now(),
	}
}

// EnsureSession creates the session document if absent and returns the
// stored state. Idempotent: an existing document is returned unchanged
// (with its TTL refreshed).
func (r *Repository) EnsureSession(ctx context.Context, sessionID string) (types.Document, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return types.Document{}, err
	}
	return r.gw.Ensure(ctx, sessionID, r.initialDocument(sessionID))
}

// Read returns the current session document, refreshing its TTL.
func (r *Repository) Read(ctx context.Context, sessionID string) (types.Document, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return types.Document{}, err
	}
	return r.gw.Read(ctx, sessionID)
}

// BeginAnalysis marks a new analysis as started and returns the snapshot the
// run will compute against.
func (r *Repository) BeginAnalysis(ctx context.Context, sessionID, ticker string) (types.Document, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return types.Document{}, err
	}
	if err := ValidateTicker(ticker); err != nil {
		return types.Document{}, err
	}
	return r.gw.BeginAnalysis(ctx, sessionID, ticker, r.now())
}

// AppendResult persists one completed metric result.
func (r *Repository) AppendResult(ctx context.Context, sessionID string, result types.MetricResult) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := ValidateTicker(result.Ticker); err != nil {
		return err
	}
	if result.Metric == "" {
		return fmt.Errorf("result metric must not be empty")
	}
	return r.gw.AppendResult(ctx, sessionID, result, r.now())
}

// ApplyMarketUpdate recomputes total_value from the given prices and returns
// the new total.
func (r *Repository) ApplyMarketUpdate(ctx context.Context, sessionID string, prices map[string]float64) (float64, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	for ticker, price := range prices {
		if err := ValidateTicker(ticker); err != nil {
			return 0, err
		}
		if price < 0 {
			return 0, fmt.Errorf("negative price for %s", ticker)
		}
	}
	return r.gw.ApplyMarketUpdate(ctx, sessionID, prices, r.now())
}

// Holdings returns only the holdings map of a session (partial read).
func (r *Repository) Holdings(ctx context.Context, sessionID string) (map[string]int64, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	return r.gw.ReadHoldings(ctx, sessionID)
}

// ListSessions enumerates live session ids.
func (r *Repository) ListSessions(ctx context.Context) ([]string, error) {
	return r.gw.ListSessions(ctx)
}
