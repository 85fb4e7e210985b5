// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the backend: the session
// document persisted in the document store, the metric result records, and
// the JSON messages exchanged over the WebSocket. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned by state-layer operations when the session
// document does not exist (never created, or expired by TTL).
var ErrSessionNotFound = errors.New("session not found")

// The five analysis metrics. Every run computes each configured metric once.
const (
	MetricPortfolioRisk   = "portfolio_risk"
	MetricConcentration   = "concentration"
	MetricCorrelation     = "correlation"
	MetricMomentum        = "momentum"
	MetricAllocationScore = "allocation_score"
)

// DefaultMetrics returns the full metric set in its canonical order.
func DefaultMetrics() []string {
	return []string{
		MetricPortfolioRisk,
		MetricConcentration,
		MetricCorrelation,
		MetricMomentum,
		MetricAllocationScore,
	}
}

// CurrentAnalysis marks the analysis most recently started on a session.
// Nil means no analysis has ever been started.
type CurrentAnalysis struct {
	Ticker    string    `json:"ticker"`
	StartedAt time.Time `json:"started_at"`
}

// MetricResult is one completed metric computation, as persisted in the
// document's analysis_results array (append-only, server-side arrival order).
type MetricResult struct {
	Ticker    string    `json:"ticker"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Document is the per-session portfolio state, stored as one RedisJSON
// document under portfolio:<session_id>. The copy handed to an analysis run
// at begin_analysis is the run's snapshot: all five metric tasks read it and
// nothing re-reads the store mid-run.
type Document struct {
	SessionID       string           `json:"session_id"`
	Holdings        map[string]int64 `json:"holdings"`
	TotalValue      float64          `json:"total_value"`
	CurrentAnalysis *CurrentAnalysis `json:"current_analysis"`
	AnalysisResults []MetricResult   `json:"analysis_results"`
	LastActivity    time.Time        `json:"last_activity"`
}

// Clone returns a deep copy so a snapshot cannot alias live state.
func (d Document) Clone() Document {
	out := d
	if d.Holdings != nil {
		out.Holdings = make(map[string]int64, len(d.Holdings))
		for t, n := range d.Holdings {
			out.Holdings[t] = n
		}
	}
	if d.AnalysisResults != nil {
		out.AnalysisResults = append([]MetricResult(nil), d.AnalysisResults...)
	}
	if d.CurrentAnalysis != nil {
		ca := *d.CurrentAnalysis
		out.CurrentAnalysis = &ca
	}
	return out
}

// TotalShares sums the share counts across all holdings.
func (d Document) TotalShares() int64 {
	var total int64
	for _, n := range d.Holdings {
		total += n
	}
	return total
}

// ActionAnalyze is the only inbound action the protocol knows.
const ActionAnalyze = "analyze"

// AnalyzeRequest is the inbound client message:
//
//	{"action": "analyze", "ticker": "AAPL"}
type AnalyzeRequest struct {
	Action string `json:"action"`
	Ticker string `json:"ticker"`
}

// ResultMessage streams one completed metric back to the client.
type ResultMessage struct {
	Type      string    `json:"type"`
	Ticker    string    `json:"ticker"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// NewResultMessage wraps a persisted result for emission. Results are always
// persisted before they are emitted, so a client never sees a result the
// store does not have.
func NewResultMessage(r MetricResult) ResultMessage {
	return ResultMessage{
		Type:      "analysis_result",
		Ticker:    r.Ticker,
		Metric:    r.Metric,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}
}

// ErrorMessage reports a protocol or state error. The connection stays open.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorMessage builds an error frame.
func NewErrorMessage(msg string) ErrorMessage {
	return ErrorMessage{Type: "error", Message: msg}
}
