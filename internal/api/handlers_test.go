package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-analyzer/internal/config"
	"portfolio-analyzer/internal/observability"
	"portfolio-analyzer/internal/portfolio"
	"portfolio-analyzer/internal/session"
	"portfolio-analyzer/pkg/types"
)

// memGateway backs the repository with a map so handlers can be exercised
// without Redis.
type memGateway struct {
	docs map[string]types.Document
}

func newMemGateway() *memGateway {
	return &memGateway{docs: make(map[string]types.Document)}
}

func (g *memGateway) Ensure(_ context.Context, sid string, initial types.Document) (types.Document, error) {
	if doc, ok := g.docs[sid]; ok {
		return doc, nil
	}
	g.docs[sid] = initial
	return initial, nil
}

func (g *memGateway) Read(_ context.Context, sid string) (types.Document, error) {
	doc, ok := g.docs[sid]
	if !ok {
		return types.Document{}, types.ErrSessionNotFound
	}
	return doc, nil
}

func (g *memGateway) BeginAnalysis(_ context.Context, sid, ticker string, startedAt time.Time) (types.Document, error) {
	return g.Read(context.Background(), sid)
}

func (g *memGateway) AppendResult(context.Context, string, types.MetricResult, time.Time) error {
	return nil
}

func (g *memGateway) ApplyMarketUpdate(context.Context, string, map[string]float64, time.Time) (float64, error) {
	return 0, nil
}

func (g *memGateway) ReadHoldings(_ context.Context, sid string) (map[string]int64, error) {
	doc, err := g.Read(context.Background(), sid)
	if err != nil {
		return nil, err
	}
	return doc.Holdings, nil
}

func (g *memGateway) ListSessions(context.Context) ([]string, error) {
	ids := make([]string, 0, len(g.docs))
	for sid := range g.docs {
		ids = append(ids, sid)
	}
	return ids, nil
}

func newTestServer(t *testing.T) (*Server, *memGateway) {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	gw := newMemGateway()
	repo := portfolio.New(gw, portfolio.Defaults{
		Holdings:   cfg.Session.DefaultHoldings,
		TotalValue: cfg.Session.InitialTotalValue,
	}, slog.New(slog.DiscardHandler))
	return NewServer(*cfg, repo, nil, session.NewRegistry(),
		observability.New(), slog.New(slog.DiscardHandler)), gw
}

func (s *Server) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := s.serve(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

var sessionIDPattern = regexp.MustCompile(`^s-\d+-[0-9a-f]{4}$`)

func TestCreateSession(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := s.serve(httptest.NewRequest(http.MethodPost, "/api/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		SessionID string         `json:"session_id"`
		Config    map[string]any `json:"config"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Regexp(t, sessionIDPattern, resp.SessionID)
	assert.Len(t, resp.Config["metrics"], 5)
	assert.EqualValues(t, 60, resp.Config["idle_timeout_seconds"])
	assert.EqualValues(t, 30, resp.Config["market_update_seconds"])
}

func TestCreateSessionIDsAreUnique(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := newSessionID()
		require.Regexp(t, sessionIDPattern, id)
		seen[id] = true
	}
	// 2 random bytes per second of wall clock; 50 back-to-back ids collide
	// rarely enough that a duplicate signals a broken source.
	assert.Greater(t, len(seen), 45)
}

func TestGetSessionReturnsDocument(t *testing.T) {
	t.Parallel()

	s, gw := newTestServer(t)
	gw.docs["s-1-aaaa"] = types.Document{
		SessionID:  "s-1-aaaa",
		Holdings:   map[string]int64{"AAPL": 100},
		TotalValue: 125000.00,
	}

	rec := s.serve(httptest.NewRequest(http.MethodGet, "/api/session/s-1-aaaa", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc types.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "s-1-aaaa", doc.SessionID)
	assert.EqualValues(t, 100, doc.Holdings["AAPL"])
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := s.serve(httptest.NewRequest(http.MethodGet, "/api/session/s-1-aaaa", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"session not found"}`, rec.Body.String())
}

func TestGetSessionRejectsBadID(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := s.serve(httptest.NewRequest(http.MethodGet, "/api/session/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionRejectsGet(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := s.serve(httptest.NewRequest(http.MethodGet, "/api/session", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := s.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
