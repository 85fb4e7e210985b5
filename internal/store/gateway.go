// Package store is the state gateway, the only component that issues
// mutations against the document store (Redis with the RedisJSON module).
//
// Simple operations use JSON.SET / JSON.GET directly. Multi-step operations
// that must not interleave with concurrent writers run as Lua scripts that
// wrap the JSON commands server-side: set-marker, O(1) array append, and the
// holdings-only read for market updates. Scripts are loaded once at startup
// and invoked by SHA; if the server's script cache was flushed, go-redis
// falls back to EVAL exactly once and the cache is repopulated.
//
// Every mutating operation refreshes the key's TTL to the configured session
// TTL, so a session document expires 24h (by default) after its last activity.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"portfolio-analyzer/pkg/types"
)

const keyPrefix = "portfolio:"

// sessionKey maps a session id to its document key.
func sessionKey(sessionID string) string {
	return keyPrefix + sessionID
}

// beginAnalysis sets current_analysis and last_activity atomically and
// returns the full post-mutation document, which becomes the run's snapshot.
//
// KEYS[1] = portfolio:<session_id>
// ARGV[1] = JSON object for current_analysis
// ARGV[2] = JSON string for last_activity
// ARGV[3] = TTL in seconds
var beginAnalysisScript = redis.NewScript(`
local exists = redis.call('JSON.TYPE', KEYS[1], '$')
if not exists or exists[1] == false then return nil end

redis.call('JSON.SET', KEYS[1], '$.current_analysis', ARGV[1])
redis.call('JSON.SET', KEYS[1], '$.last_activity', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return redis.call('JSON.GET', KEYS[1])
`)

// appendResult appends one result record to analysis_results and bumps
// last_activity. JSON.ARRAPPEND is O(1) in the array length; the document
// is never deserialized.
//
// KEYS[1] = portfolio:<session_id>
// ARGV[1] = JSON of the result record
// ARGV[2] = JSON string for last_activity
// ARGV[3] = TTL in seconds
var appendResultScript = redis.NewScript(`
local exists = redis.call('JSON.TYPE', KEYS[1], '$')
if not exists or exists[1] == false then return nil end

redis.call('JSON.ARRAPPEND', KEYS[1], '$.analysis_results', ARGV[1])
redis.call('JSON.SET', KEYS[1], '$.last_activity', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// applyMarketUpdate recomputes total_value from new prices in one server-side
// step. Only $.holdings is read, not the full document.
//
// KEYS[1] = portfolio:<session_id>
// ARGV[1] = JSON object mapping ticker -> price
// ARGV[2] = JSON string for last_activity
// ARGV[3] = TTL in seconds
var applyMarketUpdateScript = redis.NewScript(`
local raw_holdings = redis.call('JSON.GET', KEYS[1], '$.holdings')
if not raw_holdings then return nil end

local holdings = cjson.decode(raw_holdings)[1]
local prices = cjson.decode(ARGV[1])

local total = 0
for ticker, qty in pairs(holdings) do
    local price = prices[ticker]
    if price then
        total = total + (price * qty)
    end
end

redis.call('JSON.SET', KEYS[1], '$.total_value', tostring(total))
redis.call('JSON.SET', KEYS[1], '$.last_activity', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return tostring(total)
`)

// Gateway wraps a pooled Redis client with the typed session-document
// operations. All methods are safe for concurrent use; atomicity of each
// mutation is guaranteed server-side, so concurrent writers (request
// handling, analysis completion, market updates) never interleave their
// read/modify/write phases.
type Gateway struct {
	rdb       *redis.Client
	ttl       time.Duration
	opTimeout time.Duration
	logger    *slog.Logger
}

// Connect opens a pooled client for the given redis:// URL and pings it.
func Connect(ctx context.Context, url string, ttl, opTimeout time.Duration, logger *slog.Logger) (*Gateway, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Gateway{
		rdb:       rdb,
		ttl:       ttl,
		opTimeout: opTimeout,
		logger:    logger.With("component", "store"),
	}, nil
}

// LoadScripts registers the Lua scripts with the server so every later
// invocation is an EVALSHA by content-addressed handle. Called once at
// bootstrap; a failure here is fatal to startup.
func (g *Gateway) LoadScripts(ctx context.Context) error {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	for name, script := range map[string]*redis.Script{
		"begin_analysis":      beginAnalysisScript,
		"append_result":       appendResultScript,
		"apply_market_update": applyMarketUpdateScript,
	} {
		if err := script.Load(ctx, g.rdb).Err(); err != nil {
			return fmt.Errorf("load script %s: %w", name, err)
		}
	}
	g.logger.Info("lua scripts registered", "count", 3)
	return nil
}

// Close releases the connection pool.
func (g *Gateway) Close() error {
	return g.rdb.Close()
}

func (g *Gateway) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.opTimeout)
}

func (g *Gateway) ttlSeconds() int64 {
	return int64(g.ttl / time.Second)
}

// Ensure creates the session document if absent (JSON.SET ... NX is a single
// command, so concurrent connects for the same id cannot race), refreshes
// the TTL, and returns the stored document. A stale key of a different Redis
// type (left by an earlier deployment) is deleted and replaced.
func (g *Gateway) Ensure(ctx context.Context, sessionID string, initial types.Document) (types.Document, error) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	key := sessionKey(sessionID)
	data, err := json.Marshal(initial)
	if err != nil {
		return types.Document{}, fmt.Errorf("marshal document: %w", err)
	}

	if err := g.rdb.Do(ctx, "JSON.SET", key, "$", string(data), "NX").Err(); err != nil && err != redis.Nil {
		if strings.Contains(err.Error(), "WRONGTYPE") || strings.Contains(err.Error(), "wrong Redis type") {
			if err := g.rdb.Del(ctx, key).Err(); err != nil {
				return types.Document{}, fmt.Errorf("delete stale key: %w", err)
			}
			if err := g.rdb.Do(ctx, "JSON.SET", key, "$", string(data)).Err(); err != nil {
				return types.Document{}, fmt.Errorf("replace stale key: %w", err)
			}
		} else {
			return types.Document{}, fmt.Errorf("ensure session: %w", err)
		}
	}

	if err := g.rdb.Expire(ctx, key, g.ttl).Err(); err != nil {
		return types.Document{}, fmt.Errorf("refresh ttl: %w", err)
	}

	return g.getDocument(ctx, key)
}

// Read returns the full session document and refreshes the TTL.
func (g *Gateway) Read(ctx context.Context, sessionID string) (types.Document, error) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	key := sessionKey(sessionID)
	doc, err := g.getDocument(ctx, key)
	if err != nil {
		return types.Document{}, err
	}
	if err := g.rdb.Expire(ctx, key, g.ttl).Err(); err != nil {
		return types.Document{}, fmt.Errorf("refresh ttl: %w", err)
	}
	return doc, nil
}

func (g *Gateway) getDocument(ctx context.Context, key string) (types.Document, error) {
	raw, err := g.rdb.Do(ctx, "JSON.GET", key).Text()
	if err == redis.Nil {
		return types.Document{}, types.ErrSessionNotFound
	}
	if err != nil {
		return types.Document{}, fmt.Errorf("read document: %w", err)
	}

	var doc types.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return types.Document{}, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}

// BeginAnalysis atomically sets current_analysis and last_activity and
// returns the post-mutation document. The returned value is the snapshot all
// metric tasks of the run will share.
func (g *Gateway) BeginAnalysis(ctx context.Context, sessionID, ticker string, startedAt time.Time) (types.Document, error) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	current, err := json.Marshal(types.CurrentAnalysis{Ticker: ticker, StartedAt: startedAt})
	if err != nil {
		return types.Document{}, fmt.Errorf("marshal current_analysis: %w", err)
	}
	ts, err := json.Marshal(startedAt)
	if err != nil {
		return types.Document{}, fmt.Errorf("marshal timestamp: %w", err)
	}

	raw, err := beginAnalysisScript.Run(ctx, g.rdb,
		[]string{sessionKey(sessionID)},
		string(current), string(ts), g.ttlSeconds(),
	).Text()
	if err == redis.Nil {
		return types.Document{}, types.ErrSessionNotFound
	}
	if err != nil {
		return types.Document{}, fmt.Errorf("begin analysis: %w", err)
	}

	var doc types.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return types.Document{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return doc, nil
}

// AppendResult atomically appends a result record to analysis_results and
// sets last_activity.
func (g *Gateway) AppendResult(ctx context.Context, sessionID string, result types.MetricResult, lastActivity time.Time) error {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	rec, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	ts, err := json.Marshal(lastActivity)
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}

	err = appendResultScript.Run(ctx, g.rdb,
		[]string{sessionKey(sessionID)},
		string(rec), string(ts), g.ttlSeconds(),
	).Err()
	if err == redis.Nil {
		return types.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

// ApplyMarketUpdate atomically recomputes total_value from the given prices
// (holdings are read server-side) and sets last_activity. Returns the new
// total.
func (g *Gateway) ApplyMarketUpdate(ctx context.Context, sessionID string, prices map[string]float64, lastActivity time.Time) (float64, error) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	pricesJSON, err := json.Marshal(prices)
	if err != nil {
		return 0, fmt.Errorf("marshal prices: %w", err)
	}
	ts, err := json.Marshal(lastActivity)
	if err != nil {
		return 0, fmt.Errorf("marshal timestamp: %w", err)
	}

	raw, err := applyMarketUpdateScript.Run(ctx, g.rdb,
		[]string{sessionKey(sessionID)},
		string(pricesJSON), string(ts), g.ttlSeconds(),
	).Text()
	if err == redis.Nil {
		return 0, types.ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("apply market update: %w", err)
	}

	total, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse total_value %q: %w", raw, err)
	}
	return total, nil
}

// ReadHoldings returns only the holdings map (partial JSON.GET on
// $.holdings) and does not refresh the TTL: enumeration by the market
// updater is not session activity.
func (g *Gateway) ReadHoldings(ctx context.Context, sessionID string) (map[string]int64, error) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	raw, err := g.rdb.Do(ctx, "JSON.GET", sessionKey(sessionID), "$.holdings").Text()
	if err == redis.Nil {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read holdings: %w", err)
	}
	return decodeHoldings(raw)
}

// decodeHoldings unpacks the JSONPath array wrapper around $.holdings.
func decodeHoldings(raw string) (map[string]int64, error) {
	var wrapped []map[string]int64
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return nil, fmt.Errorf("unmarshal holdings: %w", err)
	}
	if len(wrapped) == 0 {
		return nil, types.ErrSessionNotFound
	}
	return wrapped[0], nil
}

// ListSessions returns the ids of all live session documents by scanning for
// the key pattern. The result is a point-in-time snapshot; sessions may
// appear or expire while the scan runs.
func (g *Gateway) ListSessions(ctx context.Context) ([]string, error) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	var ids []string
	iter := g.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return ids, nil
}
