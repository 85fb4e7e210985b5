// Package session implements the per-connection controller and the
// process-wide registry of live sessions.
//
// A Controller owns exactly one WebSocket connection, its outbound emitter,
// and at most one in-flight analysis run. All run-handle manipulation happens
// on the controller's read-loop goroutine, so no lock guards it; the emitter
// is the only piece shared with metric tasks and is mutex-serialized
// (single-writer invariant on the connection).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"portfolio-analyzer/internal/observability"
	"portfolio-analyzer/internal/portfolio"
	"portfolio-analyzer/pkg/types"
)

// Conn abstracts the WebSocket connection so controllers can be exercised
// in-memory. internal/api adapts the gorilla connection to this.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Run is the handle of an in-flight analysis. Done must close only when the
// run has settled: every task returned, nothing further will be emitted.
type Run interface {
	Ticker() string
	Cancel()
	Done() <-chan struct{}
}

// Starter launches analysis runs. Implemented by the analysis engine.
type Starter interface {
	Start(ctx context.Context, sessionID string, em Emitter, ticker string) (Run, error)
}

// Emitter is re-exported here so Starter implementations and fakes don't
// need to import the analysis package.
type Emitter interface {
	Emit(msg any) error
}

// Controller drives one client session: it reads inbound messages, enforces
// cancel-on-switch, and tears the session down on disconnect or idle
// timeout.
type Controller struct {
	sessionID   string
	conn        Conn
	starter     Starter
	registry    *Registry
	idleTimeout time.Duration
	obs         *observability.Metrics
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// emitMu enforces the single-writer invariant on the connection.
	emitMu sync.Mutex

	// run is the current in-flight analysis. Owned by the Serve goroutine.
	run Run

	served chan struct{}
}

// NewController wires a controller for an accepted connection. The caller
// registers it and then calls Serve on the connection's goroutine.
func NewController(
	sessionID string,
	conn Conn,
	starter Starter,
	registry *Registry,
	idleTimeout time.Duration,
	obs *observability.Metrics,
	logger *slog.Logger,
) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		sessionID:   sessionID,
		conn:        conn,
		starter:     starter,
		registry:    registry,
		idleTimeout: idleTimeout,
		obs:         obs,
		logger:      logger.With("component", "session", "session", sessionID),
		ctx:         ctx,
		cancel:      cancel,
		served:      make(chan struct{}),
	}
}

// SessionID returns the id this controller serves.
func (c *Controller) SessionID() string { return c.sessionID }

// Emit writes one frame to the client. Serialized so that metric tasks and
// the read loop never interleave frames on the connection.
func (c *Controller) Emit(msg any) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if err := c.ctx.Err(); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// Serve runs the read loop until the connection closes, the idle timeout
// fires, or Close is called. It always tears the session down on exit:
// cancels the in-flight run, waits for settlement, and unregisters.
func (c *Controller) Serve() {
	defer close(c.served)
	defer c.teardown()

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return
		}
		raw, err := c.conn.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				c.logger.Info("idle timeout, closing session")
			} else if c.ctx.Err() == nil {
				c.logger.Info("client disconnected", "error", err)
			}
			return
		}
		c.handleMessage(raw)
	}
}

// Done is closed when Serve has returned and teardown is complete.
func (c *Controller) Done() <-chan struct{} { return c.served }

// Close forces the session down from outside the read loop (process
// shutdown). Teardown itself still runs on the Serve goroutine.
func (c *Controller) Close() {
	c.cancel()
	_ = c.conn.Close()
}

// handleMessage dispatches one inbound frame. Protocol errors are answered
// with an error frame; the connection stays open.
func (c *Controller) handleMessage(raw []byte) {
	var req types.AnalyzeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.protocolError("invalid message: not a JSON object")
		return
	}

	switch req.Action {
	case types.ActionAnalyze:
		ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
		if err := portfolio.ValidateTicker(ticker); err != nil {
			c.protocolError(fmt.Sprintf("invalid ticker %q", req.Ticker))
			return
		}
		c.switchRun(ticker)
	default:
		c.protocolError(fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (c *Controller) protocolError(msg string) {
	c.obs.ProtocolErrors.Inc()
	if err := c.Emit(types.NewErrorMessage(msg)); err != nil {
		c.logger.Debug("emit error frame failed", "error", err)
	}
}

// switchRun implements cancel-on-switch: any in-flight run is cancelled and
// its settlement awaited before the new run starts, so no frame of the old
// ticker can follow a frame of the new one. A repeated request for the same
// ticker also restarts, for uniformity.
func (c *Controller) switchRun(ticker string) {
	if c.run != nil {
		c.logger.Info("cancelling in-flight analysis", "ticker", c.run.Ticker())
		c.run.Cancel()
		<-c.run.Done()
		c.run = nil
	}

	run, err := c.starter.Start(c.ctx, c.sessionID, c, ticker)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			c.protocolError("session not found")
		} else {
			c.logger.Error("start analysis failed", "ticker", ticker, "error", err)
			if emitErr := c.Emit(types.NewErrorMessage("analysis failed to start")); emitErr != nil {
				c.logger.Debug("emit error frame failed", "error", emitErr)
			}
		}
		return
	}
	c.run = run
}

// teardown cancels the in-flight run, waits for it to settle, and removes
// the controller from the registry. Runs on the Serve goroutine, which owns
// c.run.
func (c *Controller) teardown() {
	if c.run != nil {
		c.run.Cancel()
		<-c.run.Done()
		c.run = nil
	}
	c.cancel()
	c.registry.Remove(c)
	_ = c.conn.Close()
	c.logger.Info("session closed")
}
