package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"portfolio-analyzer/internal/portfolio"
	"portfolio-analyzer/internal/session"
	"portfolio-analyzer/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local development
		return true
	},
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// sessionCreateResponse is the handshake payload: a fresh session id plus
// the slice of config a client needs.
type sessionCreateResponse struct {
	SessionID string         `json:"session_id"`
	Config    map[string]any `json:"config"`
}

// handleCreateSession mints a session id of the form s-<unix>-<4 hex>. The
// document itself is created lazily when the WebSocket connects.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	resp := sessionCreateResponse{
		SessionID: newSessionID(),
		Config: map[string]any{
			"metrics":                 s.cfg.Analysis.Metrics,
			"idle_timeout_seconds":    int(s.cfg.Session.IdleTimeout / time.Second),
			"market_update_seconds":   int(s.cfg.Market.UpdateInterval / time.Second),
			"analysis_delay_seconds":  []float64{s.cfg.Analysis.DelayMin.Seconds(), s.cfg.Analysis.DelayMax.Seconds()},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode session response failed", "error", err)
	}
}

// handleGetSession returns the current session document, refreshing its TTL.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if err := portfolio.ValidateSessionID(sessionID); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	doc, err := s.repo.Read(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("read session failed", "session", sessionID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.logger.Error("encode session document failed", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func newSessionID() string {
	var b [2]byte
	rand.Read(b[:])
	return fmt.Sprintf("s-%d-%s", time.Now().Unix(), hex.EncodeToString(b[:]))
}

// handleWebSocket upgrades the connection, ensures the session document
// exists, and hands the connection to a session controller for the rest of
// its life.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	wc := newWSConn(conn)

	if _, err := s.repo.EnsureSession(r.Context(), sessionID); err != nil {
		s.logger.Error("ensure session failed", "session", sessionID, "error", err)
		_ = wc.WriteJSON(types.NewErrorMessage("session unavailable"))
		_ = wc.Close()
		return
	}

	ctrl := session.NewController(
		sessionID, wc, s.starter, s.registry,
		s.cfg.Session.IdleTimeout, s.obs, s.logger,
	)

	// A reconnect for the same id replaces the old controller; close the
	// replaced one so its run is cancelled before the new one can start work.
	if prev := s.registry.Add(ctrl); prev != nil {
		prev.Close()
		<-prev.Done()
	}

	s.obs.SessionsOpened.Inc()
	s.obs.SessionsActive.Inc()
	s.logger.Info("client connected", "session", sessionID)

	ctrl.Serve()
	s.obs.SessionsActive.Dec()
}
