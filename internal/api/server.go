package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"market-stream-service/internal/alert"
	"market-stream-service/internal/bridge"
	"market-stream-service/internal/connection"
	"market-stream-service/internal/market"
)

// Server exposes the WebSocket endpoint and the operational HTTP API
type Server struct {
	manager  *connection.Manager
	bridge   *bridge.Bridge
	engine   *alert.Engine
	snapshot *market.Snapshot
	started  time.Time
}

// NewServer creates the HTTP API surface around the streaming components
func NewServer(manager *connection.Manager, br *bridge.Bridge, engine *alert.Engine, snapshot *market.Snapshot) *Server {
	return &Server{
		manager:  manager,
		bridge:   br,
		engine:   engine,
		snapshot: snapshot,
		started:  time.Now(),
	}
}

// Routes registers all handlers on a new mux
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.manager.HandleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/connections", s.handleConnections)
	mux.HandleFunc("/api/publish", s.handlePublish)
	return mux
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.bridge.Connected() {
		status = "degraded"
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":             status,
		"service":            "market-stream-service",
		"redis_connected":    s.bridge.Connected(),
		"active_connections": s.manager.Count(),
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"timestamp":          time.Now().UnixMilli(),
	})
}

// handleStats handles GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"connections": s.manager.Stats(),
		"bridge":      s.bridge.Stats(),
		"alerts":      s.engine.Stats(),
		"market": map[string]interface{}{
			"tracked_quotes": s.snapshot.Len(),
			"last_update":    s.snapshot.UpdatedAt().UnixMilli(),
		},
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleConnections handles GET /api/connections
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.manager.ConnectionList()
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"count":       len(conns),
		"connections": conns,
		"timestamp":   time.Now().UnixMilli(),
	})
}

// handlePublish handles POST /api/publish, the internal ingest endpoint
// used by upstream feed processes to push quotes onto the bus.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var quote market.Quote
	if err := json.NewDecoder(r.Body).Decode(&quote); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid quote payload")
		return
	}
	if quote.StockCode == "" {
		s.sendError(w, http.StatusBadRequest, "stock_code is required")
		return
	}
	if quote.Timestamp == 0 {
		quote.Timestamp = time.Now().UnixMilli()
	}

	if err := s.bridge.PublishPrice(quote); err != nil {
		log.Printf("⚠️ Publish failed for %s: %v", quote.StockCode, err)
		s.sendError(w, http.StatusInternalServerError, "publish failed")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"stock_code": quote.StockCode,
		"timestamp":  time.Now().UnixMilli(),
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("⚠️ Failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
