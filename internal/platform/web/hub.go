package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dontdude/receiptflow/internal/domain"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Hub tracks WebSocket connections waiting on analysis results, keyed by task id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]struct{}
	logger  *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]map[*websocket.Conn]struct{}), logger: logger}
}

// Register adds conn as a listener for taskID and returns the function that removes it.
func (h *Hub) Register(taskID string, conn *websocket.Conn) func() {
	h.mu.Lock()
	if h.clients[taskID] == nil {
		h.clients[taskID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[taskID][conn] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.clients[taskID], conn)
		if len(h.clients[taskID]) == 0 {
			delete(h.clients, taskID)
		}
		h.mu.Unlock()
	}
}

// Listeners returns the number of connections registered for taskID.
func (h *Hub) Listeners(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[taskID])
}

// Forward writes every result from results to the connections registered for its task.
// It returns when results is closed or ctx is cancelled.
func (h *Hub) Forward(ctx context.Context, results <-chan domain.AnalysisResult) {
	h.logger.Info("Starting result broadcaster")
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-results:
			if !ok {
				return
			}
			h.send(result)
		}
	}
}

// send is only called from Forward, so each connection has a single writer.
func (h *Hub) send(result domain.AnalysisResult) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[result.TaskID]))
	for conn := range h.clients[result.TaskID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(result); err != nil {
			h.logger.Error("Failed to write to websocket", "taskID", result.TaskID, "error", err)
			conn.Close()
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the connection and keeps it registered until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	h.logger.Info("Client connected via WebSocket", "taskID", taskID, "remoteAddr", conn.RemoteAddr())
	unregister := h.Register(taskID, conn)
	defer func() {
		unregister()
		conn.Close()
		h.logger.Info("Client disconnected", "taskID", taskID)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
