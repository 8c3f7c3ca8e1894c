package web

import (
	"encoding/json"
	"net/http"
	"time"

	"liuproxy_edge/internal/core/arena"
	"liuproxy_edge/internal/core/registry"
	"liuproxy_edge/internal/shared/logger"
	"liuproxy_edge/internal/shared/types"
)

// StatusProvider defines what the admin handler reads from the edge server.
// This decouples the web package from the server package.
type StatusProvider interface {
	Sessions() []registry.Entry
	ArenaStats() arena.Stats
	Endpoints() []types.EndpointHealth
	Stages() []string
	Closing() bool
}

type Handler struct {
	controller StatusProvider
	started    time.Time
}

func NewHandler(controller StatusProvider) *Handler {
	return &Handler{controller: controller, started: time.Now()}
}

// Register 把管理接口挂到 mux 上；metrics 为 nil 时不暴露 /metrics。
func (h *Handler) Register(mux *http.ServeMux, metrics http.Handler) {
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/api/status", h.HandleStatus)
}

// HandleHealthz 在服务关闭过程中返回 503
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.controller.Closing() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type StatusResponse struct {
		UptimeSeconds int64                  `json:"uptime_seconds"`
		Stages        []string               `json:"stages"`
		ActiveCount   int                    `json:"active_count"`
		Sessions      []registry.Entry       `json:"sessions"`
		Arena         arena.Stats            `json:"arena"`
		Endpoints     []types.EndpointHealth `json:"endpoints"`
	}

	sessions := h.controller.Sessions()
	response := StatusResponse{
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Stages:        h.controller.Stages(),
		ActiveCount:   len(sessions),
		Sessions:      sessions,
		Arena:         h.controller.ArenaStats(),
		Endpoints:     h.controller.Endpoints(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Warn().Err(err).Msg("[Handler] Failed to encode status response")
	}
}
