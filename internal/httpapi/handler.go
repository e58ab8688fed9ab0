// Package httpapi exposes the relay's admin HTTP surface: health,
// stats, client-safe config, and (outside production) a debug view of
// the live queue and session table. It never touches dispatcher state
// directly — every handler reads through Core's exported accessors, so
// the admin surface can never race with the event loop.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strangerrelay/relaycore/internal/config"
	"github.com/strangerrelay/relaycore/internal/dispatcher"
)

// Version is stamped at build time via -ldflags; "dev" otherwise.
var Version = "dev"

// Handler serves the admin HTTP surface.
type Handler struct {
	core      *dispatcher.Core
	cfg       *config.Config
	startedAt time.Time
}

// NewHandler builds a Handler bound to core and cfg.
func NewHandler(core *dispatcher.Core, cfg *config.Config) *Handler {
	return &Handler{core: core, cfg: cfg, startedAt: time.Now()}
}

// Register mounts every admin route onto router. /debug is only
// registered when cfg.Env is not "production".
func (h *Handler) Register(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/stats", h.Stats)
	router.GET("/config", h.ClientConfig)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if h.cfg.Env != "production" {
		router.GET("/debug", h.Debug)
	}
}

// healthResponse is GET /health's body.
type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	OnlineUsers   int     `json:"online_users"`
	ActiveRooms   int     `json:"active_rooms"`
	Version       string  `json:"version"`
	Environment   string  `json:"environment"`
}

// Health reports liveness and the headline counters a load balancer or
// uptime monitor wants at a glance.
func (h *Handler) Health(c *gin.Context) {
	stats := h.core.Stats()
	c.JSON(http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: stats.UptimeSeconds,
		OnlineUsers:   stats.OnlineUsers,
		ActiveRooms:   stats.ActiveRooms,
		Version:       Version,
		Environment:   h.cfg.Env,
	})
}

// statsResponse is GET /stats's body.
type statsResponse struct {
	OnlineUsers       int     `json:"online_users"`
	ActiveRooms       int     `json:"active_rooms"`
	TotalConnections  int64   `json:"total_connections"`
	AverageWaitTimeMs float64 `json:"average_wait_time_ms"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// Stats reports the relay's running operational counters.
func (h *Handler) Stats(c *gin.Context) {
	s := h.core.Stats()
	c.JSON(http.StatusOK, statsResponse{
		OnlineUsers:       s.OnlineUsers,
		ActiveRooms:       s.ActiveRooms,
		TotalConnections:  s.TotalConnections,
		AverageWaitTimeMs: s.AverageWaitMs,
		UptimeSeconds:     s.UptimeSeconds,
	})
}

// clientConfigResponse is GET /config's body: only the fields a client
// needs to bootstrap a connection, never secrets or internal tunables.
type clientConfigResponse struct {
	MaxMessageLength int      `json:"max_message_length"`
	StunServers      []string `json:"stun_servers"`
	TurnServers      []string `json:"turn_servers"`
	ChatTypeOptions  []string `json:"chat_type_options"`
}

// ClientConfig reports the subset of configuration clients need and are
// allowed to see.
func (h *Handler) ClientConfig(c *gin.Context) {
	c.JSON(http.StatusOK, clientConfigResponse{
		MaxMessageLength: h.cfg.MaxMessageLength,
		StunServers:      h.cfg.StunServers,
		TurnServers:      h.cfg.TurnServers,
		ChatTypeOptions:  []string{"text", "video"},
	})
}
