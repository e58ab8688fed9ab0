package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// debugSession is a redacted view of a registry.Session: no transport
// id (it'd let a reader correlate a session back to a specific socket)
// and no raw profile/preference payloads, only what's useful to
// diagnose matching and moderation behavior.
type debugSession struct {
	UserID         string    `json:"user_id"`
	InRoom         bool      `json:"in_room"`
	TrustScore     float64   `json:"trust_score"`
	ViolationCount int       `json:"violation_count"`
	Banned         bool      `json:"banned"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
}

type debugRoom struct {
	RoomID          string  `json:"room_id"`
	Duration        string  `json:"duration"`
	MessageCount    int     `json:"message_count"`
	EndReason       string  `json:"end_reason"`
	EngagementScore float64 `json:"engagement_score"`
}

type debugResponse struct {
	QueueSize   int            `json:"queue_size"`
	Sessions    []debugSession `json:"sessions"`
	RoomHistory []debugRoom    `json:"room_history"`
}

// Debug exposes the live queue and session table, redacted, plus the
// closed-room history ring. Only registered when the process is not
// running in production.
func (h *Handler) Debug(c *gin.Context) {
	stats := h.core.Stats()
	sessions := h.core.Sessions()

	out := debugResponse{
		QueueSize: stats.QueueSize,
		Sessions:  make([]debugSession, 0, len(sessions)),
	}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, debugSession{
			UserID:         string(s.UserID),
			InRoom:         s.CurrentRoomID != "",
			TrustScore:     s.TrustScore,
			ViolationCount: s.ViolationCount,
			Banned:         s.Banned,
			ConnectedAt:    s.ConnectedAt,
			LastActiveAt:   s.LastActiveAt,
		})
	}

	for _, summary := range h.core.RoomHistory() {
		out.RoomHistory = append(out.RoomHistory, debugRoom{
			RoomID:          string(summary.RoomID),
			Duration:        summary.Duration.String(),
			MessageCount:    summary.MessageCount,
			EndReason:       string(summary.EndReason),
			EngagementScore: summary.EngagementScore,
		})
	}

	c.JSON(http.StatusOK, out)
}
