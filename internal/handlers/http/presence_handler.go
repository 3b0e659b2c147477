package http

import (
	"net/http"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
	"voxrelay/internal/infrastructure/middleware"
	apperrors "voxrelay/pkg/errors"
	"voxrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

// PresenceHandler exposes read-only presence queries for the web client.
// All mutations go through the signaling connection.
type PresenceHandler struct {
	presence ports.PresenceService
}

func NewPresenceHandler(presence ports.PresenceService) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// SetupRoutes mounts the handlers under /api/v1 behind the given
// middleware, normally authentication and rate limiting.
func (h *PresenceHandler) SetupRoutes(router gin.IRouter, middlewares ...gin.HandlerFunc) {
	api := router.Group("/api/v1", middlewares...)
	{
		api.GET("/channels/:id/voice-states", h.GetChannelVoiceStates)
		api.GET("/channels/:id/connections", h.GetChannelConnections)
		api.GET("/users/me/voice-state", h.GetMyVoiceState)
	}
}

func (h *PresenceHandler) GetChannelVoiceStates(c *gin.Context) {
	channelID, ok := channelParam(c)
	if !ok {
		return
	}

	states, err := h.presence.GetChannelVoiceStates(c.Request.Context(), channelID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"channelId":   channelID,
		"voiceStates": states,
		"count":       len(states),
	})
}

func (h *PresenceHandler) GetChannelConnections(c *gin.Context) {
	channelID, ok := channelParam(c)
	if !ok {
		return
	}

	conns, err := h.presence.GetChannelConnections(c.Request.Context(), channelID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	// Relay credentials are handed to the owning client only.
	public := make([]domain.VoiceConnection, len(conns))
	for i, conn := range conns {
		public[i] = *conn
		public[i].ICEServers = nil
	}

	c.JSON(http.StatusOK, gin.H{
		"channelId":   channelID,
		"connections": public,
		"count":       len(public),
	})
}

func (h *PresenceHandler) GetMyVoiceState(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(apperrors.NewUnauthorizedError("authentication required"))
		return
	}

	state, err := h.presence.GetUserVoiceState(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"voiceState": state})
}

func channelParam(c *gin.Context) (domain.ChannelID, bool) {
	id := c.Param("id")
	if err := validation.ValidateChannelID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.ChannelID(id), true
}
