package push

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carebridge-backend/internal/middleware"
	"carebridge-backend/pkg/logger"
	"carebridge-backend/pkg/push"
	"carebridge-backend/pkg/response"
)

// Handler exposes device token management so clients can receive
// incoming-call pushes while backgrounded.
type Handler struct {
	pushService *push.Service
}

func NewHandler(pushService *push.Service) *Handler {
	return &Handler{pushService: pushService}
}

type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns web"`
	DeviceID string         `json:"device_id"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// RegisterToken stores a push token for the authenticated user.
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	now := time.Now().Unix()
	token := &push.Token{
		UserID:    principal.ID,
		Token:     req.Token,
		Type:      req.Type,
		DeviceID:  req.DeviceID,
		Platform:  req.Platform,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.pushService.RegisterToken(c.Request.Context(), token); err != nil {
		logger.Error("Failed to register push token",
			zap.String("user_id", principal.ID.String()),
			zap.Error(err))
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to register token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"token_id": token.ID})
}

type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// UnregisterToken removes one push token owned by the authenticated user.
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	err := h.pushService.UnregisterTokenValue(c.Request.Context(), principal.ID, req.Token)
	if errors.Is(err, push.ErrTokenNotFound) {
		response.Error(c, http.StatusNotFound, "NOT_FOUND", "Token not found")
		return
	}
	if err != nil {
		logger.Error("Failed to unregister push token",
			zap.String("user_id", principal.ID.String()),
			zap.Error(err))
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to unregister token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Token unregistered"})
}

// UnregisterAllTokens removes every push token for the authenticated
// user, typically on logout.
// DELETE /v1/push/tokens/all
func (h *Handler) UnregisterAllTokens(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	if err := h.pushService.UnregisterAllTokens(c.Request.Context(), principal.ID); err != nil {
		logger.Error("Failed to unregister all push tokens",
			zap.String("user_id", principal.ID.String()),
			zap.Error(err))
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to unregister tokens")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "All tokens unregistered"})
}

// GetTokens lists the authenticated user's registered push tokens.
// GET /v1/push/tokens
func (h *Handler) GetTokens(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	tokens, err := h.pushService.GetTokensByUserID(c.Request.Context(), principal.ID)
	if err != nil {
		logger.Error("Failed to get push tokens",
			zap.String("user_id", principal.ID.String()),
			zap.Error(err))
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get tokens")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"tokens": tokens,
		"count":  len(tokens),
	})
}
