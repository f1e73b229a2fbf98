package call

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"carebridge-backend/internal/domain"
	"carebridge-backend/internal/middleware"
	callService "carebridge-backend/internal/service/call"
	apperrors "carebridge-backend/pkg/errors"
	"carebridge-backend/pkg/response"
)

// Handler handles call HTTP requests
type Handler struct {
	callService *callService.Service
}

// NewHandler creates a new call handler
func NewHandler(svc *callService.Service) *Handler {
	return &Handler{callService: svc}
}

// InviteRequest represents a call invitation request
type InviteRequest struct {
	ConversationID string `json:"conversation_id" binding:"required,uuid"`
	CallType       string `json:"call_type" binding:"required,oneof=audio video"`
	Message        string `json:"message" binding:"max=500"`
}

// Invite starts a call toward the conversation peer
// POST /v1/calls/invite
func (h *Handler) Invite(c *gin.Context) {
	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	output, err := h.callService.Invite(c.Request.Context(), principal, &callService.InviteInput{
		ConversationID: conversationID,
		CallType:       domain.CallType(req.CallType),
		Message:        req.Message,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if output.Rejoined {
		status = http.StatusOK
	}
	response.Success(c, status, output)
}

// RespondRequest carries the accept/decline decision
type RespondRequest struct {
	Accept bool `json:"accept"`
}

// Respond accepts or declines an invitation
// POST /v1/calls/invitations/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	invitationID, principal, ok := h.idAndPrincipal(c)
	if !ok {
		return
	}

	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	inv, session, err := h.callService.Respond(c.Request.Context(), principal, invitationID, req.Accept)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"invitation": inv,
		"session":    session,
	})
}

// Cancel withdraws a pending invitation
// POST /v1/calls/invitations/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	invitationID, principal, ok := h.idAndPrincipal(c)
	if !ok {
		return
	}

	if err := h.callService.Cancel(c.Request.Context(), principal, invitationID); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message":       "Invitation cancelled",
		"invitation_id": invitationID,
	})
}

// Resend reissues an invitation whose signal may have been lost
// POST /v1/calls/invitations/:id/resend
func (h *Handler) Resend(c *gin.Context) {
	invitationID, principal, ok := h.idAndPrincipal(c)
	if !ok {
		return
	}

	output, err := h.callService.Resend(c.Request.Context(), principal, invitationID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, output)
}

// AcknowledgeRing reports the callee device is presenting the call
// POST /v1/calls/sessions/:id/ring
func (h *Handler) AcknowledgeRing(c *gin.Context) {
	sessionID, principal, ok := h.idAndPrincipal(c)
	if !ok {
		return
	}

	if err := h.callService.AcknowledgeRing(c.Request.Context(), principal, sessionID); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session_id": sessionID})
}

// MarkConnected reports media is flowing
// POST /v1/calls/sessions/:id/connected
func (h *Handler) MarkConnected(c *gin.Context) {
	sessionID, principal, ok := h.idAndPrincipal(c)
	if !ok {
		return
	}

	session, err := h.callService.MarkConnected(c.Request.Context(), principal, sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// HangupRequest optionally names why the call ended
type HangupRequest struct {
	Reason string `json:"reason" binding:"max=100"`
}

// Hangup ends a call from either side
// POST /v1/calls/sessions/:id/hangup
func (h *Handler) Hangup(c *gin.Context) {
	sessionID, principal, ok := h.idAndPrincipal(c)
	if !ok {
		return
	}

	var req HangupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	if err := h.callService.Hangup(c.Request.Context(), principal, sessionID, req.Reason); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message":    "Call ended",
		"session_id": sessionID,
	})
}

// ActionRequest carries an in-call action
type ActionRequest struct {
	Action string `json:"action" binding:"required"`
}

// RecordAction logs an in-call action and relays it to the peer
// POST /v1/calls/sessions/:id/actions
func (h *Handler) RecordAction(c *gin.Context) {
	sessionID, principal, ok := h.idAndPrincipal(c)
	if !ok {
		return
	}

	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.callService.RecordAction(c.Request.Context(), principal, sessionID, req.Action); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session_id": sessionID,
		"action":     req.Action,
	})
}

// GetSessionEvents returns the in-call action log
// GET /v1/calls/sessions/:id/events
func (h *Handler) GetSessionEvents(c *gin.Context) {
	sessionID, principal, ok := h.idAndPrincipal(c)
	if !ok {
		return
	}

	events, err := h.callService.GetSessionEvents(c.Request.Context(), principal, sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"events": events})
}

// ListInvitations returns the user's open invitations, newest first
// GET /v1/calls/invitations?conversation_id=&limit=
func (h *Handler) ListInvitations(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var conversationID *uuid.UUID
	if raw := c.Query("conversation_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.ValidationError(c, "Invalid conversation_id")
			return
		}
		conversationID = &id
	}

	limit := intQuery(c, "limit", 20)

	invitations, err := h.callService.PendingInvitations(c.Request.Context(), principal, conversationID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"invitations": invitations})
}

// GetStatus returns aggregated call state for one conversation
// GET /v1/calls/status?conversation_id=
func (h *Handler) GetStatus(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	conversationID, err := uuid.Parse(c.Query("conversation_id"))
	if err != nil {
		response.ValidationError(c, "conversation_id query parameter required")
		return
	}

	status, err := h.callService.GetStatus(c.Request.Context(), principal, conversationID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, status)
}

// GetHistory returns the user's past sessions, newest first
// GET /v1/calls/history?conversation_id=&limit=&offset=
func (h *Handler) GetHistory(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var conversationID *uuid.UUID
	if raw := c.Query("conversation_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.ValidationError(c, "Invalid conversation_id")
			return
		}
		conversationID = &id
	}

	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)

	sessions, err := h.callService.History(c.Request.Context(), principal, conversationID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"sessions": sessions,
		"limit":    limit,
		"offset":   offset,
	})
}

// idAndPrincipal parses the :id path parameter and loads the principal.
// Writes the error response itself when either fails.
func (h *Handler) idAndPrincipal(c *gin.Context) (uuid.UUID, domain.Principal, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid ID")
		return uuid.Nil, domain.Principal{}, false
	}

	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, domain.Principal{}, false
	}

	return id, principal, true
}

// respondError maps service errors onto the response envelope
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		response.Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
		return
	}
	response.InternalError(c, "Internal server error")
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
