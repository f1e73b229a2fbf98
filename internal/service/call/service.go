package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carebridge-backend/internal/domain"
	"carebridge-backend/internal/relay"
	"carebridge-backend/internal/repository/cockroach"
	apperrors "carebridge-backend/pkg/errors"
	"carebridge-backend/pkg/logger"
	"carebridge-backend/pkg/metrics"
	"carebridge-backend/pkg/push"
)

// InvitationTTL is how long a callee has to answer before the
// invitation expires and the session is recorded as missed.
const InvitationTTL = 5 * time.Minute

// RingAckTimeout is how long a session may sit unacknowledged before
// the callee's device is treated as unreachable. Distinct from
// InvitationTTL: an acknowledged session keeps ringing until the
// invitation expires.
const RingAckTimeout = 45 * time.Second

// NegotiationTimeout is how long an accepted call may sit short of
// connected before it is written off as failed. Without it a client
// crash between accept and media flow strands the session and blocks
// the conversation's one-active-call slot forever.
const NegotiationTimeout = 2 * time.Minute

// InvitationStore persists call invitations
type InvitationStore interface {
	Create(ctx context.Context, inv *domain.CallInvitation) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.CallInvitation, error)
	PendingFor(ctx context.Context, conversationID, callerID, calleeID uuid.UUID) (*domain.CallInvitation, error)
	MarkResponded(ctx context.Context, id uuid.UUID, status domain.InvitationStatus, respondedAt time.Time) (bool, error)
	ExpireOverdue(ctx context.Context, now time.Time) ([]*domain.CallInvitation, error)
	ListForUser(ctx context.Context, userID uuid.UUID, conversationID *uuid.UUID, status *domain.InvitationStatus, limit int) ([]*domain.CallInvitation, error)
}

// SessionStore persists call sessions and their event logs
type SessionStore interface {
	Create(ctx context.Context, s *domain.CallSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.CallSession, error)
	GetByInvitationID(ctx context.Context, invitationID uuid.UUID) (*domain.CallSession, error)
	ActiveForConversation(ctx context.Context, conversationID uuid.UUID) (*domain.CallSession, error)
	ActiveForUser(ctx context.Context, userID uuid.UUID) (*domain.CallSession, error)
	MarkRinging(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkConnected(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkTerminal(ctx context.Context, id uuid.UUID, status domain.SessionStatus, reason string, at time.Time) (bool, error)
	UnacknowledgedBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error)
	StalledBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error)
	ListHistory(ctx context.Context, userID uuid.UUID, conversationID *uuid.UUID, limit, offset int) ([]*domain.CallSession, error)
	AddEvent(ctx context.Context, ev *domain.SessionEvent) error
	ListEvents(ctx context.Context, sessionID uuid.UUID) ([]*domain.SessionEvent, error)
}

// ConversationStore resolves conversation membership
type ConversationStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
}

// Presence reports whether a user currently holds a live connection
type Presence interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Notifier delivers out-of-band call notifications to devices that are
// not holding a relay subscription.
type Notifier interface {
	SendCallNotification(ctx context.Context, data *push.CallNotificationData, calleeIDs []uuid.UUID) error
	SendMissedCallNotification(ctx context.Context, callID, conversationID, callerID uuid.UUID, callerName string, calleeIDs []uuid.UUID) error
}

// Service orchestrates the call invitation and session lifecycle
type Service struct {
	invitations   InvitationStore
	sessions      SessionStore
	conversations ConversationStore
	rel           relay.Relay
	presence      Presence
	notifier      Notifier
	metrics       *metrics.Metrics

	now func() time.Time
}

// NewService creates a new call service. presence and notifier may be
// nil for deployments without Redis presence or push delivery.
func NewService(invitations InvitationStore, sessions SessionStore, conversations ConversationStore, rel relay.Relay, presence Presence, notifier Notifier) *Service {
	return &Service{
		invitations:   invitations,
		sessions:      sessions,
		conversations: conversations,
		rel:           rel,
		presence:      presence,
		notifier:      notifier,
		now:           time.Now,
	}
}

// WithMetrics attaches a metrics registry. Without one the service
// simply skips instrumentation.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// InviteInput contains call invitation data
type InviteInput struct {
	ConversationID uuid.UUID
	CallType       domain.CallType
	Message        string
}

// InviteOutput pairs the created invitation with its session
type InviteOutput struct {
	Invitation *domain.CallInvitation `json:"invitation"`
	Session    *domain.CallSession    `json:"session"`
	Rejoined   bool                   `json:"rejoined"`
}

// Invite starts a call toward the other member of the conversation.
// Re-invoking while a pending invitation is outstanding returns that
// invitation instead of creating a second one.
func (s *Service) Invite(ctx context.Context, caller domain.Principal, input *InviteInput) (*InviteOutput, error) {
	if !input.CallType.Valid() {
		return nil, apperrors.InvalidInputError("call_type must be audio or video")
	}

	conv, callee, err := s.resolvePeer(ctx, input.ConversationID, caller.ID)
	if err != nil {
		return nil, err
	}

	// One active call per conversation
	if active, err := s.sessions.ActiveForConversation(ctx, input.ConversationID); err == nil && active != nil {
		if active.CallerID == caller.ID || active.CalleeID == caller.ID {
			if existing, err := s.invitations.PendingFor(ctx, input.ConversationID, caller.ID, callee); err == nil {
				return &InviteOutput{Invitation: existing, Session: active, Rejoined: true}, nil
			}
		}
		return nil, apperrors.CallInProgressError()
	} else if err != nil && !errors.Is(err, cockroach.ErrNotFound) {
		return nil, fmt.Errorf("failed to check active session: %w", err)
	}

	// A caller already on a call in another conversation is busy too
	if active, err := s.sessions.ActiveForUser(ctx, caller.ID); err == nil && active != nil {
		return nil, apperrors.CallInProgressError()
	} else if err != nil && !errors.Is(err, cockroach.ErrNotFound) {
		return nil, fmt.Errorf("failed to check caller's active session: %w", err)
	}

	now := s.now()
	inv := &domain.CallInvitation{
		ID:             uuid.New(),
		ConversationID: input.ConversationID,
		CallerID:       caller.ID,
		CalleeID:       callee,
		CallerName:     caller.DisplayName,
		CallerRole:     string(caller.Role),
		CallType:       input.CallType,
		Message:        input.Message,
		Status:         domain.InvitationPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(InvitationTTL),
	}

	if err := s.invitations.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to create invitation: %w", err)
	}

	session := &domain.CallSession{
		ID:             uuid.New(),
		InvitationID:   inv.ID,
		ConversationID: input.ConversationID,
		CallerID:       caller.ID,
		CalleeID:       callee,
		CallType:       input.CallType,
		Status:         domain.SessionInitiated,
		CreatedAt:      now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.publishInvitation(ctx, inv, session, conv)
	s.notifyCallee(ctx, inv, session)

	if s.metrics != nil {
		s.metrics.RecordInvitation(string(inv.CallType), "sent")
		s.metrics.RecordCall(string(inv.CallType), "initiated")
	}

	return &InviteOutput{Invitation: inv, Session: session}, nil
}

// Respond accepts or declines a pending invitation. Only the callee may
// respond, and only while the invitation is pending and unexpired.
func (s *Service) Respond(ctx context.Context, user domain.Principal, invitationID uuid.UUID, accept bool) (*domain.CallInvitation, *domain.CallSession, error) {
	inv, err := s.invitations.GetByID(ctx, invitationID)
	if err != nil {
		if errors.Is(err, cockroach.ErrNotFound) {
			return nil, nil, apperrors.InvitationNotFoundError()
		}
		return nil, nil, fmt.Errorf("failed to load invitation: %w", err)
	}

	if inv.CalleeID != user.ID {
		return nil, nil, apperrors.ForbiddenError("Only the invited party can respond to this call")
	}

	now := s.now()
	if inv.Overdue(now) {
		// Lazily expire so a late tap gets a truthful answer instead
		// of a race with the sweeper.
		s.expireOne(ctx, inv, now)
		return nil, nil, apperrors.InvitationClosedError(string(domain.InvitationExpired))
	}

	status := domain.InvitationDeclined
	if accept {
		status = domain.InvitationAccepted
	}

	if !inv.Status.CanTransitionTo(status) {
		return nil, nil, apperrors.InvitationClosedError(string(inv.Status))
	}

	ok, err := s.invitations.MarkResponded(ctx, invitationID, status, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to respond to invitation: %w", err)
	}
	if !ok {
		// Lost the race against cancel, expiry, or an earlier tap
		current, err := s.invitations.GetByID(ctx, invitationID)
		if err != nil {
			return nil, nil, apperrors.InvitationClosedError("closed")
		}
		return nil, nil, apperrors.InvitationClosedError(string(current.Status))
	}

	inv.Status = status
	inv.RespondedAt = &now

	session, err := s.sessions.GetByInvitationID(ctx, invitationID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}

	if !accept {
		if _, err := s.sessions.MarkTerminal(ctx, session.ID, domain.SessionDeclined, "declined", now); err != nil {
			logger.Error("Failed to mark session declined",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
		} else {
			session.Status = domain.SessionDeclined
			session.EndedAt = &now
		}
	}

	s.publishResponse(ctx, inv, session, accept)

	if s.metrics != nil {
		s.metrics.RecordInvitation(string(inv.CallType), string(status))
	}

	return inv, session, nil
}

// Cancel withdraws a pending invitation. Only the caller may cancel.
func (s *Service) Cancel(ctx context.Context, user domain.Principal, invitationID uuid.UUID) error {
	inv, err := s.invitations.GetByID(ctx, invitationID)
	if err != nil {
		if errors.Is(err, cockroach.ErrNotFound) {
			return apperrors.InvitationNotFoundError()
		}
		return fmt.Errorf("failed to load invitation: %w", err)
	}

	if inv.CallerID != user.ID {
		return apperrors.ForbiddenError("Only the caller can cancel this invitation")
	}

	if !inv.Status.CanTransitionTo(domain.InvitationCancelled) {
		return apperrors.InvitationClosedError(string(inv.Status))
	}

	now := s.now()
	ok, err := s.invitations.MarkResponded(ctx, invitationID, domain.InvitationCancelled, now)
	if err != nil {
		return fmt.Errorf("failed to cancel invitation: %w", err)
	}
	if !ok {
		current, err := s.invitations.GetByID(ctx, invitationID)
		if err != nil {
			return apperrors.InvitationClosedError("closed")
		}
		return apperrors.InvitationClosedError(string(current.Status))
	}

	if session, err := s.sessions.GetByInvitationID(ctx, invitationID); err == nil {
		if _, err := s.sessions.MarkTerminal(ctx, session.ID, domain.SessionMissed, "cancelled", now); err != nil {
			logger.Error("Failed to mark session missed after cancel",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
		}
	}

	s.publishCancel(ctx, inv, "cancelled")

	if s.metrics != nil {
		s.metrics.RecordInvitation(string(inv.CallType), "cancelled")
	}

	return nil
}

// Resend withdraws a pending invitation and issues a fresh one toward
// the same callee, linked to the original via SupersedesID. Used when
// the caller suspects the first signal never arrived.
func (s *Service) Resend(ctx context.Context, user domain.Principal, invitationID uuid.UUID) (*InviteOutput, error) {
	old, err := s.invitations.GetByID(ctx, invitationID)
	if err != nil {
		if errors.Is(err, cockroach.ErrNotFound) {
			return nil, apperrors.InvitationNotFoundError()
		}
		return nil, fmt.Errorf("failed to load invitation: %w", err)
	}

	if old.CallerID != user.ID {
		return nil, apperrors.ForbiddenError("Only the caller can resend this invitation")
	}

	now := s.now()

	// Close the old invitation and its session if still open. A resend
	// against an already-terminal invitation is allowed: the point is a
	// fresh signal, not a state transition on the old row.
	if ok, err := s.invitations.MarkResponded(ctx, invitationID, domain.InvitationCancelled, now); err != nil {
		return nil, fmt.Errorf("failed to close invitation before resend: %w", err)
	} else if ok {
		if session, err := s.sessions.GetByInvitationID(ctx, invitationID); err == nil {
			if _, err := s.sessions.MarkTerminal(ctx, session.ID, domain.SessionMissed, "superseded", now); err != nil {
				logger.Error("Failed to close session before resend",
					zap.String("session_id", session.ID.String()),
					zap.Error(err))
			}
		}
	}

	conv, err := s.conversations.GetByID(ctx, old.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	inv := &domain.CallInvitation{
		ID:             uuid.New(),
		ConversationID: old.ConversationID,
		CallerID:       old.CallerID,
		CalleeID:       old.CalleeID,
		CallerName:     old.CallerName,
		CallerRole:     old.CallerRole,
		CallType:       old.CallType,
		Message:        old.Message,
		Status:         domain.InvitationPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(InvitationTTL),
		SupersedesID:   &old.ID,
	}

	if err := s.invitations.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to create invitation: %w", err)
	}

	session := &domain.CallSession{
		ID:             uuid.New(),
		InvitationID:   inv.ID,
		ConversationID: inv.ConversationID,
		CallerID:       inv.CallerID,
		CalleeID:       inv.CalleeID,
		CallType:       inv.CallType,
		Status:         domain.SessionInitiated,
		CreatedAt:      now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.publishInvitation(ctx, inv, session, conv)
	s.notifyCallee(ctx, inv, session)

	if s.metrics != nil {
		s.metrics.RecordInvitation(string(inv.CallType), "resent")
	}

	return &InviteOutput{Invitation: inv, Session: session}, nil
}

// AcknowledgeRing records that the callee's device is presenting the
// incoming call. The caller's UI flips from "calling" to "ringing".
func (s *Service) AcknowledgeRing(ctx context.Context, user domain.Principal, sessionID uuid.UUID) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, cockroach.ErrNotFound) {
			return apperrors.CallNotFoundError()
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	if session.CalleeID != user.ID {
		return apperrors.ForbiddenError("Only the callee can acknowledge ringing")
	}

	if !session.Status.CanTransitionTo(domain.SessionRinging) {
		// Already past initiated, nothing to report
		return nil
	}

	now := s.now()
	ok, err := s.sessions.MarkRinging(ctx, sessionID, now)
	if err != nil {
		return fmt.Errorf("failed to mark session ringing: %w", err)
	}
	if !ok {
		// Lost the race against a concurrent transition
		return nil
	}

	s.publish(ctx, relay.UserTopic(session.CallerID), relay.Envelope{
		Event:          relay.EventResponse,
		SessionID:      &session.ID,
		InvitationID:   &session.InvitationID,
		ConversationID: session.ConversationID,
		FromID:         user.ID,
		ToID:           session.CallerID,
		Kind:           "ringing",
	})

	if s.metrics != nil {
		s.metrics.RecordInvitationRingLatency(now.Sub(session.CreatedAt))
	}

	return nil
}

// MarkConnected records that media started flowing for the session.
// Either participant may report it; the first report wins.
func (s *Service) MarkConnected(ctx context.Context, user domain.Principal, sessionID uuid.UUID) (*domain.CallSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, cockroach.ErrNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if session.CallerID != user.ID && session.CalleeID != user.ID {
		return nil, apperrors.ForbiddenError("Not a participant of this call")
	}

	// Re-reporting an already connected session is a harmless no-op;
	// reporting against a terminal one is an error worth surfacing.
	if session.Status != domain.SessionConnected && !session.Status.CanTransitionTo(domain.SessionConnected) {
		return nil, apperrors.InvitationClosedError(string(session.Status))
	}

	now := s.now()
	ok, err := s.sessions.MarkConnected(ctx, sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to mark session connected: %w", err)
	}
	if ok {
		session.Status = domain.SessionConnected
		session.ConnectedAt = &now
		if s.metrics != nil {
			s.metrics.RecordCall(string(session.CallType), "connected")
		}
	}

	return session, nil
}

// Hangup ends a call from either side. Cleanup does not short-circuit:
// each step runs even when an earlier one failed, so a relay outage
// cannot leave the session row active forever.
func (s *Service) Hangup(ctx context.Context, user domain.Principal, sessionID uuid.UUID, reason string) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, cockroach.ErrNotFound) {
			return apperrors.CallNotFoundError()
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	if session.CallerID != user.ID && session.CalleeID != user.ID {
		return apperrors.ForbiddenError("Not a participant of this call")
	}

	if reason == "" {
		reason = "hangup"
	}

	now := s.now()
	wasConnected := session.Status == domain.SessionConnected
	target := domain.SessionEnded
	if !wasConnected {
		target = domain.SessionMissed
	}

	var errs []error

	// Step 1: close the session row. First terminal write wins.
	ended, err := s.sessions.MarkTerminal(ctx, sessionID, target, reason, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to end session: %w", err))
	}
	if ended && s.metrics != nil {
		s.metrics.RecordCall(string(session.CallType), string(target))
		if wasConnected && session.ConnectedAt != nil {
			s.metrics.RecordCallDuration(string(session.CallType), now.Sub(*session.ConnectedAt))
		}
	}

	// Step 2: close the invitation if it never got a response
	if _, err := s.invitations.MarkResponded(ctx, session.InvitationID, domain.InvitationCancelled, now); err != nil {
		errs = append(errs, fmt.Errorf("failed to close invitation: %w", err))
	}

	// Step 3: tell the peer. Runs even when persistence failed so the
	// far side does not ring into a dead call.
	peer := session.CallerID
	if user.ID == session.CallerID {
		peer = session.CalleeID
	}

	env := relay.Envelope{
		Event:          relay.EventHangup,
		SessionID:      &session.ID,
		InvitationID:   &session.InvitationID,
		ConversationID: session.ConversationID,
		FromID:         user.ID,
		ToID:           peer,
		Kind:           reason,
	}
	if err := s.rel.Publish(ctx, relay.CallTopic(session.ID), relay.EventHangup, env); err != nil {
		errs = append(errs, apperrors.RelayError(err))
	}
	if err := s.rel.Publish(ctx, relay.UserTopic(peer), relay.EventHangup, env); err != nil {
		errs = append(errs, apperrors.RelayError(err))
	}

	// Step 4: missed-call notification when the callee never answered
	if ended && !wasConnected && user.ID == session.CallerID && s.notifier != nil {
		inv, err := s.invitations.GetByID(ctx, session.InvitationID)
		callerName := ""
		if err == nil {
			callerName = inv.CallerName
		}
		if err := s.notifier.SendMissedCallNotification(ctx, session.ID, session.ConversationID, session.CallerID, callerName, []uuid.UUID{session.CalleeID}); err != nil {
			errs = append(errs, fmt.Errorf("failed to send missed call notification: %w", err))
		}
	}

	if len(errs) > 0 {
		logger.Warn("Hangup completed with errors",
			zap.String("session_id", sessionID.String()),
			zap.Int("error_count", len(errs)))
		return errors.Join(errs...)
	}

	return nil
}

// Fail records a terminal failure (ICE failure, media error) against an
// active session and notifies both sides.
func (s *Service) Fail(ctx context.Context, sessionID uuid.UUID, reason string) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, cockroach.ErrNotFound) {
			return apperrors.CallNotFoundError()
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	now := s.now()
	ok, err := s.sessions.MarkTerminal(ctx, sessionID, domain.SessionFailed, reason, now)
	if err != nil {
		return fmt.Errorf("failed to mark session failed: %w", err)
	}
	if !ok {
		return nil
	}

	if s.metrics != nil {
		s.metrics.RecordCallFailure(string(session.CallType), reason)
	}

	if _, err := s.invitations.MarkResponded(ctx, session.InvitationID, domain.InvitationCancelled, now); err != nil {
		logger.Error("Failed to close invitation after session failure",
			zap.String("invitation_id", session.InvitationID.String()),
			zap.Error(err))
	}

	for _, to := range []uuid.UUID{session.CallerID, session.CalleeID} {
		s.publish(ctx, relay.UserTopic(to), relay.Envelope{
			Event:          relay.EventHangup,
			SessionID:      &session.ID,
			InvitationID:   &session.InvitationID,
			ConversationID: session.ConversationID,
			FromID:         uuid.Nil,
			ToID:           to,
			Kind:           "failed:" + reason,
		})
	}

	return nil
}

// ExpireOverdue sweeps pending invitations past their deadline, records
// the sessions as missed, and notifies both parties. Returns how many
// invitations were expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.invitations.ExpireOverdue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire invitations: %w", err)
	}

	for _, inv := range expired {
		s.finishExpired(ctx, inv, now)
	}

	return len(expired), nil
}

// ReapUnacknowledged finds sessions the callee's device never
// acknowledged within RingAckTimeout and records them as missed. An
// unreachable device should not keep the caller waiting the full
// invitation TTL. Returns how many sessions were reaped.
func (s *Service) ReapUnacknowledged(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.sessions.UnacknowledgedBefore(ctx, now.Add(-RingAckTimeout))
	if err != nil {
		return 0, fmt.Errorf("failed to list unacknowledged sessions: %w", err)
	}

	reaped := 0
	for _, session := range stale {
		ok, err := s.sessions.MarkTerminal(ctx, session.ID, domain.SessionMissed, "unreachable", now)
		if err != nil {
			logger.Error("Failed to reap unacknowledged session",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		reaped++

		inv, err := s.invitations.GetByID(ctx, session.InvitationID)
		if err != nil {
			logger.Error("Failed to load invitation for reaped session",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
			continue
		}

		if _, err := s.invitations.MarkResponded(ctx, inv.ID, domain.InvitationExpired, now); err != nil {
			logger.Error("Failed to expire invitation for reaped session",
				zap.String("invitation_id", inv.ID.String()),
				zap.Error(err))
		}

		s.publishCancel(ctx, inv, "unreachable")

		if s.metrics != nil {
			s.metrics.RecordCallFailure(string(session.CallType), "unreachable")
		}
	}

	return reaped, nil
}

// ReapStalled finds sessions whose invitation is already settled but
// that never reached connected within NegotiationTimeout and fails
// them. A stranded session would otherwise block the conversation's
// one-active-call slot until someone hung up by hand. Returns how many
// sessions were failed.
func (s *Service) ReapStalled(ctx context.Context) (int, error) {
	now := s.now()
	stalled, err := s.sessions.StalledBefore(ctx, now.Add(-NegotiationTimeout))
	if err != nil {
		return 0, fmt.Errorf("failed to list stalled sessions: %w", err)
	}

	reaped := 0
	for _, session := range stalled {
		if err := s.Fail(ctx, session.ID, "negotiation_timeout"); err != nil {
			logger.Error("Failed to reap stalled session",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
			continue
		}
		reaped++
	}

	return reaped, nil
}

// expireOne lazily expires a single overdue invitation outside the sweep
func (s *Service) expireOne(ctx context.Context, inv *domain.CallInvitation, now time.Time) {
	ok, err := s.invitations.MarkResponded(ctx, inv.ID, domain.InvitationExpired, now)
	if err != nil {
		logger.Error("Failed to expire invitation",
			zap.String("invitation_id", inv.ID.String()),
			zap.Error(err))
		return
	}
	if ok {
		s.finishExpired(ctx, inv, now)
	}
}

func (s *Service) finishExpired(ctx context.Context, inv *domain.CallInvitation, now time.Time) {
	if session, err := s.sessions.GetByInvitationID(ctx, inv.ID); err == nil {
		if _, err := s.sessions.MarkTerminal(ctx, session.ID, domain.SessionMissed, "no_answer", now); err != nil {
			logger.Error("Failed to mark session missed",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
		}
	}

	s.publishCancel(ctx, inv, "expired")

	if s.metrics != nil {
		s.metrics.RecordInvitationExpired()
	}

	if s.notifier != nil {
		if err := s.notifier.SendMissedCallNotification(ctx, inv.ID, inv.ConversationID, inv.CallerID, inv.CallerName, []uuid.UUID{inv.CalleeID}); err != nil {
			logger.Warn("Failed to send missed call notification",
				zap.String("invitation_id", inv.ID.String()),
				zap.Error(err))
		}
	}
}

// Status aggregates what a client needs to render call state for one
// conversation: the active session, the outstanding invitation toward
// the user, and whether the peer is reachable right now.
type Status struct {
	ActiveSession     *domain.CallSession    `json:"active_session,omitempty"`
	PendingInvitation *domain.CallInvitation `json:"pending_invitation,omitempty"`
	RecentHistory     []*domain.CallSession  `json:"recent_history,omitempty"`
	PeerOnline        bool                   `json:"peer_online"`
}

// statusHistoryLimit caps the history slice folded into GetStatus.
// Clients wanting more page through the history endpoint.
const statusHistoryLimit = 5

// GetStatus returns the aggregated call status for a conversation
func (s *Service) GetStatus(ctx context.Context, user domain.Principal, conversationID uuid.UUID) (*Status, error) {
	_, peer, err := s.resolvePeer(ctx, conversationID, user.ID)
	if err != nil {
		return nil, err
	}

	st := &Status{}

	if session, err := s.sessions.ActiveForConversation(ctx, conversationID); err == nil {
		st.ActiveSession = session
	} else if !errors.Is(err, cockroach.ErrNotFound) {
		return nil, fmt.Errorf("failed to load active session: %w", err)
	}

	if inv, err := s.invitations.PendingFor(ctx, conversationID, peer, user.ID); err == nil {
		st.PendingInvitation = inv
	} else if !errors.Is(err, cockroach.ErrNotFound) {
		return nil, fmt.Errorf("failed to load pending invitation: %w", err)
	}

	history, err := s.sessions.ListHistory(ctx, user.ID, &conversationID, statusHistoryLimit, 0)
	if err != nil {
		// History is decoration on the status view, not its substance
		logger.Warn("History lookup failed",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
	} else {
		st.RecentHistory = history
	}

	if s.presence != nil {
		online, err := s.presence.IsUserOnline(ctx, peer)
		if err != nil {
			// Presence is advisory, a Redis hiccup should not fail
			// the whole status call
			logger.Warn("Presence lookup failed",
				zap.String("peer_id", peer.String()),
				zap.Error(err))
		} else {
			st.PeerOnline = online
		}
	}

	return st, nil
}

// PendingInvitations lists open invitations the user sent or received,
// newest first. A client reconnecting after a dropped socket uses this
// to catch up on calls it never heard ring.
func (s *Service) PendingInvitations(ctx context.Context, user domain.Principal, conversationID *uuid.UUID, limit int) ([]*domain.CallInvitation, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	status := domain.InvitationPending
	return s.invitations.ListForUser(ctx, user.ID, conversationID, &status, limit)
}

// History returns the user's past sessions, newest first
func (s *Service) History(ctx context.Context, user domain.Principal, conversationID *uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	return s.sessions.ListHistory(ctx, user.ID, conversationID, limit, offset)
}

// RecordAction logs an in-call action (mute, camera toggle, screen
// share) and relays it to the peer.
func (s *Service) RecordAction(ctx context.Context, user domain.Principal, sessionID uuid.UUID, action string) error {
	if !domain.ValidSessionAction(action) {
		return apperrors.InvalidInputError(fmt.Sprintf("unknown action: %s", action))
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, cockroach.ErrNotFound) {
			return apperrors.CallNotFoundError()
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	if session.CallerID != user.ID && session.CalleeID != user.ID {
		return apperrors.ForbiddenError("Not a participant of this call")
	}
	if session.Status.Terminal() {
		return apperrors.InvitationClosedError(string(session.Status))
	}

	ev := &domain.SessionEvent{
		ID:        uuid.New(),
		SessionID: sessionID,
		UserID:    user.ID,
		Action:    action,
		CreatedAt: s.now(),
	}

	if err := s.sessions.AddEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to record action: %w", err)
	}

	s.publish(ctx, relay.CallTopic(sessionID), relay.Envelope{
		Event:          relay.EventResponse,
		SessionID:      &sessionID,
		ConversationID: session.ConversationID,
		FromID:         user.ID,
		Kind:           action,
	})

	return nil
}

// GetSessionEvents returns the action log for a session the user took part in
func (s *Service) GetSessionEvents(ctx context.Context, user domain.Principal, sessionID uuid.UUID) ([]*domain.SessionEvent, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, cockroach.ErrNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if session.CallerID != user.ID && session.CalleeID != user.ID {
		return nil, apperrors.ForbiddenError("Not a participant of this call")
	}

	return s.sessions.ListEvents(ctx, sessionID)
}

// resolvePeer loads the conversation, verifies membership, and returns
// the other party.
func (s *Service) resolvePeer(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Conversation, uuid.UUID, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, cockroach.ErrNotFound) {
			return nil, uuid.Nil, apperrors.NotFoundError("Conversation")
		}
		return nil, uuid.Nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	peer, ok := conv.PeerOf(userID)
	if !ok {
		return nil, uuid.Nil, apperrors.ForbiddenError("Not a member of this conversation")
	}

	return conv, peer, nil
}

func (s *Service) publishInvitation(ctx context.Context, inv *domain.CallInvitation, session *domain.CallSession, conv *domain.Conversation) {
	payload, _ := json.Marshal(struct {
		Invitation *domain.CallInvitation `json:"invitation"`
		SessionID  uuid.UUID              `json:"session_id"`
	}{inv, session.ID})

	env := relay.Envelope{
		Event:          relay.EventInvitation,
		InvitationID:   &inv.ID,
		SessionID:      &session.ID,
		ConversationID: inv.ConversationID,
		FromID:         inv.CallerID,
		ToID:           inv.CalleeID,
		Kind:           string(inv.CallType),
		Payload:        payload,
	}

	s.publish(ctx, relay.UserTopic(inv.CalleeID), env)

	// Staff get a second, role-scoped delivery so a shared dashboard can
	// surface incoming patient calls without per-user subscriptions.
	if conv != nil && inv.CalleeID == conv.ProviderID {
		s.publish(ctx, relay.StaffTopic(inv.CalleeID), env)
	}
}

func (s *Service) publishResponse(ctx context.Context, inv *domain.CallInvitation, session *domain.CallSession, accepted bool) {
	kind := "declined"
	if accepted {
		kind = "accepted"
	}

	var sessionID *uuid.UUID
	if session != nil {
		sessionID = &session.ID
	}

	s.publish(ctx, relay.UserTopic(inv.CallerID), relay.Envelope{
		Event:          relay.EventResponse,
		InvitationID:   &inv.ID,
		SessionID:      sessionID,
		ConversationID: inv.ConversationID,
		FromID:         inv.CalleeID,
		ToID:           inv.CallerID,
		Kind:           kind,
	})
}

func (s *Service) publishCancel(ctx context.Context, inv *domain.CallInvitation, kind string) {
	env := relay.Envelope{
		Event:          relay.EventCancel,
		InvitationID:   &inv.ID,
		ConversationID: inv.ConversationID,
		FromID:         inv.CallerID,
		ToID:           inv.CalleeID,
		Kind:           kind,
	}

	s.publish(ctx, relay.UserTopic(inv.CalleeID), env)
	s.publish(ctx, relay.UserTopic(inv.CallerID), env)
}

// publish fills envelope plumbing and logs failures. Relay delivery is
// best-effort here; persisted state is the source of truth.
func (s *Service) publish(ctx context.Context, topic string, env relay.Envelope) {
	env.ID = uuid.New()
	env.Timestamp = s.now()

	if err := s.rel.Publish(ctx, topic, env.Event, env); err != nil {
		logger.Error("Failed to publish call event",
			zap.String("topic", topic),
			zap.String("event", env.Event),
			zap.Error(err))
	}
}

func (s *Service) notifyCallee(ctx context.Context, inv *domain.CallInvitation, session *domain.CallSession) {
	if s.notifier == nil {
		return
	}

	data := &push.CallNotificationData{
		CallID:         session.ID,
		InvitationID:   inv.ID,
		ConversationID: inv.ConversationID,
		CallerID:       inv.CallerID,
		CallerName:     inv.CallerName,
		CallType:       string(inv.CallType),
		CallStatus:     string(session.Status),
		ExpiresAt:      inv.ExpiresAt.Unix(),
		Timestamp:      inv.CreatedAt.Unix(),
	}

	if err := s.notifier.SendCallNotification(ctx, data, []uuid.UUID{inv.CalleeID}); err != nil {
		logger.Warn("Failed to send call notification",
			zap.String("invitation_id", inv.ID.String()),
			zap.Error(err))
	}
}
