package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a call session
type SessionStatus string

const (
	SessionInitiated SessionStatus = "initiated"
	SessionRinging   SessionStatus = "ringing"
	SessionConnected SessionStatus = "connected"
	SessionEnded     SessionStatus = "ended"
	SessionMissed    SessionStatus = "missed"
	SessionDeclined  SessionStatus = "declined"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the session can make no further transitions
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionEnded, SessionMissed, SessionDeclined, SessionFailed:
		return true
	}
	return false
}

// Active reports whether the session counts against the one-active-call
// limit for its (caller, callee, conversation) triple
func (s SessionStatus) Active() bool {
	switch s {
	case SessionInitiated, SessionRinging, SessionConnected:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal
// session transition.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionInitiated:
		// connected without a ring ack happens when the accept and the
		// ack race and the accept wins; declined likewise.
		switch next {
		case SessionRinging, SessionConnected, SessionDeclined, SessionMissed, SessionFailed:
			return true
		}
	case SessionRinging:
		switch next {
		case SessionConnected, SessionDeclined, SessionMissed, SessionFailed:
			return true
		}
	case SessionConnected:
		switch next {
		case SessionEnded, SessionFailed:
			return true
		}
	}
	return false
}

// CallSession tracks the lifecycle of one attempted or established call,
// distinct from the invitation that initiated it. The caller's and
// callee's clients each mutate their local mirror; the authoritative copy
// lives in the record store.
type CallSession struct {
	ID             uuid.UUID     `json:"id"`
	InvitationID   uuid.UUID     `json:"invitation_id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	CallerID       uuid.UUID     `json:"caller_id"`
	CalleeID       uuid.UUID     `json:"callee_id"`
	CallType       CallType      `json:"call_type"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	RingingAt      *time.Time    `json:"ringing_at,omitempty"`
	ConnectedAt    *time.Time    `json:"connected_at,omitempty"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	EndReason      *string       `json:"end_reason,omitempty"`
}

// Duration returns the connected time in whole seconds. A call that never
// reached connected has zero duration even when EndedAt is set.
func (s *CallSession) Duration() int {
	if s.ConnectedAt == nil || s.EndedAt == nil {
		return 0
	}
	d := s.EndedAt.Sub(*s.ConnectedAt)
	if d < 0 {
		return 0
	}
	return int(d.Seconds())
}

// SessionEvent records an imperative in-call action (mute, camera toggle,
// screen share) against an active session.
type SessionEvent struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// Valid in-call actions
const (
	ActionMute            = "mute"
	ActionUnmute          = "unmute"
	ActionCameraOn        = "camera_on"
	ActionCameraOff       = "camera_off"
	ActionScreenShare     = "screen_share"
	ActionStopScreenShare = "stop_screen_share"
)

// ValidSessionAction reports whether action is one of the known in-call actions
func ValidSessionAction(action string) bool {
	switch action {
	case ActionMute, ActionUnmute, ActionCameraOn, ActionCameraOff, ActionScreenShare, ActionStopScreenShare:
		return true
	}
	return false
}
