package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType distinguishes audio-only from audio+video calls
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether the call type is one of the known values
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// InvitationStatus is the lifecycle state of a call invitation.
// Every state except pending is terminal.
type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationAccepted  InvitationStatus = "accepted"
	InvitationDeclined  InvitationStatus = "declined"
	InvitationExpired   InvitationStatus = "expired"
	InvitationCancelled InvitationStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions
func (s InvitationStatus) Terminal() bool {
	return s != InvitationPending
}

// CanTransitionTo reports whether moving from s to next is a legal
// invitation transition. Status is write-once after leaving pending.
func (s InvitationStatus) CanTransitionTo(next InvitationStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case InvitationAccepted, InvitationDeclined, InvitationExpired, InvitationCancelled:
		return true
	}
	return false
}

// CallInvitation is a time-boxed offer from one principal to another to
// start a call. Invitations are never deleted; a resend creates a new row
// referencing the original via SupersedesID.
type CallInvitation struct {
	ID             uuid.UUID        `json:"id"`
	ConversationID uuid.UUID        `json:"conversation_id"`
	CallerID       uuid.UUID        `json:"caller_id"`
	CalleeID       uuid.UUID        `json:"callee_id"`
	CallerName     string           `json:"caller_name,omitempty"`
	CallerRole     string           `json:"caller_role,omitempty"`
	CallType       CallType         `json:"call_type"`
	Message        string           `json:"message,omitempty"`
	Status         InvitationStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	RespondedAt    *time.Time       `json:"responded_at,omitempty"`
	SupersedesID   *uuid.UUID       `json:"supersedes_id,omitempty"`
}

// Overdue reports whether the invitation is still pending past its expiry
func (i *CallInvitation) Overdue(now time.Time) bool {
	return i.Status == InvitationPending && now.After(i.ExpiresAt)
}
