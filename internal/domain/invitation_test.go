package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInvitationStatusTransitions(t *testing.T) {
	terminal := []InvitationStatus{
		InvitationAccepted, InvitationDeclined, InvitationExpired, InvitationCancelled,
	}

	for _, to := range terminal {
		assert.True(t, InvitationPending.CanTransitionTo(to), "pending -> %s", to)
	}
	assert.False(t, InvitationPending.CanTransitionTo(InvitationPending))

	// Status is write-once after leaving pending
	for _, from := range terminal {
		assert.True(t, from.Terminal())
		for _, to := range append(terminal, InvitationPending) {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestInvitationOverdue(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	inv := &CallInvitation{Status: InvitationPending, ExpiresAt: now.Add(time.Minute)}
	assert.False(t, inv.Overdue(now))

	inv.ExpiresAt = now.Add(-time.Second)
	assert.True(t, inv.Overdue(now))

	// Terminal invitations are settled, not overdue
	inv.Status = InvitationAccepted
	assert.False(t, inv.Overdue(now))
}

func TestCallTypeValid(t *testing.T) {
	assert.True(t, CallTypeAudio.Valid())
	assert.True(t, CallTypeVideo.Valid())
	assert.False(t, CallType("screenshare").Valid())
	assert.False(t, CallType("").Valid())
}
