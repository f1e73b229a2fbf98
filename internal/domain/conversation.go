package domain

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is the patient/provider thread a call belongs to.
// Maps to the conversations table.
type Conversation struct {
	ID           uuid.UUID `json:"id" db:"id"`
	PatientID    uuid.UUID `json:"patient_id" db:"patient_id"`
	ProviderID   uuid.UUID `json:"provider_id" db:"provider_id"`
	ProviderName string    `json:"provider_name" db:"provider_name"`
	ProviderRole string    `json:"provider_role" db:"provider_role"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// HasMember reports whether userID is one of the two conversation parties
func (c *Conversation) HasMember(userID uuid.UUID) bool {
	return c.PatientID == userID || c.ProviderID == userID
}

// PeerOf returns the other party of the conversation. ok is false when
// userID is not a member.
func (c *Conversation) PeerOf(userID uuid.UUID) (uuid.UUID, bool) {
	switch userID {
	case c.PatientID:
		return c.ProviderID, true
	case c.ProviderID:
		return c.PatientID, true
	}
	return uuid.Nil, false
}
