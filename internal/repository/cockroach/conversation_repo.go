package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carebridge-backend/internal/domain"
)

// ConversationRepository handles care conversation lookups. Conversations
// are created by the clinical enrollment flow, the call service only
// reads them for membership checks.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// GetByID retrieves a conversation by id
func (r *ConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	query := `
		SELECT id, patient_id, provider_id, provider_name, provider_role, created_at
		FROM conversations
		WHERE id = $1
	`

	conv := &domain.Conversation{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&conv.ID,
		&conv.PatientID,
		&conv.ProviderID,
		&conv.ProviderName,
		&conv.ProviderRole,
		&conv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	return conv, nil
}
