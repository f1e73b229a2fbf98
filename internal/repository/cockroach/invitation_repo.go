package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carebridge-backend/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// invitationColumns is the scan order shared by every invitation query
const invitationColumns = `
	id, conversation_id, caller_id, callee_id, caller_name, caller_role,
	call_type, message, status, created_at, expires_at, responded_at, supersedes_id
`

// InvitationRepository handles call invitation persistence
type InvitationRepository struct {
	pool *pgxpool.Pool
}

// NewInvitationRepository creates a new invitation repository
func NewInvitationRepository(pool *pgxpool.Pool) *InvitationRepository {
	return &InvitationRepository{pool: pool}
}

// Create inserts a new invitation row. Invitations are append-only: no
// delete path exists, terminal transitions only update status columns.
func (r *InvitationRepository) Create(ctx context.Context, inv *domain.CallInvitation) error {
	query := `
		INSERT INTO call_invitations (
			id, conversation_id, caller_id, callee_id, caller_name, caller_role,
			call_type, message, status, created_at, expires_at, supersedes_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.pool.Exec(ctx, query,
		inv.ID,
		inv.ConversationID,
		inv.CallerID,
		inv.CalleeID,
		inv.CallerName,
		inv.CallerRole,
		inv.CallType,
		inv.Message,
		inv.Status,
		inv.CreatedAt,
		inv.ExpiresAt,
		inv.SupersedesID,
	)

	if err != nil {
		return fmt.Errorf("failed to create invitation: %w", err)
	}

	return nil
}

// GetByID retrieves an invitation by id
func (r *InvitationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CallInvitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM call_invitations WHERE id = $1`

	inv, err := scanInvitation(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}

	return inv, nil
}

// PendingFor returns the outstanding pending, unexpired invitation for a
// (caller, callee, conversation) triple, or ErrNotFound.
func (r *InvitationRepository) PendingFor(ctx context.Context, conversationID, callerID, calleeID uuid.UUID) (*domain.CallInvitation, error) {
	query := `
		SELECT ` + invitationColumns + `
		FROM call_invitations
		WHERE conversation_id = $1 AND caller_id = $2 AND callee_id = $3
		  AND status = $4 AND expires_at > $5
		ORDER BY created_at DESC
		LIMIT 1
	`

	inv, err := scanInvitation(r.pool.QueryRow(ctx, query,
		conversationID, callerID, calleeID, domain.InvitationPending, time.Now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pending invitation: %w", err)
	}

	return inv, nil
}

// MarkResponded transitions a pending invitation into a terminal status.
// The WHERE clause carries the monotonicity invariant: once a row has
// left pending no write can touch it again, so a racing accept against
// an expiry loses cleanly.
func (r *InvitationRepository) MarkResponded(ctx context.Context, id uuid.UUID, status domain.InvitationStatus, respondedAt time.Time) (bool, error) {
	query := `
		UPDATE call_invitations
		SET status = $2, responded_at = $3
		WHERE id = $1 AND status = $4
	`

	tag, err := r.pool.Exec(ctx, query, id, status, respondedAt, domain.InvitationPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark invitation responded: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ExpireOverdue flips every pending invitation past its expiry to
// expired and returns the affected rows so associated sessions can be
// marked missed.
func (r *InvitationRepository) ExpireOverdue(ctx context.Context, now time.Time) ([]*domain.CallInvitation, error) {
	query := `
		UPDATE call_invitations
		SET status = $1, responded_at = $2
		WHERE status = $3 AND expires_at < $2
		RETURNING ` + invitationColumns

	rows, err := r.pool.Query(ctx, query, domain.InvitationExpired, now, domain.InvitationPending)
	if err != nil {
		return nil, fmt.Errorf("failed to expire invitations: %w", err)
	}
	defer rows.Close()

	var expired []*domain.CallInvitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired invitation: %w", err)
		}
		expired = append(expired, inv)
	}

	return expired, rows.Err()
}

// ListForUser retrieves invitations the user sent or received, newest
// first, optionally filtered by conversation and status.
func (r *InvitationRepository) ListForUser(ctx context.Context, userID uuid.UUID, conversationID *uuid.UUID, status *domain.InvitationStatus, limit int) ([]*domain.CallInvitation, error) {
	query := `
		SELECT ` + invitationColumns + `
		FROM call_invitations
		WHERE (caller_id = $1 OR callee_id = $1)
		  AND ($2::UUID IS NULL OR conversation_id = $2)
		  AND ($3::STRING IS NULL OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`

	rows, err := r.pool.Query(ctx, query, userID, conversationID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	defer rows.Close()

	var invitations []*domain.CallInvitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invitation: %w", err)
		}
		invitations = append(invitations, inv)
	}

	return invitations, rows.Err()
}

func scanInvitation(row pgx.Row) (*domain.CallInvitation, error) {
	inv := &domain.CallInvitation{}
	err := row.Scan(
		&inv.ID,
		&inv.ConversationID,
		&inv.CallerID,
		&inv.CalleeID,
		&inv.CallerName,
		&inv.CallerRole,
		&inv.CallType,
		&inv.Message,
		&inv.Status,
		&inv.CreatedAt,
		&inv.ExpiresAt,
		&inv.RespondedAt,
		&inv.SupersedesID,
	)
	if err != nil {
		return nil, err
	}
	return inv, nil
}
