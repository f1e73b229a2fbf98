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

const sessionColumns = `
	id, invitation_id, conversation_id, caller_id, callee_id, call_type,
	status, created_at, ringing_at, connected_at, ended_at, end_reason
`

// SessionRepository handles call session persistence
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create inserts a new call session in the initiated status
func (r *SessionRepository) Create(ctx context.Context, s *domain.CallSession) error {
	query := `
		INSERT INTO call_sessions (
			id, invitation_id, conversation_id, caller_id, callee_id,
			call_type, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		s.ID,
		s.InvitationID,
		s.ConversationID,
		s.CallerID,
		s.CalleeID,
		s.CallType,
		s.Status,
		s.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetByID retrieves a session by id
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CallSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return s, nil
}

// GetByInvitationID retrieves the session spawned by an invitation
func (r *SessionRepository) GetByInvitationID(ctx context.Context, invitationID uuid.UUID) (*domain.CallSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE invitation_id = $1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, invitationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session by invitation: %w", err)
	}

	return s, nil
}

// ActiveForConversation returns a non-terminal session in the
// conversation, or ErrNotFound. Used to surface in-progress calls and
// to refuse a second concurrent call on the same conversation.
func (r *SessionRepository) ActiveForConversation(ctx context.Context, conversationID uuid.UUID) (*domain.CallSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM call_sessions
		WHERE conversation_id = $1 AND status IN ($2, $3, $4)
		ORDER BY created_at DESC
		LIMIT 1
	`

	s, err := scanSession(r.pool.QueryRow(ctx, query, conversationID,
		domain.SessionInitiated, domain.SessionRinging, domain.SessionConnected))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}

	return s, nil
}

// ActiveForUser returns a non-terminal session the user participates
// in, or ErrNotFound.
func (r *SessionRepository) ActiveForUser(ctx context.Context, userID uuid.UUID) (*domain.CallSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM call_sessions
		WHERE (caller_id = $1 OR callee_id = $1) AND status IN ($2, $3, $4)
		ORDER BY created_at DESC
		LIMIT 1
	`

	s, err := scanSession(r.pool.QueryRow(ctx, query, userID,
		domain.SessionInitiated, domain.SessionRinging, domain.SessionConnected))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active session for user: %w", err)
	}

	return s, nil
}

// MarkRinging moves an initiated session to ringing. Returns false when
// the session already advanced past initiated.
func (r *SessionRepository) MarkRinging(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE call_sessions
		SET status = $2, ringing_at = $3
		WHERE id = $1 AND status = $4
	`

	tag, err := r.pool.Exec(ctx, query, id, domain.SessionRinging, at, domain.SessionInitiated)
	if err != nil {
		return false, fmt.Errorf("failed to mark session ringing: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// MarkConnected moves an initiated or ringing session to connected.
// Sessions that already reached a terminal status are left untouched.
func (r *SessionRepository) MarkConnected(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE call_sessions
		SET status = $2, connected_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`

	tag, err := r.pool.Exec(ctx, query, id, domain.SessionConnected, at,
		domain.SessionInitiated, domain.SessionRinging)
	if err != nil {
		return false, fmt.Errorf("failed to mark session connected: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// MarkTerminal moves an active session into a terminal status with an
// end reason. Returns false when the session was already terminal, so
// two peers hanging up at once record exactly one outcome.
func (r *SessionRepository) MarkTerminal(ctx context.Context, id uuid.UUID, status domain.SessionStatus, reason string, at time.Time) (bool, error) {
	query := `
		UPDATE call_sessions
		SET status = $2, ended_at = $3, end_reason = $4
		WHERE id = $1 AND status IN ($5, $6, $7)
	`

	tag, err := r.pool.Exec(ctx, query, id, status, at, reason,
		domain.SessionInitiated, domain.SessionRinging, domain.SessionConnected)
	if err != nil {
		return false, fmt.Errorf("failed to mark session terminal: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// UnacknowledgedBefore returns sessions still in the initiated status
// created before the cutoff. These are calls whose callee device never
// reported ringing.
func (r *SessionRepository) UnacknowledgedBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM call_sessions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, domain.SessionInitiated, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list unacknowledged sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// StalledBefore returns non-terminal sessions whose invitation already
// reached a terminal status before the cutoff. These are negotiations
// that never produced a connection and have no client left to close
// them, an accepted call whose peers crashed mid-setup being the usual
// case.
func (r *SessionRepository) StalledBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error) {
	query := `
		SELECT s.id, s.invitation_id, s.conversation_id, s.caller_id, s.callee_id,
		       s.call_type, s.status, s.created_at, s.ringing_at, s.connected_at,
		       s.ended_at, s.end_reason
		FROM call_sessions AS s
		JOIN call_invitations AS i ON i.id = s.invitation_id
		WHERE s.status IN ($1, $2)
		  AND i.status != $3
		  AND COALESCE(i.responded_at, i.expires_at) < $4
		ORDER BY s.created_at ASC
	`

	rows, err := r.pool.Query(ctx, query,
		domain.SessionInitiated, domain.SessionRinging,
		domain.InvitationPending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// ListHistory retrieves the user's past sessions, newest first
func (r *SessionRepository) ListHistory(ctx context.Context, userID uuid.UUID, conversationID *uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM call_sessions
		WHERE (caller_id = $1 OR callee_id = $1)
		  AND ($2::UUID IS NULL OR conversation_id = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.pool.Query(ctx, query, userID, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// AddEvent appends an in-call action to the session's event log
func (r *SessionRepository) AddEvent(ctx context.Context, ev *domain.SessionEvent) error {
	query := `
		INSERT INTO call_session_events (id, session_id, user_id, action, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(ctx, query, ev.ID, ev.SessionID, ev.UserID, ev.Action, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add session event: %w", err)
	}

	return nil
}

// ListEvents retrieves a session's event log in chronological order
func (r *SessionRepository) ListEvents(ctx context.Context, sessionID uuid.UUID) ([]*domain.SessionEvent, error) {
	query := `
		SELECT id, session_id, user_id, action, created_at
		FROM call_session_events
		WHERE session_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	defer rows.Close()

	var events []*domain.SessionEvent
	for rows.Next() {
		ev := &domain.SessionEvent{}
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.UserID, &ev.Action, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

func scanSession(row pgx.Row) (*domain.CallSession, error) {
	s := &domain.CallSession{}
	err := row.Scan(
		&s.ID,
		&s.InvitationID,
		&s.ConversationID,
		&s.CallerID,
		&s.CalleeID,
		&s.CallType,
		&s.Status,
		&s.CreatedAt,
		&s.RingingAt,
		&s.ConnectedAt,
		&s.EndedAt,
		&s.EndReason,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
