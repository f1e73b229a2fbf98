package call

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carebridge-backend/internal/domain"
	"carebridge-backend/internal/relay"
	"carebridge-backend/internal/repository/cockroach"
	apperrors "carebridge-backend/pkg/errors"
	"carebridge-backend/pkg/logger"
	"carebridge-backend/pkg/push"
)

func TestMain(m *testing.M) {
	logger.Log = zap.NewNop()
	logger.Sugar = logger.Log.Sugar()
	os.Exit(m.Run())
}

// MockInvitationStore is a mock implementation of InvitationStore
type MockInvitationStore struct {
	mock.Mock
}

func (m *MockInvitationStore) Create(ctx context.Context, inv *domain.CallInvitation) error {
	args := m.Called(ctx, inv)
	return args.Error(0)
}

func (m *MockInvitationStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.CallInvitation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallInvitation), args.Error(1)
}

func (m *MockInvitationStore) PendingFor(ctx context.Context, conversationID, callerID, calleeID uuid.UUID) (*domain.CallInvitation, error) {
	args := m.Called(ctx, conversationID, callerID, calleeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallInvitation), args.Error(1)
}

func (m *MockInvitationStore) MarkResponded(ctx context.Context, id uuid.UUID, status domain.InvitationStatus, respondedAt time.Time) (bool, error) {
	args := m.Called(ctx, id, status, respondedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockInvitationStore) ExpireOverdue(ctx context.Context, now time.Time) ([]*domain.CallInvitation, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallInvitation), args.Error(1)
}

func (m *MockInvitationStore) ListForUser(ctx context.Context, userID uuid.UUID, conversationID *uuid.UUID, status *domain.InvitationStatus, limit int) ([]*domain.CallInvitation, error) {
	args := m.Called(ctx, userID, conversationID, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallInvitation), args.Error(1)
}

// MockSessionStore is a mock implementation of SessionStore
type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) Create(ctx context.Context, s *domain.CallSession) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSessionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) GetByInvitationID(ctx context.Context, invitationID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, invitationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) ActiveForConversation(ctx context.Context, conversationID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) ActiveForUser(ctx context.Context, userID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) MarkRinging(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionStore) MarkConnected(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionStore) MarkTerminal(ctx context.Context, id uuid.UUID, status domain.SessionStatus, reason string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, status, reason, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionStore) UnacknowledgedBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error) {
	args := m.Called(ctx, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) StalledBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error) {
	args := m.Called(ctx, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) ListHistory(ctx context.Context, userID uuid.UUID, conversationID *uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID, conversationID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) AddEvent(ctx context.Context, ev *domain.SessionEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockSessionStore) ListEvents(ctx context.Context, sessionID uuid.UUID) ([]*domain.SessionEvent, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SessionEvent), args.Error(1)
}

// MockConversationStore is a mock implementation of ConversationStore
type MockConversationStore struct {
	mock.Mock
}

func (m *MockConversationStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

// MockNotifier is a mock implementation of Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendCallNotification(ctx context.Context, data *push.CallNotificationData, calleeIDs []uuid.UUID) error {
	args := m.Called(ctx, data, calleeIDs)
	return args.Error(0)
}

func (m *MockNotifier) SendMissedCallNotification(ctx context.Context, callID, conversationID, callerID uuid.UUID, callerName string, calleeIDs []uuid.UUID) error {
	args := m.Called(ctx, callID, conversationID, callerID, callerName, calleeIDs)
	return args.Error(0)
}

// MockPresence is a mock implementation of Presence
type MockPresence struct {
	mock.Mock
}

func (m *MockPresence) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

type fixture struct {
	invitations   *MockInvitationStore
	sessions      *MockSessionStore
	conversations *MockConversationStore
	notifier      *MockNotifier
	presence      *MockPresence
	rel           *relay.MemoryRelay
	svc           *Service
	now           time.Time

	patient  domain.Principal
	provider domain.Principal
	conv     *domain.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		invitations:   new(MockInvitationStore),
		sessions:      new(MockSessionStore),
		conversations: new(MockConversationStore),
		notifier:      new(MockNotifier),
		presence:      new(MockPresence),
		rel:           relay.NewMemoryRelay(),
		now:           time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
	}

	f.patient = domain.Principal{ID: uuid.New(), DisplayName: "Pat Doe", Role: domain.RolePatient}
	f.provider = domain.Principal{ID: uuid.New(), DisplayName: "Dr. Chen", Role: domain.RoleStaff}
	f.conv = &domain.Conversation{
		ID:           uuid.New(),
		PatientID:    f.patient.ID,
		ProviderID:   f.provider.ID,
		ProviderName: "Dr. Chen",
		ProviderRole: "Cardiologist",
	}

	f.svc = NewService(f.invitations, f.sessions, f.conversations, f.rel, f.presence, f.notifier)
	f.svc.now = func() time.Time { return f.now }

	return f
}

// capture subscribes to a relay topic and collects delivered envelopes
func (f *fixture) capture(t *testing.T, topic string) *[]relay.Envelope {
	t.Helper()
	var got []relay.Envelope
	_, err := f.rel.Subscribe(context.Background(), topic, "", func(env relay.Envelope) {
		got = append(got, env)
	})
	require.NoError(t, err)
	return &got
}

func TestInvite(t *testing.T) {
	f := newFixture(t)

	f.conversations.On("GetByID", mock.Anything, f.conv.ID).Return(f.conv, nil)
	f.sessions.On("ActiveForConversation", mock.Anything, f.conv.ID).Return(nil, cockroach.ErrNotFound)
	f.sessions.On("ActiveForUser", mock.Anything, f.patient.ID).Return(nil, cockroach.ErrNotFound)
	f.invitations.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallInvitation")).Return(nil)
	f.sessions.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallSession")).Return(nil)
	f.notifier.On("SendCallNotification", mock.Anything, mock.Anything, []uuid.UUID{f.provider.ID}).Return(nil)

	inbox := f.capture(t, relay.UserTopic(f.provider.ID))
	staffInbox := f.capture(t, relay.StaffTopic(f.provider.ID))

	output, err := f.svc.Invite(context.Background(), f.patient, &InviteInput{
		ConversationID: f.conv.ID,
		CallType:       domain.CallTypeVideo,
		Message:        "Quick question about my results",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.InvitationPending, output.Invitation.Status)
	assert.Equal(t, f.provider.ID, output.Invitation.CalleeID)
	assert.Equal(t, f.now.Add(InvitationTTL), output.Invitation.ExpiresAt)
	assert.Equal(t, domain.SessionInitiated, output.Session.Status)
	assert.Equal(t, output.Invitation.ID, output.Session.InvitationID)
	assert.False(t, output.Rejoined)

	// Callee gets the invitation on the personal inbox and, being
	// staff, on the role-scoped inbox too
	require.Len(t, *inbox, 1)
	assert.Equal(t, relay.EventInvitation, (*inbox)[0].Event)
	require.Len(t, *staffInbox, 1)

	f.invitations.AssertExpectations(t)
	f.sessions.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

func TestInvite_StaffCallerSkipsStaffTopic(t *testing.T) {
	f := newFixture(t)

	f.conversations.On("GetByID", mock.Anything, f.conv.ID).Return(f.conv, nil)
	f.sessions.On("ActiveForConversation", mock.Anything, f.conv.ID).Return(nil, cockroach.ErrNotFound)
	f.sessions.On("ActiveForUser", mock.Anything, f.provider.ID).Return(nil, cockroach.ErrNotFound)
	f.invitations.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.sessions.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("SendCallNotification", mock.Anything, mock.Anything, []uuid.UUID{f.patient.ID}).Return(nil)

	patientInbox := f.capture(t, relay.UserTopic(f.patient.ID))
	staffInbox := f.capture(t, relay.StaffTopic(f.patient.ID))

	_, err := f.svc.Invite(context.Background(), f.provider, &InviteInput{
		ConversationID: f.conv.ID,
		CallType:       domain.CallTypeAudio,
	})

	require.NoError(t, err)
	assert.Len(t, *patientInbox, 1)
	assert.Empty(t, *staffInbox, "patients have no staff inbox")
}

func TestInvite_InvalidCallType(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Invite(context.Background(), f.patient, &InviteInput{
		ConversationID: f.conv.ID,
		CallType:       domain.CallType("screenshare"),
	})

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, appErr.Code)
}

func TestInvite_NotAMember(t *testing.T) {
	f := newFixture(t)
	stranger := domain.Principal{ID: uuid.New(), Role: domain.RolePatient}

	f.conversations.On("GetByID", mock.Anything, f.conv.ID).Return(f.conv, nil)

	_, err := f.svc.Invite(context.Background(), stranger, &InviteInput{
		ConversationID: f.conv.ID,
		CallType:       domain.CallTypeVideo,
	})

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeForbidden, appErr.Code)
}

func TestInvite_CallInProgress(t *testing.T) {
	f := newFixture(t)

	other := &domain.CallSession{
		ID:       uuid.New(),
		CallerID: uuid.New(), // someone else's call
		CalleeID: uuid.New(),
		Status:   domain.SessionConnected,
	}

	f.conversations.On("GetByID", mock.Anything, f.conv.ID).Return(f.conv, nil)
	f.sessions.On("ActiveForConversation", mock.Anything, f.conv.ID).Return(other, nil)

	_, err := f.svc.Invite(context.Background(), f.patient, &InviteInput{
		ConversationID: f.conv.ID,
		CallType:       domain.CallTypeVideo,
	})

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeCallInProgress, appErr.Code)
}

func TestInvite_CallerBusyInAnotherConversation(t *testing.T) {
	f := newFixture(t)

	elsewhere := &domain.CallSession{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		CallerID:       f.patient.ID,
		CalleeID:       uuid.New(),
		Status:         domain.SessionConnected,
	}

	f.conversations.On("GetByID", mock.Anything, f.conv.ID).Return(f.conv, nil)
	f.sessions.On("ActiveForConversation", mock.Anything, f.conv.ID).Return(nil, cockroach.ErrNotFound)
	f.sessions.On("ActiveForUser", mock.Anything, f.patient.ID).Return(elsewhere, nil)

	_, err := f.svc.Invite(context.Background(), f.patient, &InviteInput{
		ConversationID: f.conv.ID,
		CallType:       domain.CallTypeVideo,
	})

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeCallInProgress, appErr.Code)
	f.invitations.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestInvite_PendingReturnsExisting(t *testing.T) {
	f := newFixture(t)

	existing := &domain.CallInvitation{
		ID:             uuid.New(),
		ConversationID: f.conv.ID,
		CallerID:       f.patient.ID,
		CalleeID:       f.provider.ID,
		Status:         domain.InvitationPending,
		ExpiresAt:      f.now.Add(time.Minute),
	}
	active := &domain.CallSession{
		ID:           uuid.New(),
		InvitationID: existing.ID,
		CallerID:     f.patient.ID,
		CalleeID:     f.provider.ID,
		Status:       domain.SessionInitiated,
	}

	f.conversations.On("GetByID", mock.Anything, f.conv.ID).Return(f.conv, nil)
	f.sessions.On("ActiveForConversation", mock.Anything, f.conv.ID).Return(active, nil)
	f.invitations.On("PendingFor", mock.Anything, f.conv.ID, f.patient.ID, f.provider.ID).Return(existing, nil)

	output, err := f.svc.Invite(context.Background(), f.patient, &InviteInput{
		ConversationID: f.conv.ID,
		CallType:       domain.CallTypeVideo,
	})

	require.NoError(t, err)
	assert.True(t, output.Rejoined)
	assert.Equal(t, existing.ID, output.Invitation.ID)
	f.invitations.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func respondFixture(f *fixture) (*domain.CallInvitation, *domain.CallSession) {
	inv := &domain.CallInvitation{
		ID:             uuid.New(),
		ConversationID: f.conv.ID,
		CallerID:       f.patient.ID,
		CalleeID:       f.provider.ID,
		CallerName:     "Pat Doe",
		CallType:       domain.CallTypeVideo,
		Status:         domain.InvitationPending,
		CreatedAt:      f.now.Add(-time.Minute),
		ExpiresAt:      f.now.Add(4 * time.Minute),
	}
	session := &domain.CallSession{
		ID:             uuid.New(),
		InvitationID:   inv.ID,
		ConversationID: f.conv.ID,
		CallerID:       f.patient.ID,
		CalleeID:       f.provider.ID,
		Status:         domain.SessionRinging,
	}
	return inv, session
}

func TestRespond_Accept(t *testing.T) {
	f := newFixture(t)
	inv, session := respondFixture(f)

	f.invitations.On("GetByID", mock.Anything, inv.ID).Return(inv, nil)
	f.invitations.On("MarkResponded", mock.Anything, inv.ID, domain.InvitationAccepted, f.now).Return(true, nil)
	f.sessions.On("GetByInvitationID", mock.Anything, inv.ID).Return(session, nil)

	callerInbox := f.capture(t, relay.UserTopic(f.patient.ID))

	gotInv, gotSession, err := f.svc.Respond(context.Background(), f.provider, inv.ID, true)

	require.NoError(t, err)
	assert.Equal(t, domain.InvitationAccepted, gotInv.Status)
	assert.Equal(t, session.ID, gotSession.ID)

	require.Len(t, *callerInbox, 1)
	assert.Equal(t, relay.EventResponse, (*callerInbox)[0].Event)
	assert.Equal(t, "accepted", (*callerInbox)[0].Kind)

	f.sessions.AssertNotCalled(t, "MarkTerminal", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRespond_Decline(t *testing.T) {
	f := newFixture(t)
	inv, session := respondFixture(f)

	f.invitations.On("GetByID", mock.Anything, inv.ID).Return(inv, nil)
	f.invitations.On("MarkResponded", mock.Anything, inv.ID, domain.InvitationDeclined, f.now).Return(true, nil)
	f.sessions.On("GetByInvitationID", mock.Anything, inv.ID).Return(session, nil)
	f.sessions.On("MarkTerminal", mock.Anything, session.ID, domain.SessionDeclined, "declined", f.now).Return(true, nil)

	callerInbox := f.capture(t, relay.UserTopic(f.patient.ID))

	gotInv, gotSession, err := f.svc.Respond(context.Background(), f.provider, inv.ID, false)

	require.NoError(t, err)
	assert.Equal(t, domain.InvitationDeclined, gotInv.Status)
	assert.Equal(t, domain.SessionDeclined, gotSession.Status)
	require.Len(t, *callerInbox, 1)
	assert.Equal(t, "declined", (*callerInbox)[0].Kind)
	f.sessions.AssertExpectations(t)
}

func TestRespond_OnlyCallee(t *testing.T) {
	f := newFixture(t)
	inv, _ := respondFixture(f)

	f.invitations.On("GetByID", mock.Anything, inv.ID).Return(inv, nil)

	_, _, err := f.svc.Respond(context.Background(), f.patient, inv.ID, true)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeForbidden, appErr.Code)
}

func TestRespond_Expired(t *testing.T) {
	f := newFixture(t)
	inv, session := respondFixture(f)
	inv.ExpiresAt = f.now.Add(-time.Second)

	f.invitations.On("GetByID", mock.Anything, inv.ID).Return(inv, nil)
	f.invitations.On("MarkResponded", mock.Anything, inv.ID, domain.InvitationExpired, f.now).Return(true, nil)
	f.sessions.On("GetByInvitationID", mock.Anything, inv.ID).Return(session, nil)
	f.sessions.On("MarkTerminal", mock.Anything, session.ID, domain.SessionMissed, "no_answer", f.now).Return(true, nil)
	f.notifier.On("SendMissedCallNotification", mock.Anything, inv.ID, f.conv.ID, f.patient.ID, "Pat Doe", []uuid.UUID{f.provider.ID}).Return(nil)

	_, _, err := f.svc.Respond(context.Background(), f.provider, inv.ID, true)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeInvitationClosed, appErr.Code)
	f.invitations.AssertExpectations(t)
	f.sessions.AssertExpectations(t)
}

func TestRespond_LostRace(t *testing.T) {
	f := newFixture(t)
	inv, _ := respondFixture(f)

	closed := *inv
	closed.Status = domain.InvitationCancelled

	f.invitations.On("GetByID", mock.Anything, inv.ID).Return(inv, nil).Once()
	f.invitations.On("MarkResponded", mock.Anything, inv.ID, domain.InvitationAccepted, f.now).Return(false, nil)
	f.invitations.On("GetByID", mock.Anything, inv.ID).Return(&closed, nil).Once()

	_, _, err := f.svc.Respond(context.Background(), f.provider, inv.ID, true)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeInvitationClosed, appErr.Code)
	assert.Contains(t, appErr.Message, "cancelled")
}

func TestRespond_AlreadySettled(t *testing.T) {
	f := newFixture(t)
	inv, _ := respondFixture(f)
	inv.Status = domain.InvitationCancelled

	f.invitations.On("GetByID", mock.Anything, inv.ID).Return(inv, nil)

	_, _, err := f.svc.Respond(context.Background(), f.provider, inv.ID, true)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeInvitationClosed, appErr.Code)
	f.invitations.AssertNotCalled(t, "MarkResponded", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	inv, session := respondFixture(f)

	f.invitations.On("GetByID", mock.Anything, inv.ID).Return(inv, nil)
	f.invitations.On("MarkResponded", mock.Anything, inv.ID, domain.InvitationCancelled, f.now).Return(true, nil)
	f.sessions.On("GetByInvitationID", mock.Anything, inv.ID).Return(session, nil)
	f.sessions.On("MarkTerminal", mock.Anything, session.ID, domain.SessionMissed, "cancelled", f.now).Return(true, nil)

	calleeInbox := f.capture(t, relay.UserTopic(f.provider.ID))

	err := f.svc.Cancel(context.Background(), f.patient, inv.ID)

	require.NoError(t, err)
	require.Len(t, *calleeInbox, 1)
	assert.Equal(t, relay.EventCancel, (*calleeInbox)[0].Event)
}

func TestCancel_OnlyCaller(t *testing.T) {
	f := newFixture(t)
	inv, _ := respondFixture(f)

	f.invitations.On("GetByID", mock.Anything, inv.ID).Return(inv, nil)

	err := f.svc.Cancel(context.Background(), f.provider, inv.ID)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeForbidden, appErr.Code)
}

func TestCancel_AlreadySettled(t *testing.T) {
	f := newFixture(t)
	inv, _ := respondFixture(f)
	inv.Status = domain.InvitationDeclined

	f.invitations.On("GetByID", mock.Anything, inv.ID).Return(inv, nil)

	err := f.svc.Cancel(context.Background(), f.patient, inv.ID)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeInvitationClosed, appErr.Code)
	f.invitations.AssertNotCalled(t, "MarkResponded", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestResend(t *testing.T) {
	f := newFixture(t)
	old, oldSession := respondFixture(f)

	f.invitations.On("GetByID", mock.Anything, old.ID).Return(old, nil)
	f.invitations.On("MarkResponded", mock.Anything, old.ID, domain.InvitationCancelled, f.now).Return(true, nil)
	f.sessions.On("GetByInvitationID", mock.Anything, old.ID).Return(oldSession, nil)
	f.sessions.On("MarkTerminal", mock.Anything, oldSession.ID, domain.SessionMissed, "superseded", f.now).Return(true, nil)
	f.conversations.On("GetByID", mock.Anything, f.conv.ID).Return(f.conv, nil)
	f.invitations.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallInvitation")).Return(nil)
	f.sessions.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallSession")).Return(nil)
	f.notifier.On("SendCallNotification", mock.Anything, mock.Anything, []uuid.UUID{f.provider.ID}).Return(nil)

	output, err := f.svc.Resend(context.Background(), f.patient, old.ID)

	require.NoError(t, err)
	require.NotNil(t, output.Invitation.SupersedesID)
	assert.Equal(t, old.ID, *output.Invitation.SupersedesID)
	assert.NotEqual(t, old.ID, output.Invitation.ID)
	assert.Equal(t, f.now.Add(InvitationTTL), output.Invitation.ExpiresAt)
}

func TestAcknowledgeRing(t *testing.T) {
	f := newFixture(t)
	_, session := respondFixture(f)
	session.Status = domain.SessionInitiated

	f.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	f.sessions.On("MarkRinging", mock.Anything, session.ID, f.now).Return(true, nil)

	callerInbox := f.capture(t, relay.UserTopic(f.patient.ID))

	err := f.svc.AcknowledgeRing(context.Background(), f.provider, session.ID)

	require.NoError(t, err)
	require.Len(t, *callerInbox, 1)
	assert.Equal(t, "ringing", (*callerInbox)[0].Kind)
}

func TestAcknowledgeRing_AlreadyAdvanced(t *testing.T) {
	f := newFixture(t)
	_, session := respondFixture(f)

	f.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	f.sessions.On("MarkRinging", mock.Anything, session.ID, f.now).Return(false, nil)

	callerInbox := f.capture(t, relay.UserTopic(f.patient.ID))

	err := f.svc.AcknowledgeRing(context.Background(), f.provider, session.ID)

	require.NoError(t, err)
	assert.Empty(t, *callerInbox)
}

func TestMarkConnected(t *testing.T) {
	f := newFixture(t)
	_, session := respondFixture(f)

	f.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	f.sessions.On("MarkConnected", mock.Anything, session.ID, f.now).Return(true, nil)

	got, err := f.svc.MarkConnected(context.Background(), f.provider, session.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.SessionConnected, got.Status)
	require.NotNil(t, got.ConnectedAt)
	assert.Equal(t, f.now, *got.ConnectedAt)
}

func TestMarkConnected_TerminalSession(t *testing.T) {
	f := newFixture(t)
	_, session := respondFixture(f)
	session.Status = domain.SessionEnded

	f.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	_, err := f.svc.MarkConnected(context.Background(), f.provider, session.ID)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeInvitationClosed, appErr.Code)
	f.sessions.AssertNotCalled(t, "MarkConnected", mock.Anything, mock.Anything, mock.Anything)
}

func TestHangup_Connected(t *testing.T) {
	f := newFixture(t)
	inv, session := respondFixture(f)
	session.Status = domain.SessionConnected

	f.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	f.sessions.On("MarkTerminal", mock.Anything, session.ID, domain.SessionEnded, "hangup", f.now).Return(true, nil)
	f.invitations.On("MarkResponded", mock.Anything, inv.ID, domain.InvitationCancelled, f.now).Return(false, nil)

	callTopic := f.capture(t, relay.CallTopic(session.ID))
	peerInbox := f.capture(t, relay.UserTopic(f.provider.ID))

	err := f.svc.Hangup(context.Background(), f.patient, session.ID, "")

	require.NoError(t, err)
	require.Len(t, *callTopic, 1)
	assert.Equal(t, relay.EventHangup, (*callTopic)[0].Event)
	require.Len(t, *peerInbox, 1)
	assert.Equal(t, f.provider.ID, (*peerInbox)[0].ToID)
}

func TestHangup_UnansweredSendsMissedCall(t *testing.T) {
	f := newFixture(t)
	inv, session := respondFixture(f)

	f.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	f.sessions.On("MarkTerminal", mock.Anything, session.ID, domain.SessionMissed, "hangup", f.now).Return(true, nil)
	f.invitations.On("MarkResponded", mock.Anything, inv.ID, domain.InvitationCancelled, f.now).Return(true, nil)
	f.invitations.On("GetByID", mock.Anything, inv.ID).Return(inv, nil)
	f.notifier.On("SendMissedCallNotification", mock.Anything, session.ID, f.conv.ID, f.patient.ID, "Pat Doe", []uuid.UUID{f.provider.ID}).Return(nil)

	err := f.svc.Hangup(context.Background(), f.patient, session.ID, "")

	require.NoError(t, err)
	f.notifier.AssertExpectations(t)
}

func TestHangup_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	inv, session := respondFixture(f)
	session.Status = domain.SessionConnected

	f.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	f.sessions.On("MarkTerminal", mock.Anything, session.ID, domain.SessionEnded, "hangup", f.now).
		Return(false, assert.AnError)
	f.invitations.On("MarkResponded", mock.Anything, inv.ID, domain.InvitationCancelled, f.now).Return(false, nil)

	peerInbox := f.capture(t, relay.UserTopic(f.provider.ID))

	err := f.svc.Hangup(context.Background(), f.patient, session.ID, "")

	// The persistence failure is reported, but the peer was still told
	require.Error(t, err)
	require.Len(t, *peerInbox, 1)
	f.invitations.AssertExpectations(t)
}

func TestHangup_NotAParticipant(t *testing.T) {
	f := newFixture(t)
	_, session := respondFixture(f)
	stranger := domain.Principal{ID: uuid.New()}

	f.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	err := f.svc.Hangup(context.Background(), stranger, session.ID, "")

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeForbidden, appErr.Code)
}

func TestFail(t *testing.T) {
	f := newFixture(t)
	inv, session := respondFixture(f)
	session.Status = domain.SessionConnected

	f.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	f.sessions.On("MarkTerminal", mock.Anything, session.ID, domain.SessionFailed, "ice_failed", f.now).Return(true, nil)
	f.invitations.On("MarkResponded", mock.Anything, inv.ID, domain.InvitationCancelled, f.now).Return(false, nil)

	callerInbox := f.capture(t, relay.UserTopic(f.patient.ID))
	calleeInbox := f.capture(t, relay.UserTopic(f.provider.ID))

	err := f.svc.Fail(context.Background(), session.ID, "ice_failed")

	require.NoError(t, err)
	require.Len(t, *callerInbox, 1)
	require.Len(t, *calleeInbox, 1)
	assert.Equal(t, "failed:ice_failed", (*callerInbox)[0].Kind)
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	inv, session := respondFixture(f)

	f.invitations.On("ExpireOverdue", mock.Anything, f.now).Return([]*domain.CallInvitation{inv}, nil)
	f.sessions.On("GetByInvitationID", mock.Anything, inv.ID).Return(session, nil)
	f.sessions.On("MarkTerminal", mock.Anything, session.ID, domain.SessionMissed, "no_answer", f.now).Return(true, nil)
	f.notifier.On("SendMissedCallNotification", mock.Anything, inv.ID, f.conv.ID, f.patient.ID, "Pat Doe", []uuid.UUID{f.provider.ID}).Return(nil)

	calleeInbox := f.capture(t, relay.UserTopic(f.provider.ID))

	n, err := f.svc.ExpireOverdue(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, *calleeInbox, 1)
	assert.Equal(t, relay.EventCancel, (*calleeInbox)[0].Event)
	assert.Equal(t, "expired", (*calleeInbox)[0].Kind)
	f.notifier.AssertExpectations(t)
}

func TestReapUnacknowledged(t *testing.T) {
	f := newFixture(t)
	inv, session := respondFixture(f)
	session.Status = domain.SessionInitiated
	session.CreatedAt = f.now.Add(-2 * RingAckTimeout)

	f.sessions.On("UnacknowledgedBefore", mock.Anything, f.now.Add(-RingAckTimeout)).
		Return([]*domain.CallSession{session}, nil)
	f.sessions.On("MarkTerminal", mock.Anything, session.ID, domain.SessionMissed, "unreachable", f.now).Return(true, nil)
	f.invitations.On("GetByID", mock.Anything, inv.ID).Return(inv, nil)
	f.invitations.On("MarkResponded", mock.Anything, inv.ID, domain.InvitationExpired, f.now).Return(true, nil)

	calleeInbox := f.capture(t, relay.UserTopic(f.provider.ID))

	n, err := f.svc.ReapUnacknowledged(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, *calleeInbox, 1)
	assert.Equal(t, relay.EventCancel, (*calleeInbox)[0].Event)
	assert.Equal(t, "unreachable", (*calleeInbox)[0].Kind)
	f.sessions.AssertExpectations(t)
	f.invitations.AssertExpectations(t)
}

func TestReapUnacknowledged_SkipsAdvancedSessions(t *testing.T) {
	f := newFixture(t)
	_, session := respondFixture(f)
	session.Status = domain.SessionInitiated

	// The callee acknowledged between the listing and the update, the
	// conditional write loses and the invitation is left alone
	f.sessions.On("UnacknowledgedBefore", mock.Anything, mock.Anything).
		Return([]*domain.CallSession{session}, nil)
	f.sessions.On("MarkTerminal", mock.Anything, session.ID, domain.SessionMissed, "unreachable", f.now).Return(false, nil)

	calleeInbox := f.capture(t, relay.UserTopic(f.provider.ID))

	n, err := f.svc.ReapUnacknowledged(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, *calleeInbox)
	f.invitations.AssertNotCalled(t, "MarkResponded", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReapStalled(t *testing.T) {
	f := newFixture(t)
	inv, session := respondFixture(f)
	inv.Status = domain.InvitationAccepted
	respondedAt := f.now.Add(-2 * NegotiationTimeout)
	inv.RespondedAt = &respondedAt
	session.Status = domain.SessionRinging

	f.sessions.On("StalledBefore", mock.Anything, f.now.Add(-NegotiationTimeout)).
		Return([]*domain.CallSession{session}, nil)
	f.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	f.sessions.On("MarkTerminal", mock.Anything, session.ID, domain.SessionFailed, "negotiation_timeout", f.now).Return(true, nil)
	f.invitations.On("MarkResponded", mock.Anything, inv.ID, domain.InvitationCancelled, f.now).Return(false, nil)

	callerInbox := f.capture(t, relay.UserTopic(f.patient.ID))
	calleeInbox := f.capture(t, relay.UserTopic(f.provider.ID))

	n, err := f.svc.ReapStalled(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, *callerInbox, 1)
	assert.Equal(t, "failed:negotiation_timeout", (*callerInbox)[0].Kind)
	require.Len(t, *calleeInbox, 1)
	f.sessions.AssertExpectations(t)
}

func TestReapStalled_LostRaceStillCounts(t *testing.T) {
	f := newFixture(t)
	_, session := respondFixture(f)
	session.Status = domain.SessionRinging

	// A concurrent hangup already closed it, the conditional write
	// loses and nothing is published
	f.sessions.On("StalledBefore", mock.Anything, mock.Anything).
		Return([]*domain.CallSession{session}, nil)
	f.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	f.sessions.On("MarkTerminal", mock.Anything, session.ID, domain.SessionFailed, "negotiation_timeout", f.now).Return(false, nil)

	calleeInbox := f.capture(t, relay.UserTopic(f.provider.ID))

	n, err := f.svc.ReapStalled(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, *calleeInbox)
	f.invitations.AssertNotCalled(t, "MarkResponded", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRecordAction(t *testing.T) {
	f := newFixture(t)
	_, session := respondFixture(f)
	session.Status = domain.SessionConnected

	f.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	f.sessions.On("AddEvent", mock.Anything, mock.AnythingOfType("*domain.SessionEvent")).Return(nil)

	callTopic := f.capture(t, relay.CallTopic(session.ID))

	err := f.svc.RecordAction(context.Background(), f.patient, session.ID, domain.ActionMute)

	require.NoError(t, err)
	require.Len(t, *callTopic, 1)
	assert.Equal(t, domain.ActionMute, (*callTopic)[0].Kind)
}

func TestRecordAction_UnknownAction(t *testing.T) {
	f := newFixture(t)

	err := f.svc.RecordAction(context.Background(), f.patient, uuid.New(), "backflip")

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, appErr.Code)
}

func TestRecordAction_TerminalSession(t *testing.T) {
	f := newFixture(t)
	_, session := respondFixture(f)
	session.Status = domain.SessionEnded

	f.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	err := f.svc.RecordAction(context.Background(), f.patient, session.ID, domain.ActionMute)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeInvitationClosed, appErr.Code)
	f.sessions.AssertNotCalled(t, "AddEvent", mock.Anything, mock.Anything)
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	inv, session := respondFixture(f)

	f.conversations.On("GetByID", mock.Anything, f.conv.ID).Return(f.conv, nil)
	f.sessions.On("ActiveForConversation", mock.Anything, f.conv.ID).Return(session, nil)
	f.invitations.On("PendingFor", mock.Anything, f.conv.ID, f.patient.ID, f.provider.ID).Return(inv, nil)
	f.sessions.On("ListHistory", mock.Anything, f.provider.ID, mock.Anything, 5, 0).
		Return([]*domain.CallSession{session}, nil)
	f.presence.On("IsUserOnline", mock.Anything, f.patient.ID).Return(true, nil)

	status, err := f.svc.GetStatus(context.Background(), f.provider, f.conv.ID)

	require.NoError(t, err)
	assert.Equal(t, session.ID, status.ActiveSession.ID)
	assert.Equal(t, inv.ID, status.PendingInvitation.ID)
	require.Len(t, status.RecentHistory, 1)
	assert.True(t, status.PeerOnline)
}

func TestGetStatus_HistoryFailureIsAdvisory(t *testing.T) {
	f := newFixture(t)
	inv, session := respondFixture(f)

	f.conversations.On("GetByID", mock.Anything, f.conv.ID).Return(f.conv, nil)
	f.sessions.On("ActiveForConversation", mock.Anything, f.conv.ID).Return(session, nil)
	f.invitations.On("PendingFor", mock.Anything, f.conv.ID, f.patient.ID, f.provider.ID).Return(inv, nil)
	f.sessions.On("ListHistory", mock.Anything, f.provider.ID, mock.Anything, 5, 0).
		Return(nil, assert.AnError)
	f.presence.On("IsUserOnline", mock.Anything, f.patient.ID).Return(true, nil)

	status, err := f.svc.GetStatus(context.Background(), f.provider, f.conv.ID)

	require.NoError(t, err)
	assert.Equal(t, session.ID, status.ActiveSession.ID)
	assert.Empty(t, status.RecentHistory)
}

func TestGetStatus_PresenceFailureIsAdvisory(t *testing.T) {
	f := newFixture(t)

	f.conversations.On("GetByID", mock.Anything, f.conv.ID).Return(f.conv, nil)
	f.sessions.On("ActiveForConversation", mock.Anything, f.conv.ID).Return(nil, cockroach.ErrNotFound)
	f.invitations.On("PendingFor", mock.Anything, f.conv.ID, f.provider.ID, f.patient.ID).Return(nil, cockroach.ErrNotFound)
	f.sessions.On("ListHistory", mock.Anything, f.patient.ID, mock.Anything, 5, 0).
		Return([]*domain.CallSession{}, nil)
	f.presence.On("IsUserOnline", mock.Anything, f.provider.ID).Return(false, assert.AnError)

	status, err := f.svc.GetStatus(context.Background(), f.patient, f.conv.ID)

	require.NoError(t, err)
	assert.Nil(t, status.ActiveSession)
	assert.Nil(t, status.PendingInvitation)
	assert.False(t, status.PeerOnline)
}

func TestHistory_LimitClamped(t *testing.T) {
	f := newFixture(t)

	f.sessions.On("ListHistory", mock.Anything, f.patient.ID, (*uuid.UUID)(nil), 100, 0).
		Return([]*domain.CallSession{}, nil)

	_, err := f.svc.History(context.Background(), f.patient, nil, 500, 0)

	require.NoError(t, err)
	f.sessions.AssertExpectations(t)
}

func TestPendingInvitations(t *testing.T) {
	f := newFixture(t)
	inv, _ := respondFixture(f)
	pending := domain.InvitationPending

	f.invitations.On("ListForUser", mock.Anything, f.provider.ID, (*uuid.UUID)(nil), &pending, 20).
		Return([]*domain.CallInvitation{inv}, nil)

	got, err := f.svc.PendingInvitations(context.Background(), f.provider, nil, 0)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inv.ID, got[0].ID)
	f.invitations.AssertExpectations(t)
}
