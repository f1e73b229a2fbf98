package relay

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope(event string) Envelope {
	return Envelope{
		ID:             uuid.New(),
		Event:          event,
		ConversationID: uuid.New(),
		FromID:         uuid.New(),
		ToID:           uuid.New(),
		Kind:           "video",
		Timestamp:      time.Now().UTC(),
	}
}

// TestPublishDelivers verifies basic topic/event routing
func TestPublishDelivers(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRelay()
	callee := uuid.New()

	var got []Envelope
	sub, err := r.Subscribe(ctx, UserTopic(callee), EventInvitation, func(env Envelope) {
		got = append(got, env)
	})
	require.NoError(t, err)
	defer sub.Dispose()

	env := testEnvelope(EventInvitation)
	require.NoError(t, r.Publish(ctx, UserTopic(callee), EventInvitation, env))

	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].ID)
}

// TestEventFiltering verifies a subscription only sees its event name
func TestEventFiltering(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRelay()
	topic := UserTopic(uuid.New())

	var invitations int
	sub, err := r.Subscribe(ctx, topic, EventInvitation, func(Envelope) { invitations++ })
	require.NoError(t, err)
	defer sub.Dispose()

	require.NoError(t, r.Publish(ctx, topic, EventHangup, testEnvelope(EventHangup)))
	require.NoError(t, r.Publish(ctx, topic, EventInvitation, testEnvelope(EventInvitation)))

	assert.Equal(t, 1, invitations)
}

// TestDuplicateDeliverySuppressed verifies at-least-once redelivery of
// the same envelope id is a no-op
func TestDuplicateDeliverySuppressed(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRelay()
	topic := UserTopic(uuid.New())

	var deliveries int
	sub, err := r.Subscribe(ctx, topic, EventInvitation, func(Envelope) { deliveries++ })
	require.NoError(t, err)
	defer sub.Dispose()

	env := testEnvelope(EventInvitation)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Publish(ctx, topic, EventInvitation, env))
	}

	assert.Equal(t, 1, deliveries)
}

// TestDisposeStopsDelivery verifies teardown and idempotent Dispose
func TestDisposeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRelay()
	topic := UserTopic(uuid.New())

	var deliveries int
	sub, err := r.Subscribe(ctx, topic, EventInvitation, func(Envelope) { deliveries++ })
	require.NoError(t, err)

	sub.Dispose()
	sub.Dispose() // second dispose must be a no-op

	require.NoError(t, r.Publish(ctx, topic, EventInvitation, testEnvelope(EventInvitation)))
	assert.Zero(t, deliveries)
	assert.Zero(t, r.SubscriberCount(topic))
}

// TestConcurrentPublishAndDispose hammers a topic with publishes while
// subscriptions churn. Run with the race detector; delivery counts are
// not asserted because a publish may hold a pre-dispose snapshot.
func TestConcurrentPublishAndDispose(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRelay()
	topic := UserTopic(uuid.New())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_ = r.Publish(ctx, topic, EventInvitation, testEnvelope(EventInvitation))
		}
	}()

	for i := 0; i < 500; i++ {
		sub, err := r.Subscribe(ctx, topic, EventInvitation, func(Envelope) {})
		require.NoError(t, err)
		sub.Dispose()
	}
	<-done

	assert.Zero(t, r.SubscriberCount(topic))
}

// TestDedupeWindowBounded verifies the seen-id window evicts oldest ids
func TestDedupeWindowBounded(t *testing.T) {
	d := newDedupe(2)

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	assert.False(t, d.observed(a))
	assert.False(t, d.observed(b))
	assert.False(t, d.observed(c)) // evicts a
	assert.True(t, d.observed(c))
	assert.False(t, d.observed(a), "evicted id is seen again")
}

// TestStaffTopicSeparation verifies per-identity and role-scoped topics
// do not cross-deliver
func TestStaffTopicSeparation(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRelay()
	staffID := uuid.New()

	var user, staff int
	subUser, err := r.Subscribe(ctx, UserTopic(staffID), EventInvitation, func(Envelope) { user++ })
	require.NoError(t, err)
	defer subUser.Dispose()
	subStaff, err := r.Subscribe(ctx, StaffTopic(staffID), EventInvitation, func(Envelope) { staff++ })
	require.NoError(t, err)
	defer subStaff.Dispose()

	require.NoError(t, r.Publish(ctx, StaffTopic(staffID), EventInvitation, testEnvelope(EventInvitation)))

	assert.Zero(t, user)
	assert.Equal(t, 1, staff)
}
