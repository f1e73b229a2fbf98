// Package relay delivers call signaling events between peers who have no
// direct network channel yet. Delivery is at-least-once and unordered
// across topics; subscriptions suppress duplicate envelope ids so
// redelivery of the same invitation is a no-op.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names carried over the relay
const (
	EventInvitation = "call-invitation"
	EventResponse   = "call-response"
	EventCancel     = "call-cancel"
	EventOffer      = "webrtc-offer"
	EventAnswer     = "webrtc-answer"
	EventICE        = "webrtc-ice"
	EventHangup     = "hangup"
)

// UserTopic is the per-recipient inbox for call signals
func UserTopic(userID uuid.UUID) string {
	return "user:" + userID.String()
}

// StaffTopic is the role-scoped inbox so staff dashboards receive
// incoming-call signals without a global broadcast
func StaffTopic(userID uuid.UUID) string {
	return "staff-calls:" + userID.String()
}

// CallTopic carries in-call signaling (offer/answer/ICE) for one session
func CallTopic(sessionID uuid.UUID) string {
	return "call:" + sessionID.String()
}

// Envelope is the wire format for every relay event. ID is unique per
// publish and is the dedupe key on the consumer side.
type Envelope struct {
	ID             uuid.UUID       `json:"id"`
	Event          string          `json:"event"`
	InvitationID   *uuid.UUID      `json:"invitation_id,omitempty"`
	SessionID      *uuid.UUID      `json:"session_id,omitempty"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	FromID         uuid.UUID       `json:"from_id"`
	ToID           uuid.UUID       `json:"to_id"`
	Kind           string          `json:"kind"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes delivered envelopes. Handlers must be idempotent:
// the relay suppresses duplicates per subscription, but a reconnect can
// still redeliver across subscriptions.
type Handler func(env Envelope)

// Relay is the pub/sub primitive behind call signaling. Implementations
// are constructed once at startup and injected; there is no package-level
// client.
type Relay interface {
	Publish(ctx context.Context, topic, event string, env Envelope) error
	Subscribe(ctx context.Context, topic, event string, handler Handler) (*Subscription, error)
}

// Subscription is a live topic listener. Dispose is idempotent and must
// be called exactly once per terminal state transition; a leaked
// subscription keeps re-delivering ghost invitations.
type Subscription struct {
	topic   string
	event   string
	once    sync.Once
	dispose func()
}

// NewSubscription wraps a teardown function. Used by Relay implementations.
func NewSubscription(topic, event string, dispose func()) *Subscription {
	return &Subscription{topic: topic, event: event, dispose: dispose}
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() string { return s.topic }

// Dispose tears the subscription down. Safe to call more than once.
func (s *Subscription) Dispose() {
	s.once.Do(s.dispose)
}

// dedupe is a bounded set of recently seen envelope ids
type dedupe struct {
	mu    sync.Mutex
	seen  map[uuid.UUID]struct{}
	order []uuid.UUID
	limit int
}

func newDedupe(limit int) *dedupe {
	return &dedupe{seen: make(map[uuid.UUID]struct{}, limit), limit: limit}
}

// observed records id and reports whether it was already seen
func (d *dedupe) observed(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.limit {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}
