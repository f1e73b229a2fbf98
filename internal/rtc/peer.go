// Package rtc wraps a WebRTC negotiation primitive behind a signaling
// state machine. Every mutating operation is guarded against the current
// signaling state, which eliminates the two common failure modes of
// hand-rolled negotiation code: invalid-state errors from the primitive
// and silent SDP corruption from out-of-order description application.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carebridge-backend/pkg/sdp"
)

// SignalingState is the negotiation phase of a peer connection
type SignalingState string

const (
	StateStable          SignalingState = "stable"
	StateHaveLocalOffer  SignalingState = "have-local-offer"
	StateHaveRemoteOffer SignalingState = "have-remote-offer"
	StateClosed          SignalingState = "closed"
)

// StateError reports an operation attempted from a signaling state in
// which it is not valid. It indicates a programming or race error; the
// owning call session should transition to failed.
type StateError struct {
	Op    string
	State SignalingState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("rtc: %s not valid in signaling state %q", e.Op, e.State)
}

// PeerConnection owns one Negotiator for the lifetime of a call attempt.
// All descriptions pass through sdp.Normalize before reaching the
// primitive. ICE candidates that race ahead of the remote description are
// buffered and flushed once it lands; they never abort the call.
type PeerConnection struct {
	mu        sync.Mutex
	state     SignalingState
	neg       Negotiator
	sessionID uuid.UUID
	logger    *zap.Logger

	remoteSet bool
	// remoteBeforeOffer is remoteSet as it stood before the current
	// remote offer, restored on rollback
	remoteBeforeOffer bool
	pending           []ICECandidate
}

// NewPeerConnection wraps neg for the call session identified by sessionID
func NewPeerConnection(sessionID uuid.UUID, neg Negotiator, logger *zap.Logger) *PeerConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PeerConnection{
		state:     StateStable,
		neg:       neg,
		sessionID: sessionID,
		logger:    logger.With(zap.String("session_id", sessionID.String())),
	}
}

// SessionID returns the owning call session id
func (p *PeerConnection) SessionID() uuid.UUID {
	return p.sessionID
}

// State returns the current signaling state
func (p *PeerConnection) State() SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CreateOffer produces a normalized offer description. Valid only in the
// stable state; creating a second offer while one is outstanding would
// silently fork the negotiation.
func (p *PeerConnection) CreateOffer(ctx context.Context) (Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStable {
		return Description{}, &StateError{Op: "createOffer", State: p.state}
	}

	offer, err := p.neg.CreateOffer(ctx)
	if err != nil {
		return Description{}, fmt.Errorf("create offer: %w", err)
	}
	offer.SDP = sdp.Normalize(offer.SDP)
	return offer, nil
}

// CreateAnswer produces a normalized answer description. Valid only after
// a remote offer has been applied.
func (p *PeerConnection) CreateAnswer(ctx context.Context) (Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateHaveRemoteOffer {
		return Description{}, &StateError{Op: "createAnswer", State: p.state}
	}

	answer, err := p.neg.CreateAnswer(ctx)
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}
	answer.SDP = sdp.Normalize(answer.SDP)
	return answer, nil
}

// SetLocalDescription applies a local offer or answer, advancing the
// signaling state on success. The state is not mutated when the primitive
// rejects the description.
func (p *PeerConnection) SetLocalDescription(ctx context.Context, desc Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, err := p.transitionFor("setLocalDescription", desc.Type, true)
	if err != nil {
		return err
	}

	desc.SDP = sdp.Normalize(desc.SDP)
	if err := p.neg.SetLocalDescription(ctx, desc); err != nil {
		return fmt.Errorf("set local %s: %w", desc.Type, err)
	}
	p.state = next
	return nil
}

// SetRemoteDescription applies a remote offer or answer, advancing the
// signaling state on success and flushing any ICE candidates that arrived
// early.
func (p *PeerConnection) SetRemoteDescription(ctx context.Context, desc Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, err := p.transitionFor("setRemoteDescription", desc.Type, false)
	if err != nil {
		return err
	}

	desc.SDP = sdp.Normalize(desc.SDP)
	if err := p.neg.SetRemoteDescription(ctx, desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	p.state = next
	if desc.Type == TypeOffer {
		p.remoteBeforeOffer = p.remoteSet
	}
	p.remoteSet = true
	p.flushPendingLocked(ctx)
	return nil
}

// transitionFor validates a description application against the state
// table and returns the state to enter on success.
func (p *PeerConnection) transitionFor(op string, t DescriptionType, local bool) (SignalingState, error) {
	if p.state == StateClosed {
		return "", &StateError{Op: op, State: p.state}
	}

	switch {
	case local && t == TypeOffer:
		if p.state != StateStable {
			return "", &StateError{Op: op + "(offer)", State: p.state}
		}
		return StateHaveLocalOffer, nil
	case local && t == TypeAnswer:
		if p.state != StateHaveRemoteOffer {
			return "", &StateError{Op: op + "(answer)", State: p.state}
		}
		return StateStable, nil
	case !local && t == TypeOffer:
		if p.state != StateStable {
			return "", &StateError{Op: op + "(offer)", State: p.state}
		}
		return StateHaveRemoteOffer, nil
	case !local && t == TypeAnswer:
		if p.state != StateHaveLocalOffer {
			return "", &StateError{Op: op + "(answer)", State: p.state}
		}
		return StateStable, nil
	}
	return "", &StateError{Op: fmt.Sprintf("%s(%s)", op, t), State: p.state}
}

// AddICECandidate buffers or applies a remote ICE candidate. Candidates
// may race ahead of signaling; until the remote description is set they
// are buffered. Apply failures are logged and swallowed because late or
// invalid candidates are expected under normal network jitter.
func (p *PeerConnection) AddICECandidate(ctx context.Context, candidate ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return &StateError{Op: "addIceCandidate", State: p.state}
	}

	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		return nil
	}

	if err := p.neg.AddICECandidate(ctx, candidate); err != nil {
		p.logger.Warn("dropping ICE candidate", zap.Error(err))
	}
	return nil
}

// flushPendingLocked applies buffered candidates after the remote
// description lands. Callers must hold p.mu.
func (p *PeerConnection) flushPendingLocked(ctx context.Context) {
	for _, c := range p.pending {
		if err := p.neg.AddICECandidate(ctx, c); err != nil {
			p.logger.Warn("dropping buffered ICE candidate", zap.Error(err))
		}
	}
	p.pending = nil
}

// Rollback abandons an outstanding offer and returns to stable. Used to
// recover from glare, when both peers offered simultaneously.
func (p *PeerConnection) Rollback(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rollback := Description{Type: TypeRollback}
	switch p.state {
	case StateHaveLocalOffer:
		if err := p.neg.SetLocalDescription(ctx, rollback); err != nil {
			return fmt.Errorf("rollback local: %w", err)
		}
	case StateHaveRemoteOffer:
		if err := p.neg.SetRemoteDescription(ctx, rollback); err != nil {
			return fmt.Errorf("rollback remote: %w", err)
		}
		// Candidates must buffer again until the next remote
		// description lands
		p.remoteSet = p.remoteBeforeOffer
	default:
		return &StateError{Op: "rollback", State: p.state}
	}
	p.state = StateStable
	return nil
}

// Close releases the primitive and moves to the terminal closed state.
// Safe to call more than once.
func (p *PeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return nil
	}
	p.state = StateClosed
	p.pending = nil
	if err := p.neg.Close(); err != nil {
		return fmt.Errorf("close negotiator: %w", err)
	}
	return nil
}
