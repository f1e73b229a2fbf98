package rtc

import "context"

// DescriptionType tags a session description
type DescriptionType string

const (
	TypeOffer    DescriptionType = "offer"
	TypeAnswer   DescriptionType = "answer"
	TypeRollback DescriptionType = "rollback"
)

// Description is a typed SDP blob. The SDP text is opaque beyond what the
// normalizer rewrites.
type Description struct {
	Type DescriptionType `json:"type"`
	SDP  string          `json:"sdp"`
}

// ICECandidate is a proposed network path for the peer-to-peer connection
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Negotiator is the underlying negotiation primitive a PeerConnection
// drives. Production code uses the pion adapter; tests use a fake.
type Negotiator interface {
	CreateOffer(ctx context.Context) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetLocalDescription(ctx context.Context, desc Description) error
	SetRemoteDescription(ctx context.Context, desc Description) error
	AddICECandidate(ctx context.Context, candidate ICECandidate) error
	Close() error
}
