package rtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ICEConfig holds the ICE server configuration handed to every new
// PeerConnection. Order matters: pion tries servers in sequence.
type ICEConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
}

// servers converts the config into pion's representation. With no servers
// configured the connection still produces host candidates, which is
// enough for same-LAN testing.
func (c ICEConfig) servers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNURLs})
	}
	if len(c.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.TURNURLs,
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		})
	}
	return servers
}

// PionNegotiator adapts a pion/webrtc PeerConnection to the Negotiator
// interface. pion's API is not context-aware, so the context parameters
// are accepted for interface symmetry only.
type PionNegotiator struct {
	pc *webrtc.PeerConnection
}

// NewPionNegotiator creates a pion-backed negotiation primitive
func NewPionNegotiator(cfg ICEConfig) (*PionNegotiator, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: cfg.servers(),
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &PionNegotiator{pc: pc}, nil
}

// Underlying exposes the wrapped pion connection for track and data
// channel plumbing that sits outside the negotiation state machine.
func (n *PionNegotiator) Underlying() *webrtc.PeerConnection {
	return n.pc
}

func (n *PionNegotiator) CreateOffer(_ context.Context) (Description, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, err
	}
	return fromPion(offer), nil
}

func (n *PionNegotiator) CreateAnswer(_ context.Context) (Description, error) {
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	return fromPion(answer), nil
}

func (n *PionNegotiator) SetLocalDescription(_ context.Context, desc Description) error {
	return n.pc.SetLocalDescription(toPion(desc))
}

func (n *PionNegotiator) SetRemoteDescription(_ context.Context, desc Description) error {
	return n.pc.SetRemoteDescription(toPion(desc))
}

func (n *PionNegotiator) AddICECandidate(_ context.Context, candidate ICECandidate) error {
	return n.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

func (n *PionNegotiator) Close() error {
	return n.pc.Close()
}

func fromPion(desc webrtc.SessionDescription) Description {
	return Description{Type: DescriptionType(desc.Type.String()), SDP: desc.SDP}
}

func toPion(desc Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(desc.Type)),
		SDP:  desc.SDP,
	}
}
