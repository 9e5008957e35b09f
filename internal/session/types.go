package session

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Peer is the part of a peer connection a Session drives.
type Peer interface {
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// GatheringComplete must be obtained before SetLocalDescription.
	GatheringComplete() <-chan struct{}
	OnStream(f func(Stream))
	OnStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// PeerFactory creates a fresh Peer for one negotiation.
type PeerFactory func() (Peer, error)

// Stream is an inbound media track. *webrtc.TrackRemote satisfies it.
type Stream interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Sink is where a negotiated stream ends up. It belongs to the display
// layer; a session only attaches and detaches.
type Sink interface {
	Attach(stream Stream)
	Detach()
}

// Step names a stage of the handshake.
type Step string

const (
	StepPeer              Step = "create peer connection"
	StepTransceiver       Step = "add transceiver"
	StepCreateOffer       Step = "create offer"
	StepLocalDescription  Step = "set local description"
	StepGather            Step = "gather candidates"
	StepSignal            Step = "exchange offer"
	StepRemoteDescription Step = "set remote description"
)

// StepError records which handshake step failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

type pionPeer struct {
	*webrtc.PeerConnection
}

func (p *pionPeer) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(p.PeerConnection)
}

func (p *pionPeer) OnStream(f func(Stream)) {
	p.PeerConnection.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (p *pionPeer) OnStateChange(f func(webrtc.PeerConnectionState)) {
	p.PeerConnection.OnConnectionStateChange(f)
}

// PionPeerFactory builds peers from api with the given configuration.
func PionPeerFactory(api *webrtc.API, config webrtc.Configuration) PeerFactory {
	return func() (Peer, error) {
		pc, err := api.NewPeerConnection(config)
		if err != nil {
			return nil, err
		}
		return &pionPeer{PeerConnection: pc}, nil
	}
}
