// Package sessiontest provides fake peers, streams and sinks for tests.
package sessiontest

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"rovercam/internal/session"
)

// OfferSDP is what a fake peer offers.
const OfferSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

// Peer records what a session does to it and lets tests fire events.
type Peer struct {
	mu sync.Mutex

	// FailOn makes the named method return an error, e.g. "CreateOffer".
	FailOn string

	transceivers []webrtc.RTPTransceiverDirection
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	onStream     func(session.Stream)
	onState      func(webrtc.PeerConnectionState)
	closed       bool
}

func (p *Peer) fail(method string) error {
	if p.FailOn == method {
		return errors.New(method + " failed")
	}
	return nil
}

func (p *Peer) AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("AddTransceiverFromKind"); err != nil {
		return nil, err
	}
	dir := webrtc.RTPTransceiverDirectionSendrecv
	if len(init) > 0 {
		dir = init[0].Direction
	}
	p.transceivers = append(p.transceivers, dir)
	return nil, nil
}

func (p *Peer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("CreateOffer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: OfferSDP}, nil
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("SetLocalDescription"); err != nil {
		return err
	}
	p.local = &desc
	return nil
}

func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("SetRemoteDescription"); err != nil {
		return err
	}
	p.remote = &desc
	return nil
}

func (p *Peer) GatheringComplete() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (p *Peer) OnStream(f func(session.Stream)) {
	p.mu.Lock()
	p.onStream = f
	p.mu.Unlock()
}

func (p *Peer) OnStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// EmitStream delivers an inbound stream as the transport would.
func (p *Peer) EmitStream(s session.Stream) {
	p.mu.Lock()
	f := p.onStream
	p.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// EmitState reports a connection state change.
func (p *Peer) EmitState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	if f != nil {
		f(state)
	}
}

func (p *Peer) Transceivers() []webrtc.RTPTransceiverDirection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.RTPTransceiverDirection(nil), p.transceivers...)
}

func (p *Peer) Remote() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Factory hands out fake peers and remembers them.
type Factory struct {
	mu  sync.Mutex
	Err error

	// Prepare, when set, configures each new peer before use.
	Prepare func(index int, p *Peer)

	peers []*Peer
}

func (f *Factory) New() (session.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	p := &Peer{}
	if f.Prepare != nil {
		f.Prepare(len(f.peers), p)
	}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Stream is an in-memory inbound track fed through Push.
type Stream struct {
	TrackID  string
	MimeType string

	once    sync.Once
	packets chan *rtp.Packet
	done    chan struct{}
}

func NewStream(id string) *Stream {
	return &Stream{
		TrackID:  id,
		MimeType: webrtc.MimeTypeVP8,
		packets:  make(chan *rtp.Packet, 64),
		done:     make(chan struct{}),
	}
}

func (s *Stream) ID() string { return s.TrackID }
func (s *Stream) StreamID() string { return "stream-" + s.TrackID }
func (s *Stream) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }
func (s *Stream) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: s.MimeType, ClockRate: 90000},
		PayloadType:        96,
	}
}

func (s *Stream) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case pkt := <-s.packets:
		return pkt, interceptor.Attributes{}, nil
	case <-s.done:
		return nil, nil, io.EOF
	}
}

func (s *Stream) Push(pkt *rtp.Packet) { s.packets <- pkt }

// End makes further reads return io.EOF.
func (s *Stream) End() { s.once.Do(func() { close(s.done) }) }

// Sink counts attach and detach calls.
type Sink struct {
	mu       sync.Mutex
	attached []session.Stream
	detaches int
}

func (s *Sink) Attach(stream session.Stream) {
	s.mu.Lock()
	s.attached = append(s.attached, stream)
	s.mu.Unlock()
}

func (s *Sink) Detach() {
	s.mu.Lock()
	s.detaches++
	s.mu.Unlock()
}

func (s *Sink) Attaches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

func (s *Sink) Detaches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detaches
}
