// Package session performs one offer/answer handshake for one camera and
// attaches the first inbound stream to a sink.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rovercam/internal/signaling"
	"rovercam/pkg/models"
)

var (
	ErrClosed    = errors.New("session closed")
	ErrBadAnswer = errors.New("unusable answer")
)

type Config struct {
	Source   models.CameraSource
	NewPeer  PeerFactory
	Signaler signaling.Client
	Sink     Sink

	// OnAttach runs once, after the first stream reached the sink.
	OnAttach func(*Session)
	// OnClose runs when the peer connection fails or is closed remotely.
	OnClose func(*Session)

	LoggerFactory logging.LoggerFactory
}

// Session owns one peer connection for one camera source.
type Session struct {
	ID string

	source   models.CameraSource
	newPeer  PeerFactory
	signaler signaling.Client
	sink     Sink
	onAttach func(*Session)
	onClose  func(*Session)
	tracer   trace.Tracer
	log      logging.LeveledLogger

	attached atomic.Bool

	mu     sync.Mutex
	peer   Peer
	closed bool
}

func New(cfg Config) *Session {
	loggerFactory := cfg.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Session{
		ID:       uuid.New().String(),
		source:   cfg.Source,
		newPeer:  cfg.NewPeer,
		signaler: cfg.Signaler,
		sink:     cfg.Sink,
		onAttach: cfg.OnAttach,
		onClose:  cfg.OnClose,
		tracer:   otel.Tracer("session"),
		log:      loggerFactory.NewLogger("session"),
	}
}

func (s *Session) Source() models.CameraSource { return s.source }

// Attached reports whether a stream has been handed to the sink.
func (s *Session) Attached() bool { return s.attached.Load() }

// Negotiate runs the handshake: recvonly video transceiver, local offer,
// offer exchange, remote answer. Media arrives later through OnAttach.
func (s *Session) Negotiate(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session.Negotiate", trace.WithAttributes(
		attribute.String("session_id", s.ID),
		attribute.String("camera_id", s.source.ID.String()),
	))
	defer span.End()

	fail := func(step Step, err error) error {
		stepErr := &StepError{Step: step, Err: err}
		span.RecordError(stepErr)
		span.SetStatus(codes.Error, string(step))
		s.log.Warnf("session %s (%s): %v", s.ID, s.source.DisplayName(), stepErr)
		return stepErr
	}

	peer, err := s.newPeer()
	if err != nil {
		return fail(StepPeer, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = peer.Close()
		return fail(StepPeer, ErrClosed)
	}
	s.peer = peer
	s.mu.Unlock()

	peer.OnStream(s.handleStream)
	peer.OnStateChange(s.handleStateChange)

	if _, err := peer.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fail(StepTransceiver, err)
	}

	offer, err := peer.CreateOffer(nil)
	if err != nil {
		return fail(StepCreateOffer, err)
	}

	gathered := peer.GatheringComplete()
	if err := peer.SetLocalDescription(offer); err != nil {
		return fail(StepLocalDescription, err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(StepGather, ctx.Err())
	}

	local := peer.LocalDescription()
	if local == nil {
		local = &offer
	}

	answer, err := s.signaler.Offer(ctx, models.OfferRequest{
		SDP:      local.SDP,
		Type:     local.Type.String(),
		CameraID: s.source.ID,
	})
	if err != nil {
		return fail(StepSignal, err)
	}

	if err := validateAnswer(answer); err != nil {
		return fail(StepRemoteDescription, err)
	}
	if err := peer.SetRemoteDescription(*answer); err != nil {
		return fail(StepRemoteDescription, err)
	}

	s.log.Debugf("session %s (%s): handshake complete", s.ID, s.source.DisplayName())
	return nil
}

// Close tears the session down. It is safe to call more than once and
// before Negotiate has created the peer.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peer := s.peer
	s.mu.Unlock()

	if s.attached.Load() && s.sink != nil {
		s.sink.Detach()
	}
	if peer != nil {
		return peer.Close()
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) handleStream(stream Stream) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.attached.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.log.Debugf("session %s: ignoring extra %s stream %s", s.ID, stream.Kind(), stream.ID())
		return
	}
	s.log.Infof("session %s (%s): attaching %s stream %s", s.ID, s.source.DisplayName(), stream.Codec().MimeType, stream.ID())
	if s.sink != nil {
		s.sink.Attach(stream)
	}
	s.mu.Unlock()

	if s.onAttach != nil {
		s.onAttach(s)
	}
}

func (s *Session) handleStateChange(state webrtc.PeerConnectionState) {
	s.log.Debugf("session %s (%s): connection state %s", s.ID, s.source.DisplayName(), state)
	if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed {
		return
	}
	if s.isClosed() {
		return
	}
	if s.onClose != nil {
		s.onClose(s)
	}
}

func validateAnswer(desc *webrtc.SessionDescription) error {
	if desc == nil {
		return fmt.Errorf("%w: empty", ErrBadAnswer)
	}
	if desc.Type != webrtc.SDPTypeAnswer && desc.Type != webrtc.SDPTypePranswer {
		return fmt.Errorf("%w: type %s", ErrBadAnswer, desc.Type)
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("%w: %v", ErrBadAnswer, err)
	}
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media == "video" {
			return nil
		}
	}
	return fmt.Errorf("%w: no video section", ErrBadAnswer)
}
