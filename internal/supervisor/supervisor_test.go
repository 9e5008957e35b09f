package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"rovercam/internal/notify"
	"rovercam/internal/registry"
	"rovercam/internal/session"
	"rovercam/internal/session/sessiontest"
	"rovercam/internal/signaling/signalingtest"
	"rovercam/pkg/models"
)

var (
	camera7 = models.CameraSource{ID: models.IntID(7), Label: "Camera 7"}
	camera1 = models.CameraSource{ID: models.IntID(1), Label: "Camera 1"}
	camera2 = models.CameraSource{ID: models.IntID(2), Label: "Camera 2"}
)

type harness struct {
	sup      *Supervisor
	signaler *signalingtest.Client
	factory  *sessiontest.Factory
	notifier *notify.Channel

	mu          sync.Mutex
	messages    []string
	transitions []Transition
	sinks       map[int]*sessiontest.Sink
}

func newHarness(t *testing.T, cameras []models.CameraSource, autoConnect bool) *harness {
	t.Helper()
	h := &harness{
		signaler: &signalingtest.Client{Cameras: cameras},
		factory:  &sessiontest.Factory{},
		notifier: notify.NewChannel(time.Minute),
		sinks:    make(map[int]*sessiontest.Sink),
	}
	h.notifier.Subscribe(func(n notify.Notification, active bool) {
		if active {
			h.mu.Lock()
			h.messages = append(h.messages, n.Message)
			h.mu.Unlock()
		}
	})
	h.sup = New(Config{
		Registry: registry.New(h.signaler, nil),
		Signaler: h.signaler,
		NewPeer:  h.factory.New,
		Sinks: func(index int, _ models.CameraSource) session.Sink {
			sink := &sessiontest.Sink{}
			h.mu.Lock()
			h.sinks[index] = sink
			h.mu.Unlock()
			return sink
		},
		Notifier:    h.notifier,
		AutoConnect: autoConnect,
		OnTransition: func(tr Transition) {
			h.mu.Lock()
			h.transitions = append(h.transitions, tr)
			h.mu.Unlock()
		},
	})
	t.Cleanup(func() { _ = h.sup.Close() })
	return h
}

func (h *harness) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func (h *harness) Transitions(index int) []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var states []State
	for _, tr := range h.transitions {
		if tr.Index == index {
			states = append(states, tr.To)
		}
	}
	return states
}

func (h *harness) Sink(index int) *sessiontest.Sink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinks[index]
}

func (h *harness) state(t *testing.T, index int) State {
	t.Helper()
	st, ok := h.sup.State(index)
	if !ok {
		t.Fatalf("slot %d does not exist", index)
	}
	return st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countContaining(messages []string, substr string) int {
	n := 0
	for _, m := range messages {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

// blockingOffers makes every offer wait until release is closed or the
// handshake is cancelled.
func blockingOffers(release <-chan struct{}) func(context.Context, models.OfferRequest) (*webrtc.SessionDescription, error) {
	return func(ctx context.Context, _ models.OfferRequest) (*webrtc.SessionDescription, error) {
		select {
		case <-release:
			return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: signalingtest.AnswerSDP}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestConnectSuccess(t *testing.T) {
	h := newHarness(t, []models.CameraSource{camera7}, false)

	if n := h.sup.Refresh(context.Background()); n != 1 {
		t.Fatalf("Refresh() = %d, want 1", n)
	}
	if h.sup.NoSources() {
		t.Fatal("NoSources() = true with one camera")
	}
	if st := h.state(t, 0); st != Disconnected {
		t.Fatalf("initial state = %s", st)
	}

	h.sup.RequestConnect(0)
	waitFor(t, "handshake", func() bool { return len(h.signaler.Offers()) == 1 && len(h.factory.Peers()) == 1 })

	offer := h.signaler.Offers()[0]
	if offer.CameraID != camera7.ID || offer.Type != "offer" {
		t.Errorf("offer = %+v", offer)
	}
	waitFor(t, "remote description", func() bool { return h.factory.Peers()[0].Remote() != nil })
	if st := h.state(t, 0); st != Connecting {
		t.Fatalf("state before media = %s, want connecting", st)
	}

	stream := sessiontest.NewStream("video")
	h.factory.Peers()[0].EmitStream(stream)

	if st := h.state(t, 0); st != Connected {
		t.Fatalf("state after media = %s, want connected", st)
	}
	if h.Sink(0).Attaches() != 1 {
		t.Errorf("sink attaches = %d, want 1", h.Sink(0).Attaches())
	}

	got := h.Transitions(0)
	want := []State{Connecting, Connected}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("transitions = %v, want %v", got, want)
	}

	n, ok := h.notifier.Current()
	if !ok || n.Message != "Connected to Camera 7 via WebRTC" {
		t.Errorf("notification = %q (%v)", n.Message, ok)
	}

	views := h.sup.Slots()
	if len(views) != 1 || views[0].Connectable || views[0].SessionID == "" {
		t.Errorf("slots = %+v", views)
	}
}

func TestDuplicateConnectWhileConnecting(t *testing.T) {
	h := newHarness(t, []models.CameraSource{camera7}, false)
	release := make(chan struct{})
	defer close(release)
	h.signaler.OfferFunc = blockingOffers(release)
	h.sup.Refresh(context.Background())

	h.sup.RequestConnect(0)
	h.sup.RequestConnect(0)

	waitFor(t, "offer", func() bool { return len(h.signaler.Offers()) == 1 })
	if n := len(h.factory.Peers()); n != 1 {
		t.Errorf("peers = %d, want 1", n)
	}
	if st := h.state(t, 0); st != Connecting {
		t.Errorf("state = %s, want connecting", st)
	}
	if n := countContaining(h.Messages(), "already connecting"); n != 1 {
		t.Errorf("already-connecting notifications = %d, want 1 (%v)", n, h.Messages())
	}
}

func TestConcurrentConnectRequests(t *testing.T) {
	h := newHarness(t, []models.CameraSource{camera7}, false)
	release := make(chan struct{})
	h.signaler.OfferFunc = blockingOffers(release)
	h.sup.Refresh(context.Background())

	const callers = 50
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			h.sup.RequestConnect(0)
		}()
	}
	wg.Wait()

	waitFor(t, "offer", func() bool { return len(h.signaler.Offers()) == 1 })
	close(release)
	waitFor(t, "remote description", func() bool { return h.factory.Peers()[0].Remote() != nil })

	if n := len(h.factory.Peers()); n != 1 {
		t.Errorf("peers = %d, want 1", n)
	}
	if n := len(h.signaler.Offers()); n != 1 {
		t.Errorf("offers = %d, want 1", n)
	}
	if n := countContaining(h.Messages(), "already connecting"); n != callers-1 {
		t.Errorf("already-connecting notifications = %d, want %d", n, callers-1)
	}
}

func TestSignalingFailure(t *testing.T) {
	h := newHarness(t, []models.CameraSource{camera7}, false)
	h.signaler.OfferFunc = func(context.Context, models.OfferRequest) (*webrtc.SessionDescription, error) {
		return nil, errors.New("connection refused")
	}
	h.sup.Refresh(context.Background())

	h.sup.RequestConnect(0)
	waitFor(t, "failure notification", func() bool { return len(h.Messages()) > 0 })
	_ = h.sup.Close()

	if st := h.state(t, 0); st != Disconnected {
		t.Errorf("state = %s, want disconnected", st)
	}
	msgs := h.Messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "Camera 7") || !strings.Contains(msgs[0], "failed") {
		t.Errorf("notifications = %v, want exactly one failure naming Camera 7", msgs)
	}
	if !h.factory.Peers()[0].Closed() {
		t.Error("peer left open after failure")
	}
	if got := h.Transitions(0); len(got) != 2 || got[1] != Disconnected {
		t.Errorf("transitions = %v", got)
	}
}

func TestRetryAfterFailure(t *testing.T) {
	h := newHarness(t, []models.CameraSource{camera7}, false)
	var calls int
	var mu sync.Mutex
	h.signaler.OfferFunc = func(context.Context, models.OfferRequest) (*webrtc.SessionDescription, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("timeout")
		}
		return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: signalingtest.AnswerSDP}, nil
	}
	h.sup.Refresh(context.Background())

	h.sup.RequestConnect(0)
	waitFor(t, "failure", func() bool { return countContaining(h.Messages(), "failed") == 1 })

	h.sup.RequestConnect(0)
	waitFor(t, "second peer", func() bool {
		peers := h.factory.Peers()
		return len(peers) == 2 && peers[1].Remote() != nil
	})
	h.factory.Peers()[1].EmitStream(sessiontest.NewStream("video"))

	if st := h.state(t, 0); st != Connected {
		t.Errorf("state = %s, want connected", st)
	}
}

func TestSlotsAreIndependent(t *testing.T) {
	h := newHarness(t, []models.CameraSource{camera1, camera2}, false)
	h.signaler.OfferFunc = func(_ context.Context, req models.OfferRequest) (*webrtc.SessionDescription, error) {
		if req.CameraID == camera1.ID {
			return nil, errors.New("camera busy")
		}
		return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: signalingtest.AnswerSDP}, nil
	}
	h.sup.Refresh(context.Background())

	h.sup.RequestConnect(0)
	waitFor(t, "slot 0 failure", func() bool { return countContaining(h.Messages(), "Camera 1") == 1 })

	h.sup.RequestConnect(1)
	waitFor(t, "slot 1 handshake", func() bool {
		peers := h.factory.Peers()
		return len(peers) == 2 && peers[1].Remote() != nil
	})
	h.factory.Peers()[1].EmitStream(sessiontest.NewStream("video"))

	if st := h.state(t, 0); st != Disconnected {
		t.Errorf("slot 0 = %s, want disconnected", st)
	}
	if st := h.state(t, 1); st != Connected {
		t.Errorf("slot 1 = %s, want connected", st)
	}
	if h.Sink(0).Attaches() != 0 || h.Sink(1).Attaches() != 1 {
		t.Errorf("sink attaches = %d, %d", h.Sink(0).Attaches(), h.Sink(1).Attaches())
	}
}

func TestSecondSlotConnectsWhileFirstIsConnecting(t *testing.T) {
	h := newHarness(t, []models.CameraSource{camera1, camera2}, false)
	release := make(chan struct{})
	h.signaler.OfferFunc = func(ctx context.Context, req models.OfferRequest) (*webrtc.SessionDescription, error) {
		if req.CameraID != camera1.ID {
			return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: signalingtest.AnswerSDP}, nil
		}
		select {
		case <-release:
			return nil, errors.New("camera busy")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.sup.Refresh(context.Background())

	h.sup.RequestConnect(0)
	waitFor(t, "slot 0 offer", func() bool { return len(h.signaler.Offers()) == 1 })

	h.sup.RequestConnect(0)
	h.sup.RequestConnect(1)
	waitFor(t, "slot 1 handshake", func() bool {
		peers := h.factory.Peers()
		return len(peers) == 2 && peers[1].Remote() != nil
	})
	h.factory.Peers()[1].EmitStream(sessiontest.NewStream("video"))

	if st := h.state(t, 0); st != Connecting {
		t.Errorf("slot 0 = %s, want connecting", st)
	}
	if st := h.state(t, 1); st != Connected {
		t.Errorf("slot 1 = %s, want connected", st)
	}
	if n := len(h.factory.Peers()); n != 2 {
		t.Errorf("peers = %d, want one per slot", n)
	}

	close(release)
	waitFor(t, "slot 0 failure", func() bool { return countContaining(h.Messages(), "Connection to Camera 1 failed") == 1 })

	if st := h.state(t, 0); st != Disconnected {
		t.Errorf("slot 0 = %s, want disconnected", st)
	}
	if st := h.state(t, 1); st != Connected {
		t.Errorf("slot 1 = %s after slot 0 failed, want connected", st)
	}
	if h.factory.Peers()[1].Closed() || h.Sink(1).Detaches() != 0 {
		t.Error("slot 1 session torn down by slot 0 failure")
	}
	if got := h.Transitions(1); len(got) != 2 || got[1] != Connected {
		t.Errorf("slot 1 transitions = %v", got)
	}
	if n := countContaining(h.Messages(), "Camera 2"); n != 1 {
		t.Errorf("Camera 2 notifications = %d, want 1 (%v)", n, h.Messages())
	}
}

func TestDiscoveryFailureShowsNoSources(t *testing.T) {
	h := newHarness(t, nil, true)
	h.signaler.ListErr = errors.New("dial tcp: connection refused")

	if n := h.sup.Refresh(context.Background()); n != 0 {
		t.Fatalf("Refresh() = %d, want 0", n)
	}
	if !h.sup.NoSources() || h.sup.Len() != 0 {
		t.Error("expected empty slot table")
	}
	if len(h.signaler.Offers()) != 0 {
		t.Error("offer sent with no sources")
	}

	// Unknown indexes are ignored.
	h.sup.RequestConnect(0)
	h.sup.RequestConnect(-1)
	if len(h.factory.Peers()) != 0 || len(h.Messages()) != 0 {
		t.Error("connect on empty table had side effects")
	}
}

func TestAutoConnect(t *testing.T) {
	h := newHarness(t, []models.CameraSource{camera1, camera2}, true)
	h.sup.Refresh(context.Background())

	waitFor(t, "two offers", func() bool { return len(h.signaler.Offers()) == 2 })
	seen := map[string]bool{}
	for _, o := range h.signaler.Offers() {
		seen[o.CameraID.String()] = true
	}
	if !seen["1"] || !seen["2"] {
		t.Errorf("offers for %v, want both cameras", seen)
	}
}

func TestRefreshCancelsHandshake(t *testing.T) {
	h := newHarness(t, []models.CameraSource{camera7}, false)
	release := make(chan struct{})
	defer close(release)
	h.signaler.OfferFunc = blockingOffers(release)
	h.sup.Refresh(context.Background())

	h.sup.RequestConnect(0)
	waitFor(t, "offer", func() bool { return len(h.signaler.Offers()) == 1 })

	h.signaler.SetCameras([]models.CameraSource{camera1, camera2})
	if n := h.sup.Refresh(context.Background()); n != 2 {
		t.Fatalf("Refresh() = %d, want 2", n)
	}
	_ = h.sup.Close()

	if !h.factory.Peers()[0].Closed() {
		t.Error("stale peer left open")
	}
	if n := countContaining(h.Messages(), "failed"); n != 0 {
		t.Errorf("stale handshake produced notifications: %v", h.Messages())
	}
	for i := 0; i < 2; i++ {
		if st := h.state(t, i); st != Disconnected {
			t.Errorf("slot %d = %s, want disconnected", i, st)
		}
	}
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, []models.CameraSource{camera7}, false)
	h.sup.Refresh(context.Background())

	if h.sup.Disconnect(0) {
		t.Error("Disconnect() on idle slot = true")
	}

	h.sup.RequestConnect(0)
	waitFor(t, "handshake", func() bool {
		peers := h.factory.Peers()
		return len(peers) == 1 && peers[0].Remote() != nil
	})
	h.factory.Peers()[0].EmitStream(sessiontest.NewStream("video"))

	if !h.sup.Disconnect(0) {
		t.Fatal("Disconnect() = false on connected slot")
	}
	if st := h.state(t, 0); st != Disconnected {
		t.Errorf("state = %s", st)
	}
	if !h.factory.Peers()[0].Closed() || h.Sink(0).Detaches() != 1 {
		t.Error("session not torn down")
	}
	if n, _ := h.notifier.Current(); n.Message != "Disconnected from Camera 7" {
		t.Errorf("notification = %q", n.Message)
	}
}

func TestRemotePeerFailure(t *testing.T) {
	h := newHarness(t, []models.CameraSource{camera7}, false)
	h.sup.Refresh(context.Background())

	h.sup.RequestConnect(0)
	waitFor(t, "handshake", func() bool {
		peers := h.factory.Peers()
		return len(peers) == 1 && peers[0].Remote() != nil
	})
	peer := h.factory.Peers()[0]
	peer.EmitStream(sessiontest.NewStream("video"))
	peer.EmitState(webrtc.PeerConnectionStateFailed)

	if st := h.state(t, 0); st != Disconnected {
		t.Errorf("state = %s, want disconnected", st)
	}
	if !peer.Closed() {
		t.Error("failed peer not closed")
	}
	if n, _ := h.notifier.Current(); n.Message != "Camera 7 disconnected" {
		t.Errorf("notification = %q", n.Message)
	}

	h.sup.RequestConnect(0)
	waitFor(t, "reconnect", func() bool { return len(h.factory.Peers()) == 2 })
}

func TestAlreadyConnectedNotice(t *testing.T) {
	h := newHarness(t, []models.CameraSource{camera7}, false)
	h.sup.Refresh(context.Background())

	h.sup.RequestConnect(0)
	waitFor(t, "handshake", func() bool {
		peers := h.factory.Peers()
		return len(peers) == 1 && peers[0].Remote() != nil
	})
	h.factory.Peers()[0].EmitStream(sessiontest.NewStream("video"))

	h.sup.RequestConnect(0)
	if n, _ := h.notifier.Current(); n.Message != "Camera 7 is already connected" {
		t.Errorf("notification = %q", n.Message)
	}
	if len(h.factory.Peers()) != 1 {
		t.Error("second peer created for connected slot")
	}
}
