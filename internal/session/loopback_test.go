package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"rovercam/internal/session"
	"rovercam/internal/session/sessiontest"
	"rovercam/internal/signaling"
	"rovercam/pkg/models"
)

// roverServer answers offers the way the rover does: one sendonly VP8 track
// per peer connection.
type roverServer struct {
	api *webrtc.API

	mu   sync.Mutex
	pcs  []*webrtc.PeerConnection
	stop chan struct{}
}

func (rs *roverServer) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req models.OfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pc, err := rs.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rs.mu.Lock()
	rs.pcs = append(rs.pcs, pc)
	rs.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "rover")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := pc.AddTrack(track); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	<-gathered

	go func() {
		ticker := time.NewTicker(33 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-rs.stop:
				return
			case <-ticker.C:
				_ = track.WriteSample(media.Sample{Data: []byte{0xde, 0xad, 0xbe, 0xef}, Duration: 33 * time.Millisecond})
			}
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pc.LocalDescription())
}

func (rs *roverServer) close() {
	close(rs.stop)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, pc := range rs.pcs {
		_ = pc.Close()
	}
}

func TestLoopbackHandshake(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC loopback handshake in short mode")
	}

	remoteAPI, err := session.NewAPI(session.APIConfig{IncludeLoopback: true})
	if err != nil {
		t.Fatalf("NewAPI() error = %v", err)
	}
	rover := &roverServer{api: remoteAPI, stop: make(chan struct{})}
	defer rover.close()

	mux := http.NewServeMux()
	mux.HandleFunc("/offer", rover.handleOffer)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api, err := session.NewAPI(session.APIConfig{IncludeLoopback: true, PLIInterval: time.Second})
	if err != nil {
		t.Fatalf("NewAPI() error = %v", err)
	}

	sink := &sessiontest.Sink{}
	attached := make(chan struct{})
	s := session.New(session.Config{
		Source:   camera7,
		NewPeer:  session.PionPeerFactory(api, webrtc.Configuration{}),
		Signaler: signaling.NewHTTPClient(srv.URL, 5*time.Second, nil),
		Sink:     sink,
		OnAttach: func(*session.Session) { close(attached) },
	})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Negotiate(ctx); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}

	select {
	case <-attached:
	case <-time.After(15 * time.Second):
		t.Fatal("no media stream attached")
	}
	if sink.Attaches() != 1 {
		t.Errorf("attaches = %d, want 1", sink.Attaches())
	}
}
