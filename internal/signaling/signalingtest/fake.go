// Package signalingtest provides an in-memory signaling.Client for tests.
package signalingtest

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"rovercam/pkg/models"
)

// AnswerSDP is a minimal answer with one sendonly VP8 video section.
const AnswerSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

// Client is a scriptable signaling.Client. The zero value answers every
// offer with AnswerSDP and discovers no cameras.
type Client struct {
	mu sync.Mutex

	Cameras []models.CameraSource
	ListErr error

	// OfferFunc, when set, decides the reply to each offer.
	OfferFunc func(ctx context.Context, req models.OfferRequest) (*webrtc.SessionDescription, error)

	listCalls int
	offers    []models.OfferRequest
	closed    bool
}

func (c *Client) ListCameras(ctx context.Context) ([]models.CameraSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	out := make([]models.CameraSource, len(c.Cameras))
	copy(out, c.Cameras)
	return out, nil
}

func (c *Client) Offer(ctx context.Context, req models.OfferRequest) (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.offers = append(c.offers, req)
	fn := c.OfferFunc
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: AnswerSDP}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// SetCameras replaces the discovery result.
func (c *Client) SetCameras(cameras []models.CameraSource) {
	c.mu.Lock()
	c.Cameras = cameras
	c.mu.Unlock()
}

func (c *Client) ListCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls
}

// Offers returns a copy of every offer received so far.
func (c *Client) Offers() []models.OfferRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.OfferRequest, len(c.offers))
	copy(out, c.offers)
	return out
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
