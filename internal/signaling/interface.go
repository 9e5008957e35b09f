package signaling

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"rovercam/pkg/models"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrNoAnswer         = errors.New("no session description in answer")
	ErrBadAnswer        = errors.New("answer is not an sdp answer")
	ErrClosed           = errors.New("signaling client closed")
)

// Client talks to the rover's control service.
type Client interface {
	ListCameras(ctx context.Context) ([]models.CameraSource, error)
	Offer(ctx context.Context, req models.OfferRequest) (*webrtc.SessionDescription, error)
	Close() error
}
