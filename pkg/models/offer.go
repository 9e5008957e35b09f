package models

// OfferRequest is the body of POST /offer.
type OfferRequest struct {
	SDP      string   `json:"sdp"`
	Type     string   `json:"type"`
	CameraID SourceID `json:"camera_id"`
}
