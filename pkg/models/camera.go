package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNoCameraList is returned when a discovery payload carries no camera records.
	ErrNoCameraList = errors.New("no camera list in response")
	// ErrInvalidRecord marks a single camera record that could not be used.
	ErrInvalidRecord = errors.New("invalid camera record")
	ErrMissingID     = errors.New("camera id is missing")
)

// SourceID is the opaque identifier the control service assigns to a camera.
// It remembers whether it arrived as a JSON number or a JSON string so it is
// sent back in the same form.
type SourceID struct {
	value   string
	numeric bool
}

func IntID(n int64) SourceID {
	return SourceID{value: strconv.FormatInt(n, 10), numeric: true}
}

func StringID(s string) SourceID {
	return SourceID{value: s}
}

func (id SourceID) String() string { return id.value }

// IsNumeric reports whether the id was received as a JSON number.
func (id SourceID) IsNumeric() bool { return id.numeric }

// Int64 returns the id as an integer when it is numeric and integral.
func (id SourceID) Int64() (int64, bool) {
	if !id.numeric {
		return 0, false
	}
	n, err := strconv.ParseInt(id.value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (id SourceID) MarshalJSON() ([]byte, error) {
	if id.numeric && id.value != "" {
		return []byte(id.value), nil
	}
	return json.Marshal(id.value)
}

func (id *SourceID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return ErrMissingID
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return ErrMissingID
		}
		*id = StringID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("camera id must be a number or string: %w", err)
	}
	if n == "" {
		return ErrMissingID
	}
	*id = SourceID{value: n.String(), numeric: true}
	return nil
}

// CameraSource is one remote camera feed as reported by discovery.
type CameraSource struct {
	ID    SourceID `json:"id"`
	Label string   `json:"label"`
	// RemoteConnected mirrors the control service's own view of whether
	// some peer is already streaming this camera. Display only.
	RemoteConnected bool `json:"connected,omitempty"`
}

func (c *CameraSource) UnmarshalJSON(b []byte) error {
	var rec struct {
		ID        json.RawMessage `json:"id"`
		Label     string          `json:"label"`
		Connected bool            `json:"connected"`
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return err
	}
	if len(rec.ID) == 0 {
		return ErrMissingID
	}
	var id SourceID
	if err := json.Unmarshal(rec.ID, &id); err != nil {
		return err
	}
	*c = CameraSource{ID: id, Label: rec.Label, RemoteConnected: rec.Connected}
	return nil
}

// DisplayName is the label, or a generated one when the service sent none.
func (c CameraSource) DisplayName() string {
	if c.Label != "" {
		return c.Label
	}
	return "Camera " + c.ID.String()
}

// CameraListResponse is the body of GET /cameras.
type CameraListResponse struct {
	Cameras []CameraSource `json:"cameras"`
}

// DecodeCameraList accepts either the {"cameras": [...]} envelope or a bare
// array of camera records. Records that cannot be used are skipped: the
// valid ones are returned together with an error wrapping ErrInvalidRecord
// for each skipped record.
func DecodeCameraList(body []byte) ([]CameraSource, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrNoCameraList
	}

	var records []json.RawMessage
	if body[0] == '[' {
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("decode camera list: %w", err)
		}
	} else {
		var resp struct {
			Cameras *[]json.RawMessage `json:"cameras"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode camera list: %w", err)
		}
		if resp.Cameras == nil {
			return nil, ErrNoCameraList
		}
		records = *resp.Cameras
	}

	list := make([]CameraSource, 0, len(records))
	var errs []error
	for i, raw := range records {
		var cam CameraSource
		if err := json.Unmarshal(raw, &cam); err != nil {
			errs = append(errs, fmt.Errorf("%w %d: %w", ErrInvalidRecord, i, err))
			continue
		}
		list = append(list, cam)
	}
	return list, errors.Join(errs...)
}
