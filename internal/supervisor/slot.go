package supervisor

import (
	"context"
	"fmt"

	"rovercam/internal/session"
	"rovercam/pkg/models"
)

// State is a slot's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// slot is one camera's connection record. session is non-nil exactly when
// state is Connecting or Connected.
type slot struct {
	source  models.CameraSource
	state   State
	session *session.Session
	cancel  context.CancelFunc
	sink    session.Sink
}

// release drops the slot's session and cancels its handshake. The caller
// closes the returned session outside the supervisor lock.
func (s *slot) release() *session.Session {
	sess := s.session
	if s.cancel != nil {
		s.cancel()
	}
	s.session = nil
	s.cancel = nil
	return sess
}

// SlotView is what the display layer renders for one tile.
type SlotView struct {
	Index           int             `json:"index"`
	ID              models.SourceID `json:"id"`
	Label           string          `json:"label"`
	State           State           `json:"state"`
	Connectable     bool            `json:"connectable"`
	RemoteConnected bool            `json:"remote_connected"`
	SessionID       string          `json:"session_id,omitempty"`
}

// Transition describes one slot state change.
type Transition struct {
	Index  int
	Source models.CameraSource
	From   State
	To     State
}
