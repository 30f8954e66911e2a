package device

import (
	"sync/atomic"
	"time"

	"github.com/danmuck/kcounter/internal/observability"
	"github.com/danmuck/kcounter/internal/transfer"
	"github.com/rs/zerolog/log"
)

// State is the session lifecycle position.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Session is one open-to-close episode of exclusive use.
type Session struct {
	id       string
	owner    string
	endpoint *Endpoint
	msg      Message
	claim    *Claim
	openedAt time.Time
	state    atomic.Int32
}

func (s *Session) ID() string {
	return s.id
}

// Owner is the caller that opened the session.
func (s *Session) Owner() string {
	return s.owner
}

// Endpoint is the device the session belongs to. Used for diagnostics.
func (s *Session) Endpoint() *Endpoint {
	return s.endpoint
}

func (s *Session) Message() Message {
	return s.msg
}

func (s *Session) OpenedAt() time.Time {
	return s.openedAt
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Ioctl routes one control request through the endpoint's dispatcher.
func (s *Session) Ioctl(cmd uint32, region transfer.Region) (int64, error) {
	return s.endpoint.dispatcher.Dispatch(s, cmd, region)
}

// Release closes the session and frees the guard. Later calls are no-ops.
func (s *Session) Release() error {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil
	}
	name := s.endpoint.name
	s.endpoint.current.CompareAndSwap(s, nil)
	// The gauge must drop before the claim does, or it can overwrite the
	// next holder's 1.
	observability.SetSessionLive(name, false)
	s.claim.Release()
	s.state.Store(int32(StateClosed))

	log.Info().
		Str("device", name).
		Str("session", s.id).
		Str("owner", s.owner).
		Dur("held", time.Since(s.openedAt)).
		Msg("device.Session.Release exiting session")
	return nil
}
