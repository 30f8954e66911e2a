package device

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/kcounter/internal/misc"
	"github.com/danmuck/kcounter/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultName is the endpoint name registered when none is configured.
const DefaultName = "kcounter"

// Options configures an Endpoint.
type Options struct {
	Name string
	// Renderer overrides message rendering. Nil uses RenderMessage.
	Renderer Renderer
}

// Endpoint is the single-session counter device.
type Endpoint struct {
	name       string
	shared     *Shared
	gen        *MessageGenerator
	dispatcher *Dispatcher
	current    atomic.Pointer[Session]
}

var _ misc.Device = (*Endpoint)(nil)
var _ misc.File = (*Session)(nil)

// NewEndpoint builds an endpoint over shared. A nil shared gets a fresh one.
func NewEndpoint(shared *Shared, opts Options) *Endpoint {
	if shared == nil {
		shared = NewShared()
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = DefaultName
	}
	return &Endpoint{
		name:       name,
		shared:     shared,
		gen:        NewMessageGenerator(shared, opts.Renderer),
		dispatcher: &Dispatcher{},
	}
}

func (e *Endpoint) Name() string {
	return e.name
}

func (e *Endpoint) Shared() *Shared {
	return e.shared
}

// Count is the number of sessions opened so far.
func (e *Endpoint) Count() int64 {
	return e.shared.Counter.Load()
}

// Session returns the live session, if any.
func (e *Endpoint) Session() (*Session, bool) {
	s := e.current.Load()
	return s, s != nil
}

// State reports where the endpoint is in the session lifecycle.
func (e *Endpoint) State() State {
	if s := e.current.Load(); s != nil {
		return s.State()
	}
	if e.shared.Guard.Held() {
		return StateOpening
	}
	return StateClosed
}

// Open implements misc.Device.
func (e *Endpoint) Open(ctx context.Context, owner string) (misc.File, error) {
	s, err := e.OpenSession(ctx, owner)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSession claims the endpoint for owner and renders its message.
// Every failure after the claim is won releases it again, panics included.
func (e *Endpoint) OpenSession(ctx context.Context, owner string) (sess *Session, err error) {
	claim, ok := e.shared.Guard.Acquire()
	if !ok {
		observability.RecordOpen(e.name, observability.OutcomeBusy)
		log.Info().
			Str("device", e.name).
			Str("owner", owner).
			Msg("device.Endpoint.Open device is open somewhere else")
		return nil, ErrBusy
	}
	defer func() {
		if sess == nil {
			claim.Release()
		}
	}()

	if err := ctx.Err(); err != nil {
		observability.RecordOpen(e.name, observability.OutcomeCancelled)
		log.Warn().
			Str("device", e.name).
			Str("owner", owner).
			Err(err).
			Msg("device.Endpoint.Open caller gone before session")
		return nil, err
	}

	msg, err := e.gen.Next(claim)
	if err != nil {
		observability.RecordOpen(e.name, observability.OutcomeNoMemory)
		log.Error().
			Str("device", e.name).
			Str("owner", owner).
			Err(err).
			Msg("device.Endpoint.Open message render failed")
		return nil, err
	}

	s := &Session{
		id:       uuid.NewString(),
		owner:    owner,
		endpoint: e,
		msg:      msg,
		claim:    claim,
		openedAt: time.Now(),
	}
	s.state.Store(int32(StateOpen))
	e.current.Store(s)

	count := e.shared.Counter.Load()
	observability.RecordOpen(e.name, observability.OutcomeOK)
	observability.SetSessionLive(e.name, true)
	observability.SetCounter(e.name, count)
	log.Info().
		Str("device", e.name).
		Str("session", s.id).
		Str("owner", owner).
		Int64("count", count).
		Msg("device.Endpoint.Open opening session")
	return s, nil
}
