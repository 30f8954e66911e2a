package device

import (
	"fmt"

	"github.com/danmuck/kcounter/internal/observability"
	"github.com/danmuck/kcounter/internal/transfer"
	"github.com/rs/zerolog/log"
)

// Dispatcher validates control requests and runs them against a session.
// It holds no state of its own.
type Dispatcher struct{}

// Dispatch decodes cmd and runs it. On success the status is always 0; the
// number of bytes moved is not reported. Transfer failures come back unchanged.
func (d *Dispatcher) Dispatch(s *Session, cmd uint32, region transfer.Region) (int64, error) {
	name := s.endpoint.name
	log.Info().
		Str("device", name).
		Str("session", s.id).
		Uint32("cmd", cmd).
		Msg("device.Dispatcher.Dispatch ioctl")

	if s.State() != StateOpen {
		observability.RecordDispatch(name, "unknown", observability.OutcomeClosed)
		return 0, ErrClosed
	}

	req, err := DecodeRequest(cmd)
	if err != nil {
		observability.RecordDispatch(name, "unknown", observability.OutcomeUnsupported)
		log.Error().
			Str("device", name).
			Str("session", s.id).
			Msgf("device.Dispatcher.Dispatch ioctl not recognised cmd=%#x", cmd)
		return 0, err
	}

	switch r := req.(type) {
	case ReadMessage:
		return d.readMessage(s, r, region)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupported, req.Name())
	}
}

func (d *Dispatcher) readMessage(s *Session, r ReadMessage, region transfer.Region) (int64, error) {
	name := s.endpoint.name
	w := transfer.NewSlice(region, r.Size).Writer()
	if _, err := w.Write(s.msg.raw()); err != nil {
		observability.RecordDispatch(name, r.Name(), observability.OutcomeFault)
		log.Warn().
			Str("device", name).
			Str("session", s.id).
			Int("len", s.msg.Len()).
			Uint32("size", r.Size).
			Err(err).
			Msg("device.Dispatcher.readMessage transfer failed")
		return 0, err
	}
	observability.RecordDispatch(name, r.Name(), observability.OutcomeOK)
	return 0, nil
}
