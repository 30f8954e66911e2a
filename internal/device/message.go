package device

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
)

// MessageTemplate is rendered once per successful open.
const MessageTemplate = "I already told you %d times Hello world!\n"

// Counter counts successful opens. It only moves forward.
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Load() int64 {
	return c.v.Load()
}

// advance moves the counter from prev to prev+1.
func (c *Counter) advance(prev int64) bool {
	return c.v.CompareAndSwap(prev, prev+1)
}

// Shared is the process-wide state every entry point threads through.
// Construct one per endpoint; tests construct a fresh one each.
type Shared struct {
	Guard   Guard
	Counter Counter
}

func NewShared() *Shared {
	return &Shared{}
}

// Message is a rendered, NUL-terminated message. It never changes.
type Message struct {
	b []byte
}

// Bytes returns a copy including the terminator.
func (m Message) Bytes() []byte {
	return bytes.Clone(m.b)
}

// Len is the transfer length including the terminator.
func (m Message) Len() int {
	return len(m.b)
}

// Text is the message without its terminator.
func (m Message) Text() string {
	return string(bytes.TrimSuffix(m.b, []byte{0}))
}

func (m Message) raw() []byte {
	return m.b
}

// Renderer produces the terminated message for count n.
type Renderer func(n int64) ([]byte, error)

// RenderMessage instantiates MessageTemplate for n.
func RenderMessage(n int64) ([]byte, error) {
	out := fmt.Appendf(nil, MessageTemplate, n)
	return append(out, 0), nil
}

// LimitedRenderer fails with ErrNoMemory when a message would exceed limit bytes.
// A limit of zero or less disables the budget.
func LimitedRenderer(limit int) Renderer {
	return func(n int64) ([]byte, error) {
		out, err := RenderMessage(n)
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(out) > limit {
			return nil, fmt.Errorf("%w: message of %d bytes over budget %d", ErrNoMemory, len(out), limit)
		}
		return out, nil
	}
}

// MessageGenerator advances the counter and renders the open message.
type MessageGenerator struct {
	shared *Shared
	render Renderer
}

func NewMessageGenerator(shared *Shared, render Renderer) *MessageGenerator {
	if render == nil {
		render = RenderMessage
	}
	return &MessageGenerator{shared: shared, render: render}
}

// Next renders the message for the next count and commits the increment.
// claim must be a live claim on the generator's guard. A render failure
// leaves the counter untouched.
func (g *MessageGenerator) Next(claim *Claim) (Message, error) {
	if !claim.Live() || claim.guard != &g.shared.Guard {
		return Message{}, ErrNotHeld
	}
	prev := g.shared.Counter.Load()
	out, err := g.render(prev + 1)
	if err != nil {
		if errors.Is(err, ErrNoMemory) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	if !g.shared.Counter.advance(prev) {
		return Message{}, fmt.Errorf("%w: counter moved while held", ErrNotHeld)
	}
	return Message{b: out}, nil
}
