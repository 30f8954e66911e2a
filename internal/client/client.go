// Package client dials a kcounter control socket and drives devices on it.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/kcounter/internal/protocol"
	"github.com/danmuck/kcounter/internal/protocol/frame"
	"github.com/danmuck/kcounter/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

var (
	ErrClientClosed = errors.New("client: closed")
	ErrFileClosed   = errors.New("client: file already closed")
	ErrBufferSize   = errors.New("client: buffer exceeds frame limit")
)

// bufferOverhead is room a response needs beyond the returned buffer.
const bufferOverhead = 64

// Client is one connection to the control socket. Calls are serialized.
type Client struct {
	conn   net.Conn
	limits frame.Limits

	mu     sync.Mutex
	seq    uint64
	broken error
	closed atomic.Bool
}

// Dial connects to addr on network ("unix" or "tcp").
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("network", network).Str("addr", addr).Msg("client.Dial connected")
	return &Client{conn: conn, limits: frame.DefaultLimits()}, nil
}

// Close drops the connection. The server releases every handle it held.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// File is an open handle on a remote device.
type File struct {
	client *Client
	device string
	handle uint64
	closed atomic.Bool
}

// Open opens device and returns its handle.
func (c *Client) Open(ctx context.Context, device string) (*File, error) {
	fields, err := c.roundTrip(ctx, func(id uint64) frame.Frame {
		return protocol.OpenRequest{Device: device}.Frame(id)
	})
	if err != nil {
		return nil, err
	}
	resp, err := protocol.ParseOpenResponse(fields)
	if err != nil {
		return nil, err
	}
	return &File{client: c, device: device, handle: resp.Handle}, nil
}

func (f *File) Device() string {
	return f.device
}

func (f *File) Handle() uint64 {
	return f.handle
}

// Ioctl issues cmd with buf as the destination and copies the device's
// output back into buf. A nil buf sends no destination at all.
func (f *File) Ioctl(ctx context.Context, cmd uint32, buf []byte) (int64, error) {
	if f.closed.Load() {
		return 0, ErrFileClosed
	}
	req := protocol.IoctlRequest{Handle: f.handle, Cmd: cmd, NoRegion: buf == nil}
	if buf != nil {
		if uint64(len(buf))+bufferOverhead > f.client.limits.MaxPayloadBytes {
			return 0, fmt.Errorf("%w: len=%d", ErrBufferSize, len(buf))
		}
		req.Region = uint32(len(buf))
	}
	fields, err := f.client.roundTrip(ctx, req.Frame)
	if err != nil {
		return 0, err
	}
	resp, err := protocol.ParseIoctlResponse(fields)
	if err != nil {
		return 0, err
	}
	copy(buf, resp.Data)
	return resp.Status, nil
}

// Close releases the handle. Closing twice returns ErrFileClosed. A close
// that never reached the server leaves the file open so it can be retried;
// once the connection is gone the server has already released the handle.
func (f *File) Close(ctx context.Context) error {
	if !f.closed.CompareAndSwap(false, true) {
		return ErrFileClosed
	}
	_, err := f.client.roundTrip(ctx, func(id uint64) frame.Frame {
		return protocol.CloseRequest{Handle: f.handle}.Frame(id)
	})
	if err == nil {
		return nil
	}
	var remote *protocol.RemoteError
	if !errors.As(err, &remote) && !f.client.gone() {
		f.closed.Store(false)
	}
	return err
}

// roundTrip sends one request and waits for its response. A transport
// failure poisons the client since the stream may be out of step.
func (c *Client) roundTrip(ctx context.Context, build func(id uint64) frame.Frame) ([]tlv.Field, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil, c.broken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.seq++
	req := build(c.seq)

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := frame.WriteFrame(c.conn, req, c.limits); err != nil {
		return nil, c.fail(ctx, err)
	}
	resp, err := frame.ReadFrame(c.conn, c.limits)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	return protocol.ResponseFields(req.Header, resp)
}

// gone reports whether the connection is closed or poisoned.
func (c *Client) gone() bool {
	if c.closed.Load() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken != nil
}

func (c *Client) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	c.broken = err
	_ = c.conn.Close()
	log.Warn().Err(err).Msg("client.Client connection failed")
	return err
}
