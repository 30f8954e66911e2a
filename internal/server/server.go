// Package server exposes a misc.Registry over a framed stream socket.
//
// Each accepted connection is one caller. Handles it opens belong to it and
// are released when it closes them or when the connection goes away.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/kcounter/internal/misc"
	"github.com/danmuck/kcounter/internal/protocol"
	"github.com/danmuck/kcounter/internal/protocol/frame"
	"github.com/danmuck/kcounter/internal/protocol/schema"
	"github.com/danmuck/kcounter/internal/transfer"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidNetwork  = errors.New("server: invalid network")
	ErrAddressRequired = errors.New("server: address required")
)

// responseOverhead is room left in a frame for the status and data headers.
const responseOverhead = 64

type Config struct {
	Network string
	Address string
	// ReadTimeout closes a connection that sends nothing for this long.
	// Zero disables it.
	ReadTimeout time.Duration
	Limits      frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Network:     "unix",
		Address:     "/tmp/kcounter.sock",
		ReadTimeout: 5 * time.Minute,
		Limits:      frame.DefaultLimits(),
	}
}

// Validate checks that the listener settings are usable.
func (c Config) Validate() error {
	switch c.Network {
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidNetwork, c.Network)
	}
	if strings.TrimSpace(c.Address) == "" {
		return ErrAddressRequired
	}
	return nil
}

type Server struct {
	cfg      Config
	registry *misc.Registry
	clients  atomic.Int64
	wg       sync.WaitGroup
}

func New(cfg Config, registry *misc.Registry) *Server {
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Server{cfg: cfg, registry: registry}
}

// Clients is the number of connected callers.
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.cfg.Network == "unix" {
		removeStaleSocket(s.cfg.Address)
	}
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener accepts on ln until ctx is done, then closes every open
// connection and waits for their handles to be released.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	log.Info().Str("network", ln.Addr().Network()).Str("addr", ln.Addr().String()).Msg("server.Server listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	owner := "conn." + uuid.NewString()
	connCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(connCtx, func() { _ = conn.Close() })
	defer func() {
		stop()
		cancel()
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	active := s.clients.Add(1)
	log.Info().Str("owner", owner).Str("remote", remote).Int64("active_clients", active).Msg("server.Server client connected")
	defer func() {
		released := s.registry.ReleaseOwner(owner)
		remaining := s.clients.Add(-1)
		log.Info().
			Str("owner", owner).
			Int("released", released).
			Int64("active_clients", remaining).
			Msg("server.Server client disconnected")
	}()

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		req, err := frame.ReadFrame(conn, s.cfg.Limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && connCtx.Err() == nil {
				log.Warn().Str("owner", owner).Err(err).Msg("server.Server read failed")
			}
			return
		}
		resp := s.handleFrame(connCtx, owner, req)
		if err := frame.WriteFrame(conn, resp, s.cfg.Limits); err != nil {
			log.Warn().Str("owner", owner).Err(err).Msg("server.Server write failed")
			return
		}
	}
}

// handleFrame runs one request for owner and builds its response.
func (s *Server) handleFrame(ctx context.Context, owner string, req frame.Frame) frame.Frame {
	if req.Header.IsResponse() {
		return protocol.ErrorResponse(req.Header, fmt.Errorf("%w: response flag on request", protocol.ErrMalformed))
	}
	fields, err := protocol.Fields(req)
	if err != nil {
		log.Debug().Str("owner", owner).Err(err).Msg("server.Server rejected request")
		return protocol.ErrorResponse(req.Header, err)
	}

	switch req.Header.MessageType {
	case schema.MsgOpen:
		open := protocol.ParseOpenRequest(fields)
		fd, err := s.registry.Open(ctx, open.Device, owner)
		if err != nil {
			return protocol.ErrorResponse(req.Header, err)
		}
		return protocol.OpenResponse{Handle: fd}.Frame(req.Header)

	case schema.MsgIoctl:
		call, err := protocol.ParseIoctlRequest(fields)
		if err != nil {
			return protocol.ErrorResponse(req.Header, fmt.Errorf("%w: %w", protocol.ErrMalformed, err))
		}
		region, err := s.region(call)
		if err != nil {
			return protocol.ErrorResponse(req.Header, err)
		}
		status, err := s.registry.Ioctl(call.Handle, owner, call.Cmd, region)
		if err != nil {
			return protocol.ErrorResponse(req.Header, err)
		}
		resp := protocol.IoctlResponse{Status: status}
		if region.Valid() {
			resp.Data = region.Bytes()
		}
		return resp.Frame(req.Header)

	case schema.MsgClose:
		closeReq, err := protocol.ParseCloseRequest(fields)
		if err != nil {
			return protocol.ErrorResponse(req.Header, fmt.Errorf("%w: %w", protocol.ErrMalformed, err))
		}
		if err := s.registry.Release(closeReq.Handle, owner); err != nil {
			return protocol.ErrorResponse(req.Header, err)
		}
		return protocol.CloseResponse(req.Header)
	}
	return protocol.ErrorResponse(req.Header, fmt.Errorf("%w: message_type=%d", protocol.ErrMalformed, req.Header.MessageType))
}

// region grants the caller buffer an ioctl names. The buffer travels back in
// the response, so it must fit in one frame.
func (s *Server) region(call protocol.IoctlRequest) (transfer.Region, error) {
	if call.NoRegion {
		return transfer.NilRegion(), nil
	}
	if uint64(call.Region)+responseOverhead > s.cfg.Limits.MaxPayloadBytes {
		return transfer.Region{}, fmt.Errorf("%w: region=%d exceeds frame limit", protocol.ErrMalformed, call.Region)
	}
	return transfer.NewRegion(int(call.Region)), nil
}

// removeStaleSocket unlinks a socket file left behind by a previous run.
// Anything that is not a socket is left alone.
func removeStaleSocket(path string) {
	fi, err := os.Stat(path)
	if err != nil || fi.Mode()&os.ModeSocket == 0 {
		return
	}
	if err := os.Remove(path); err == nil {
		log.Debug().Str("path", path).Msg("server.removeStaleSocket removed")
	}
}
