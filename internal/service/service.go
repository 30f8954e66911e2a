// Package service runs the kcounter daemon: one counter endpoint registered
// on a misc registry, served over the control socket, with an optional HTTP
// status surface and config reload.
package service

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/kcounter/internal/config"
	"github.com/danmuck/kcounter/internal/device"
	"github.com/danmuck/kcounter/internal/logging"
	"github.com/danmuck/kcounter/internal/misc"
	"github.com/danmuck/kcounter/internal/observability"
	"github.com/danmuck/kcounter/internal/server"
	"github.com/rs/zerolog/log"
)

var ErrNotBootstrapped = errors.New("service: not bootstrapped")

const defaultHeartbeat = 30 * time.Second

// Service owns the daemon lifecycle.
type Service struct {
	cfg        config.Config
	configPath string
	heartbeat  time.Duration

	events       *misc.EventLog
	registry     *misc.Registry
	endpoint     *device.Endpoint
	registration *misc.Registration
	server       *server.Server
	status       *observability.StatusServer
}

// NewService builds a service from cfg. configPath, when set, is watched for
// log level changes.
func NewService(cfg config.Config, configPath string) *Service {
	return &Service{
		cfg:        cfg,
		configPath: strings.TrimSpace(configPath),
		heartbeat:  defaultHeartbeat,
	}
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.bootstrap(); err != nil {
		return err
	}
	return s.serve(ctx)
}

// bootstrap registers the endpoint and builds the listeners.
func (s *Service) bootstrap() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	s.applyLogLevel(s.cfg.Log.Level)

	s.events = misc.NewEventLog(s.cfg.Events.Capacity)
	s.registry = misc.NewRegistry(s.events)
	s.endpoint = device.NewEndpoint(device.NewShared(), device.Options{
		Name:     s.cfg.Device.Name,
		Renderer: device.LimitedRenderer(s.cfg.Device.MessageLimit),
	})
	reg, err := s.registry.Register(s.endpoint)
	if err != nil {
		return err
	}
	s.registration = reg
	log.Info().
		Str("device", reg.Name()).
		Int("message_limit", s.cfg.Device.MessageLimit).
		Msg("service.Service.bootstrap initialising")

	s.server = server.New(server.Config{
		Network:     s.cfg.Server.Network,
		Address:     s.cfg.Server.Address,
		ReadTimeout: s.cfg.Server.ReadTimeout,
	}, s.registry)
	if s.cfg.Status.Addr != "" {
		s.status = observability.NewStatusServer("kcounterd", s.cfg.Status.Addr, s.cfg.Status.CorsOrigins, s)
	}
	return nil
}

// serve runs the control socket, status surface and config watch until ctx
// is done or one of them fails. The endpoint is deregistered on the way out.
func (s *Service) serve(ctx context.Context) error {
	if s.registry == nil {
		return ErrNotBootstrapped
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.registration.Deregister()
		log.Info().Str("device", s.registration.Name()).Msg("service.Service.serve exiting")
	}()

	errCh := make(chan error, 3)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.Error().Str("component", name).Err(err).Msg("service.Service.serve component failed")
				errCh <- err
			}
		}()
	}

	spawn("server", s.server.Serve)
	if s.status != nil {
		spawn("status", s.status.Serve)
		s.status.SetReady(true)
	}
	if s.configPath != "" {
		spawn("config", func(ctx context.Context) error {
			return config.Watch(ctx, s.configPath, s.reload)
		})
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("service.Service.serve shutdown")
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			sess, live := s.endpoint.Session()
			ev := log.Info().
				Str("device", s.endpoint.Name()).
				Stringer("state", s.endpoint.State()).
				Int64("counter", s.endpoint.Count()).
				Int64("clients", s.server.Clients()).
				Int("open_files", s.registry.OpenFiles())
			if live {
				ev = ev.Str("owner", sess.Owner())
			}
			ev.Msg("service.Service.heartbeat")
		}
	}
}

// reload applies the settings that can change without a restart.
func (s *Service) reload(cfg config.Config) {
	s.applyLogLevel(cfg.Log.Level)
}

func (s *Service) applyLogLevel(raw string) {
	if lvl, ok := logging.ParseLevel(raw); ok {
		logging.SetLevel(lvl)
	}
}

// Endpoint is the registered counter device.
func (s *Service) Endpoint() *device.Endpoint {
	return s.endpoint
}

func (s *Service) Registry() *misc.Registry {
	return s.registry
}

// DeviceStatus implements observability.StatusSource.
func (s *Service) DeviceStatus() []observability.DeviceStatus {
	if s.endpoint == nil {
		return nil
	}
	st := observability.DeviceStatus{
		Name:    s.endpoint.Name(),
		State:   s.endpoint.State().String(),
		Counter: s.endpoint.Count(),
	}
	if sess, ok := s.endpoint.Session(); ok {
		opened := sess.OpenedAt()
		st.SessionID = sess.ID()
		st.Owner = sess.Owner()
		st.OpenedAt = &opened
	}
	return []observability.DeviceStatus{st}
}

func (s *Service) Files() []misc.FileInfo {
	if s.registry == nil {
		return nil
	}
	return s.registry.Files()
}

func (s *Service) RecentEvents(limit int) []misc.Event {
	if s.events == nil {
		return nil
	}
	return s.events.Recent(limit)
}
