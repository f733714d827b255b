package onion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/net/proxy"
	"gopkg.in/op/go-logging.v1"

	"github.com/NebulaChat/nebula-node/pkg/lifecycle"
	"github.com/NebulaChat/nebula-node/pkg/log"
)

var (
	ErrBridge    = errors.New("bridge failed")
	ErrBootstrap = errors.New("bootstrap failed")
	ErrNotReady  = errors.New("hidden service not running")
)

// ServiceConfig configures the onion service
type ServiceConfig struct {
	BridgeAddress string // local bridge listener
	RelayAddress  string // where bridged streams go
	VirtualPort   int
}

// Service ties the bridge and the launcher together and reports the
// outcome on the lifecycle emitter
type Service struct {
	cfg      ServiceConfig
	launcher Launcher
	events   *lifecycle.Emitter
	backend  *log.Backend
	log      *logging.Logger

	mu       sync.Mutex
	instance Instance
}

// NewService creates an onion service
func NewService(cfg ServiceConfig, launcher Launcher, events *lifecycle.Emitter, backend *log.Backend) *Service {
	if cfg.VirtualPort == 0 {
		cfg.VirtualPort = DefaultVirtualPort
	}
	return &Service{
		cfg:      cfg,
		launcher: launcher,
		events:   events,
		backend:  backend,
		log:      backend.GetLogger("onion"),
	}
}

// Run brings the hidden service up and serves the bridge until ctx is
// cancelled. Exactly one Running or one Failed event is emitted, except
// when ctx is cancelled during bootstrap: Run then returns nil without an
// event. Failures are not retried.
func (s *Service) Run(ctx context.Context) error {
	bridge := NewBridge(s.cfg.BridgeAddress, s.cfg.RelayAddress, s.backend)
	if err := bridge.Listen(); err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrBridge, err))
	}

	inst, err := s.launcher.Launch(ctx, bridge.Addr().String())
	if err != nil {
		bridge.Close()
		if ctx.Err() != nil {
			s.log.Noticef("Bootstrap interrupted by shutdown: %v", err)
			return nil
		}
		return s.fail(fmt.Errorf("%w: %w", ErrBootstrap, err))
	}
	defer func() {
		s.setInstance(nil)
		if err := inst.Close(); err != nil {
			s.log.Warningf("Failed to stop hidden service: %v", err)
		}
	}()
	s.setInstance(inst)

	errCh := make(chan error, 1)
	go func() {
		errCh <- bridge.Serve(ctx)
	}()

	s.log.Noticef("Hidden service running at %s", inst.OnionAddress())
	s.events.Emit(lifecycle.RunningEvent(inst.OnionAddress()))

	if err := <-errCh; err != nil {
		return fmt.Errorf("%w: %w", ErrBridge, err)
	}
	return nil
}

func (s *Service) fail(err error) error {
	s.log.Errorf("Onion service failed: %v", err)
	s.events.Emit(lifecycle.FailedEvent(err))
	return err
}

func (s *Service) setInstance(inst Instance) {
	s.mu.Lock()
	s.instance = inst
	s.mu.Unlock()
}

// OnionAddress returns the published hostname while running
func (s *Service) OnionAddress() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.instance == nil {
		return "", false
	}
	return s.instance.OnionAddress(), true
}

// PeerAddress returns the address other peers should dial
func (s *Service) PeerAddress() (string, bool) {
	addr, ok := s.OnionAddress()
	if !ok {
		return "", false
	}
	return PeerAddress(addr, s.cfg.VirtualPort), true
}

// Dialer returns a dialer through the running anonymity network client
func (s *Service) Dialer(ctx context.Context) (proxy.ContextDialer, error) {
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()

	if inst == nil {
		return nil, ErrNotReady
	}
	return inst.Dialer(ctx)
}
