package app

import (
	"sync"

	"github.com/NodePath81/netbeat/internal/config"
	"github.com/NodePath81/netbeat/internal/util"
)

// LoadFunc produces the configuration for a fresh runtime.
type LoadFunc func() (config.ServerConfig, config.ControlConfig, error)

// Supervisor owns the current Runtime and replaces it on Restart, which the
// serve command triggers on SIGHUP to pick up an edited config file.
type Supervisor struct {
	load   LoadFunc
	logger util.Logger
	mu     sync.Mutex
	// runtime is nil while stopped.
	runtime *Runtime
}

func NewSupervisor(load LoadFunc, logger util.Logger) *Supervisor {
	return &Supervisor{
		load:   load,
		logger: logger,
	}
}

func (s *Supervisor) Start() error {
	cfg, controlCfg, err := s.load()
	if err != nil {
		return err
	}
	runtime := NewRuntime(cfg, controlCfg, s.logger)
	if err := runtime.Start(); err != nil {
		runtime.Stop()
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()
	return nil
}

// Restart stops the running runtime and starts a new one from freshly
// loaded configuration. Sessions in flight are closed.
func (s *Supervisor) Restart() error {
	if _, _, err := s.load(); err != nil {
		return err
	}
	s.Stop()
	return s.Start()
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}

// Runtime returns the running runtime, or nil.
func (s *Supervisor) Runtime() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}
