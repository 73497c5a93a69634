package app

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/NodePath81/netbeat/internal/config"
	"github.com/NodePath81/netbeat/internal/control"
	"github.com/NodePath81/netbeat/internal/metrics"
	"github.com/NodePath81/netbeat/internal/server"
	"github.com/NodePath81/netbeat/internal/util"
)

// Runtime is one running netbeat server together with its metrics, status
// store and optional control plane.
type Runtime struct {
	cfg        config.ServerConfig
	controlCfg config.ControlConfig
	ctx        context.Context
	cancel     context.CancelFunc
	logger     util.Logger
	metrics    *metrics.ServerMetrics
	status     *control.StatusStore
	server     *server.Server
	control    *control.Server
	listener   net.Listener
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

func NewRuntime(cfg config.ServerConfig, controlCfg config.ControlConfig, logger util.Logger) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.NewServerMetrics()
	var hub *control.StatusHub
	if controlCfg.Enabled {
		hub = control.NewStatusHub(ctx.Done())
	}
	status := control.NewStatusStore(hub)
	srv := server.New(cfg, logger, server.WithMetrics(m), server.WithStatus(status))

	rt := &Runtime{
		cfg:        cfg,
		controlCfg: controlCfg,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		metrics:    m,
		status:     status,
		server:     srv,
	}
	if controlCfg.Enabled {
		rt.control = control.NewServer(controlCfg, m, status, hub, srv, logger)
	}
	return rt
}

// Start binds the benchmark listener and the control plane, then serves in
// the background. Bind failures are returned and leave nothing running.
func (r *Runtime) Start() error {
	ln, err := r.server.Listen()
	if err != nil {
		r.cancel()
		return err
	}
	if r.control != nil {
		if err := r.control.Start(r.ctx); err != nil {
			_ = ln.Close()
			r.cancel()
			return err
		}
	}
	r.listener = ln

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(r.ctx, ln); err != nil {
			r.logger.Error("server stopped with error", "error", err)
		}
	}()
	return nil
}

// Addr returns the benchmark listener address once started.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// ControlAddr returns the control plane address, or "" when disabled.
func (r *Runtime) ControlAddr() string {
	if r.control == nil {
		return ""
	}
	return r.control.Addr()
}

// Wait blocks until the server has stopped.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// Stop cancels every session, shuts the control plane down and waits.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		if r.control != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = r.control.Shutdown(ctx)
			cancel()
		}
	})
	r.Wait()
}
