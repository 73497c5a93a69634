package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/NodePath81/netbeat/internal/client"
	"github.com/NodePath81/netbeat/internal/config"
	"github.com/NodePath81/netbeat/internal/errs"
	"github.com/NodePath81/netbeat/internal/util"
)

func testConfigs(t *testing.T, controlEnabled bool) (config.ServerConfig, config.ControlConfig) {
	t.Helper()
	opts := config.DefaultServerOptions()
	opts.Interface = "localhost"
	opts.Port = 0
	opts.ChunkSize = "1KiB"
	opts.Timeout = 2 * time.Second
	cfg, err := config.NewServerConfig(opts)
	if err != nil {
		t.Fatalf("NewServerConfig error: %v", err)
	}
	ctrl := config.DefaultControlConfig()
	ctrl.Enabled = controlEnabled
	ctrl.Port = 0
	return cfg, ctrl
}

func TestRuntimeServesSessionsAndStatus(t *testing.T) {
	cfg, ctrl := testConfigs(t, true)
	rt := NewRuntime(cfg, ctrl, util.NopLogger())
	if err := rt.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer rt.Stop()

	port := rt.listener.Addr().(*net.TCPAddr).Port
	opts := config.DefaultClientOptions("127.0.0.1")
	opts.Port = port
	opts.ChunkSize = "1KiB"
	opts.Data = "2048"
	opts.PingCount = 1
	clientCfg, err := config.NewClientConfig(opts)
	if err != nil {
		t.Fatalf("NewClientConfig error: %v", err)
	}
	res, err := client.New(clientCfg, util.NopLogger()).Contact(context.Background())
	if err != nil {
		t.Fatalf("Contact error: %v", err)
	}
	if res.Upload.Bytes != 2048 || res.Download.Bytes != 2048 {
		t.Fatalf("transfer = %d/%d, want 2048/2048", res.Upload.Bytes, res.Download.Bytes)
	}

	resp, err := http.Get("http://" + rt.ControlAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestRuntimeStopReturns(t *testing.T) {
	cfg, ctrl := testConfigs(t, false)
	rt := NewRuntime(cfg, ctrl, util.NopLogger())
	if err := rt.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if rt.ControlAddr() != "" {
		t.Fatalf("control plane running while disabled")
	}
	done := make(chan struct{})
	go func() {
		rt.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop did not return")
	}
}

func TestRuntimeBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	cfg, ctrl := testConfigs(t, false)
	cfg.Port = ln.Addr().(*net.TCPAddr).Port

	rt := NewRuntime(cfg, ctrl, util.NopLogger())
	if err := rt.Start(); !errs.IsKind(err, errs.KindConnection) {
		t.Fatalf("Start error = %v, want connection error", err)
	}
}

func TestSupervisorRestart(t *testing.T) {
	cfg, ctrl := testConfigs(t, false)
	var loadErr error
	sup := NewSupervisor(func() (config.ServerConfig, config.ControlConfig, error) {
		return cfg, ctrl, loadErr
	}, util.NopLogger())
	if err := sup.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer sup.Stop()
	first := sup.Runtime()

	if err := sup.Restart(); err != nil {
		t.Fatalf("Restart error: %v", err)
	}
	second := sup.Runtime()
	if second == nil || second == first {
		t.Fatalf("Restart did not replace the runtime")
	}

	loadErr = errors.New("broken file")
	if err := sup.Restart(); err == nil {
		t.Fatalf("Restart succeeded with a failing loader")
	}
	if sup.Runtime() != second {
		t.Fatalf("failed Restart replaced the running runtime")
	}
}
