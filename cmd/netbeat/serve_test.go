package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NodePath81/netbeat/internal/config"
)

func TestLoadServeDefaults(t *testing.T) {
	cfg, ctrl, err := loadServe("", serveOverrides{})
	if err != nil {
		t.Fatalf("loadServe error: %v", err)
	}
	if cfg.Port != config.DefaultPort || cfg.MaxConnections != config.DefaultMaxConnections {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
	if ctrl.Enabled {
		t.Fatalf("control enabled without --control")
	}
}

func TestLoadServeFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netbeat.yaml")
	data := []byte("server:\n  port: 6000\n  connections: 7\n  timeout: 5s\ncontrol:\n  enabled: true\n  port: 9191\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, ctrl, err := loadServe(path, serveOverrides{port: 6100, iface: "localhost"})
	if err != nil {
		t.Fatalf("loadServe error: %v", err)
	}
	if cfg.Port != 6100 {
		t.Fatalf("port = %d, want 6100", cfg.Port)
	}
	if cfg.MaxConnections != 7 || cfg.Timeout != 5*time.Second {
		t.Fatalf("cfg = %+v, want file values", cfg)
	}
	if cfg.Addr() != "127.0.0.1:6100" {
		t.Fatalf("addr = %q", cfg.Addr())
	}
	if !ctrl.Enabled || ctrl.Port != 9191 {
		t.Fatalf("control = %+v, want enabled on 9191", ctrl)
	}

	_, ctrl, err = loadServe(path, serveOverrides{control: true, controlHost: "0.0.0.0", controlPort: 9300})
	if err != nil {
		t.Fatalf("loadServe error: %v", err)
	}
	if ctrl.ListenAddr() != "0.0.0.0:9300" {
		t.Fatalf("control addr = %q", ctrl.ListenAddr())
	}
}

func TestLoadServeRejectsBadChunk(t *testing.T) {
	if _, _, err := loadServe("", serveOverrides{chunk: "512B"}); err == nil {
		t.Fatalf("loadServe accepted a 512B chunk")
	}
}
