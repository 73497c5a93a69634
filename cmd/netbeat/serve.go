package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/vflag"

	"github.com/NodePath81/netbeat/internal/app"
	"github.com/NodePath81/netbeat/internal/config"
	"github.com/NodePath81/netbeat/internal/util"
)

// serveOverrides holds the command line values that win over the config
// file. Zero values mean "not given".
type serveOverrides struct {
	iface       string
	port        int
	chunk       string
	connections int
	timeout     time.Duration
	control     bool
	controlHost string
	controlPort int
}

func serveMain(ctx context.Context, args []string) error {
	var (
		chunkFlag       = ""
		configFlag      = ""
		connectionsFlag = ""
		controlFlag     = ""
		interfaceFlag   = ""
		portFlag        = ""
		quietFlag       = false
		timeoutFlag     = ""
		verboseFlag     = false
	)

	fset := vflag.NewFlagSet("netbeat serve", vflag.ExitOnError)
	fset.StringVar(&chunkFlag, 'c', "chunk", "Use `SIZE` read/write buffers (1KiB-16MiB, default 64KiB).")
	fset.StringVar(&configFlag, 0, "config", "Read settings from the YAML `FILE`; SIGHUP reloads it.")
	fset.StringVar(&connectionsFlag, 0, "connections", "Serve at most `N` sessions at once (default 50).")
	fset.StringVar(&controlFlag, 0, "control", "Serve metrics and status on `ADDR` (host:port).")
	fset.AutoHelp('h', "help", "Print this help text and exit.")
	fset.StringVar(&interfaceFlag, 'i', "interface", "Bind `IFACE`: all or localhost (default all).")
	fset.StringVar(&portFlag, 'p', "port", "Listen on the given TCP `PORT` (default 5050).")
	fset.BoolVar(&quietFlag, 'q', "quiet", "Only log errors.")
	fset.StringVar(&timeoutFlag, 0, "timeout", "Drop sessions idle for `SECONDS` (default 30).")
	fset.BoolVar(&verboseFlag, 'v', "verbose", "Log debug details.")
	runtimex.PanicOnError0(fset.Parse(args))

	const cmd = "serve"
	if len(fset.Args()) > 0 {
		usage(cmd, "unexpected argument %q", fset.Args()[0])
	}

	var ov serveOverrides
	if interfaceFlag != "" {
		if _, err := config.ParseBindInterface(interfaceFlag); err != nil {
			usage(cmd, "--interface: %q is not one of all, localhost", interfaceFlag)
		}
		ov.iface = interfaceFlag
	}
	if portFlag != "" {
		ov.port = intFlag(cmd, "port", portFlag, 1, 65535)
	}
	ov.chunk = chunkFlag
	if connectionsFlag != "" {
		ov.connections = intFlag(cmd, "connections", connectionsFlag, 1, 100000)
	}
	if timeoutFlag != "" {
		ov.timeout = time.Duration(intFlag(cmd, "timeout", timeoutFlag, 1, 3600)) * time.Second
	}
	if controlFlag != "" {
		host, port, err := util.SplitHostPort(controlFlag)
		if err != nil {
			usage(cmd, "--control: %v", err)
		}
		ov.control, ov.controlHost, ov.controlPort = true, host, port
	}

	logger := util.NewLogger(os.Stderr, util.LevelFor(quietFlag, verboseFlag))
	load := func() (config.ServerConfig, config.ControlConfig, error) {
		return loadServe(configFlag, ov)
	}
	if _, _, err := load(); err != nil {
		fail(logger, err)
	}

	sup := app.NewSupervisor(load, logger)
	if err := sup.Start(); err != nil {
		fail(logger, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			sup.Stop()
			return nil
		case sig := <-sigCh:
			if sig != syscall.SIGHUP {
				logger.Info("shutdown requested", "signal", sig.String())
				sup.Stop()
				return nil
			}
			if configFlag == "" {
				logger.Info("no config file to reload")
				continue
			}
			logger.Info("reloading configuration", "path", configFlag)
			if err := sup.Restart(); err != nil {
				logger.Error("reload failed", "error", err)
				if sup.Runtime() == nil {
					fail(logger, err)
				}
			}
		}
	}
}

// loadServe builds the server and control configuration from the optional
// file with command line overrides applied on top.
func loadServe(path string, ov serveOverrides) (config.ServerConfig, config.ControlConfig, error) {
	opts := config.DefaultServerOptions()
	controlCfg := config.DefaultControlConfig()
	if path != "" {
		file, err := config.LoadFile(path)
		if err != nil {
			return config.ServerConfig{}, config.ControlConfig{}, err
		}
		opts = file.ServerOptions()
		controlCfg = file.ControlConfig()
	}
	if ov.iface != "" {
		opts.Interface = ov.iface
	}
	if ov.port != 0 {
		opts.Port = ov.port
	}
	if ov.chunk != "" {
		opts.ChunkSize = ov.chunk
	}
	if ov.connections != 0 {
		opts.MaxConnections = ov.connections
	}
	if ov.timeout != 0 {
		opts.Timeout = ov.timeout
	}
	if ov.control {
		controlCfg.Enabled = true
		controlCfg.Addr = ov.controlHost
		controlCfg.Port = ov.controlPort
	}

	cfg, err := config.NewServerConfig(opts)
	if err != nil {
		return config.ServerConfig{}, config.ControlConfig{}, err
	}
	return cfg, controlCfg, nil
}
