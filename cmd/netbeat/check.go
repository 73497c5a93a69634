package main

import (
	"context"
	"fmt"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/vflag"

	"github.com/NodePath81/netbeat/internal/config"
)

func checkMain(ctx context.Context, args []string) error {
	configFlag := ""

	fset := vflag.NewFlagSet("netbeat check", vflag.ExitOnError)
	usagePrinter := vflag.NewDefaultUsagePrinter()
	usagePrinter.PositionalArgumentsUsage = "[FILE]"
	fset.UsagePrinter = usagePrinter
	fset.SetMinMaxPositionalArgs(0, 1)
	fset.StringVar(&configFlag, 0, "config", "Validate the YAML `FILE`.")
	fset.AutoHelp('h', "help", "Print this help text and exit.")
	runtimex.PanicOnError0(fset.Parse(args))

	if configFlag == "" && len(fset.Args()) == 1 {
		configFlag = fset.Args()[0]
	}
	if configFlag == "" {
		usage("check", "missing --config FILE")
	}

	file, err := config.LoadFile(configFlag)
	if err != nil {
		fail(nil, fmt.Errorf("config invalid: %w", err))
	}
	cfg, err := config.NewServerConfig(file.ServerOptions())
	if err != nil {
		fail(nil, fmt.Errorf("config invalid: %w", err))
	}

	control := "disabled"
	if c := file.ControlConfig(); c.Enabled {
		control = c.ListenAddr()
	}
	fmt.Printf("config valid: server %s, %d connections, control %s\n", cfg.Addr(), cfg.MaxConnections, control)
	if file.Client.Target != "" {
		fmt.Printf("client target %s\n", file.Client.Target)
	}
	return nil
}
