package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/vflag"

	"github.com/NodePath81/netbeat/internal/client"
	"github.com/NodePath81/netbeat/internal/config"
	"github.com/NodePath81/netbeat/internal/report"
	"github.com/NodePath81/netbeat/internal/util"
)

func runMain(ctx context.Context, args []string) error {
	var (
		chunkFlag     = ""
		configFlag    = ""
		dataFlag      = ""
		jsonFlag      = false
		pingCountFlag = ""
		portFlag      = ""
		quietFlag     = false
		retriesFlag   = ""
		timeFlag      = ""
		timeoutFlag   = ""
		verboseFlag   = false
	)

	fset := vflag.NewFlagSet("netbeat run", vflag.ExitOnError)
	usagePrinter := vflag.NewDefaultUsagePrinter()
	usagePrinter.AddDescription("Benchmark latency and throughput against a netbeat server.")
	usagePrinter.PositionalArgumentsUsage = "[TARGET]"
	fset.UsagePrinter = usagePrinter
	// The target may also come from client.target in --config.
	fset.SetMinMaxPositionalArgs(0, 1)

	fset.StringVar(&chunkFlag, 'c', "chunk", "Use `SIZE` read/write buffers (1KiB-16MiB, default 64KiB).")
	fset.StringVar(&configFlag, 0, "config", "Read defaults from the YAML `FILE`.")
	fset.StringVar(&dataFlag, 'd', "data", "Transfer exactly `SIZE` bytes in each direction; wins over --time.")
	fset.AutoHelp('h', "help", "Print this help text and exit.")
	fset.BoolVar(&jsonFlag, 'j', "json", "Print the result as JSON.")
	fset.StringVar(&pingCountFlag, 0, "ping-count", "Send `N` ping probes (1-1000, default 20).")
	fset.StringVar(&portFlag, 'p', "port", "Connect to the given TCP `PORT` (default 5050).")
	fset.BoolVar(&quietFlag, 'q', "quiet", "Only log errors.")
	fset.StringVar(&retriesFlag, 'r', "retries", "Make `N` connection attempts (default 3).")
	fset.StringVar(&timeFlag, 't', "time", "Run each transfer phase for `SECONDS` (1-3600, default 10).")
	fset.StringVar(&timeoutFlag, 0, "timeout", "Fail I/O that stalls for `SECONDS` (default 30).")
	fset.BoolVar(&verboseFlag, 'v', "verbose", "Log debug details.")
	runtimex.PanicOnError0(fset.Parse(args))

	const cmd = "run"
	positional := fset.Args()

	logger := util.NewLogger(os.Stderr, util.LevelFor(quietFlag, verboseFlag))

	opts := config.DefaultClientOptions("")
	if configFlag != "" {
		file, err := config.LoadFile(configFlag)
		if err != nil {
			fail(logger, err)
		}
		opts = file.ClientOptions()
	}
	if len(positional) == 1 {
		opts.Target = positional[0]
	}
	if opts.Target == "" {
		usage(cmd, "missing target address")
	}
	if portFlag != "" {
		opts.Port = intFlag(cmd, "port", portFlag, 1, 65535)
	}
	if timeFlag != "" {
		opts.Duration = time.Duration(intFlag(cmd, "time", timeFlag, 1, 3600)) * time.Second
		opts.Data = ""
	}
	if dataFlag != "" {
		opts.Data = dataFlag
	}
	if chunkFlag != "" {
		opts.ChunkSize = chunkFlag
	}
	if pingCountFlag != "" {
		opts.PingCount = intFlag(cmd, "ping-count", pingCountFlag, 1, 1000)
	}
	if timeoutFlag != "" {
		opts.Timeout = time.Duration(intFlag(cmd, "timeout", timeoutFlag, 1, 3600)) * time.Second
	}
	if retriesFlag != "" {
		opts.Retries = intFlag(cmd, "retries", retriesFlag, 0, 100)
	}

	cfg, err := config.NewClientConfig(opts)
	if err != nil {
		fail(logger, err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := client.New(cfg, logger).Contact(ctx)
	if err != nil {
		fail(logger, err)
	}

	if jsonFlag {
		err = report.RenderJSON(os.Stdout, res, cfg.Target)
	} else {
		err = report.Render(os.Stdout, res, cfg.Target)
	}
	if err != nil {
		fail(logger, err)
	}
	return nil
}
