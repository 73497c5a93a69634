package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/bassosimone/vclip"
	"github.com/bassosimone/vflag"

	"github.com/NodePath81/netbeat/internal/protocol"
	"github.com/NodePath81/netbeat/internal/util"
	"github.com/NodePath81/netbeat/internal/version"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	disp := vclip.NewDispatcherCommand("netbeat", vflag.ExitOnError)

	disp.AddCommand("run", vclip.CommandFunc(runMain), "Run a benchmark against a server.")
	disp.AddCommand("serve", vclip.CommandFunc(serveMain), "Serve benchmark sessions.")
	disp.AddCommand("check", vclip.CommandFunc(checkMain), "Validate a configuration file.")
	disp.AddCommand("version", vclip.CommandFunc(versionMain), "Print the version and exit.")

	vclip.Main(context.Background(), disp, os.Args[1:])
}

func versionMain(ctx context.Context, args []string) error {
	fmt.Printf("netbeat %s (protocol %s)\n", version.Version, protocol.Version)
	return nil
}

// fail reports an engine or configuration failure and exits 1.
func fail(logger util.Logger, err error) {
	if logger != nil {
		logger.Debug("command failed", "error", err)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(exitFailure)
}

// usage reports a bad command line and exits 2.
func usage(cmd, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "netbeat %s: %s\n", cmd, fmt.Sprintf(format, args...))
	fmt.Fprintf(os.Stderr, "Try 'netbeat %s --help' for more information.\n", cmd)
	os.Exit(exitUsage)
}

// intFlag parses a numeric flag value within [min, max], exiting 2 when it
// is malformed or out of range.
func intFlag(cmd, name, value string, min, max int) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		usage(cmd, "--%s: %q is not a number", name, value)
	}
	if n < min || n > max {
		usage(cmd, "--%s: %d is not in range %d-%d", name, n, min, max)
	}
	return n
}
