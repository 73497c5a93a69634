package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/NodePath81/netbeat/internal/config"
	"github.com/NodePath81/netbeat/internal/report"
	"github.com/NodePath81/netbeat/internal/server"
	"github.com/NodePath81/netbeat/internal/util"
)

// cliArgsEnv makes the test binary behave as netbeat with the given
// arguments, separated by newlines.
const cliArgsEnv = "NETBEAT_TEST_CLI_ARGS"

func TestMain(m *testing.M) {
	if args, ok := os.LookupEnv(cliArgsEnv); ok {
		os.Args = append([]string{"netbeat"}, strings.Split(args, "\n")...)
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, os.Args[0])
	cmd.Env = append(os.Environ(), cliArgsEnv+"="+strings.Join(args, "\n"))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := cliResult{stdout: stdout.String(), stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.code = exitErr.ExitCode()
	default:
		t.Fatalf("running netbeat %v: %v", args, err)
	}
	return res
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp4")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return strconv.Itoa(port)
}

func TestRunExitCodes(t *testing.T) {
	refused := closedPort(t)
	cases := []struct {
		name string
		args []string
		want int
	}{
		{"missing target", []string{"run"}, exitUsage},
		{"unknown flag", []string{"run", "127.0.0.1", "--bogus"}, exitUsage},
		{"port out of range", []string{"run", "127.0.0.1", "--port", "70000"}, exitUsage},
		{"two targets", []string{"run", "127.0.0.1", "127.0.0.2"}, exitUsage},
		{"target is not an IP", []string{"run", "notanip"}, exitFailure},
		{"chunk too small", []string{"run", "127.0.0.1", "--chunk", "1B"}, exitFailure},
		{"connection refused", []string{"run", "127.0.0.1", "--port", refused, "--retries", "1", "--timeout", "1"}, exitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := runCLI(t, tc.args...)
			if res.code != tc.want {
				t.Fatalf("exit = %d, want %d (stderr %q)", res.code, tc.want, res.stderr)
			}
		})
	}
}

func TestRunAgainstServer(t *testing.T) {
	opts := config.DefaultServerOptions()
	opts.Interface = "localhost"
	opts.ChunkSize = "1KiB"
	opts.Timeout = 5 * time.Second
	cfg, err := config.NewServerConfig(opts)
	if err != nil {
		t.Fatalf("NewServerConfig error: %v", err)
	}
	ln, err := nettest.NewLocalListener("tcp4")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- server.New(cfg, util.NopLogger()).Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-errc
	}()

	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	res := runCLI(t, "run", "127.0.0.1", "--port", port, "--data", "4096", "--time", "5",
		"--chunk", "1KiB", "--ping-count", "2", "--json", "--quiet")
	if res.code != 0 {
		t.Fatalf("exit = %d, want 0 (stderr %q)", res.code, res.stderr)
	}
	var doc report.Document
	if err := json.Unmarshal([]byte(res.stdout), &doc); err != nil {
		t.Fatalf("decode report: %v (stdout %q)", err, res.stdout)
	}
	for _, section := range []map[string]string{doc.Upload, doc.Download} {
		if !mapHasValue(section, "4,096 bytes") {
			t.Fatalf("transfer section = %v, want exactly 4,096 bytes", section)
		}
	}
}

func TestCheckPositionalFile(t *testing.T) {
	path := t.TempDir() + "/netbeat.yaml"
	if err := os.WriteFile(path, []byte("server:\n  port: 6000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	res := runCLI(t, "check", path)
	if res.code != 0 {
		t.Fatalf("exit = %d, want 0 (stderr %q)", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "config valid") {
		t.Fatalf("stdout = %q, want config valid", res.stdout)
	}
	if res := runCLI(t, "check"); res.code != exitUsage {
		t.Fatalf("check without a file exit = %d, want %d", res.code, exitUsage)
	}
}

func mapHasValue(m map[string]string, substr string) bool {
	for _, v := range m {
		if strings.Contains(v, substr) {
			return true
		}
	}
	return false
}
