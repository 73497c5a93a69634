package server

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/net/nettest"

	"github.com/NodePath81/netbeat/internal/client"
	"github.com/NodePath81/netbeat/internal/config"
	"github.com/NodePath81/netbeat/internal/control"
	"github.com/NodePath81/netbeat/internal/errs"
	"github.com/NodePath81/netbeat/internal/metrics"
	"github.com/NodePath81/netbeat/internal/protocol"
	"github.com/NodePath81/netbeat/internal/util"
)

func TestAdmission(t *testing.T) {
	a := NewAdmission(2)
	if !a.TryAcquire() || !a.TryAcquire() {
		t.Fatalf("TryAcquire failed below the limit")
	}
	if a.TryAcquire() {
		t.Fatalf("TryAcquire succeeded at the limit")
	}
	if a.Active() != 2 {
		t.Fatalf("Active = %d, want 2", a.Active())
	}
	a.Release()
	if !a.TryAcquire() {
		t.Fatalf("TryAcquire failed after Release")
	}
	a.Release()
	a.Release()
	a.Release()
	if a.Active() != 0 {
		t.Fatalf("Active = %d, want 0", a.Active())
	}
}

func TestAdmissionConcurrent(t *testing.T) {
	a := NewAdmission(5)
	var wg sync.WaitGroup
	var mu sync.Mutex
	peak, current := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !a.TryAcquire() {
				return
			}
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
			a.Release()
		}()
	}
	wg.Wait()
	if peak > 5 {
		t.Fatalf("peak = %d, want at most 5", peak)
	}
	if a.Active() != 0 {
		t.Fatalf("Active = %d, want 0", a.Active())
	}
}

type testServer struct {
	srv     *Server
	metrics *metrics.ServerMetrics
	status  *control.StatusStore
	port    int
}

func startServer(t *testing.T, maxConns int) *testServer {
	t.Helper()
	opts := config.DefaultServerOptions()
	opts.Interface = "localhost"
	opts.Port = 0
	opts.ChunkSize = "1KiB"
	opts.MaxConnections = maxConns
	opts.Timeout = 2 * time.Second
	cfg, err := config.NewServerConfig(opts)
	if err != nil {
		t.Fatalf("NewServerConfig error: %v", err)
	}
	ln, err := nettest.NewLocalListener("tcp4")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m := metrics.NewServerMetrics()
	status := control.NewStatusStore(nil)
	srv := New(cfg, util.NopLogger(), WithMetrics(m), WithStatus(status))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Serve error: %v", err)
		}
	})
	return &testServer{
		srv:     srv,
		metrics: m,
		status:  status,
		port:    ln.Addr().(*net.TCPAddr).Port,
	}
}

func (ts *testServer) clientConfig(t *testing.T, data string) config.ClientConfig {
	t.Helper()
	opts := config.DefaultClientOptions("127.0.0.1")
	opts.Port = ts.port
	opts.ChunkSize = "1KiB"
	opts.Data = data
	opts.PingCount = 4
	opts.Timeout = 5 * time.Second
	cfg, err := config.NewClientConfig(opts)
	if err != nil {
		t.Fatalf("NewClientConfig error: %v", err)
	}
	return cfg
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", util.FormatPort(ts.port)), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// pingOnce sends one PING and waits for the PONG.
func pingOnce(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.WriteMessage(conn, protocol.Ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if err := protocol.ExpectMessage(conn, protocol.Pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
}

func expectDropped(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("read on rejected connection = %d, %v; want 0 bytes and an error", n, err)
	}
	if errs.Classify(err) == errs.ClassTimeout {
		t.Fatalf("rejected connection was left open")
	}
}

func TestEndToEndExactBytes(t *testing.T) {
	ts := startServer(t, 5)
	c := client.New(ts.clientConfig(t, "4096"), util.NopLogger())

	res, err := c.Contact(context.Background())
	if err != nil {
		t.Fatalf("Contact error: %v", err)
	}
	if res.Ping.Sent != 4 || res.Ping.Received < 0 || res.Ping.Received > 4 {
		t.Fatalf("ping = %+v, want 4 sent", res.Ping)
	}
	wantLoss := float64(res.Ping.Sent-res.Ping.Received) / float64(res.Ping.Sent) * 100
	if res.Ping.Loss != wantLoss {
		t.Fatalf("loss = %v, want %v", res.Ping.Loss, wantLoss)
	}
	if res.Upload.Bytes != 4096 {
		t.Fatalf("upload bytes = %d, want 4096", res.Upload.Bytes)
	}
	if res.Download.Bytes != 4096 {
		t.Fatalf("download bytes = %d, want 4096", res.Download.Bytes)
	}

	waitFor(t, "session to finish", func() bool { return ts.srv.Active() == 0 })
	if got := testutil.ToFloat64(ts.metrics.UploadBytes); got != 4096 {
		t.Fatalf("server upload bytes = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(ts.metrics.SessionsAccepted); got != 1 {
		t.Fatalf("accepted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ts.metrics.SessionsFailed); got != 0 {
		t.Fatalf("failed = %v, want 0", got)
	}
	if got := testutil.ToFloat64(ts.metrics.Pings); got != 5 {
		t.Fatalf("pings = %v, want 5 including the priming probe", got)
	}
	if completed, failed := ts.status.Totals(); completed != 1 || failed != 0 {
		t.Fatalf("status totals = %d/%d, want 1/0", completed, failed)
	}
}

func TestSecondClientRejectedAtCapacity(t *testing.T) {
	ts := startServer(t, 1)

	first := ts.dial(t)
	pingOnce(t, first)
	waitFor(t, "first session", func() bool { return ts.srv.Active() == 1 })

	second := ts.dial(t)
	expectDropped(t, second)
	waitFor(t, "rejection count", func() bool { return testutil.ToFloat64(ts.metrics.SessionsRejected) == 1 })

	// The first session continues through every phase.
	_ = first.SetDeadline(time.Now().Add(3 * time.Second))
	payload := protocol.GenerateBuffer(3000)
	for _, msg := range [][]byte{protocol.PingDone, protocol.UploadStart, payload, protocol.UploadDone, protocol.DownloadStart} {
		if err := protocol.WriteMessage(first, msg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := io.ReadFull(first, make([]byte, 4096)); err != nil {
		t.Fatalf("download read: %v", err)
	}
	first.Close()

	waitFor(t, "first session to finish", func() bool { return ts.srv.Active() == 0 })
	if got := testutil.ToFloat64(ts.metrics.UploadBytes); got != 3000 {
		t.Fatalf("server upload bytes = %v, want 3000", got)
	}
	if completed, failed := ts.status.Totals(); completed != 1 || failed != 0 {
		t.Fatalf("status totals = %d/%d, want 1/0", completed, failed)
	}
}

func TestExtraConnectionDoesNotDisturbAdmitted(t *testing.T) {
	const k = 3
	ts := startServer(t, k)

	var admitted []net.Conn
	for i := 0; i < k; i++ {
		conn := ts.dial(t)
		pingOnce(t, conn)
		admitted = append(admitted, conn)
	}
	expectDropped(t, ts.dial(t))

	for _, conn := range admitted {
		pingOnce(t, conn)
	}
	if got := ts.srv.Active(); got != k {
		t.Fatalf("Active = %d, want %d", got, k)
	}
}

func TestClientRejectedAtCapacityFails(t *testing.T) {
	ts := startServer(t, 1)
	first := ts.dial(t)
	pingOnce(t, first)

	c := client.New(ts.clientConfig(t, "65536"), util.NopLogger())
	if _, err := c.Contact(context.Background()); err == nil {
		t.Fatalf("Contact succeeded against a full server")
	}
}

func TestBadUploadStartIsProtocolFailure(t *testing.T) {
	ts := startServer(t, 2)
	conn := ts.dial(t)
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.WriteMessage(conn, protocol.PingDone); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := protocol.WriteMessage(conn, []byte("NETBEAT_UPLOAD_STARX")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatalf("server kept the connection open after a bad header")
	}

	waitFor(t, "session to finish", func() bool { return ts.srv.Active() == 0 })
	if got := testutil.ToFloat64(ts.metrics.SessionsFailed); got != 1 {
		t.Fatalf("failed = %v, want 1", got)
	}
	if _, failed := ts.status.Totals(); failed != 1 {
		t.Fatalf("failed sessions = %d, want 1", failed)
	}
}

func TestUnknownPingFramesAreIgnored(t *testing.T) {
	ts := startServer(t, 1)
	conn := ts.dial(t)
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.WriteMessage(conn, []byte("XXXXXXXXXXXX")); err != nil {
		t.Fatalf("write: %v", err)
	}
	pingOnce(t, conn)
}

func TestSplitUploadSentinel(t *testing.T) {
	ts := startServer(t, 1)
	conn := ts.dial(t)
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	for _, msg := range [][]byte{protocol.PingDone, protocol.UploadStart, protocol.GenerateBuffer(1500)} {
		if err := protocol.WriteMessage(conn, msg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// Sentinel in two separate writes, the second carrying the next header.
	if err := protocol.WriteMessage(conn, protocol.UploadDone[:7]); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	tail := append(append([]byte(nil), protocol.UploadDone[7:]...), protocol.DownloadStart...)
	if err := protocol.WriteMessage(conn, tail); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := io.ReadFull(conn, make([]byte, 2048)); err != nil {
		t.Fatalf("download read: %v", err)
	}
	if got := testutil.ToFloat64(ts.metrics.UploadBytes); got != 1500 {
		t.Fatalf("server upload bytes = %v, want 1500", got)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg, err := config.NewServerConfig(config.ServerOptions{Interface: "localhost", Port: 0, MaxConnections: 1})
	if err != nil {
		t.Fatalf("NewServerConfig error: %v", err)
	}
	srv := New(cfg, util.NopLogger())
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	pingOnce(t, conn)

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Serve error = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
	if srv.Active() != 0 {
		t.Fatalf("Active = %d, want 0", srv.Active())
	}
}

func TestListenBindFailure(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp4")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	cfg, err := config.NewServerConfig(config.ServerOptions{
		Interface: "localhost",
		Port:      ln.Addr().(*net.TCPAddr).Port,
	})
	if err != nil {
		t.Fatalf("NewServerConfig error: %v", err)
	}
	err = New(cfg, util.NopLogger()).ListenAndServe(context.Background())
	if !errs.IsKind(err, errs.KindConnection) {
		t.Fatalf("ListenAndServe error = %v, want connection error", err)
	}
}

func TestWorkerPanicReleasesSlot(t *testing.T) {
	// A negative chunk size makes the upload buffer allocation panic.
	cfg := config.ServerConfig{ChunkSize: -1, MaxConnections: 1, Timeout: 2 * time.Second}
	ln, err := nettest.NewLocalListener("tcp4")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m := metrics.NewServerMetrics()
	srv := New(cfg, util.NopLogger(), WithMetrics(m))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-errc
	}()

	for i := 0; i < 3; i++ {
		conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
		for _, msg := range [][]byte{protocol.PingDone, protocol.UploadStart} {
			if err := protocol.WriteMessage(conn, msg); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
		if _, err := conn.Read(make([]byte, 1)); err == nil {
			t.Fatalf("session %d stayed open after a worker panic", i)
		}
		conn.Close()
		waitFor(t, "slot release", func() bool { return srv.Active() == 0 })
	}
	if got := testutil.ToFloat64(m.SessionsFailed); got != 3 {
		t.Fatalf("failed = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.SessionsRejected); got != 0 {
		t.Fatalf("rejected = %v, want 0", got)
	}
}

func TestAdmitAfterCancelClosesConn(t *testing.T) {
	cfg := config.ServerConfig{ChunkSize: 1024, MaxConnections: 1, Timeout: 10 * time.Second}
	srv := New(cfg, util.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	local, peer := net.Pipe()
	defer peer.Close()
	srv.admit(ctx, local)

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := peer.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("read after cancelled admit = %v, want EOF", err)
	}
	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker still running after the connection was closed")
	}
	if srv.Active() != 0 {
		t.Fatalf("Active = %d, want 0", srv.Active())
	}
}
