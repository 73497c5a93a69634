// Package client runs the client side of a netbeat session: connect, ping,
// upload, pause, download.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/NodePath81/netbeat/internal/config"
	"github.com/NodePath81/netbeat/internal/errs"
	"github.com/NodePath81/netbeat/internal/metrics"
	"github.com/NodePath81/netbeat/internal/protocol"
	"github.com/NodePath81/netbeat/internal/util"
)

const (
	pingInterval = 100 * time.Millisecond
	// phasePause gives the server time to leave the upload phase before
	// DOWNLOAD_START arrives.
	phasePause       = 500 * time.Millisecond
	progressInterval = time.Second
)

// DialFunc opens the connection to the server.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Progress is a snapshot of a running phase.
type Progress struct {
	Phase   protocol.Phase
	Bytes   uint64
	Elapsed time.Duration
	Target  config.Target
	// Ping phase only.
	PingsSent     int
	PingsReceived int
}

// ProgressFunc receives progress snapshots. It runs on the session goroutine
// and must not block.
type ProgressFunc func(Progress)

type Option func(*Client)

// WithDialer replaces the default timeout-bounded TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(c *Client) {
		c.progress = fn
	}
}

// Client runs sessions against one server. A Client may be reused; each
// Contact call owns its own connection and buffers.
type Client struct {
	cfg      config.ClientConfig
	logger   util.Logger
	dial     DialFunc
	progress ProgressFunc
	sleep    func(time.Duration)
}

func New(cfg config.ClientConfig, logger util.Logger, opts ...Option) *Client {
	dialer := &net.Dialer{Timeout: cfg.Timeout}
	c := &Client{
		cfg:    cfg,
		logger: logger,
		dial:   dialer.DialContext,
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Contact runs one complete session and returns its result. Configuration
// has already been validated, so failures are connection errors, protocol
// errors or test execution errors.
func (c *Client) Contact(ctx context.Context) (Result, error) {
	id := uuid.NewString()
	logger := c.logger.With("session", id)

	conn, err := c.connect(ctx, logger)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()

	tcpConn, _ := conn.(*net.TCPConn)
	if tcpConn != nil {
		_ = tcpConn.SetNoDelay(true)
	}
	stream := protocol.NewDeadlineConn(conn, c.cfg.Timeout, c.cfg.Timeout)

	result := Result{
		ID:      id,
		Server:  conn.RemoteAddr().String(),
		Version: protocol.Version,
		Started: time.Now(),
	}
	logger.Info("connected", "server", result.Server, "target", c.cfg.Target.String())

	result.Ping = c.runPing(stream, logger)

	buf := protocol.GenerateBuffer(c.cfg.ChunkSize)
	result.Upload, err = c.runUpload(stream, buf, logger)
	if err != nil {
		return Result{}, err
	}

	c.sleep(phasePause)

	result.Download, err = c.runDownload(stream, buf, logger)
	if err != nil {
		return Result{}, err
	}

	if tcpConn != nil {
		if stats, err := metrics.ReadTCPStats(tcpConn); err == nil {
			result.TCP = &stats
		} else if !errors.Is(err, metrics.ErrTCPStatsUnsupported) {
			logger.Debug("tcp stats unavailable", "error", err)
		}
	}
	if err := conn.Close(); err != nil {
		logger.Debug("close failed", "error", err)
	}
	logger.Info("session complete",
		"upload_bytes", result.Upload.Bytes,
		"download_bytes", result.Download.Bytes,
		"pings", result.Ping.Received,
	)
	return result, nil
}

func (c *Client) connect(ctx context.Context, logger util.Logger) (net.Conn, error) {
	addr := c.cfg.Addr()
	attempts := c.cfg.Attempts()
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := c.dial(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Debug("connect attempt failed", "addr", addr, "attempt", i+1, "attempts", attempts, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errs.Connection(fmt.Sprintf("connect to %s failed after %d attempts", addr, attempts), lastErr)
}

// runPing never fails the session. Timeouts count as lost probes; any other
// error stops the loop and leaves the remaining probes lost.
func (c *Client) runPing(conn *protocol.DeadlineConn, logger util.Logger) metrics.PingStats {
	count := c.cfg.PingCount
	samples := make([]time.Duration, 0, count)
	pong := make([]byte, len(protocol.Pong))

	conn.SetReadTimeout(c.cfg.PingTimeout)
	defer conn.SetReadTimeout(c.cfg.Timeout)

	logger.Debug("ping phase started", "count", count)
	if err := protocol.WriteMessage(conn, protocol.Ping); err != nil {
		logger.Debug("priming ping failed", "error", err)
	} else if _, err := io.ReadFull(conn, pong); err != nil {
		logger.Debug("priming ping unanswered", "error", err)
	}

	for i := 0; i < count; i++ {
		start := time.Now()
		if err := protocol.WriteMessage(conn, protocol.Ping); err != nil {
			if errs.Classify(err) == errs.ClassTimeout {
				continue
			}
			logger.Warn("ping phase aborted", "sent", i+1, "error", err)
			break
		}
		if _, err := io.ReadFull(conn, pong); err != nil {
			if errs.Classify(err) == errs.ClassTimeout {
				logger.Debug("ping lost", "seq", i+1)
				continue
			}
			logger.Warn("ping phase aborted", "sent", i+1, "error", err)
			break
		}
		if bytes.Equal(pong, protocol.Pong) {
			samples = append(samples, time.Since(start))
		}
		c.report(Progress{Phase: protocol.PhasePing, PingsSent: i + 1, PingsReceived: len(samples)})

		if i < count-1 {
			c.sleep(pingInterval)
		}
	}

	if err := protocol.WriteMessage(conn, protocol.PingDone); err != nil {
		logger.Warn("could not end ping phase", "error", err)
	}
	stats := metrics.SummarizePing(count, samples)
	logger.Debug("ping phase finished", "received", stats.Received, "loss", stats.Loss)
	return stats
}

func (c *Client) runUpload(conn io.Writer, buf []byte, logger util.Logger) (metrics.Transfer, error) {
	if err := protocol.WriteMessage(conn, protocol.UploadStart); err != nil {
		return metrics.Transfer{}, errs.TestExecution(string(protocol.PhaseUpload), err)
	}
	logger.Debug("upload phase started")

	target := c.cfg.Target
	throttle := rate.Sometimes{Interval: progressInterval}
	var sent uint64
	start := time.Now()
	for {
		if target.ByteMode() {
			if sent >= target.Bytes {
				break
			}
		} else if time.Since(start) >= target.Duration {
			break
		}
		chunk := buf
		if target.ByteMode() {
			if remaining := target.Bytes - sent; remaining < uint64(len(chunk)) {
				chunk = chunk[:remaining]
			}
		}
		if err := protocol.WriteMessage(conn, chunk); err != nil {
			return metrics.Transfer{}, errs.TestExecution(string(protocol.PhaseUpload), err)
		}
		sent += uint64(len(chunk))
		c.transferProgress(&throttle, logger, protocol.PhaseUpload, sent, time.Since(start))
	}
	elapsed := time.Since(start)

	if err := protocol.WriteMessage(conn, protocol.UploadDone); err != nil {
		return metrics.Transfer{}, errs.TestExecution(string(protocol.PhaseUpload), err)
	}
	logger.Debug("upload phase finished", "bytes", sent, "elapsed", elapsed)
	return metrics.Transfer{Bytes: sent, Elapsed: elapsed}, nil
}

func (c *Client) runDownload(conn io.ReadWriter, buf []byte, logger util.Logger) (metrics.Transfer, error) {
	if err := protocol.WriteMessage(conn, protocol.DownloadStart); err != nil {
		return metrics.Transfer{}, errs.TestExecution(string(protocol.PhaseDownload), err)
	}
	logger.Debug("download phase started")

	target := c.cfg.Target
	throttle := rate.Sometimes{Interval: progressInterval}
	var received uint64
	start := time.Now()
	for {
		if target.ByteMode() {
			if received >= target.Bytes {
				break
			}
		} else if time.Since(start) >= target.Duration {
			break
		}
		chunk := buf
		if target.ByteMode() {
			if remaining := target.Bytes - received; remaining < uint64(len(chunk)) {
				chunk = chunk[:remaining]
			}
		}
		n, err := conn.Read(chunk)
		received += uint64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("server closed the download stream", "bytes", received)
				break
			}
			return metrics.Transfer{}, errs.TestExecution(string(protocol.PhaseDownload), err)
		}
		c.transferProgress(&throttle, logger, protocol.PhaseDownload, received, time.Since(start))
	}
	elapsed := time.Since(start)
	logger.Debug("download phase finished", "bytes", received, "elapsed", elapsed)
	return metrics.Transfer{Bytes: received, Elapsed: elapsed}, nil
}

func (c *Client) transferProgress(throttle *rate.Sometimes, logger util.Logger, phase protocol.Phase, n uint64, elapsed time.Duration) {
	c.report(Progress{Phase: phase, Bytes: n, Elapsed: elapsed, Target: c.cfg.Target})
	throttle.Do(func() {
		logger.Debug("transfer progress", "phase", phase, "bytes", n, "elapsed", elapsed)
	})
}

func (c *Client) report(p Progress) {
	if c.progress != nil {
		c.progress(p)
	}
}
