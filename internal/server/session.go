package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/NodePath81/netbeat/internal/errs"
	"github.com/NodePath81/netbeat/internal/protocol"
	"github.com/NodePath81/netbeat/internal/util"
)

// session is the server half of one client connection. It is owned by a
// single worker goroutine.
type session struct {
	srv    *Server
	id     string
	remote string
	conn   *protocol.DeadlineConn
	logger util.Logger

	pings      uint64
	uploaded   uint64
	downloaded uint64
}

func newSession(srv *Server, conn net.Conn) *session {
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	return &session{
		srv:    srv,
		id:     id,
		remote: remote,
		conn:   protocol.NewDeadlineConn(conn, srv.cfg.Timeout, srv.cfg.Timeout),
		logger: srv.logger.With("session", id, "client", remote),
	}
}

func (s *session) run(ctx context.Context) error {
	if s.srv.status != nil {
		s.srv.status.Add(s.id, s.remote)
	}
	s.logger.Debug("session started")
	start := time.Now()

	s.enter(protocol.PhasePing)
	if err := s.ping(); err != nil {
		return err
	}

	s.enter(protocol.PhaseUpload)
	rest, err := s.upload()
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.enter(protocol.PhaseDownload)
	if err := s.download(protocol.PrefixReader(rest, s.conn)); err != nil {
		return err
	}

	s.enter(protocol.PhaseDone)
	s.logger.Info("session complete",
		"pings", s.pings,
		"upload_bytes", s.uploaded,
		"download_bytes", s.downloaded,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func (s *session) enter(phase protocol.Phase) {
	s.logger.Debug("phase entered", "phase", phase)
	if s.srv.status != nil {
		s.srv.status.SetPhase(s.id, phase.String())
	}
}

// ping answers probes until PING_DONE. Frames that are neither PING nor
// PING_DONE are ignored.
func (s *session) ping() error {
	frame := make([]byte, protocol.PingFrameSize)
	for {
		if _, err := io.ReadFull(s.conn, frame); err != nil {
			return errs.TestExecution(protocol.PhasePing.String(), err)
		}
		switch {
		case bytes.Equal(frame, protocol.PingDone):
			s.logger.Debug("ping phase finished", "pings", s.pings)
			return nil
		case bytes.Equal(frame, protocol.Ping):
			if err := protocol.WriteMessage(s.conn, protocol.Pong); err != nil {
				return errs.TestExecution(protocol.PhasePing.String(), err)
			}
			s.pings++
			if s.srv.metrics != nil {
				s.srv.metrics.Pings.Inc()
			}
			if s.srv.status != nil {
				s.srv.status.AddPings(s.id, 1)
			}
		default:
			s.logger.Debug("ignoring unknown ping frame", "frame", string(frame))
		}
	}
}

// upload drains payload until UPLOAD_DONE or EOF and returns any bytes that
// arrived after the sentinel.
func (s *session) upload() ([]byte, error) {
	if err := protocol.ExpectMessage(s.conn, protocol.UploadStart); err != nil {
		return nil, phaseStartError(protocol.PhaseUpload, err)
	}

	scanner := protocol.NewSentinelScanner(protocol.UploadDone)
	buf := make([]byte, s.srv.cfg.ChunkSize)
	var rest []byte
	for !scanner.Found() {
		n, err := s.conn.Read(buf)
		if n > 0 {
			_, rest = scanner.Feed(buf[:n])
			s.countUpload(scanner)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Debug("client closed during upload")
				break
			}
			return nil, errs.TestExecution(protocol.PhaseUpload.String(), err)
		}
		if n == 0 {
			break
		}
	}
	s.logger.Debug("upload phase finished", "bytes", s.uploaded)
	return rest, nil
}

// countUpload publishes payload bytes that can no longer turn out to be part
// of the sentinel.
func (s *session) countUpload(scanner *protocol.SentinelScanner) {
	settled := scanner.Payload()
	if !scanner.Found() {
		settled -= uint64(scanner.Retained())
	}
	if settled <= s.uploaded {
		return
	}
	delta := settled - s.uploaded
	s.uploaded = settled
	if s.srv.metrics != nil {
		s.srv.metrics.UploadBytes.Add(float64(delta))
	}
	if s.srv.status != nil {
		s.srv.status.AddBytes(s.id, delta, 0)
	}
}

// download streams random payload until the client stops consuming it.
// Timeouts, resets and EOF mean the client is done.
func (s *session) download(r io.Reader) error {
	if err := protocol.ExpectMessage(r, protocol.DownloadStart); err != nil {
		return phaseStartError(protocol.PhaseDownload, err)
	}

	buf := protocol.GenerateBuffer(s.srv.cfg.ChunkSize)
	for {
		n, err := s.conn.Write(buf)
		if n > 0 {
			s.downloaded += uint64(n)
			if s.srv.metrics != nil {
				s.srv.metrics.DownloadBytes.Add(float64(n))
			}
			if s.srv.status != nil {
				s.srv.status.AddBytes(s.id, 0, uint64(n))
			}
		}
		if err == nil {
			continue
		}
		switch class := errs.Classify(err); class {
		case errs.ClassTimeout, errs.ClassReset, errs.ClassEOF:
			s.logger.Debug("client stopped consuming", "reason", class, "bytes", s.downloaded)
		default:
			s.logger.Warn("unexpected download write error", "error", err, "bytes", s.downloaded)
		}
		return nil
	}
}

// phaseStartError reports a wrong start header as a protocol error and a
// failed read as a test execution error.
func phaseStartError(phase protocol.Phase, err error) error {
	if errors.Is(err, protocol.ErrUnexpectedMessage) {
		return errs.Protocol(phase.String(), err)
	}
	return errs.TestExecution(phase.String(), err)
}
