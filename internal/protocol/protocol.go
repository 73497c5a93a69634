package protocol

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// Version is reported alongside results so both ends can be matched up.
const Version = "NETBEAT_1.0"

const (
	PingHeader          = "NETBEAT_PING"
	PongHeader          = "NETBEAT_PONG"
	PingDoneHeader      = "NETBEAT_DONE"
	UploadStartHeader   = "NETBEAT_UPLOAD_START"
	UploadDoneHeader    = "NETBEAT_UPLOAD_DONE"
	DownloadStartHeader = "NETBEAT_DOWNLOAD_START"
	DownloadDoneHeader  = "NETBEAT_DOWNLOAD_DONE"
)

// Byte forms of the headers. Treat as read-only.
var (
	Ping          = []byte(PingHeader)
	Pong          = []byte(PongHeader)
	PingDone      = []byte(PingDoneHeader)
	UploadStart   = []byte(UploadStartHeader)
	UploadDone    = []byte(UploadDoneHeader)
	DownloadStart = []byte(DownloadStartHeader)
	DownloadDone  = []byte(DownloadDoneHeader)
)

// PingFrameSize is the fixed frame length of the ping phase. PING, PONG and
// DONE share it.
const PingFrameSize = len(PingHeader)

// ErrUnexpectedMessage is returned when a fixed-size read does not match the
// expected header.
var ErrUnexpectedMessage = errors.New("unexpected protocol message")

type flusher interface {
	Flush() error
}

// WriteMessage writes all of msg and flushes w when it buffers.
func WriteMessage(w io.Writer, msg []byte) error {
	for len(msg) > 0 {
		n, err := w.Write(msg)
		if err != nil {
			return err
		}
		msg = msg[n:]
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}

// ReadMessage reads exactly size bytes.
func ReadMessage(r io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ExpectMessage reads len(want) bytes and checks them against want.
func ExpectMessage(r io.Reader, want []byte) error {
	got, err := ReadMessage(r, len(want))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%w: want %q, got %q", ErrUnexpectedMessage, want, truncate(got, 32))
	}
	return nil
}

// GenerateBuffer returns size bytes of random payload.
func GenerateBuffer(size int) []byte {
	buf := make([]byte, size)
	_, _ = rand.Read(buf)
	return buf
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
