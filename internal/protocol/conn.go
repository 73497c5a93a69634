package protocol

import (
	"bytes"
	"io"
	"net"
	"time"
)

// DeadlineConn pushes the read and write deadlines forward before every
// call, turning a silent peer into a timeout error instead of a hang.
type DeadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewDeadlineConn wraps conn. A zero timeout leaves that direction without a
// deadline.
func NewDeadlineConn(conn net.Conn, readTimeout, writeTimeout time.Duration) *DeadlineConn {
	return &DeadlineConn{Conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

func (c *DeadlineConn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *DeadlineConn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

// SetReadTimeout changes the per-call read timeout.
func (c *DeadlineConn) SetReadTimeout(d time.Duration) {
	c.readTimeout = d
}

// PrefixReader replays pending before continuing with r.
func PrefixReader(pending []byte, r io.Reader) io.Reader {
	if len(pending) == 0 {
		return r
	}
	return io.MultiReader(bytes.NewReader(pending), r)
}
