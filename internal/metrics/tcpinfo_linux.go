//go:build linux

package metrics

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ReadTCPStats reads TCP_INFO from conn.
func ReadTCPStats(conn *net.TCPConn) (TCPStats, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return TCPStats{}, fmt.Errorf("syscall conn: %w", err)
	}

	var info *unix.TCPInfo
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		info, sockErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil {
		return TCPStats{}, fmt.Errorf("control syscall: %w", err)
	}
	if sockErr != nil {
		return TCPStats{}, fmt.Errorf("getsockopt TCP_INFO: %w", sockErr)
	}
	if info == nil {
		return TCPStats{}, fmt.Errorf("getsockopt TCP_INFO: nil info")
	}

	segmentsOut := uint64(info.Data_segs_out)
	if segmentsOut == 0 {
		segmentsOut = uint64(info.Segs_out)
	}
	// Rtt and Rttvar are reported in microseconds.
	return TCPStats{
		Retransmits: uint64(info.Total_retrans),
		SegmentsOut: segmentsOut,
		SegmentsIn:  uint64(info.Segs_in),
		BytesAcked:  info.Bytes_acked,
		RTT:         time.Duration(info.Rtt) * time.Microsecond,
		RTTVar:      time.Duration(info.Rttvar) * time.Microsecond,
		SndCwnd:     info.Snd_cwnd,
		SndMSS:      info.Snd_mss,
	}, nil
}
