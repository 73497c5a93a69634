//go:build !linux

package metrics

import "net"

func ReadTCPStats(conn *net.TCPConn) (TCPStats, error) {
	return TCPStats{}, ErrTCPStatsUnsupported
}
