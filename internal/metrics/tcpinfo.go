package metrics

import (
	"errors"
	"time"
)

var ErrTCPStatsUnsupported = errors.New("tcp stats not supported on this platform")

// TCPStats is the subset of the kernel's TCP_INFO that netbeat reports.
type TCPStats struct {
	Retransmits uint64
	SegmentsOut uint64
	SegmentsIn  uint64
	BytesAcked  uint64
	// Smoothed RTT and its variance as tracked by the kernel.
	RTT     time.Duration
	RTTVar  time.Duration
	SndCwnd uint32
	SndMSS  uint32
}

// RetransmitRate is retransmitted segments over segments sent.
func (s TCPStats) RetransmitRate() float64 {
	if s.SegmentsOut == 0 {
		return 0
	}
	return float64(s.Retransmits) / float64(s.SegmentsOut)
}
