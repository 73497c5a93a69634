package metrics

import (
	"math"
	"time"
)

// PingStats summarizes the ping phase of a session.
type PingStats struct {
	Sent     int
	Received int
	// Loss is a percentage in [0, 100].
	Loss   float64
	Min    time.Duration
	Max    time.Duration
	Avg    time.Duration
	Jitter time.Duration // sample standard deviation
}

// SummarizePing derives PingStats from the number of probes sent and the
// round trips that came back. With no samples the latency fields stay zero.
func SummarizePing(sent int, samples []time.Duration) PingStats {
	stats := PingStats{Sent: sent, Received: len(samples)}
	if stats.Received > stats.Sent {
		stats.Sent = stats.Received
	}
	if stats.Sent > 0 {
		stats.Loss = float64(stats.Sent-stats.Received) / float64(stats.Sent) * 100
	}
	if len(samples) == 0 {
		return stats
	}

	var mean, m2 float64
	for i, rtt := range samples {
		if i == 0 || rtt < stats.Min {
			stats.Min = rtt
		}
		if i == 0 || rtt > stats.Max {
			stats.Max = rtt
		}
		value := float64(rtt)
		delta := value - mean
		mean += delta / float64(i+1)
		m2 += delta * (value - mean)
	}
	stats.Avg = time.Duration(mean)
	if len(samples) > 1 {
		stats.Jitter = time.Duration(math.Sqrt(m2 / float64(len(samples)-1)))
	}
	return stats
}
