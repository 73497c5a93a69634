package metrics

import "time"

// Transfer is the byte count and wall time of one upload or download phase.
type Transfer struct {
	Bytes   uint64
	Elapsed time.Duration
}

// BytesPerSecond returns the average rate, or 0 when no time elapsed.
func (t Transfer) BytesPerSecond() float64 {
	secs := t.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(t.Bytes) / secs
}

func (t Transfer) BitsPerSecond() float64 {
	return t.BytesPerSecond() * 8
}

// MegabytesPerSecond uses decimal megabytes (10^6).
func (t Transfer) MegabytesPerSecond() float64 {
	return t.BytesPerSecond() / 1e6
}

func (t Transfer) Mbps() float64 {
	return t.BitsPerSecond() / 1e6
}
