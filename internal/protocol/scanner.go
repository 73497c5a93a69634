package protocol

import "bytes"

// SentinelScanner finds a sentinel in a stream that arrives in arbitrary
// pieces. Between calls it only retains the last len(sentinel)-1 bytes, so
// memory stays bounded no matter how long the stream runs.
type SentinelScanner struct {
	sentinel []byte
	keep     int
	window   []byte
	total    uint64
	payload  uint64
	found    bool
}

func NewSentinelScanner(sentinel []byte) *SentinelScanner {
	return &SentinelScanner{
		sentinel: sentinel,
		keep:     len(sentinel) - 1,
	}
}

// Feed appends p to the scanned stream. Once the sentinel is seen it reports
// true along with any bytes that followed it in p. Further calls after a
// match are no-ops.
func (s *SentinelScanner) Feed(p []byte) (bool, []byte) {
	if s.found {
		return true, nil
	}
	s.total += uint64(len(p))
	s.window = append(s.window, p...)
	if i := bytes.Index(s.window, s.sentinel); i >= 0 {
		rest := append([]byte(nil), s.window[i+len(s.sentinel):]...)
		s.payload = s.total - uint64(len(rest)) - uint64(len(s.sentinel))
		s.found = true
		s.window = s.window[:0]
		return true, rest
	}
	if len(s.window) > s.keep {
		n := copy(s.window, s.window[len(s.window)-s.keep:])
		s.window = s.window[:n]
	}
	return false, nil
}

// Found reports whether the sentinel has been seen.
func (s *SentinelScanner) Found() bool {
	return s.found
}

// Payload is the number of bytes that preceded the sentinel, or every byte
// fed so far when it has not been seen.
func (s *SentinelScanner) Payload() uint64 {
	if s.found {
		return s.payload
	}
	return s.total
}

// Retained is the number of bytes currently held between calls.
func (s *SentinelScanner) Retained() int {
	return len(s.window)
}
