package client

import (
	"time"

	"github.com/NodePath81/netbeat/internal/metrics"
)

// Result is the outcome of one completed session.
type Result struct {
	ID      string
	Server  string
	Version string
	Started time.Time

	Ping     metrics.PingStats
	Upload   metrics.Transfer
	Download metrics.Transfer

	// TCP holds kernel statistics for the connection, when the platform
	// exposes them.
	TCP *metrics.TCPStats
}
