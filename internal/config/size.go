package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/NodePath81/netbeat/internal/errs"
)

const (
	MinChunkSize = 1 << 10
	MaxChunkSize = 16 << 20
)

// ParseSize parses a human-readable byte size. IEC units ("KiB", "MiB") are
// powers of 1024, SI units ("KB", "MB") powers of 1000, and a bare number is
// a byte count.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

// ParseChunkSize parses s and checks it lies within [MinChunkSize,
// MaxChunkSize]. The returned error is scoped to the server when server is
// true and to the client otherwise.
func ParseChunkSize(s string, server bool) (int, error) {
	fail := func(msg string) error {
		if server {
			return errs.ServerConfig("chunk_size", msg)
		}
		return errs.ClientConfig("chunk_size", msg)
	}
	n, err := ParseSize(s)
	if err != nil {
		return 0, fail(err.Error())
	}
	if n < MinChunkSize {
		return 0, fail(fmt.Sprintf("%q is smaller than 1KiB", s))
	}
	if n > MaxChunkSize {
		return 0, fail(fmt.Sprintf("%q exceeds 16MiB", s))
	}
	return int(n), nil
}
