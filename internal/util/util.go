package util

import (
	"net"
	"strconv"
)

func FormatPort(port int) string {
	return strconv.Itoa(port)
}

func NetJoin(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// SplitHostPort is net.SplitHostPort with the port converted to an int.
func SplitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// ValueOr dereferences ptr, or returns fallback when the YAML key was absent.
func ValueOr[T any](ptr *T, fallback T) T {
	if ptr == nil {
		return fallback
	}
	return *ptr
}
