package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/NodePath81/netbeat/internal/errs"
	"github.com/NodePath81/netbeat/internal/util"
)

const (
	DefaultPort           = 5050
	DefaultChunkSize      = "64KiB"
	DefaultDuration       = 10 * time.Second
	DefaultPingCount      = 20
	DefaultMaxConnections = 50
	DefaultTimeout        = 30 * time.Second
	DefaultRetries        = 3
	DefaultPingTimeout    = 3 * time.Second
	DefaultInterface      = InterfaceAll

	defaultControlAddr      = "127.0.0.1"
	defaultControlPort      = 9090
	defaultControlRate      = 5
	defaultControlRateBurst = 10
)

// BindInterface selects which local address the server listens on.
type BindInterface string

const (
	InterfaceAll       BindInterface = "all"
	InterfaceLocalhost BindInterface = "localhost"
)

// ParseBindInterface accepts "all" or "localhost", case insensitive.
func ParseBindInterface(s string) (BindInterface, error) {
	switch BindInterface(strings.ToLower(strings.TrimSpace(s))) {
	case InterfaceAll:
		return InterfaceAll, nil
	case InterfaceLocalhost:
		return InterfaceLocalhost, nil
	}
	return "", errs.ServerConfig("interface", fmt.Sprintf("%q is not one of all, localhost", s))
}

func (b BindInterface) IP() net.IP {
	if b == InterfaceLocalhost {
		return net.IPv4(127, 0, 0, 1)
	}
	return net.IPv4zero
}

// Target is the goal of an upload or download phase. A non-zero Bytes runs
// the phase until exactly that many bytes moved; otherwise it runs for
// Duration.
type Target struct {
	Bytes    uint64
	Duration time.Duration
}

func (t Target) ByteMode() bool {
	return t.Bytes > 0
}

func (t Target) String() string {
	if t.ByteMode() {
		return fmt.Sprintf("%d bytes", t.Bytes)
	}
	return t.Duration.String()
}

// ClientOptions carries unvalidated client settings as a user typed them.
// Zero values fall back to the defaults, except Retries.
type ClientOptions struct {
	Target      string
	Port        int
	Duration    time.Duration
	Data        string
	ChunkSize   string
	PingCount   int
	PingTimeout time.Duration
	Timeout     time.Duration
	Retries     int
}

// DefaultClientOptions returns options for target with every default filled.
func DefaultClientOptions(target string) ClientOptions {
	return ClientOptions{
		Target:      target,
		Port:        DefaultPort,
		Duration:    DefaultDuration,
		ChunkSize:   DefaultChunkSize,
		PingCount:   DefaultPingCount,
		PingTimeout: DefaultPingTimeout,
		Timeout:     DefaultTimeout,
		Retries:     DefaultRetries,
	}
}

// ClientConfig is a validated client configuration. Build it with
// NewClientConfig.
type ClientConfig struct {
	IP          net.IP
	Port        int
	ChunkSize   int
	Target      Target
	PingCount   int
	PingTimeout time.Duration
	Timeout     time.Duration
	Retries     int
}

// Addr returns the server address in host:port form.
func (c ClientConfig) Addr() string {
	return util.NetJoin(c.IP.String(), c.Port)
}

// Attempts is the number of connection attempts Contact makes.
func (c ClientConfig) Attempts() int {
	if c.Retries < 1 {
		return 1
	}
	return c.Retries
}

// NewClientConfig validates opts. It fails on the first invalid field with an
// errs.KindClientConfig error naming that field.
func NewClientConfig(opts ClientOptions) (ClientConfig, error) {
	opts.setDefaults()

	ip := net.ParseIP(strings.TrimSpace(opts.Target))
	if ip == nil {
		return ClientConfig{}, errs.ClientConfig("target", fmt.Sprintf("%q is not an IP address", opts.Target))
	}
	if err := validatePort(opts.Port); err != nil {
		return ClientConfig{}, errs.ClientConfig("port", err.Error())
	}
	chunk, err := ParseChunkSize(opts.ChunkSize, false)
	if err != nil {
		return ClientConfig{}, err
	}
	target := Target{Duration: opts.Duration}
	if strings.TrimSpace(opts.Data) != "" {
		n, err := ParseSize(opts.Data)
		if err != nil {
			return ClientConfig{}, errs.ClientConfig("data", err.Error())
		}
		target.Bytes = n
	}
	if !target.ByteMode() && target.Duration <= 0 {
		return ClientConfig{}, errs.ClientConfig("time", "must be positive")
	}
	if opts.PingCount < 1 {
		return ClientConfig{}, errs.ClientConfig("ping_count", "must be at least 1")
	}
	if opts.Timeout <= 0 {
		return ClientConfig{}, errs.ClientConfig("timeout", "must be positive")
	}
	if opts.Retries < 0 {
		return ClientConfig{}, errs.ClientConfig("retries", "must not be negative")
	}
	pingTimeout := opts.PingTimeout
	if pingTimeout > opts.Timeout {
		pingTimeout = opts.Timeout
	}

	return ClientConfig{
		IP:          ip,
		Port:        opts.Port,
		ChunkSize:   chunk,
		Target:      target,
		PingCount:   opts.PingCount,
		PingTimeout: pingTimeout,
		Timeout:     opts.Timeout,
		Retries:     opts.Retries,
	}, nil
}

func (o *ClientOptions) setDefaults() {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Duration == 0 {
		o.Duration = DefaultDuration
	}
	if strings.TrimSpace(o.ChunkSize) == "" {
		o.ChunkSize = DefaultChunkSize
	}
	if o.PingCount == 0 {
		o.PingCount = DefaultPingCount
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
}

// ServerOptions carries unvalidated server settings. Zero values fall back
// to the defaults.
type ServerOptions struct {
	Interface      string
	Port           int
	ChunkSize      string
	MaxConnections int
	Timeout        time.Duration
}

func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Interface:      string(DefaultInterface),
		Port:           DefaultPort,
		ChunkSize:      DefaultChunkSize,
		MaxConnections: DefaultMaxConnections,
		Timeout:        DefaultTimeout,
	}
}

// ServerConfig is a validated server configuration. Build it with
// NewServerConfig.
type ServerConfig struct {
	Interface      BindInterface
	Port           int
	ChunkSize      int
	MaxConnections int
	// Timeout bounds every read and write on an accepted connection.
	Timeout time.Duration
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return util.NetJoin(c.Interface.IP().String(), c.Port)
}

// NewServerConfig validates opts. Failures are errs.KindServerConfig errors.
func NewServerConfig(opts ServerOptions) (ServerConfig, error) {
	opts.setDefaults()

	iface, err := ParseBindInterface(opts.Interface)
	if err != nil {
		return ServerConfig{}, err
	}
	// Port 0 is accepted here so tests can bind an ephemeral port; the CLI
	// enforces 1-65535.
	if opts.Port < 0 || opts.Port > 65535 {
		return ServerConfig{}, errs.ServerConfig("port", fmt.Sprintf("%d is out of range", opts.Port))
	}
	chunk, err := ParseChunkSize(opts.ChunkSize, true)
	if err != nil {
		return ServerConfig{}, err
	}
	if opts.MaxConnections < 1 {
		return ServerConfig{}, errs.ServerConfig("connections", "must be at least 1")
	}
	if opts.Timeout <= 0 {
		return ServerConfig{}, errs.ServerConfig("timeout", "must be positive")
	}
	return ServerConfig{
		Interface:      iface,
		Port:           opts.Port,
		ChunkSize:      chunk,
		MaxConnections: opts.MaxConnections,
		Timeout:        opts.Timeout,
	}, nil
}

func (o *ServerOptions) setDefaults() {
	if strings.TrimSpace(o.Interface) == "" {
		o.Interface = string(DefaultInterface)
	}
	if strings.TrimSpace(o.ChunkSize) == "" {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxConnections == 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%d is out of range 1-65535", port)
	}
	return nil
}
