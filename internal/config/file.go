package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NodePath81/netbeat/internal/util"
)

// Duration accepts either a number of seconds or a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// File is the on-disk YAML configuration. Every section is optional.
type File struct {
	Client  ClientSection  `yaml:"client"`
	Server  ServerSection  `yaml:"server"`
	Control ControlSection `yaml:"control"`
}

type ClientSection struct {
	Target      string   `yaml:"target"`
	Port        int      `yaml:"port"`
	Time        Duration `yaml:"time"`
	Data        string   `yaml:"data"`
	Chunk       string   `yaml:"chunk"`
	PingCount   int      `yaml:"ping_count"`
	PingTimeout Duration `yaml:"ping_timeout"`
	Timeout     Duration `yaml:"timeout"`
	Retries     *int     `yaml:"retries"`
}

type ServerSection struct {
	Interface   string   `yaml:"interface"`
	Port        int      `yaml:"port"`
	Chunk       string   `yaml:"chunk"`
	Connections int      `yaml:"connections"`
	Timeout     Duration `yaml:"timeout"`
}

type ControlSection struct {
	Enabled   *bool   `yaml:"enabled"`
	Addr      string  `yaml:"addr"`
	Port      int     `yaml:"port"`
	AuthToken string  `yaml:"auth_token"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

func (c ControlSection) IsEnabled() bool {
	return util.ValueOr(c.Enabled, false)
}

// ControlConfig configures the optional status and metrics listener.
type ControlConfig struct {
	Enabled   bool
	Addr      string
	Port      int
	AuthToken string
	// RateLimit is requests per second per client IP.
	RateLimit float64
	RateBurst int
}

// ListenAddr returns the control listener address in host:port form.
func (c ControlConfig) ListenAddr() string {
	return util.NetJoin(c.Addr, c.Port)
}

// DefaultControlConfig returns a disabled control configuration with the
// default address and limits.
func DefaultControlConfig() ControlConfig {
	return ControlConfig{
		Addr:      defaultControlAddr,
		Port:      defaultControlPort,
		RateLimit: defaultControlRate,
		RateBurst: defaultControlRateBurst,
	}
}

// LoadFile reads, defaults and validates a YAML configuration file.
func LoadFile(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return File{}, err
	}
	f.setDefaults()
	if err := f.validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f *File) setDefaults() {
	if f.Client.Port == 0 {
		f.Client.Port = DefaultPort
	}
	if f.Server.Port == 0 {
		f.Server.Port = DefaultPort
	}
	if f.Control.Addr == "" {
		f.Control.Addr = defaultControlAddr
	}
	if f.Control.Port == 0 {
		f.Control.Port = defaultControlPort
	}
	if f.Control.RateLimit == 0 {
		f.Control.RateLimit = defaultControlRate
	}
	if f.Control.RateBurst == 0 {
		f.Control.RateBurst = defaultControlRateBurst
	}
}

func (f File) validate() error {
	if f.Client.Target != "" {
		if _, err := NewClientConfig(f.ClientOptions()); err != nil {
			return fmt.Errorf("client: %w", err)
		}
	} else {
		if f.Client.Chunk != "" {
			if _, err := ParseChunkSize(f.Client.Chunk, false); err != nil {
				return fmt.Errorf("client: %w", err)
			}
		}
		if f.Client.Data != "" {
			if _, err := ParseSize(f.Client.Data); err != nil {
				return fmt.Errorf("client: data: %w", err)
			}
		}
	}
	if _, err := NewServerConfig(f.ServerOptions()); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if f.Control.IsEnabled() {
		if err := validatePort(f.Control.Port); err != nil {
			return fmt.Errorf("control: port: %w", err)
		}
		if f.Control.RateLimit < 0 || f.Control.RateBurst < 0 {
			return errors.New("control: rate limits must not be negative")
		}
	}
	return nil
}

// ClientOptions converts the client section. Unset fields are left zero so
// NewClientConfig applies its defaults.
func (f File) ClientOptions() ClientOptions {
	opts := ClientOptions{
		Target:      f.Client.Target,
		Port:        f.Client.Port,
		Duration:    f.Client.Time.Duration(),
		Data:        f.Client.Data,
		ChunkSize:   f.Client.Chunk,
		PingCount:   f.Client.PingCount,
		PingTimeout: f.Client.PingTimeout.Duration(),
		Timeout:     f.Client.Timeout.Duration(),
		Retries:     util.ValueOr(f.Client.Retries, DefaultRetries),
	}
	return opts
}

func (f File) ServerOptions() ServerOptions {
	return ServerOptions{
		Interface:      f.Server.Interface,
		Port:           f.Server.Port,
		ChunkSize:      f.Server.Chunk,
		MaxConnections: f.Server.Connections,
		Timeout:        f.Server.Timeout.Duration(),
	}
}

func (f File) ControlConfig() ControlConfig {
	return ControlConfig{
		Enabled:   f.Control.IsEnabled(),
		Addr:      f.Control.Addr,
		Port:      f.Control.Port,
		AuthToken: f.Control.AuthToken,
		RateLimit: f.Control.RateLimit,
		RateBurst: f.Control.RateBurst,
	}
}
