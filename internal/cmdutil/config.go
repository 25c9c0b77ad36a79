package cmdutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/rfratto/viofs/internal/fine/client"
	"github.com/rfratto/viofs/internal/fine/memfs"
	"github.com/rfratto/viofs/internal/virtio/loopback"
	"github.com/rfratto/viofs/internal/vfs"
	"gopkg.in/yaml.v3"
)

// Config is the file-based configuration of viofsd. Flags override values
// read from the file.
type Config struct {
	Device  loopback.Options `yaml:"device"`
	Session SessionConfig    `yaml:"session"`
	Host    HostConfig       `yaml:"host"`
	Guest   vfs.Identity     `yaml:"guest"`

	LogLevel    LogLevel `yaml:"log_level"`
	ControlAddr string   `yaml:"control_addr"`
	HTTPAddr    string   `yaml:"http_addr"`
}

// SessionConfig configures the FUSE session.
type SessionConfig struct {
	MaxSymlinkDepth int    `yaml:"max_symlink_depth"`
	MaxWrite        uint32 `yaml:"max_write"`
}

// HostConfig configures the in-memory host filesystem.
type HostConfig struct {
	Capacity      uint64 `yaml:"capacity"`
	RejectRename2 bool   `yaml:"reject_rename2"`
}

// DefaultConfig holds defaults for Config.
var DefaultConfig = Config{
	Device: loopback.DefaultOptions,
	Session: SessionConfig{
		MaxSymlinkDepth: client.DefaultOptions.MaxSymlinkDepth,
		MaxWrite:        client.DefaultOptions.MaxWrite,
	},
	Host: HostConfig{
		Capacity: memfs.DefaultOptions.Capacity,
	},
	ControlAddr: "tcp://127.0.0.1:12195",
	HTTPAddr:    "127.0.0.1:8080",
}

// LoadConfig reads a YAML file into c. Fields missing from the file keep the
// value they had in c. Unknown fields are an error.
func LoadConfig(path string, c *Config) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data, c)
}

// ParseConfig parses YAML into c, leaving fields missing from data as-is.
func ParseConfig(data []byte, c *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config: %w", err)
	}
	return c.Validate()
}

// Validate checks c for values that can't be used.
func (c *Config) Validate() error {
	switch {
	case len(c.Device.Tag) > 36:
		return fmt.Errorf("device tag %q is longer than 36 bytes", c.Device.Tag)
	case c.Device.NumRequestQueues < 1:
		return fmt.Errorf("device needs at least one request queue")
	case c.Device.QueueSize < 2 || c.Device.QueueSize&(c.Device.QueueSize-1) != 0:
		return fmt.Errorf("queue size %d must be a power of two", c.Device.QueueSize)
	case c.Session.MaxSymlinkDepth < 1:
		return fmt.Errorf("max symlink depth must be positive")
	}
	return nil
}
