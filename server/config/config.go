// Package config holds the service configuration.
package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/nomoresecretz/pktscope/server/extract"
	"github.com/nomoresecretz/pktscope/server/store"
)

type Config struct {
	// Listen is the HTTP API address.
	Listen string `yaml:"listen"`
	// RPCListen is the gRPC control service address.
	RPCListen string `yaml:"rpc_listen"`
	// Interface is the device captured on when a start request names none.
	// Empty means the first device the capture library reports.
	Interface string `yaml:"interface"`
	// AutoStart starts capturing on Interface at startup.
	AutoStart bool `yaml:"auto_start"`
	// AllowedDevices restricts which devices may be captured on. Empty
	// allows any device.
	AllowedDevices []string `yaml:"allowed_devices"`
	// SelfTrafficPort is the TCP port whose traffic is never stored. 0
	// disables the filter.
	SelfTrafficPort uint16 `yaml:"self_traffic_port"`
	// Capacity is the number of records kept in memory.
	Capacity int  `yaml:"capacity"`
	Debug    bool `yaml:"debug"`

	Capture CaptureConfig `yaml:"capture"`
}

type CaptureConfig struct {
	SnapLen     datasize.ByteSize `yaml:"snap_len"`
	BufferSize  datasize.ByteSize `yaml:"buffer_size"`
	PollTimeout time.Duration     `yaml:"poll_timeout"`
	Promiscuous bool              `yaml:"promiscuous"`
	Immediate   bool              `yaml:"immediate"`
	BPFFilter   string            `yaml:"bpf_filter"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:          ":5000",
		RPCListen:       "127.0.0.1:6420",
		SelfTrafficPort: extract.DefaultSelfPort,
		Capacity:        store.DefaultCapacity,
		Capture: CaptureConfig{
			SnapLen:     64 * datasize.KB,
			BufferSize:  2 * datasize.MB,
			PollTimeout: time.Second,
			Promiscuous: true,
			Immediate:   true,
		},
	}
}

// LoadConfig loads the configuration from the given path on top of the
// defaults.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}

	if c.Listen == "" && c.RPCListen == "" {
		return fmt.Errorf("at least one of listen or rpc_listen must be set")
	}

	if c.Interface != "" && !c.DeviceAllowed(c.Interface) {
		return fmt.Errorf("interface %q is not in allowed_devices", c.Interface)
	}

	return c.Capture.Validate()
}

func (c *CaptureConfig) Validate() error {
	if c.SnapLen == 0 {
		return fmt.Errorf("capture snap_len must be set")
	}

	if c.PollTimeout <= 0 {
		return fmt.Errorf("capture poll_timeout must be positive, got %s", c.PollTimeout)
	}

	return nil
}

// DeviceAllowed reports whether d may be captured on.
func (c *Config) DeviceAllowed(d string) bool {
	return len(c.AllowedDevices) == 0 || slices.Contains(c.AllowedDevices, d)
}
