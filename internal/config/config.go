// Package config loads the daemon's YAML configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds everything the gateway needs to start: transport role and
// address, the QoS directory, and event-queue tuning.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	// Mode is "server" or "client".
	Mode string `yaml:"mode"`
	// Bind is the local address a server listens on: a bare host, to which
	// Port is appended, or a full host:port.
	Bind string `yaml:"bind"`
	// Peer is the remote address a client connects to.
	Peer string `yaml:"peer"`
	Port int    `yaml:"port"`

	QosDir      string `yaml:"qos_dir"`
	ReceiveMode string `yaml:"receive_mode"`

	Queue QueueConfig `yaml:"queue"`
}

// QueueConfig tunes the asynchronous event processor.
type QueueConfig struct {
	MaxQueue    int  `yaml:"max_queue"`
	DrainStop   bool `yaml:"drain_stop"`
	MonitorSec  int  `yaml:"monitor_sec"`
	ExecWarnUs  int  `yaml:"exec_warn_us"`
}

// Load reads filename as YAML and fills in defaults for anything left zero.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = "server"
	}
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 25000
	}
	if cfg.QosDir == "" {
		cfg.QosDir = "qos"
	}
	if cfg.ReceiveMode == "" {
		cfg.ReceiveMode = "listener"
	}
	if cfg.Queue.MaxQueue == 0 {
		cfg.Queue.MaxQueue = 8192
	}
	if cfg.Queue.MonitorSec == 0 {
		cfg.Queue.MonitorSec = 10
	}
	if cfg.Queue.ExecWarnUs == 0 {
		cfg.Queue.ExecWarnUs = 2000
	}
}

func (c *Config) validate() error {
	if c.Mode != "server" && c.Mode != "client" {
		return fmt.Errorf("config: mode must be \"server\" or \"client\", got %q", c.Mode)
	}
	if c.Mode == "client" && c.Peer == "" {
		return fmt.Errorf("config: mode=client requires peer")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port out of range: %d", c.Port)
	}
	if c.Queue.MaxQueue < 0 {
		return fmt.Errorf("config: queue.max_queue cannot be negative: %d", c.Queue.MaxQueue)
	}
	return nil
}
