// Package config loads the YAML configuration file the broker daemon
// and CLI commands share (spec §6), in the teacher's style of a single
// Config struct unmarshaled with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/broker-core/internal/broker"
)

// Config is the on-disk shape of a broker deployment's configuration.
type Config struct {
	Namespace string `yaml:"namespace"`

	BrokerDeadThresholdSeconds int `yaml:"broker_dead_threshold_seconds"`
	MustStopPeriodicitySeconds int `yaml:"must_stop_periodicity_seconds"`
	WaitForEventMaxSeconds     int `yaml:"wait_for_event_max_seconds"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	PeriodicTasks []PeriodicTaskConfig `yaml:"periodic_tasks"`
}

// PeriodicTaskConfig is a periodic task registration as written in YAML.
type PeriodicTaskConfig struct {
	Name               string `yaml:"name"`
	Queue              string `yaml:"queue"`
	MaxRetries         int    `yaml:"max_retries"`
	PeriodicitySeconds int64  `yaml:"periodicity_seconds"`
}

// Periodicity returns this task's periodicity as a time.Duration.
func (p PeriodicTaskConfig) Periodicity() time.Duration {
	return time.Duration(p.PeriodicitySeconds) * time.Second
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// BrokerConfig converts the loaded config into a broker.Config.
func (c *Config) BrokerConfig() broker.Config {
	return broker.Config{
		Namespace:                  c.Namespace,
		BrokerDeadThresholdSeconds: c.BrokerDeadThresholdSeconds,
		MustStopPeriodicitySeconds: c.MustStopPeriodicitySeconds,
		WaitForEventMaxSeconds:     c.WaitForEventMaxSeconds,
	}.WithDefaults()
}
