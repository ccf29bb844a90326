// Package config loads the YAML device-list configuration used by the CLI
// and builds the logger it runs with.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/bluelink"
)

var addressRe = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// Sensor selects one catalog sensor on a device.
type Sensor struct {
	// Name is the catalog name (temperature, pressure, humidity, light,
	// motion, button, weight).
	Name string `yaml:"name"`
	// Notifying switches the sensor to notification-driven reads.
	Notifying bool `yaml:"notifying"`
	// Interval is the measurement period; zero keeps the device default.
	Interval time.Duration `yaml:"interval"`
}

// Device is one physical device with the sensors to read from it.
type Device struct {
	Address bluelink.Address `yaml:"address"`
	Sensors []Sensor         `yaml:"sensors"`
	// Battery also reports the charge level of the device.
	Battery bool `yaml:"battery"`
}

// Config is the top-level CLI configuration.
type Config struct {
	// Adapter is the local controller object path; empty selects the default.
	Adapter string `yaml:"adapter"`
	// EnableTimeout bounds each sensor enable attempt; zero keeps the default.
	EnableTimeout time.Duration `yaml:"enable_timeout"`
	// LogLevel is a logrus level name (debug, info, warning, error, panic).
	LogLevel string   `yaml:"log_level"`
	Devices  []Device `yaml:"devices"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("no devices configured")
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return err
		}
	}
	for i, dev := range c.Devices {
		if !addressRe.MatchString(string(dev.Address)) {
			return fmt.Errorf("device %d: invalid address %q", i, dev.Address)
		}
		if len(dev.Sensors) == 0 && !dev.Battery {
			return fmt.Errorf("device %s: no sensors configured", dev.Address)
		}
		for _, s := range dev.Sensors {
			if s.Name == "" {
				return fmt.Errorf("device %s: sensor with no name", dev.Address)
			}
			if s.Interval < 0 {
				return fmt.Errorf("device %s: negative interval for sensor %s", dev.Address, s.Name)
			}
		}
	}
	return nil
}

// NewLogger creates a logger at the configured level.
func (c *Config) NewLogger() *logrus.Logger {
	level := logrus.PanicLevel
	if c.LogLevel != "" {
		level, _ = logrus.ParseLevel(c.LogLevel)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
