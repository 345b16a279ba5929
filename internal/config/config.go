package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "DASHOBD"

// Config holds the settings for one run.
type Config struct {
	Debug           bool          `mapstructure:"debug"`
	NoTUI           bool          `mapstructure:"no-tui"`
	Mock            bool          `mapstructure:"mock"`
	MockFailureRate float64       `mapstructure:"mock-failure-rate"`
	Port            string        `mapstructure:"port"`
	Baud            int           `mapstructure:"baud"`
	Interval        time.Duration `mapstructure:"interval"`
	LogFile         string        `mapstructure:"log-file"`
	HTTPAddr        string        `mapstructure:"http-addr"`
	DTCSweep        bool          `mapstructure:"dtc-sweep"`
	MQTT            MQTT          `mapstructure:"mqtt"`
}

type MQTT struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client-id"`
}

var (
	ErrInvalidInterval    = errors.New("interval must be positive")
	ErrInvalidBaud        = errors.New("baud rate must be positive")
	ErrInvalidFailureRate = errors.New("mock failure rate must be between 0 and 1")
)

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("no-tui", false)
	v.SetDefault("mock", false)
	v.SetDefault("mock-failure-rate", 0.05)
	v.SetDefault("port", "")
	v.SetDefault("baud", 38400)
	v.SetDefault("interval", time.Second)
	v.SetDefault("log-file", "dashobd.log")
	v.SetDefault("http-addr", "")
	v.SetDefault("dtc-sweep", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", "vehicle/obd")
	v.SetDefault("mqtt.client-id", "dashobd")
}

// Load reads the optional config file named by the "config" key, applies
// DASHOBD_* environment overrides and returns the validated result.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInterval, c.Interval)
	}
	if c.Baud <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBaud, c.Baud)
	}
	if c.MockFailureRate < 0 || c.MockFailureRate > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidFailureRate, c.MockFailureRate)
	}
	return nil
}
