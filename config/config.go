// Package config provides YAML configuration parsing for georange.
//
// This package enables running a range test as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	sample_interval: 5s
//	validity: satellites:4
//
//	output:
//	  file: geoloc.csv
//	  notes: true
//
//	http:
//	  port: 8080
//
//	transport:
//	  kind: uart
//	  uart:
//	    port: ${GEORANGE_PORT:-/dev/ttyUSB0}
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/georange"
	"github.com/jpalmerr/georange/geo"
)

// Transport kinds accepted by transport.kind.
const (
	KindSim    = "sim"
	KindUART   = "uart"
	KindModbus = "modbus"
)

// Config is the root configuration structure for a range test.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// SampleInterval is the time between poll cycles. Defaults to 5s and
	// must be between 1s and 100s.
	SampleInterval Duration `yaml:"sample_interval"`

	// ResponseTimeout bounds the wait for each report. Defaults to 5s.
	ResponseTimeout Duration `yaml:"response_timeout"`

	// PenaltyDelay and PacingDelay default to a quarter of SampleInterval
	// when unset. An explicit 0s disables the delay.
	PenaltyDelay *Duration `yaml:"penalty_delay"`
	PacingDelay  *Duration `yaml:"pacing_delay"`

	// Validity is the fix acceptance policy: "satellites", "satellites:N"
	// or "fixflags". Defaults to "satellites:4".
	Validity string `yaml:"validity"`

	// DefaultTxPower is the controller transmit power in dBm used when the
	// transport cannot report it.
	DefaultTxPower int `yaml:"default_tx_power"`

	Output    OutputConfig    `yaml:"output"`
	Targets   TargetsConfig   `yaml:"targets"`
	HTTP      HTTPConfig      `yaml:"http"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
}

// OutputConfig controls the range test log.
type OutputConfig struct {
	// File is the log path. Defaults to geoloc.csv.
	File string `yaml:"file"`

	// Notes appends a "# " line for every failed or rejected exchange.
	Notes bool `yaml:"notes"`
}

// TargetsConfig narrows target selection.
type TargetsConfig struct {
	// Primary pins the geolocation target. 0 selects automatically.
	Primary uint16 `yaml:"primary"`

	// Exclude lists node IDs that are never polled.
	Exclude []uint16 `yaml:"exclude"`
}

// HTTPConfig controls the status server.
type HTTPConfig struct {
	// Port is the listen port. 0 disables the server.
	Port int `yaml:"port"`
}

// RedisConfig enables the Redis status mirror when Addr is set.
type RedisConfig struct {
	// Addr supports environment variable substitution.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Prefix namespaces keys and the update channel. Defaults to "georange".
	Prefix string `yaml:"prefix"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`

	// Format is text or json. Defaults to text.
	Format string `yaml:"format"`
}

// TransportConfig selects the radio link. Only the section matching Kind is
// used.
type TransportConfig struct {
	// Kind is sim, uart or modbus. Defaults to sim.
	Kind   string       `yaml:"kind"`
	Sim    SimConfig    `yaml:"sim"`
	UART   UARTConfig   `yaml:"uart"`
	Modbus ModbusConfig `yaml:"modbus"`
}

// SimConfig configures the simulated network.
type SimConfig struct {
	Secondaries int      `yaml:"secondaries"`
	NackRate    float64  `yaml:"nack_rate"`
	DropRate    float64  `yaml:"drop_rate"`
	Latency     Duration `yaml:"latency"`
	Powerlevel  int      `yaml:"powerlevel"`
	Seed        uint64   `yaml:"seed"`
	Origin      Origin   `yaml:"origin"`

	// Step is how far the primary moves per fix, in metres. Defaults to 10.
	Step float64 `yaml:"step"`
}

// Origin is the simulated primary's starting position.
type Origin struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// UARTConfig configures a serial radio gateway.
type UARTConfig struct {
	// Port supports environment variable substitution.
	Port           string   `yaml:"port"`
	BaudRate       int      `yaml:"baud_rate"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	CommandTimeout Duration `yaml:"command_timeout"`
}

// ModbusConfig configures an RS-485 Modbus RTU bus.
type ModbusConfig struct {
	// Port supports environment variable substitution.
	Port             string        `yaml:"port"`
	BaudRate         int           `yaml:"baud_rate"`
	DataBits         int           `yaml:"data_bits"`
	Parity           string        `yaml:"parity"`
	StopBits         int           `yaml:"stop_bits"`
	Timeout          Duration      `yaml:"timeout"`
	GeoRegister      uint16        `yaml:"geo_register"`
	MetadataRegister uint16        `yaml:"metadata_register"`
	MetadataCount    uint16        `yaml:"metadata_count"`
	Slaves           []SlaveConfig `yaml:"slaves"`
}

// SlaveConfig describes one Modbus slave.
type SlaveConfig struct {
	ID          uint8 `yaml:"id"`
	Geolocation bool  `yaml:"geolocation"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data, applies defaults and validates the
// result.
//
// Environment variables are expanded in the serial ports and the Redis
// address and password. An empty document is a valid simulated run.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SampleInterval == 0 {
		c.SampleInterval = Duration(georange.DefaultSampleInterval)
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = Duration(5 * time.Second)
	}
	if c.Validity == "" {
		c.Validity = fmt.Sprintf("satellites:%d", geo.DefaultMinSatellites)
	}
	if c.Output.File == "" {
		c.Output.File = georange.DefaultOutputFile
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Redis.Addr != "" && c.Redis.Prefix == "" {
		c.Redis.Prefix = "georange"
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = KindSim
	}
	if c.Transport.Kind == KindSim && c.Transport.Sim.Step == 0 {
		c.Transport.Sim.Step = 10
	}
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	interval := c.SampleInterval.Duration()
	if interval < georange.MinSampleInterval || interval > georange.MaxSampleInterval {
		return fmt.Errorf("sample_interval must be between %s and %s, got %s",
			georange.MinSampleInterval, georange.MaxSampleInterval, interval)
	}
	if c.ResponseTimeout.Duration() < 0 {
		return fmt.Errorf("response_timeout cannot be negative, got %s", c.ResponseTimeout.Duration())
	}
	if c.PenaltyDelay != nil && c.PenaltyDelay.Duration() < 0 {
		return fmt.Errorf("penalty_delay cannot be negative, got %s", c.PenaltyDelay.Duration())
	}
	if c.PacingDelay != nil && c.PacingDelay.Duration() < 0 {
		return fmt.Errorf("pacing_delay cannot be negative, got %s", c.PacingDelay.Duration())
	}
	if _, err := geo.ParseValidity(c.Validity); err != nil {
		return fmt.Errorf("validity: %w", err)
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 0 and 65535, got %d", c.HTTP.Port)
	}
	for _, id := range c.Targets.Exclude {
		if id == c.Targets.Primary && id != 0 {
			return fmt.Errorf("targets: node %d is both primary and excluded", id)
		}
	}

	if err := c.validateRedis(); err != nil {
		return err
	}
	if err := c.validateLog(); err != nil {
		return err
	}
	return c.validateTransport()
}

func (c *Config) validateRedis() error {
	addr, err := expandEnvVars(c.Redis.Addr)
	if err != nil {
		return fmt.Errorf("redis.addr: %w", err)
	}
	c.Redis.Addr = addr

	password, err := expandEnvVars(c.Redis.Password)
	if err != nil {
		return fmt.Errorf("redis.password: %w", err)
	}
	c.Redis.Password = password

	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db cannot be negative, got %d", c.Redis.DB)
	}
	return nil
}

func (c *Config) validateLog() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) validateTransport() error {
	switch c.Transport.Kind {
	case KindSim:
		s := c.Transport.Sim
		if s.Secondaries < 0 {
			return fmt.Errorf("transport.sim.secondaries cannot be negative, got %d", s.Secondaries)
		}
		if s.NackRate < 0 || s.NackRate > 1 {
			return fmt.Errorf("transport.sim.nack_rate must be between 0 and 1, got %v", s.NackRate)
		}
		if s.DropRate < 0 || s.DropRate > 1 {
			return fmt.Errorf("transport.sim.drop_rate must be between 0 and 1, got %v", s.DropRate)
		}
		if s.Latency.Duration() < 0 {
			return fmt.Errorf("transport.sim.latency cannot be negative, got %s", s.Latency.Duration())
		}
		return nil

	case KindUART:
		u := &c.Transport.UART
		port, err := expandEnvVars(u.Port)
		if err != nil {
			return fmt.Errorf("transport.uart.port: %w", err)
		}
		u.Port = port
		if u.Port == "" {
			return errors.New("transport.uart.port is required")
		}
		if u.BaudRate < 0 {
			return fmt.Errorf("transport.uart.baud_rate cannot be negative, got %d", u.BaudRate)
		}
		return nil

	case KindModbus:
		m := &c.Transport.Modbus
		port, err := expandEnvVars(m.Port)
		if err != nil {
			return fmt.Errorf("transport.modbus.port: %w", err)
		}
		m.Port = port
		if m.Port == "" {
			return errors.New("transport.modbus.port is required")
		}
		switch m.Parity {
		case "", "N", "E", "O":
		default:
			return fmt.Errorf("transport.modbus.parity must be N, E, or O, got %q", m.Parity)
		}
		if len(m.Slaves) == 0 {
			return errors.New("transport.modbus: at least one slave is required")
		}
		seen := make(map[uint8]struct{}, len(m.Slaves))
		for i, s := range m.Slaves {
			if s.ID < 1 || s.ID > 247 {
				return fmt.Errorf("transport.modbus.slaves[%d]: id must be between 1 and 247, got %d", i, s.ID)
			}
			if _, exists := seen[s.ID]; exists {
				return fmt.Errorf("transport.modbus.slaves[%d]: duplicate id %d", i, s.ID)
			}
			seen[s.ID] = struct{}{}
		}
		return nil
	}

	return fmt.Errorf("transport.kind must be sim, uart, or modbus, got %q", c.Transport.Kind)
}
