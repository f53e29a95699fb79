// Package config loads the YAML configuration surface the polling
// daemon consumes: connection settings, credentials, archive windows
// and sink addresses.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnectionType selects which of the two SMAdata2 transports a
// device is reachable over (spec §6 "Config surface consumed by the
// core").
type ConnectionType string

const (
	ConnectionBluetooth ConnectionType = "bluetooth"
	ConnectionEthernet  ConnectionType = "ethernet"
	ConnectionNone      ConnectionType = "none"
)

// BluetoothConfig carries the BT-specific connection fields.
type BluetoothConfig struct {
	MAC     string `yaml:"mac"`
	Retries int    `yaml:"retries"`
}

// EthernetConfig carries the Speedwire-specific connection fields.
// An empty IPs list means "discover via multicast".
type EthernetConfig struct {
	IPs  []string `yaml:"ips"`
	Port int      `yaml:"port"`
}

// MQTTConfig mirrors the teacher's broker settings, reused unchanged
// as the sink configuration for decoded records.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// ArchiveConfig controls how much history each cycle retrieves.
type ArchiveConfig struct {
	DayWindowDays   int `yaml:"day_window_days"`
	MonthWindow     int `yaml:"month_window_months"`
	EventWindowDays int `yaml:"event_window_days"`
}

// TimeSyncConfig mirrors the guard window from spec §4.3.
type TimeSyncConfig struct {
	LowLimitSeconds  int `yaml:"low_limit_seconds"`
	HighLimitSeconds int `yaml:"high_limit_seconds"`
	NotWithinDays    int `yaml:"not_within_days"`
}

// Config is the on-disk YAML shape, kept close to the teacher's flat
// struct-of-structs style (config.go in the upstream repo).
type Config struct {
	Connection        ConnectionType  `yaml:"connection"`
	Bluetooth         BluetoothConfig `yaml:"bluetooth"`
	Ethernet          EthernetConfig  `yaml:"ethernet"`
	MultiInverter     bool            `yaml:"multi_inverter"`
	UserGroup         string          `yaml:"user_group"`
	Password          string          `yaml:"password"`
	Interval          string          `yaml:"interval"`
	Locale            string          `yaml:"locale"`
	TagCatalogDir     string          `yaml:"tag_catalog_dir"`
	Archive           ArchiveConfig   `yaml:"archive"`
	TimeSync          TimeSyncConfig  `yaml:"time_sync"`
	MQTT              MQTTConfig      `yaml:"mqtt"`
	LogQuery          bool            `yaml:"log_query"`
}

// LoadedConfig wraps Config with the fields that need parsing before
// use, following the teacher's LoadedConfig pattern in config.go.
type LoadedConfig struct {
	Config

	interval  time.Duration
	ethernet  []net.IP
}

// Interval returns the parsed polling interval.
func (c *LoadedConfig) Interval() time.Duration { return c.interval }

// EthernetIPs returns the parsed unicast IP list, empty when discovery
// should use Speedwire multicast.
func (c *LoadedConfig) EthernetIPs() []net.IP { return c.ethernet }

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (*LoadedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses raw YAML bytes into a validated LoadedConfig.
func ParseConfig(data []byte) (*LoadedConfig, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	loaded := &LoadedConfig{Config: cfg}

	if cfg.Interval == "" {
		loaded.interval = 5 * time.Minute
	} else {
		d, err := time.ParseDuration(cfg.Interval)
		if err != nil {
			return nil, fmt.Errorf("config: invalid interval %q: %w", cfg.Interval, err)
		}
		loaded.interval = d
	}

	for _, s := range cfg.Ethernet.IPs {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("config: invalid ethernet IP %q", s)
		}
		loaded.ethernet = append(loaded.ethernet, ip)
	}

	if cfg.Connection == "" {
		return nil, fmt.Errorf("config: connection type is required")
	}
	if cfg.Locale == "" {
		loaded.Locale = "EN-US"
	}

	return loaded, nil
}
