package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Device  DeviceConfig  `yaml:"device"`
	Stream  StreamConfig  `yaml:"stream"`
	Watcher WatcherConfig `yaml:"watcher"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

type DeviceConfig struct {
	SimctlPath       string        `yaml:"simctl_path"`
	IDBPath          string        `yaml:"idb_path"`
	WDAURL           string        `yaml:"wda_url"`
	BootTimeout      time.Duration `yaml:"boot_timeout"`
	BootPollInterval time.Duration `yaml:"boot_poll_interval"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	// Surfaces overrides the logical point resolution used for a device,
	// keyed by device name prefix (e.g. "iPhone 15").
	Surfaces map[string]SurfaceConfig `yaml:"surfaces"`
}

type SurfaceConfig struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

type StreamConfig struct {
	Cadence      time.Duration `yaml:"cadence"`
	ClientBuffer int           `yaml:"client_buffer"`
}

type WatcherConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Device: DeviceConfig{
			SimctlPath:       "xcrun",
			IDBPath:          "idb",
			WDAURL:           "http://127.0.0.1:8100",
			BootTimeout:      60 * time.Second,
			BootPollInterval: time.Second,
			CommandTimeout:   10 * time.Second,
		},
		Stream: StreamConfig{
			Cadence:      100 * time.Millisecond,
			ClientBuffer: 64,
		},
		Watcher: WatcherConfig{
			PollInterval:     3 * time.Second,
			FailureThreshold: 3,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
