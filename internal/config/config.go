// Package config loads the supervisor settings file (TOML). Every field is
// optional; Load always returns a fully defaulted, usable configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/stealthdesk/stealthdesk/internal/logger"
)

// Launch/stop timing defaults. Browser workers get longer windows than
// proxies: Chromium cold starts and profile flushing are slow.
const (
	DefaultProxyHandshakeTimeout   = 15 * time.Second
	DefaultBrowserHandshakeTimeout = 60 * time.Second
	DefaultProxyStopGrace          = 5 * time.Second
	DefaultBrowserStopGrace        = 15 * time.Second
)

// WorkerTimings bounds one worker kind's handshake and cooperative-stop windows.
type WorkerTimings struct {
	HandshakeTimeout time.Duration `toml:"handshake_timeout" mapstructure:"handshake_timeout"`
	StopGrace        time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
}

// BrowserConfig extends the timings with the Chromium binary override.
type BrowserConfig struct {
	WorkerTimings `mapstructure:",squash"`
	ExecPath      string `toml:"exec_path" mapstructure:"exec_path"`
}

// Config is the top-level TOML structure. Path records where it was loaded
// from so spawned workers can be pointed at the same file.
type Config struct {
	Path       string        `toml:"-" mapstructure:"-"`
	StoreDir   string        `toml:"store_dir" mapstructure:"store_dir"`
	ProfileDir string        `toml:"profile_dir" mapstructure:"profile_dir"` // base dir for generated browser profiles
	HistoryDSN string        `toml:"history_dsn" mapstructure:"history_dsn"` // optional sqlite audit sink
	Log        logger.Config `toml:"log" mapstructure:"log"`
	Proxy      WorkerTimings `toml:"proxy" mapstructure:"proxy"`
	Browser    BrowserConfig `toml:"browser" mapstructure:"browser"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Proxy.HandshakeTimeout <= 0 {
		c.Proxy.HandshakeTimeout = DefaultProxyHandshakeTimeout
	}
	if c.Proxy.StopGrace <= 0 {
		c.Proxy.StopGrace = DefaultProxyStopGrace
	}
	if c.Browser.HandshakeTimeout <= 0 {
		c.Browser.HandshakeTimeout = DefaultBrowserHandshakeTimeout
	}
	if c.Browser.StopGrace <= 0 {
		c.Browser.StopGrace = DefaultBrowserStopGrace
	}
}

// Load reads a TOML config file. path "" yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		c := Default()
		return &c, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.Path = path
	c.applyDefaults()
	return &c, nil
}
