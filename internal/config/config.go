// Package config loads the possync gateway configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chefcloud/possync/internal/printer"
)

// Config holds all possync configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	ChefCloud ChefCloudConfig `toml:"chefcloud"`
	MQTT      MQTTConfig      `toml:"mqtt"`
	Sync      SyncConfig      `toml:"sync"`
	Printer   printer.Config  `toml:"printer"`
}

type ServerConfig struct {
	Port     int    `toml:"port"`
	DataDir  string `toml:"dataDir"`
	LogLevel string `toml:"logLevel"`
}

// ChefCloudConfig points at the restaurant-management server queued
// actions are replayed against.
type ChefCloudConfig struct {
	BaseURL               string `toml:"baseUrl"`
	RequestTimeoutSeconds int    `toml:"requestTimeoutSeconds"`
}

type MQTTConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type SyncConfig struct {
	// TerminalID names this terminal on the sync topic and in logs.
	TerminalID string `toml:"terminalId"`
	// RulesFile optionally overrides the built-in risky-action rules.
	RulesFile string `toml:"rulesFile"`
	// Schedule is a standard cron expression for background sync passes.
	Schedule string `toml:"schedule"`
}

// Load reads a TOML config file and applies defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	if cfg.ChefCloud.BaseURL == "" {
		return nil, fmt.Errorf("chefcloud.baseUrl is required (set it in %s)", path)
	}
	return cfg, nil
}

func defaults() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.Port <= 0 {
		c.Server.Port = 8090
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = defaultDataDir()
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.ChefCloud.RequestTimeoutSeconds <= 0 {
		c.ChefCloud.RequestTimeoutSeconds = 30
	}
	if c.MQTT.Host == "" {
		c.MQTT.Host = "127.0.0.1"
	}
	if c.MQTT.Port <= 0 {
		c.MQTT.Port = 1883
	}
	if c.Sync.TerminalID == "" {
		c.Sync.TerminalID = "terminal-1"
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "*/5 * * * *"
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".chefcloud", "possync")
	}
	return filepath.Join(home, ".chefcloud", "possync")
}
