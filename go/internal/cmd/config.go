package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/filmroom/go/internal/presence"
)

// Config is the optional YAML configuration file. The liveness windows are
// product decisions, not correctness requirements, so they are tunable here
// rather than hard-coded.
type Config struct {
	Presence struct {
		VisibleWindow    string `yaml:"visible_window"`
		HardExpiry       string `yaml:"hard_expiry"`
		MarkerInactivity string `yaml:"marker_inactivity"`
		ReapInterval     string `yaml:"reap_interval"`
	} `yaml:"presence"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// presenceConfig resolves the configured windows, falling back to defaults:
// visible 30s, hard expiry 60s, marker inactivity 5m, reap every 10s.
func presenceConfig(config *Config) (visibleWindow time.Duration, reaper presence.ReaperConfig, err error) {
	visibleWindow = 30 * time.Second
	reaper = presence.DefaultReaperConfig()
	if config == nil {
		return visibleWindow, reaper, nil
	}

	if visibleWindow, err = overrideDuration(config.Presence.VisibleWindow, visibleWindow); err != nil {
		return 0, reaper, fmt.Errorf("presence.visible_window: %w", err)
	}
	if reaper.HardExpiry, err = overrideDuration(config.Presence.HardExpiry, reaper.HardExpiry); err != nil {
		return 0, reaper, fmt.Errorf("presence.hard_expiry: %w", err)
	}
	if reaper.MarkerInactivity, err = overrideDuration(config.Presence.MarkerInactivity, reaper.MarkerInactivity); err != nil {
		return 0, reaper, fmt.Errorf("presence.marker_inactivity: %w", err)
	}
	if reaper.Interval, err = overrideDuration(config.Presence.ReapInterval, reaper.Interval); err != nil {
		return 0, reaper, fmt.Errorf("presence.reap_interval: %w", err)
	}
	return visibleWindow, reaper, nil
}

func overrideDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}
