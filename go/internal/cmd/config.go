package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server's YAML-configurable tuning. Every field has a
// sensible default; an absent config file runs the shipped settings.
type Config struct {
	Exam struct {
		GraceWindowSec       int   `yaml:"grace_window_sec"`
		WarningThresholdsSec []int `yaml:"warning_thresholds_sec"`
		TickSec              int   `yaml:"tick_sec"`
		RetentionMin         int   `yaml:"retention_min"`
		JoinTimeoutSec       int   `yaml:"join_timeout_sec"`
		FinishTimeoutSec     int   `yaml:"finish_timeout_sec"`
		StoreTimeoutSec      int   `yaml:"store_timeout_sec"`
	} `yaml:"exam"`
}

func loadConfig(path string) (*Config, error) {
	var config Config
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

func (c *Config) graceWindow() time.Duration {
	return secondsOr(c.Exam.GraceWindowSec, 0)
}

func (c *Config) warningThresholds() []time.Duration {
	if len(c.Exam.WarningThresholdsSec) == 0 {
		return nil
	}
	out := make([]time.Duration, 0, len(c.Exam.WarningThresholdsSec))
	for _, s := range c.Exam.WarningThresholdsSec {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

func (c *Config) tick() time.Duration {
	return secondsOr(c.Exam.TickSec, 0)
}

func (c *Config) retention() time.Duration {
	return time.Duration(c.Exam.RetentionMin) * time.Minute
}

func (c *Config) joinTimeout() time.Duration {
	return secondsOr(c.Exam.JoinTimeoutSec, 0)
}

func (c *Config) finishTimeout() time.Duration {
	return secondsOr(c.Exam.FinishTimeoutSec, 0)
}

func (c *Config) storeTimeout() time.Duration {
	return secondsOr(c.Exam.StoreTimeoutSec, 0)
}

func secondsOr(value int, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return time.Duration(value) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
