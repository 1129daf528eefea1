// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads orchestrator configuration from a YAML file with
// ORCHESTRATOR_*-prefixed environment variable overrides, following the
// teacher's internal/config.Load layering (defaults, then file, then
// env) narrowed to the sections spec.md §6 names: ManagerUrls,
// OrchestrationCache, Scheduler, HealthGate, and Bus.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/orchestrator/internal/orchestrator/cache"
	"github.com/tombee/orchestrator/internal/orchestrator/manager"
	"gopkg.in/yaml.v3"
)

// CacheConfig configures the Cache Gateway's retry behavior. Recognized
// keys per spec §6: MapName, MaxRetries, RetryDelayMs. MapName is read
// and defaulted but not applied: ToGatewayConfig does not carry it, and
// plans are always stored under cache.PlanMap.
type CacheConfig struct {
	MapName       string  `yaml:"mapName"`
	MaxRetries    int     `yaml:"maxRetries"`
	RetryDelayMs  int     `yaml:"retryDelayMs"`
	MaxDelayMs    int     `yaml:"maxDelayMs"`
	BackoffFactor float64 `yaml:"backoffFactor"`
}

// ToGatewayConfig converts the YAML-facing shape into cache.Config.
func (c CacheConfig) ToGatewayConfig() cache.Config {
	def := cache.DefaultConfig()
	cfg := cache.Config{
		MaxRetries:     def.MaxRetries,
		InitialBackoff: def.InitialBackoff,
		MaxBackoff:     def.MaxBackoff,
		BackoffFactor:  def.BackoffFactor,
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.RetryDelayMs > 0 {
		cfg.InitialBackoff = time.Duration(c.RetryDelayMs) * time.Millisecond
	}
	if c.MaxDelayMs > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxDelayMs) * time.Millisecond
	}
	if c.BackoffFactor > 0 {
		cfg.BackoffFactor = c.BackoffFactor
	}
	return cfg
}

// SchedulerConfig configures the Scheduler's tick granularity (spec
// §6, "scheduler tick granularity").
type SchedulerConfig struct {
	TickIntervalMs int `yaml:"tickIntervalMs"`
}

// TickInterval returns the configured tick interval, defaulting to one
// second when unset.
func (s SchedulerConfig) TickInterval() time.Duration {
	if s.TickIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(s.TickIntervalMs) * time.Millisecond
}

// HealthGateConfig configures processor-health staleness (spec §6,
// "health-snapshot staleness threshold").
type HealthGateConfig struct {
	StalenessThresholdMs int `yaml:"stalenessThresholdMs"`
}

// StalenessThreshold returns the configured threshold, defaulting to
// health.DefaultStalenessThreshold's value (30s) when unset.
func (h HealthGateConfig) StalenessThreshold() time.Duration {
	if h.StalenessThresholdMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(h.StalenessThresholdMs) * time.Millisecond
}

// BusConfig configures bus connection parameters (spec §6). The
// shipped Bus implementation is in-process (internal/orchestrator/bus)
// since no message-bus client library appears anywhere in the example
// pack; Type/ConnectionString are recognized and validated but only
// "memory" has a concrete implementation today.
type BusConfig struct {
	Type             string `yaml:"type"`
	ConnectionString string `yaml:"connectionString"`
}

// Config is the complete orchestrator configuration.
type Config struct {
	ManagerURLs        manager.URLs      `yaml:"managerUrls"`
	OrchestrationCache CacheConfig       `yaml:"orchestrationCache"`
	Scheduler          SchedulerConfig   `yaml:"scheduler"`
	HealthGate         HealthGateConfig  `yaml:"healthGate"`
	Bus                BusConfig         `yaml:"bus"`
	ListenAddr         string            `yaml:"listenAddr"`
	APIKey             string            `yaml:"apiKey"`
	Tags               map[string]string `yaml:"tags,omitempty"`
}

// Default returns a Config with documented localhost defaults (spec
// §6: "defaults to documented localhost ports").
func Default() *Config {
	return &Config{
		ManagerURLs: manager.DefaultURLs(),
		OrchestrationCache: CacheConfig{
			MapName:       cache.PlanMap,
			MaxRetries:    3,
			RetryDelayMs:  100,
			MaxDelayMs:    5000,
			BackoffFactor: 2.0,
		},
		Scheduler:  SchedulerConfig{TickIntervalMs: 1000},
		HealthGate: HealthGateConfig{StalenessThresholdMs: 30000},
		Bus:        BusConfig{Type: "memory"},
		ListenAddr: ":8080",
	}
}

// Load reads configuration from the YAML file at path (if non-empty
// and present), applies defaults to any zero-valued fields, then
// applies ORCHESTRATOR_*-prefixed environment variable overrides —
// the same three-stage layering as the teacher's config.Load, env
// always winning last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if defaultPath, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				path = defaultPath
			}
		}
	}

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("config: load from %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		path = home + path[1:]
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero-valued fields so a minimal config file (or
// no file at all) still produces a fully usable Config.
func (c *Config) applyDefaults() {
	def := Default()

	if c.ManagerURLs == (manager.URLs{}) {
		c.ManagerURLs = def.ManagerURLs
	}
	if c.OrchestrationCache.MapName == "" {
		c.OrchestrationCache.MapName = def.OrchestrationCache.MapName
	}
	if c.OrchestrationCache.MaxRetries == 0 {
		c.OrchestrationCache.MaxRetries = def.OrchestrationCache.MaxRetries
	}
	if c.OrchestrationCache.RetryDelayMs == 0 {
		c.OrchestrationCache.RetryDelayMs = def.OrchestrationCache.RetryDelayMs
	}
	if c.OrchestrationCache.MaxDelayMs == 0 {
		c.OrchestrationCache.MaxDelayMs = def.OrchestrationCache.MaxDelayMs
	}
	if c.OrchestrationCache.BackoffFactor == 0 {
		c.OrchestrationCache.BackoffFactor = def.OrchestrationCache.BackoffFactor
	}
	if c.Scheduler.TickIntervalMs == 0 {
		c.Scheduler.TickIntervalMs = def.Scheduler.TickIntervalMs
	}
	if c.HealthGate.StalenessThresholdMs == 0 {
		c.HealthGate.StalenessThresholdMs = def.HealthGate.StalenessThresholdMs
	}
	if c.Bus.Type == "" {
		c.Bus.Type = def.Bus.Type
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
}

// loadFromEnv applies ORCHESTRATOR_*-prefixed overrides, taking
// precedence over both file and defaults (spec §6, "Configuration").
func (c *Config) loadFromEnv() {
	if v := os.Getenv("ORCHESTRATOR_MANAGER_ORCHESTRATED_FLOW_URL"); v != "" {
		c.ManagerURLs.OrchestratedFlow = v
	}
	if v := os.Getenv("ORCHESTRATOR_MANAGER_WORKFLOW_URL"); v != "" {
		c.ManagerURLs.Workflow = v
	}
	if v := os.Getenv("ORCHESTRATOR_MANAGER_STEP_URL"); v != "" {
		c.ManagerURLs.Step = v
	}
	if v := os.Getenv("ORCHESTRATOR_MANAGER_ASSIGNMENT_URL"); v != "" {
		c.ManagerURLs.Assignment = v
	}
	if v := os.Getenv("ORCHESTRATOR_MANAGER_ADDRESS_URL"); v != "" {
		c.ManagerURLs.Address = v
	}
	if v := os.Getenv("ORCHESTRATOR_MANAGER_DELIVERY_URL"); v != "" {
		c.ManagerURLs.Delivery = v
	}
	if v := os.Getenv("ORCHESTRATOR_MANAGER_PLUGIN_URL"); v != "" {
		c.ManagerURLs.Plugin = v
	}
	if v := os.Getenv("ORCHESTRATOR_MANAGER_SCHEMA_URL"); v != "" {
		c.ManagerURLs.Schema = v
	}
	if v := os.Getenv("ORCHESTRATOR_CACHE_MAP_NAME"); v != "" {
		c.OrchestrationCache.MapName = v
	}
	if v := os.Getenv("ORCHESTRATOR_CACHE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OrchestrationCache.MaxRetries = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_CACHE_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OrchestrationCache.RetryDelayMs = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_SCHEDULER_TICK_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.TickIntervalMs = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_HEALTH_STALENESS_THRESHOLD_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HealthGate.StalenessThresholdMs = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_BUS_TYPE"); v != "" {
		c.Bus.Type = v
	}
	if v := os.Getenv("ORCHESTRATOR_BUS_CONNECTION_STRING"); v != "" {
		c.Bus.ConnectionString = v
	}
	if v := os.Getenv("ORCHESTRATOR_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("ORCHESTRATOR_API_KEY"); v != "" {
		c.APIKey = v
	}
}

func (c *Config) validate() error {
	if c.Bus.Type != "memory" {
		return fmt.Errorf("bus.type %q is not supported; only \"memory\" ships today", c.Bus.Type)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	return nil
}
