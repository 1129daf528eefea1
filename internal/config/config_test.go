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

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/orchestrator/internal/config"
)

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8081", cfg.ManagerURLs.OrchestratedFlow)
	assert.Equal(t, 3, cfg.OrchestrationCache.MaxRetries)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
managerUrls:
  orchestratedFlow: "http://flows.internal:9000"
orchestrationCache:
  maxRetries: 7
listenAddr: ":9090"
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://flows.internal:9000", cfg.ManagerURLs.OrchestratedFlow)
	assert.Equal(t, 7, cfg.OrchestrationCache.MaxRetries)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	// Untouched fields still fall back to defaults.
	assert.Equal(t, "http://localhost:8082", cfg.ManagerURLs.Workflow)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`listenAddr: ":9090"`), 0o600))

	t.Setenv("ORCHESTRATOR_LISTEN_ADDR", ":7070")
	t.Setenv("ORCHESTRATOR_CACHE_MAX_RETRIES", "9")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 9, cfg.OrchestrationCache.MaxRetries)
}

func TestLoad_RejectsUnsupportedBusType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bus:
  type: kafka
`), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestCacheConfig_ToGatewayConfig(t *testing.T) {
	cfg := config.CacheConfig{MaxRetries: 5, RetryDelayMs: 250, MaxDelayMs: 2000, BackoffFactor: 1.5}
	gw := cfg.ToGatewayConfig()
	assert.Equal(t, 5, gw.MaxRetries)
	assert.Equal(t, 250*1e6, float64(gw.InitialBackoff))
	assert.Equal(t, 1.5, gw.BackoffFactor)
}

func TestSchedulerConfig_TickInterval_DefaultsWhenUnset(t *testing.T) {
	var s config.SchedulerConfig
	assert.Equal(t, int64(1e9), s.TickInterval().Nanoseconds())
}

func TestHealthGateConfig_StalenessThreshold_DefaultsWhenUnset(t *testing.T) {
	var h config.HealthGateConfig
	assert.Equal(t, int64(30e9), h.StalenessThreshold().Nanoseconds())
}
