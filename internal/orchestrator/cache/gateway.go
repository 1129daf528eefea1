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

// Package cache provides the shared key-value Cache Gateway: Put/Get/
// Remove of serialized execution plans and processor-health snapshots,
// with bounded-retry Put and single-shot Get.
package cache

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/tombee/orchestrator/pkg/orchestration"
)

// Config configures a Gateway's retry behavior. Mirrors the teacher's
// RetryConfig shape (internal/operation/transport.RetryConfig),
// narrowed to the one operation that retries here: Put.
type Config struct {
	// MaxRetries is the maximum number of Put attempts (default: 3).
	MaxRetries int

	// InitialBackoff is the delay before the first retry (default: 100ms).
	InitialBackoff time.Duration

	// MaxBackoff caps the computed backoff delay (default: 5s).
	MaxBackoff time.Duration

	// BackoffFactor is the exponential multiplier applied per retry
	// (default: 2.0).
	BackoffFactor float64
}

// DefaultConfig returns sensible Put-retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Gateway is the narrow seam the rest of the orchestrator calls through
// for cache access. InMemoryGateway below is the shipped reference
// implementation; a distributed map client (Hazelcast, Redis, etc.)
// would implement the same interface without the rest of the
// orchestrator changing.
type Gateway interface {
	Put(ctx context.Context, mapName, key string, value []byte) error
	Get(ctx context.Context, mapName, key string) ([]byte, bool, error)
	Remove(ctx context.Context, mapName, key string) error
}

// Map names recognized by the orchestrator (spec §6).
const (
	PlanMap   = "orchestration-data"
	HealthMap = "processor-health"
)

// namedMap is a single map's contents plus the mutex guarding it.
type namedMap struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// InMemoryGateway is a process-local Gateway implementation grounded on
// the teacher's mutex-guarded map pattern
// (internal/controller/backend/memory.Backend). It does not honor TTL
// internally — spec §4.1 scopes expiration to the orchestrator's own
// Stop operation for plans, and the health map's entries are written
// and aged out by external processors, not by this Gateway.
type InMemoryGateway struct {
	cfg  Config
	mu   sync.Mutex
	maps map[string]*namedMap
}

// NewInMemoryGateway constructs a Gateway backed by process memory.
func NewInMemoryGateway(cfg Config) *InMemoryGateway {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = DefaultConfig().BackoffFactor
	}
	return &InMemoryGateway{
		cfg:  cfg,
		maps: make(map[string]*namedMap),
	}
}

func (g *InMemoryGateway) mapFor(mapName string) *namedMap {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.maps[mapName]
	if !ok {
		m = &namedMap{data: make(map[string][]byte)}
		g.maps[mapName] = m
	}
	return m
}

// Put writes value under key in mapName, retrying with bounded
// exponential backoff and jitter on failure (spec §4.1). The in-memory
// map itself cannot fail a single write; Put's retry loop exists for
// the Gateway interface's contract and for future backends (a real
// network-attached map) where a write legitimately can fail
// transiently.
func (g *InMemoryGateway) Put(ctx context.Context, mapName, key string, value []byte) error {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return orchestration.Wrap(orchestration.CacheUnavailable, "put cancelled", err)
		}

		if err := g.put(mapName, key, value); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == g.cfg.MaxRetries {
			break
		}

		delay := backoffDelay(g.cfg, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return orchestration.Wrap(orchestration.CacheUnavailable, "put cancelled during backoff", ctx.Err())
		}
	}
	return orchestration.Wrap(orchestration.CacheUnavailable, "put failed after retries", lastErr)
}

// put is the single-attempt write; the in-memory backend never fails,
// but the signature matches what a real network map would expose.
func (g *InMemoryGateway) put(mapName, key string, value []byte) error {
	m := g.mapFor(mapName)
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

// Get is a single-shot lookup; it never retries (spec §4.1).
func (g *InMemoryGateway) Get(ctx context.Context, mapName, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, orchestration.Wrap(orchestration.CacheUnavailable, "get cancelled", err)
	}
	m := g.mapFor(mapName)
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Remove deletes key from mapName. Removing a missing key is not an
// error (Stop is best-effort and idempotent per spec §4.8).
func (g *InMemoryGateway) Remove(ctx context.Context, mapName, key string) error {
	if err := ctx.Err(); err != nil {
		return orchestration.Wrap(orchestration.CacheUnavailable, "remove cancelled", err)
	}
	m := g.mapFor(mapName)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// backoffDelay implements the teacher's formula
// (internal/operation/transport.calculateBackoff):
// delay = min(InitialBackoff * BackoffFactor^(attempt-1), MaxBackoff) + jitter[0,100ms].
func backoffDelay(cfg Config, attempt int) time.Duration {
	base := float64(cfg.InitialBackoff)
	for i := 1; i < attempt; i++ {
		base *= cfg.BackoffFactor
	}
	delay := time.Duration(base)
	if delay > cfg.MaxBackoff {
		delay = cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(100 * time.Millisecond)))
	return delay + jitter
}
