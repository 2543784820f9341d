// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sandbox

import (
	"sort"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/hashicorp/pluginhost/structs"
)

const (
	managerMonitorInterval = 30 * time.Second

	// Aggregate heap thresholds for the global monitor, in MB.
	heapWarnPerSandboxMB = 512
	heapWarnTotalMB      = 1024

	maxActiveSandboxes = 20
)

// ManagerConfig is used to configure a Manager.
type ManagerConfig struct {
	Logger log.Logger
	Clock  clockwork.Clock
}

// Manager owns the pluginId to sandbox map and a global resource monitor.
type Manager struct {
	logger log.Logger
	clock  clockwork.Clock

	mu        sync.RWMutex
	sandboxes map[string]*Sandbox

	// warnLimiter throttles repeated aggregate-heap warnings.
	warnLimiter *rate.Limiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager starts the global monitor and returns an empty manager.
func NewManager(c *ManagerConfig) *Manager {
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Manager{
		logger:      c.Logger.Named("sandbox_manager"),
		clock:       clock,
		sandboxes:   make(map[string]*Sandbox),
		warnLimiter: rate.NewLimiter(rate.Every(5*time.Minute), 1),
		stopCh:      make(chan struct{}),
	}
	go m.monitor()
	return m
}

// Create builds and registers a sandbox for the plugin. It fails if one
// already exists for the plugin id.
func (m *Manager) Create(c *Config) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sandboxes[c.PluginID]; exists {
		return nil, structs.ErrSandboxAlreadyExists
	}
	if c.Clock == nil {
		c.Clock = m.clock
	}

	sb := New(c)
	m.sandboxes[c.PluginID] = sb

	if n := len(m.sandboxes); n > maxActiveSandboxes {
		m.logger.Error("active sandbox count exceeds limit", "count", n, "limit", maxActiveSandboxes)
	}
	metrics.SetGauge([]string{"sandbox", "active"}, float32(len(m.sandboxes)))
	return sb, nil
}

// Get returns the sandbox for the plugin id.
func (m *Manager) Get(pluginID string) (*Sandbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.sandboxes[pluginID]
	return sb, ok
}

// Destroy stops and removes the plugin's sandbox. Destroying a plugin with
// no sandbox is a no-op.
func (m *Manager) Destroy(pluginID string) {
	m.mu.Lock()
	sb, ok := m.sandboxes[pluginID]
	delete(m.sandboxes, pluginID)
	metrics.SetGauge([]string{"sandbox", "active"}, float32(len(m.sandboxes)))
	m.mu.Unlock()

	if ok {
		sb.Stop()
	}
}

// DestroyAll stops the global monitor, then stops every sandbox in parallel
// and waits for all of them.
func (m *Manager) DestroyAll() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	all := make([]*Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		all = append(all, sb)
	}
	m.sandboxes = make(map[string]*Sandbox)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sb := range all {
		wg.Add(1)
		go func(sb *Sandbox) {
			defer wg.Done()
			sb.Stop()
		}(sb)
	}
	wg.Wait()

	m.logger.Info("all sandboxes destroyed", "count", len(all))
}

// Count returns the number of registered sandboxes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sandboxes)
}

// PluginIDs returns the registered plugin ids sorted.
func (m *Manager) PluginIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// monitor logs aggregate heap and sandbox counts every 30s, warning when a
// sandbox or the aggregate crosses its heap threshold and erroring when the
// sandbox count exceeds the limit.
func (m *Manager) monitor() {
	ticker := m.clock.NewTicker(managerMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.Chan():
			m.checkAggregate()
		}
	}
}

func (m *Manager) checkAggregate() {
	m.mu.RLock()
	all := make([]*Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		all = append(all, sb)
	}
	m.mu.RUnlock()

	var totalMB float64
	var hot []string
	for _, sb := range all {
		samples := sb.MemorySamples()
		if len(samples) == 0 {
			continue
		}
		current := samples[len(samples)-1]
		totalMB += current
		if current > heapWarnPerSandboxMB {
			hot = append(hot, sb.PluginID())
		}
	}

	m.logger.Debug("sandbox aggregate", "count", len(all), "total_heap_mb", totalMB)
	metrics.SetGauge([]string{"sandbox", "total_heap_mb"}, float32(totalMB))

	if (len(hot) > 0 || totalMB > heapWarnTotalMB) && m.warnLimiter.Allow() {
		m.logger.Warn("sandbox heap pressure", "total_heap_mb", totalMB, "hot", hot)
	}
	if len(all) > maxActiveSandboxes {
		m.logger.Error("active sandbox count exceeds limit", "count", len(all), "limit", maxActiveSandboxes)
	}
}
