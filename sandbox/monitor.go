// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sandbox

import (
	"context"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/hashicorp/pluginhost/structs"
)

const (
	sampleInterval = time.Second

	// sampleWindow is how many heap samples are retained.
	sampleWindow = 100

	// leakWindow is how many trailing samples leak detection considers.
	leakWindow = 10

	// leakThresholdMBPerMin is the sustained growth rate treated as a leak.
	leakThresholdMBPerMin = 5.0

	// maxOperationsPerMinute bounds the sandbox-wide call rate.
	maxOperationsPerMinute = 2000.0
)

// monitor samples the sandbox heap every second and tears the sandbox down
// when a resource limit is breached.
type monitor struct {
	s *Sandbox

	mu      sync.Mutex
	samples []float64

	stopCh chan struct{}
	doneCh chan struct{}
}

func newMonitor(s *Sandbox) *monitor {
	return &monitor{
		s:      s,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (m *monitor) start() {
	go m.run()
}

func (m *monitor) stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}

func (m *monitor) run() {
	defer close(m.doneCh)

	ticker := m.s.clock.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.Chan():
			if violations, usage := m.check(); len(violations) > 0 {
				m.report(violations, usage)
				// Teardown runs off this goroutine; Stop waits on the
				// monitor and must not wait on itself.
				go m.s.Stop()
				return
			}
		}
	}
}

// check takes one sample and evaluates the limits. It returns the violation
// list and the current heap usage in MB.
func (m *monitor) check() ([]string, float64) {
	usage, err := m.s.sampler()
	if err != nil {
		m.s.logger.Warn("heap sample failed", "error", err)
		return nil, 0
	}

	m.mu.Lock()
	m.samples = append(m.samples, usage)
	if len(m.samples) > sampleWindow {
		m.samples = m.samples[len(m.samples)-sampleWindow:]
	}
	window := make([]float64, len(m.samples))
	copy(window, m.samples)
	m.mu.Unlock()

	metrics.SetGaugeWithLabels([]string{"sandbox", "heap_mb"}, float32(usage),
		[]metrics.Label{{Name: "plugin_id", Value: m.s.pluginID}})

	var violations []string

	if usage > float64(m.s.limits.MemoryMB) {
		violations = append(violations, "memory_limit")
	}

	if growth, ok := growthRate(window); ok && growth > leakThresholdMBPerMin {
		violations = append(violations, "memory_leak")
	}

	if runtime := m.s.clock.Now().Sub(m.s.startedAt).Minutes(); runtime > 0 {
		if float64(m.s.Operations())/runtime > maxOperationsPerMinute {
			violations = append(violations, "operation_rate")
		}
	}

	return violations, usage
}

// growthRate computes the heap growth in MB per minute across the trailing
// leak window. It needs a full window to report.
func growthRate(samples []float64) (float64, bool) {
	if len(samples) < leakWindow {
		return 0, false
	}
	window := samples[len(samples)-leakWindow:]
	elapsed := time.Duration(leakWindow-1) * sampleInterval
	delta := window[len(window)-1] - window[0]
	return delta / elapsed.Minutes(), true
}

func (m *monitor) report(violations []string, usage float64) {
	m.s.logger.Error("resource limits exceeded, stopping sandbox",
		"violations", violations, "heap_mb", usage)
	metrics.IncrCounterWithLabels([]string{"sandbox", "violations"}, 1,
		[]metrics.Label{{Name: "plugin_id", Value: m.s.pluginID}})

	if m.s.bus == nil {
		return
	}
	leak := false
	for _, v := range violations {
		if v == "memory_leak" {
			leak = true
		}
	}
	payload := &structs.ResourceViolationEvent{
		PluginID:      m.s.pluginID,
		Violations:    violations,
		MemoryUsageMB: usage,
		MemoryLeak:    leak,
	}
	if _, err := m.s.bus.Publish(context.Background(),
		structs.TopicResourceLimitExceeded, payload, nil); err != nil {
		m.s.logger.Error("failed to publish resource violation", "error", err)
	}
}

func (m *monitor) recentSamples() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.samples))
	copy(out, m.samples)
	return out
}
