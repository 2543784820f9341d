// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sandbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/pluginhost/helper/testlog"
	"github.com/hashicorp/pluginhost/stream"
	"github.com/hashicorp/pluginhost/structs"
)

func quietSampler() (float64, error) { return 1, nil }

func testConfig(t *testing.T, clock clockwork.Clock) *Config {
	return &Config{
		Logger:   testlog.HCLogger(t),
		Clock:    clock,
		PluginID: "test-plugin",
		Sampler:  quietSampler,
	}
}

func TestIsolationLevel_Limits(t *testing.T) {
	t.Parallel()

	l := IsolationStrict.Limits(256)
	require.Equal(t, ResourceLimits{MemoryMB: 64, CodeRangeMB: 16, StackMB: 4}, l)

	l = IsolationStrict.Limits(32)
	require.Equal(t, 32, l.MemoryMB)

	l = IsolationModerate.Limits(256)
	require.Equal(t, ResourceLimits{MemoryMB: 128, CodeRangeMB: 32, StackMB: 8}, l)

	l = IsolationMinimal.Limits(256)
	require.Equal(t, ResourceLimits{MemoryMB: 256, CodeRangeMB: 64, StackMB: 16}, l)
}

func TestSandbox_CallMethod(t *testing.T) {
	t.Parallel()

	c := testConfig(t, nil)
	c.Methods = map[string]Method{
		"greet": func(args []any) (any, error) {
			return "hello " + args[0].(string), nil
		},
		"fail": func(args []any) (any, error) {
			return nil, errors.New("boom")
		},
	}
	sb := New(c)
	defer sb.Stop()

	out, err := sb.CallMethod(context.Background(), "greet", "world")
	require.NoError(t, err)
	require.Equal(t, "hello world", out)

	_, err = sb.CallMethod(context.Background(), "fail")
	require.EqualError(t, err, "boom")

	_, err = sb.CallMethod(context.Background(), "missing")
	require.ErrorContains(t, err, `method "missing" not found`)

	require.Equal(t, uint64(3), sb.Operations())
}

func TestSandbox_CallMethod_PanicContained(t *testing.T) {
	t.Parallel()

	c := testConfig(t, nil)
	c.Methods = map[string]Method{
		"explode": func(args []any) (any, error) { panic("kaboom") },
		"greet":   func(args []any) (any, error) { return "ok", nil },
	}
	sb := New(c)
	defer sb.Stop()

	_, err := sb.CallMethod(context.Background(), "explode")
	require.ErrorContains(t, err, "panicked")

	// The worker survives the panic.
	out, err := sb.CallMethod(context.Background(), "greet")
	require.NoError(t, err)
	require.Equal(t, "ok", out)
}

func TestSandbox_CallMethod_Timeout(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	block := make(chan struct{})
	defer close(block)

	c := testConfig(t, clock)
	c.Methods = map[string]Method{
		"hang": func(args []any) (any, error) {
			<-block
			return nil, nil
		},
	}
	sb := New(c)

	errCh := make(chan error, 1)
	go func() {
		_, err := sb.CallMethod(context.Background(), "hang")
		errCh <- err
	}()

	// Two waiters: the monitor ticker and the call deadline.
	clock.BlockUntil(2)
	clock.Advance(DefaultMaxExecutionTime)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, structs.ErrExecutionTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deadline")
	}
}

func TestSandbox_CallMethod_ContextCancel(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)

	c := testConfig(t, nil)
	c.Methods = map[string]Method{
		"hang": func(args []any) (any, error) {
			<-block
			return nil, nil
		},
	}
	sb := New(c)
	defer sb.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := sb.CallMethod(ctx, "hang")
		errCh <- err
	}()

	// Let the call reach the worker, then cancel.
	require.Eventually(t, func() bool {
		return sb.Operations() == 1
	}, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
}

func TestSandbox_NetworkQuota(t *testing.T) {
	t.Parallel()

	c := testConfig(t, nil)
	c.MaxNetworkConnections = 2
	c.Methods = map[string]Method{
		"network.open":  func(args []any) (any, error) { return nil, nil },
		"network.close": func(args []any) (any, error) { return nil, nil },
	}
	sb := New(c)
	defer sb.Stop()

	_, err := sb.CallMethod(context.Background(), "network.open")
	require.NoError(t, err)
	_, err = sb.CallMethod(context.Background(), "network.open")
	require.NoError(t, err)
	require.Equal(t, 2, sb.ActiveConnections())

	_, err = sb.CallMethod(context.Background(), "network.open")
	var rerr *structs.ResourceLimitExceededError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, []string{"network_connections"}, rerr.Violations)

	_, err = sb.CallMethod(context.Background(), "network.close")
	require.NoError(t, err)
	require.Equal(t, 1, sb.ActiveConnections())

	_, err = sb.CallMethod(context.Background(), "network.open")
	require.NoError(t, err)
}

func TestSandbox_Security_ScreensCalls(t *testing.T) {
	t.Parallel()

	denied := errors.New("action denied")
	c := testConfig(t, nil)
	c.Methods = map[string]Method{
		"greet": func(args []any) (any, error) { return "ok", nil },
	}
	c.Security = &fakeSecurity{validate: func(pluginID, action string, args []any) error {
		if action == "greet" {
			return denied
		}
		return nil
	}}
	sb := New(c)
	defer sb.Stop()

	_, err := sb.CallMethod(context.Background(), "greet")
	require.ErrorIs(t, err, denied)
}

func TestSandbox_Stop_CancelsPending(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	c := testConfig(t, nil)
	c.Methods = map[string]Method{
		"hang": func(args []any) (any, error) {
			<-block
			return nil, nil
		},
	}
	sb := New(c)

	errCh := make(chan error, 1)
	go func() {
		_, err := sb.CallMethod(context.Background(), "hang")
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return sb.Operations() == 1
	}, time.Second, 10*time.Millisecond)

	// Unblock the worker once the pending call has been cancelled so Stop's
	// drain completes inside the guard.
	go func() {
		<-errCh
		close(block)
	}()

	sb.Stop()
	require.False(t, sb.Running())

	_, err := sb.CallMethod(context.Background(), "hang")
	require.ErrorIs(t, err, structs.ErrSandboxNotRunning)

	// Stop is idempotent.
	sb.Stop()
}

func TestSandbox_Monitor_MemoryLimit(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	bus := stream.NewEventBus(&stream.Config{Logger: testlog.HCLogger(t)})

	eventCh := make(chan *structs.ResourceViolationEvent, 1)
	_, err := bus.Subscribe(structs.TopicResourceLimitExceeded, func(ctx context.Context, ev *stream.Event) error {
		eventCh <- ev.Payload.(*structs.ResourceViolationEvent)
		return nil
	}, nil)
	require.NoError(t, err)

	c := testConfig(t, clock)
	c.Bus = bus
	c.Isolation = IsolationMinimal
	c.MemoryLimitMB = 256
	c.Sampler = func() (float64, error) { return 300, nil }
	sb := New(c)

	clock.BlockUntil(1)
	clock.Advance(sampleInterval)

	select {
	case ev := <-eventCh:
		require.Equal(t, "test-plugin", ev.PluginID)
		require.Contains(t, ev.Violations, "memory_limit")
		require.Equal(t, 300.0, ev.MemoryUsageMB)
		require.False(t, ev.MemoryLeak)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for violation event")
	}

	// The sandbox tears itself down.
	require.Eventually(t, func() bool {
		return !sb.Running()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSandbox_Monitor_LeakDetection(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	bus := stream.NewEventBus(&stream.Config{Logger: testlog.HCLogger(t)})

	eventCh := make(chan *structs.ResourceViolationEvent, 1)
	_, err := bus.Subscribe(structs.TopicResourceLimitExceeded, func(ctx context.Context, ev *stream.Event) error {
		select {
		case eventCh <- ev.Payload.(*structs.ResourceViolationEvent):
		default:
		}
		return nil
	}, nil)
	require.NoError(t, err)

	// Heap grows 1 MB per sample: 60 MB/min, far over the 5 MB/min
	// threshold, while staying under the memory limit.
	var sample atomic.Int64
	c := testConfig(t, clock)
	c.Bus = bus
	c.Isolation = IsolationMinimal
	c.MemoryLimitMB = 1024
	c.Sampler = func() (float64, error) {
		return float64(sample.Add(1)), nil
	}
	sb := New(c)

	for i := 0; i < leakWindow+2; i++ {
		clock.BlockUntil(1)
		clock.Advance(sampleInterval)
		time.Sleep(5 * time.Millisecond)
		if !sb.Running() {
			break
		}
	}

	select {
	case ev := <-eventCh:
		require.Contains(t, ev.Violations, "memory_leak")
		require.True(t, ev.MemoryLeak)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for leak event")
	}
	require.Eventually(t, func() bool {
		return !sb.Running()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGrowthRate(t *testing.T) {
	t.Parallel()

	// Needs a full window.
	_, ok := growthRate([]float64{1, 2, 3})
	require.False(t, ok)

	// 9 MB over 9 seconds = 60 MB/min.
	samples := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	rate, ok := growthRate(samples)
	require.True(t, ok)
	require.InDelta(t, 60.0, rate, 0.01)

	// Flat heap.
	flat := []float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5}
	rate, ok = growthRate(flat)
	require.True(t, ok)
	require.Zero(t, rate)
}

func TestClassifyNetworkMethod(t *testing.T) {
	t.Parallel()

	cases := []struct {
		method string
		expect networkOp
	}{
		{"network.open", netOpen},
		{"network.openSocket", netOpen},
		{"networkConnect", netOpen},
		{"network.close", netClose},
		{"network.disconnect", netClose},
		{"net.open", netOpen},
		{"network.send", netNone},
		{"open", netNone},
		{"greet", netNone},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expect, classifyNetworkMethod(tc.method), tc.method)
	}
}

type fakeSecurity struct {
	validate func(pluginID, action string, args []any) error
}

func (f *fakeSecurity) HasPermission(subject, permission string) structs.AuthorizationResult {
	return structs.AuthorizationResult{Granted: true}
}

func (f *fakeSecurity) LogEvent(entry *structs.AuditEntry) {}

func (f *fakeSecurity) ValidatePluginAction(pluginID, action string, args []any) error {
	if f.validate == nil {
		return nil
	}
	return f.validate(pluginID, action, args)
}
