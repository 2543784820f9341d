// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package sandbox isolates plugin execution behind a single worker goroutine
// per plugin, with a capability-gated module surface, per-call deadlines and
// a resource monitor that tears the sandbox down on sustained violations.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/hashicorp/go-set/v3"
	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/hashicorp/pluginhost/permissions"
	"github.com/hashicorp/pluginhost/stream"
	"github.com/hashicorp/pluginhost/structs"
)

const (
	// DefaultMaxExecutionTime bounds a single method call.
	DefaultMaxExecutionTime = 30 * time.Second

	// DefaultMemoryLimitMB is the heap ceiling when the caller sets none.
	DefaultMemoryLimitMB = 256

	// DefaultMaxNetworkConnections caps concurrently open connections
	// admitted through CallMethod.
	DefaultMaxNetworkConnections = 10

	// stopGuard is how long Stop waits for the worker to drain before
	// abandoning it.
	stopGuard = 5 * time.Second
)

// IsolationLevel selects the resource profile applied to a sandbox.
type IsolationLevel string

const (
	IsolationStrict   IsolationLevel = "strict"
	IsolationModerate IsolationLevel = "moderate"
	IsolationMinimal  IsolationLevel = "minimal"
)

// ResourceLimits is the concrete resource profile of a sandbox.
type ResourceLimits struct {
	MemoryMB    int
	CodeRangeMB int
	StackMB     int
}

// Limits resolves the isolation level against the user-requested memory
// limit. Strict and moderate clamp the request; minimal takes it as given.
func (l IsolationLevel) Limits(requestedMB int) ResourceLimits {
	switch l {
	case IsolationStrict:
		return ResourceLimits{MemoryMB: min(requestedMB, 64), CodeRangeMB: 16, StackMB: 4}
	case IsolationModerate:
		return ResourceLimits{MemoryMB: min(requestedMB, 128), CodeRangeMB: 32, StackMB: 8}
	default:
		return ResourceLimits{MemoryMB: requestedMB, CodeRangeMB: 64, StackMB: 16}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Method is one callable entry point exposed by a plugin instance. Methods
// run on the sandbox worker goroutine.
type Method func(args []any) (any, error)

// Config is used to configure a Sandbox.
type Config struct {
	Logger log.Logger
	Clock  clockwork.Clock

	// Bus receives the resource-limit-exceeded event on violation.
	Bus *stream.EventBus

	// PluginID owns this sandbox.
	PluginID string

	// Dir is the plugin directory the scoped filesystem is confined to.
	Dir string

	// Permissions is the granted permission set gating module access.
	Permissions []string

	// Methods is the callable surface of the plugin instance.
	Methods map[string]Method

	// Isolation defaults to moderate.
	Isolation IsolationLevel

	// MemoryLimitMB is the requested heap ceiling before isolation clamping.
	MemoryLimitMB int

	// MaxExecutionTime bounds each CallMethod invocation.
	MaxExecutionTime time.Duration

	MaxNetworkConnections int

	// Validator enforces permission rate limits on guarded module calls.
	Validator *permissions.Validator

	// Security, when set, screens every method call before dispatch.
	Security structs.SecurityService

	// AllowedHosts is the HTTP module's host allow-list.
	AllowedHosts []string

	// EnvWhitelist names the environment variables the process module
	// exposes.
	EnvWhitelist []string

	// Sampler reports current heap usage in MB. Defaults to sampling this
	// process's RSS. Substitutable for tests.
	Sampler func() (float64, error)
}

type call struct {
	id     uint64
	method string
	args   []any
}

type callResult struct {
	result any
	err    error
}

// Sandbox runs one plugin's methods on a dedicated worker goroutine.
type Sandbox struct {
	logger log.Logger
	clock  clockwork.Clock
	bus    *stream.EventBus

	pluginID  string
	dir       string
	perms     *set.Set[string]
	limits    ResourceLimits
	isolation IsolationLevel

	maxExecution time.Duration
	maxNetwork   int

	validator *permissions.Validator
	security  structs.SecurityService
	methods   map[string]Method
	sampler   func() (float64, error)

	modules *moduleSurface

	reqCh    chan *call
	quitCh   chan struct{}
	workerWG sync.WaitGroup

	mu          sync.Mutex
	running     bool
	pending     map[uint64]chan *callResult
	nextID      uint64
	activeConns int
	operations  uint64
	startedAt   time.Time

	mon *monitor
}

// New starts a sandbox worker and its resource monitor.
func New(c *Config) *Sandbox {
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	isolation := c.Isolation
	if isolation == "" {
		isolation = IsolationModerate
	}
	memLimit := c.MemoryLimitMB
	if memLimit <= 0 {
		memLimit = DefaultMemoryLimitMB
	}
	maxExec := c.MaxExecutionTime
	if maxExec <= 0 {
		maxExec = DefaultMaxExecutionTime
	}
	maxNet := c.MaxNetworkConnections
	if maxNet <= 0 {
		maxNet = DefaultMaxNetworkConnections
	}
	sampler := c.Sampler
	if sampler == nil {
		sampler = processSampler
	}

	s := &Sandbox{
		logger:       c.Logger.Named("sandbox").With("plugin_id", c.PluginID),
		clock:        clock,
		bus:          c.Bus,
		pluginID:     c.PluginID,
		dir:          c.Dir,
		perms:        set.From(c.Permissions),
		limits:       isolation.Limits(memLimit),
		isolation:    isolation,
		maxExecution: maxExec,
		maxNetwork:   maxNet,
		validator:    c.Validator,
		security:     c.Security,
		methods:      c.Methods,
		sampler:      sampler,
		reqCh:        make(chan *call),
		quitCh:       make(chan struct{}),
		pending:      make(map[uint64]chan *callResult),
		running:      true,
		startedAt:    clock.Now(),
	}
	s.modules = newModuleSurface(s, c.AllowedHosts, c.EnvWhitelist)

	s.workerWG.Add(1)
	go s.worker()

	s.mon = newMonitor(s)
	s.mon.start()

	s.logger.Debug("sandbox started", "isolation", isolation,
		"memory_limit_mb", s.limits.MemoryMB, "max_execution", maxExec)
	return s
}

// PluginID returns the owning plugin id.
func (s *Sandbox) PluginID() string { return s.pluginID }

// Limits returns the resolved resource profile.
func (s *Sandbox) Limits() ResourceLimits { return s.limits }

// Running reports whether the sandbox accepts calls.
func (s *Sandbox) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// CallMethod dispatches a method to the worker and waits for its response,
// the per-call deadline, or cancellation, whichever comes first. On deadline
// the resolver is dropped; the worker may still be executing the call.
func (s *Sandbox) CallMethod(ctx context.Context, method string, args ...any) (any, error) {
	defer metrics.MeasureSince([]string{"sandbox", "call_method"}, time.Now())

	netOp := classifyNetworkMethod(method)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, structs.ErrSandboxNotRunning
	}
	if netOp == netOpen {
		if s.activeConns >= s.maxNetwork {
			s.mu.Unlock()
			return nil, &structs.ResourceLimitExceededError{
				PluginID:   s.pluginID,
				Violations: []string{"network_connections"},
			}
		}
		s.activeConns++
	}
	s.operations++
	s.nextID++
	id := s.nextID
	respCh := make(chan *callResult, 1)
	s.pending[id] = respCh
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.pending, id)
		if netOp == netOpen {
			s.activeConns--
		}
		s.mu.Unlock()
	}

	if s.security != nil {
		if err := s.security.ValidatePluginAction(s.pluginID, method, args); err != nil {
			release()
			return nil, err
		}
	}

	deadline := s.clock.After(s.maxExecution)

	select {
	case s.reqCh <- &call{id: id, method: method, args: args}:
	case <-deadline:
		release()
		return nil, structs.ErrExecutionTimeout
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	case <-s.quitCh:
		release()
		return nil, structs.ErrCancelled
	}

	select {
	case res := <-respCh:
		s.mu.Lock()
		delete(s.pending, id)
		if netOp == netClose && s.activeConns > 0 {
			s.activeConns--
		}
		s.mu.Unlock()
		return res.result, res.err
	case <-deadline:
		release()
		s.logger.Warn("method call timed out", "method", method, "deadline", s.maxExecution)
		metrics.IncrCounterWithLabels([]string{"sandbox", "timeout"}, 1,
			[]metrics.Label{{Name: "plugin_id", Value: s.pluginID}})
		return nil, structs.ErrExecutionTimeout
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// worker executes calls one at a time until Stop closes the request channel.
func (s *Sandbox) worker() {
	defer s.workerWG.Done()

	for {
		var c *call
		select {
		case c = <-s.reqCh:
		case <-s.quitCh:
			return
		}
		result, err := s.execute(c)

		s.mu.Lock()
		respCh, waiting := s.pending[c.id]
		s.mu.Unlock()
		if waiting {
			// Non-blocking: Stop may have resolved this call with
			// ErrCancelled between the lookup and the send.
			select {
			case respCh <- &callResult{result: result, err: err}:
			default:
			}
		}
	}
}

func (s *Sandbox) execute(c *call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("method panicked", "method", c.method, "panic", r)
			err = fmt.Errorf("method %q panicked: %v", c.method, r)
		}
	}()

	m, ok := s.methods[c.method]
	if !ok {
		return nil, fmt.Errorf("method %q not found", c.method)
	}
	return m(c.args)
}

// Require returns the named module facade, gated by the sandbox's granted
// permissions. Unknown modules fail with ErrModuleNotAllowed.
func (s *Sandbox) Require(module string) (any, error) {
	return s.modules.require(module)
}

// Operations returns how many method calls have been admitted.
func (s *Sandbox) Operations() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operations
}

// ActiveConnections returns the currently open network connection count.
func (s *Sandbox) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConns
}

// MemorySamples returns a copy of the recent heap samples in MB.
func (s *Sandbox) MemorySamples() []float64 {
	return s.mon.recentSamples()
}

// Stop shuts the sandbox down: the monitor stops, every pending call is
// resolved with ErrCancelled, and the worker is given a bounded drain window.
// Stop is idempotent.
func (s *Sandbox) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false

	for id, respCh := range s.pending {
		respCh <- &callResult{err: structs.ErrCancelled}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.mon.stop()
	s.modules.shutdown()

	close(s.quitCh)
	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-s.clock.After(stopGuard):
		s.logger.Error("worker did not stop in time, abandoning", "guard", stopGuard)
	}

	s.logger.Debug("sandbox stopped")
}

// hasPermission resolves the grant, honoring '*' and category wildcards.
func (s *Sandbox) hasPermission(perm string) bool {
	if s.perms.Contains(permissions.Superuser) || s.perms.Contains(perm) {
		return true
	}
	if category, _, err := permissions.Parse(perm); err == nil {
		return s.perms.Contains(category + ":*")
	}
	return false
}

type networkOp int

const (
	netNone networkOp = iota
	netOpen
	netClose
)

// classifyNetworkMethod inspects the method name for the connection-quota
// protocol: network open methods count against the quota, close methods
// release it on response.
func classifyNetworkMethod(method string) networkOp {
	m := strings.ToLower(method)
	if !strings.Contains(m, "network") && !strings.HasPrefix(m, "net.") {
		return netNone
	}
	switch {
	case strings.Contains(m, "close"), strings.Contains(m, "disconnect"):
		return netClose
	case strings.Contains(m, "open"), strings.Contains(m, "connect"):
		return netOpen
	default:
		return netNone
	}
}

// processSampler reports this process's resident set in MB.
func processSampler() (float64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mi, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(mi.RSS) / (1 << 20), nil
}
