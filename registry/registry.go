// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package registry owns the plugin lifecycle: discovery of manifests on
// disk, the install/activate/deactivate/uninstall/update state machine, and
// the wiring of every active plugin to its sandbox, event subscriptions and
// scoped context.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	version "github.com/hashicorp/go-version"
	"github.com/jonboulle/clockwork"

	"github.com/hashicorp/pluginhost/featureflags"
	"github.com/hashicorp/pluginhost/permissions"
	"github.com/hashicorp/pluginhost/sandbox"
	"github.com/hashicorp/pluginhost/stream"
	"github.com/hashicorp/pluginhost/structs"
)

const (
	// DefaultSandboxMemoryMB is the per-plugin heap ceiling used when the
	// host configures none.
	DefaultSandboxMemoryMB = 256

	// DefaultSandboxExecTime bounds a single plugin method call.
	DefaultSandboxExecTime = 60 * time.Second
)

// Config is used to configure a Registry.
type Config struct {
	Logger log.Logger
	Clock  clockwork.Clock

	Bus       *stream.EventBus
	Flags     *featureflags.Evaluator
	Validator *permissions.Validator
	Sandboxes *sandbox.Manager
	Store     structs.DataStore
	UI        structs.UIRegistry
	Security  structs.SecurityService

	// Routes defaults to a fresh table.
	Routes *RouteTable

	// Factories instantiate plugin objects by manifest type.
	Factories map[string]Factory

	// PlatformVersion is the host version manifests are checked against.
	PlatformVersion string

	Environment string
	Features    []string

	SandboxMemoryMB  int
	SandboxExecTime  time.Duration
	SandboxIsolation sandbox.IsolationLevel

	// AllowedHosts and EnvWhitelist are handed to every plugin sandbox.
	AllowedHosts []string
	EnvWhitelist []string

	// SandboxSampler overrides the heap sampler of every plugin sandbox.
	// Tests substitute it for deterministic resource monitoring.
	SandboxSampler func() (float64, error)
}

// record is the registry's bookkeeping for one plugin. Its embedded mutex
// serializes lifecycle operations on the plugin; plugin field writes
// additionally hold the registry lock so readers see consistent states.
type record struct {
	sync.Mutex

	plugin   *structs.Plugin
	instance Instance
	pctx     *PluginContext
	subIDs   []string
	uiIDs    []string
	removed  bool
}

// Registry is the plugin lifecycle manager. Lifecycle operations on a single
// plugin are mutually exclusive; operations on distinct plugins proceed in
// parallel.
type Registry struct {
	logger log.Logger
	clock  clockwork.Clock

	bus       *stream.EventBus
	flags     *featureflags.Evaluator
	validator *permissions.Validator
	sandboxes *sandbox.Manager
	store     structs.DataStore
	ui        structs.UIRegistry
	security  structs.SecurityService
	routes    *RouteTable
	loader    *loader

	platformVersion *version.Version
	environment     string
	features        []string

	sandboxMemoryMB  int
	sandboxExecTime  time.Duration
	sandboxIsolation sandbox.IsolationLevel
	allowedHosts     []string
	envWhitelist     []string
	sandboxSampler   func() (float64, error)

	mu      sync.RWMutex
	records map[string]*record
}

// New validates the configuration and returns an empty registry.
func New(c *Config) (*Registry, error) {
	pv, err := version.NewVersion(c.PlatformVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid platform version %q: %w", c.PlatformVersion, err)
	}
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	routes := c.Routes
	if routes == nil {
		routes = NewRouteTable()
	}
	memMB := c.SandboxMemoryMB
	if memMB <= 0 {
		memMB = DefaultSandboxMemoryMB
	}
	execTime := c.SandboxExecTime
	if execTime <= 0 {
		execTime = DefaultSandboxExecTime
	}

	logger := c.Logger.Named("registry")
	r := &Registry{
		logger:           logger,
		clock:            clock,
		bus:              c.Bus,
		flags:            c.Flags,
		validator:        c.Validator,
		sandboxes:        c.Sandboxes,
		store:            c.Store,
		ui:               c.UI,
		security:         c.Security,
		routes:           routes,
		loader:           newLoader(logger, c.Factories),
		platformVersion:  pv,
		environment:      c.Environment,
		features:         c.Features,
		sandboxMemoryMB:  memMB,
		sandboxExecTime:  execTime,
		sandboxIsolation: c.SandboxIsolation,
		allowedHosts:     c.AllowedHosts,
		envWhitelist:     c.EnvWhitelist,
		sandboxSampler:   c.SandboxSampler,
		records:          make(map[string]*record),
	}

	// A sandbox that breaches its resource limits announces the violation
	// and stops itself; the registry completes the teardown by running the
	// plugin through the normal deactivation path.
	if r.bus != nil {
		_, err := r.bus.Subscribe(structs.TopicResourceLimitExceeded, r.onResourceViolation, nil)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) onResourceViolation(ctx context.Context, ev *stream.Event) error {
	violation, ok := ev.Payload.(*structs.ResourceViolationEvent)
	if !ok {
		return fmt.Errorf("unexpected payload type %T on %s", ev.Payload, ev.Topic)
	}
	r.logger.Warn("deactivating plugin after resource violation",
		"plugin_id", violation.PluginID, "violations", violation.Violations)

	if err := r.Deactivate(ctx, violation.PluginID); err != nil {
		r.logger.Error("failed to deactivate plugin after resource violation",
			"plugin_id", violation.PluginID, "error", err)
		return err
	}
	return nil
}

// Routes returns the registry's route table.
func (r *Registry) Routes() *RouteTable { return r.routes }

// Discover scans the immediate subdirectories of dir in parallel. Each must
// contain a valid plugin.json; directories that fail to parse or validate
// are logged and skipped without aborting the pass. New plugins are inserted
// as DISCOVERED; a superseding manifest for an installed plugin flips it to
// NEEDS_UPDATE. Returns the ids of newly discovered plugins sorted.
func (r *Registry) Discover(ctx context.Context, dir string) ([]string, error) {
	defer metrics.MeasureSince([]string{"registry", "discover"}, time.Now())

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	type found struct {
		manifest *structs.PluginManifest
		path     string
	}
	foundCh := make(chan *found, len(entries))

	var wg sync.WaitGroup
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			pdir := filepath.Join(dir, name)
			m, err := readManifest(pdir)
			if err != nil {
				r.logger.Warn("skipping plugin directory", "dir", name, "error", err)
				return
			}
			foundCh <- &found{manifest: m, path: pdir}
		}(entry.Name())
	}
	wg.Wait()
	close(foundCh)

	var discovered []string
	for f := range foundCh {
		id := f.manifest.ID

		r.mu.RLock()
		existing, ok := r.records[id]
		r.mu.RUnlock()

		if ok {
			r.observeSuperseding(existing, f.manifest)
			continue
		}

		rec := &record{plugin: &structs.Plugin{
			Manifest: f.manifest,
			State:    structs.PluginStateDiscovered,
			Path:     f.path,
		}}
		r.mu.Lock()
		if _, raced := r.records[id]; !raced {
			r.records[id] = rec
			discovered = append(discovered, id)
		}
		r.mu.Unlock()

		r.logger.Info("discovered plugin", "plugin_id", id, "version", f.manifest.Version)
	}

	sort.Strings(discovered)
	metrics.SetGauge([]string{"registry", "plugins"}, float32(r.count()))
	return discovered, nil
}

// observeSuperseding flips an installed plugin to NEEDS_UPDATE when a newer
// manifest shows up during discovery. The record's manifest is only replaced
// by an explicit Update.
func (r *Registry) observeSuperseding(rec *record, m *structs.PluginManifest) {
	newV, err := m.SemVer()
	if err != nil {
		return
	}

	rec.Lock()
	defer rec.Unlock()
	if rec.removed {
		return
	}

	st := rec.plugin.State
	if st != structs.PluginStateInstalled && st != structs.PluginStateInactive {
		return
	}
	oldV, err := rec.plugin.Manifest.SemVer()
	if err != nil || !newV.GreaterThan(oldV) {
		return
	}

	r.setState(rec, structs.PluginStateNeedsUpdate)
	r.logger.Info("plugin has a superseding manifest", "plugin_id", m.ID,
		"installed", oldV, "available", newV)
}

func readManifest(dir string) (*structs.PluginManifest, error) {
	path := filepath.Join(dir, structs.ManifestFilename)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m structs.PluginManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &structs.InvalidManifestError{Path: path, Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, &structs.InvalidManifestError{Path: path, Err: err}
	}
	return &m, nil
}

// Install loads the plugin's entry module, runs its install hook and moves
// it to INSTALLED.
func (r *Registry) Install(ctx context.Context, id string) error {
	rec, err := r.getRecord(id)
	if err != nil {
		return err
	}
	rec.Lock()
	defer rec.Unlock()
	if rec.removed {
		return structs.ErrPluginNotFound
	}
	return r.installLocked(ctx, rec)
}

func (r *Registry) installLocked(ctx context.Context, rec *record) error {
	p := rec.plugin
	id := p.Manifest.ID

	if st := p.State; st != structs.PluginStateDiscovered && st != structs.PluginStateNeedsUpdate {
		return &structs.IllegalTransitionError{PluginID: id, From: st, Op: "install"}
	}
	if err := r.platformCompatible(p.Manifest); err != nil {
		return err
	}
	if missing := r.missingDependencies(p.Manifest); len(missing) > 0 {
		return &structs.DependencyUnresolvedError{PluginID: id, Missing: missing}
	}

	inst, err := r.loader.load(p)
	if err != nil {
		r.fault(rec, err)
		return err
	}
	if hook, ok := inst.(Installer); ok {
		if err := hook.OnInstall(ctx); err != nil {
			herr := &structs.HookFailedError{PluginID: id, Stage: "install", Err: err}
			r.fault(rec, herr)
			return herr
		}
	}

	rec.instance = inst
	r.mu.Lock()
	p.State = structs.PluginStateInstalled
	p.InstalledAt = r.clock.Now()
	p.Error = ""
	r.mu.Unlock()

	r.logger.Info("plugin installed", "plugin_id", id, "version", p.Manifest.Version)
	r.publishLifecycle(ctx, structs.TopicPluginInstalled, p)
	return nil
}

// Activate brings an installed or inactive plugin to ACTIVE: permissions are
// validated, a sandbox is created, event subscriptions and UI contributions
// are registered, and the activate hook runs. Activating an ACTIVE plugin is
// a no-op. On failure everything is rolled back and the plugin is ERRORED.
func (r *Registry) Activate(ctx context.Context, id string) error {
	rec, err := r.getRecord(id)
	if err != nil {
		return err
	}
	rec.Lock()
	defer rec.Unlock()
	if rec.removed {
		return structs.ErrPluginNotFound
	}
	return r.activateLocked(ctx, rec)
}

func (r *Registry) activateLocked(ctx context.Context, rec *record) error {
	p := rec.plugin
	id := p.Manifest.ID

	switch p.State {
	case structs.PluginStateActive:
		return nil
	case structs.PluginStateInstalled, structs.PluginStateInactive:
	default:
		return &structs.IllegalTransitionError{PluginID: id, From: p.State, Op: "activate"}
	}

	if err := r.platformCompatible(p.Manifest); err != nil {
		return err
	}
	for dep := range p.Manifest.Dependencies {
		if r.stateOf(dep) != structs.PluginStateActive {
			return &structs.DependencyNotActiveError{PluginID: id, Dependency: dep}
		}
	}
	if r.flags != nil {
		evalCtx := map[string]any{"pluginId": id, "environment": r.environment}
		if !r.flags.ShouldActivatePlugin(id, evalCtx) {
			return fmt.Errorf("plugin %q activation is disabled by feature flag", id)
		}
	}

	if r.validator != nil {
		res := r.validator.Validate(p.Manifest.Permissions)
		if !res.Valid {
			perr := &structs.PermissionInvalidError{PluginID: id, Problems: res.Errors}
			r.fault(rec, perr)
			return perr
		}
		for _, warning := range res.Warnings {
			r.logger.Warn("plugin permission warning", "plugin_id", id, "warning", warning)
		}
	}

	if rec.instance == nil {
		inst, err := r.loader.load(p)
		if err != nil {
			r.fault(rec, err)
			return err
		}
		rec.instance = inst
	}

	sb, err := r.sandboxes.Create(&sandbox.Config{
		Logger:           r.logger,
		Clock:            r.clock,
		Bus:              r.bus,
		PluginID:         id,
		Dir:              p.Path,
		Permissions:      p.Manifest.Permissions,
		Methods:          rec.instance.Methods(),
		Isolation:        r.sandboxIsolation,
		MemoryLimitMB:    r.sandboxMemoryMB,
		MaxExecutionTime: r.sandboxExecTime,
		Validator:        r.validator,
		Security:         r.security,
		AllowedHosts:     r.allowedHosts,
		EnvWhitelist:     r.envWhitelist,
		Sampler:          r.sandboxSampler,
	})
	if err != nil {
		r.fault(rec, err)
		return err
	}

	var subIDs []string
	var uiIDs []string
	rollback := func() {
		for _, subID := range subIDs {
			r.bus.Unsubscribe(subID)
		}
		for _, uiID := range uiIDs {
			if uerr := r.ui.UnregisterComponent(uiID); uerr != nil {
				r.logger.Warn("rollback failed to unregister component",
					"plugin_id", id, "component_id", uiID, "error", uerr)
			}
		}
		r.sandboxes.Destroy(id)
	}

	for _, sub := range p.Manifest.EventSubscriptions {
		subID, serr := r.subscribeForPlugin(id, sb, sub)
		if serr != nil {
			rollback()
			r.fault(rec, serr)
			return serr
		}
		subIDs = append(subIDs, subID)
	}

	for _, comp := range p.Manifest.UIContributions {
		cc := *comp
		cc.PluginID = id
		if rerr := r.ui.RegisterComponent(&cc); rerr != nil {
			rollback()
			r.fault(rec, rerr)
			return rerr
		}
		uiIDs = append(uiIDs, cc.ID)
	}

	pctx := newPluginContext(r, p)
	if hook, ok := rec.instance.(Activator); ok {
		if herr := hook.OnActivate(ctx, pctx); herr != nil {
			rollback()
			pctx.cleanup()
			wrapped := &structs.HookFailedError{PluginID: id, Stage: "activate", Err: herr}
			r.fault(rec, wrapped)
			return wrapped
		}
	}

	rec.pctx = pctx
	rec.subIDs = subIDs
	rec.uiIDs = uiIDs
	r.mu.Lock()
	p.State = structs.PluginStateActive
	p.ActivatedAt = r.clock.Now()
	p.Error = ""
	r.mu.Unlock()

	r.logger.Info("plugin activated", "plugin_id", id, "version", p.Manifest.Version)
	r.publishLifecycle(ctx, structs.TopicPluginActivated, p)
	return nil
}

// subscribeForPlugin wires one manifest event subscription to the plugin's
// sandbox. The subscription is tagged with the plugin id so deactivation can
// drop every handler at once.
func (r *Registry) subscribeForPlugin(id string, sb *sandbox.Sandbox, sub *structs.EventSubscription) (string, error) {
	handler := func(hctx context.Context, ev *stream.Event) error {
		_, err := sb.CallMethod(hctx, sub.Handler, ev)
		return err
	}
	opts := &stream.SubscribeOptions{
		Metadata: map[string]string{
			stream.MetadataPluginID: id,
			stream.MetadataHandler:  sub.Handler,
		},
	}
	if strings.Contains(sub.Topic, "*") {
		return r.bus.SubscribePattern(sub.Topic, handler, opts)
	}
	return r.bus.Subscribe(sub.Topic, handler, opts)
}

// Deactivate tears an ACTIVE plugin down to INACTIVE. It fails while other
// ACTIVE plugins depend on it.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	rec, err := r.getRecord(id)
	if err != nil {
		return err
	}
	rec.Lock()
	defer rec.Unlock()
	if rec.removed {
		return structs.ErrPluginNotFound
	}
	return r.deactivateLocked(ctx, rec)
}

func (r *Registry) deactivateLocked(ctx context.Context, rec *record) error {
	p := rec.plugin
	id := p.Manifest.ID

	if p.State != structs.PluginStateActive {
		return &structs.IllegalTransitionError{PluginID: id, From: p.State, Op: "deactivate"}
	}
	if dependents := r.activeDependents(id); len(dependents) > 0 {
		return &structs.DependentsActiveError{PluginID: id, Dependents: dependents}
	}

	if hook, ok := rec.instance.(Deactivator); ok {
		if err := hook.OnDeactivate(ctx); err != nil {
			// The runtime wiring is released even on a hook failure so a
			// later Recover starts from a clean slate.
			r.teardownLocked(rec)
			herr := &structs.HookFailedError{PluginID: id, Stage: "deactivate", Err: err}
			r.fault(rec, herr)
			return herr
		}
	}

	r.teardownLocked(rec)

	r.mu.Lock()
	p.State = structs.PluginStateInactive
	r.mu.Unlock()

	r.logger.Info("plugin deactivated", "plugin_id", id)
	r.publishLifecycle(ctx, structs.TopicPluginDeactivated, p)
	return nil
}

// teardownLocked drops the plugin's runtime wiring: UI components, bus
// subscriptions, sandbox, context and rate-limit trackers.
func (r *Registry) teardownLocked(rec *record) {
	id := rec.plugin.Manifest.ID

	for _, uiID := range rec.uiIDs {
		if err := r.ui.UnregisterComponent(uiID); err != nil {
			r.logger.Warn("failed to unregister component", "plugin_id", id,
				"component_id", uiID, "error", err)
		}
	}
	rec.uiIDs = nil

	removed := r.bus.UnsubscribeMatching(func(sub *stream.Subscription) bool {
		return sub.Metadata[stream.MetadataPluginID] == id
	})
	r.logger.Debug("dropped plugin subscriptions", "plugin_id", id, "count", removed)
	rec.subIDs = nil

	r.sandboxes.Destroy(id)
	if rec.pctx != nil {
		rec.pctx.cleanup()
		rec.pctx = nil
	}
	if r.validator != nil {
		r.validator.ClearRateLimitTrackers(id)
	}
}

// Uninstall removes the plugin entirely, deactivating it first when ACTIVE.
// It fails while any other plugin declares a dependency on it.
func (r *Registry) Uninstall(ctx context.Context, id string) error {
	rec, err := r.getRecord(id)
	if err != nil {
		return err
	}
	rec.Lock()
	defer rec.Unlock()
	if rec.removed {
		return structs.ErrPluginNotFound
	}

	p := rec.plugin
	if dependents := r.declaredDependents(id); len(dependents) > 0 {
		return &structs.DependentsActiveError{PluginID: id, Dependents: dependents}
	}

	if p.State == structs.PluginStateActive {
		if err := r.deactivateLocked(ctx, rec); err != nil {
			return err
		}
	}

	if rec.instance != nil {
		if hook, ok := rec.instance.(Uninstaller); ok {
			if err := hook.OnUninstall(ctx); err != nil {
				herr := &structs.HookFailedError{PluginID: id, Stage: "uninstall", Err: err}
				r.fault(rec, herr)
				return herr
			}
		}
	}

	r.mu.Lock()
	delete(r.records, id)
	rec.removed = true
	r.mu.Unlock()

	r.logger.Info("plugin uninstalled", "plugin_id", id)
	r.publishLifecycle(ctx, structs.TopicPluginUninstalled, p)
	metrics.SetGauge([]string{"registry", "plugins"}, float32(r.count()))
	return nil
}

// Update replaces a plugin's manifest and module with a strictly newer
// version, deactivating and reactivating around the swap when the plugin was
// ACTIVE. InstalledAt is preserved.
func (r *Registry) Update(ctx context.Context, id string, manifest *structs.PluginManifest, dir string) error {
	if err := manifest.Validate(); err != nil {
		return &structs.InvalidManifestError{Path: dir, Err: err}
	}
	if manifest.ID != id {
		return fmt.Errorf("manifest id %q does not match plugin %q", manifest.ID, id)
	}

	rec, err := r.getRecord(id)
	if err != nil {
		return err
	}
	rec.Lock()
	defer rec.Unlock()
	if rec.removed {
		return structs.ErrPluginNotFound
	}

	p := rec.plugin
	switch p.State {
	case structs.PluginStateInstalled, structs.PluginStateInactive,
		structs.PluginStateActive, structs.PluginStateNeedsUpdate:
	default:
		// DISCOVERED and ERRORED plugins go through Install (after Recover),
		// which runs the install hook and the platform check.
		return &structs.IllegalTransitionError{PluginID: id, From: p.State, Op: "update"}
	}

	oldV, err := p.Manifest.SemVer()
	if err != nil {
		return err
	}
	newV, err := manifest.SemVer()
	if err != nil {
		return err
	}
	if !newV.GreaterThan(oldV) {
		return fmt.Errorf("update version %s does not supersede %s", newV, oldV)
	}
	if err := r.platformCompatible(manifest); err != nil {
		return err
	}
	if missing := r.missingDependencies(manifest); len(missing) > 0 {
		return &structs.DependencyUnresolvedError{PluginID: id, Missing: missing}
	}

	wasActive := p.State == structs.PluginStateActive
	if wasActive {
		if err := r.deactivateLocked(ctx, rec); err != nil {
			return err
		}
	}

	fromVersion := p.Manifest.Version
	r.mu.Lock()
	p.Manifest = manifest.Copy()
	if dir != "" {
		p.Path = dir
	}
	r.mu.Unlock()

	inst, err := r.loader.load(p)
	if err != nil {
		r.fault(rec, err)
		return err
	}
	if hook, ok := inst.(Updater); ok {
		if err := hook.OnUpdate(ctx, fromVersion, manifest.Version); err != nil {
			herr := &structs.HookFailedError{PluginID: id, Stage: "update", Err: err}
			r.fault(rec, herr)
			return herr
		}
	}
	rec.instance = inst

	r.mu.Lock()
	p.State = structs.PluginStateInstalled
	p.Error = ""
	r.mu.Unlock()

	r.logger.Info("plugin updated", "plugin_id", id, "from", fromVersion, "to", manifest.Version)
	if r.bus != nil {
		payload := &structs.PluginUpdatedEvent{
			PluginID:    id,
			FromVersion: fromVersion,
			ToVersion:   manifest.Version,
			Timestamp:   r.clock.Now(),
		}
		if _, perr := r.bus.Publish(ctx, structs.TopicPluginUpdated, payload, nil); perr != nil {
			r.logger.Error("failed to publish lifecycle event",
				"topic", structs.TopicPluginUpdated, "plugin_id", id, "error", perr)
		}
	}

	if wasActive {
		return r.activateLocked(ctx, rec)
	}
	return nil
}

// Recover returns an ERRORED plugin to DISCOVERED so the lifecycle can be
// retried from the top.
func (r *Registry) Recover(id string) error {
	rec, err := r.getRecord(id)
	if err != nil {
		return err
	}
	rec.Lock()
	defer rec.Unlock()
	if rec.removed {
		return structs.ErrPluginNotFound
	}

	p := rec.plugin
	if p.State != structs.PluginStateErrored {
		return &structs.IllegalTransitionError{PluginID: id, From: p.State, Op: "recover"}
	}

	rec.instance = nil
	r.mu.Lock()
	p.State = structs.PluginStateDiscovered
	p.Error = ""
	r.mu.Unlock()

	r.logger.Info("plugin recovered", "plugin_id", id)
	return nil
}

// UpdateSettings merges the given settings into the plugin's settings map.
// A nil value removes the key.
func (r *Registry) UpdateSettings(id string, settings map[string]any) error {
	rec, err := r.getRecord(id)
	if err != nil {
		return err
	}
	rec.Lock()
	defer rec.Unlock()
	if rec.removed {
		return structs.ErrPluginNotFound
	}

	r.mu.Lock()
	p := rec.plugin
	if p.Settings == nil {
		p.Settings = make(map[string]any, len(settings))
	}
	for k, v := range settings {
		if v == nil {
			delete(p.Settings, k)
			continue
		}
		p.Settings[k] = v
	}
	r.mu.Unlock()
	return nil
}

// Get returns a copy of the plugin record.
func (r *Registry) Get(id string) (*structs.Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, structs.ErrPluginNotFound
	}
	return rec.plugin.Copy(), nil
}

// List returns copies of every plugin record sorted by id.
func (r *Registry) List() []*structs.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*structs.Plugin, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.plugin.Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.ID < out[j].Manifest.ID
	})
	return out
}

// CallPlugin dispatches a method call into an ACTIVE plugin's sandbox.
func (r *Registry) CallPlugin(ctx context.Context, id, method string, args ...any) (any, error) {
	if r.stateOf(id) != structs.PluginStateActive {
		return nil, structs.ErrSandboxNotRunning
	}
	sb, ok := r.sandboxes.Get(id)
	if !ok {
		return nil, structs.ErrSandboxNotRunning
	}
	return sb.CallMethod(ctx, method, args...)
}

// fault moves the plugin to ERRORED and records the failure.
func (r *Registry) fault(rec *record, err error) {
	r.mu.Lock()
	rec.plugin.State = structs.PluginStateErrored
	rec.plugin.Error = err.Error()
	r.mu.Unlock()

	r.logger.Error("plugin faulted", "plugin_id", rec.plugin.Manifest.ID, "error", err)
	metrics.IncrCounterWithLabels([]string{"registry", "faults"}, 1,
		[]metrics.Label{{Name: "plugin_id", Value: rec.plugin.Manifest.ID}})
}

// setState writes the plugin state under the registry lock. Callers hold the
// record lock.
func (r *Registry) setState(rec *record, state structs.PluginState) {
	r.mu.Lock()
	rec.plugin.State = state
	r.mu.Unlock()
}

func (r *Registry) getRecord(id string) (*record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, structs.ErrPluginNotFound
	}
	return rec, nil
}

func (r *Registry) stateOf(id string) structs.PluginState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[id]; ok {
		return rec.plugin.State
	}
	return ""
}

func (r *Registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// platformCompatible checks the host version against the manifest's declared
// platform range.
func (r *Registry) platformCompatible(m *structs.PluginManifest) error {
	minV, err := version.NewVersion(m.MinPlatformVersion)
	if err != nil {
		return err
	}
	incompatible := r.platformVersion.LessThan(minV)
	if !incompatible && m.MaxPlatformVersion != "" {
		maxV, err := version.NewVersion(m.MaxPlatformVersion)
		if err != nil {
			return err
		}
		incompatible = r.platformVersion.GreaterThan(maxV)
	}
	if incompatible {
		return &structs.IncompatiblePlatformError{
			PluginID: m.ID,
			Platform: r.platformVersion.Original(),
			Min:      m.MinPlatformVersion,
			Max:      m.MaxPlatformVersion,
		}
	}
	return nil
}

// missingDependencies returns the declared dependencies that are absent or
// whose installed version does not satisfy the declared range.
func (r *Registry) missingDependencies(m *structs.PluginManifest) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for dep, rng := range m.Dependencies {
		rec, ok := r.records[dep]
		if !ok {
			missing = append(missing, fmt.Sprintf("%s@%s (not found)", dep, rng))
			continue
		}
		constraint, err := semver.NewConstraint(rng)
		if err != nil {
			missing = append(missing, fmt.Sprintf("%s@%s (invalid range)", dep, rng))
			continue
		}
		depV, err := rec.plugin.Manifest.SemVer()
		if err != nil || !constraint.Check(depV) {
			missing = append(missing, fmt.Sprintf("%s@%s (have %s)", dep, rng, rec.plugin.Manifest.Version))
		}
	}
	sort.Strings(missing)
	return missing
}

// activeDependents returns the ids of ACTIVE plugins that declare a
// dependency on id.
func (r *Registry) activeDependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for otherID, rec := range r.records {
		if otherID == id || rec.plugin.State != structs.PluginStateActive {
			continue
		}
		if _, ok := rec.plugin.Manifest.Dependencies[id]; ok {
			out = append(out, otherID)
		}
	}
	sort.Strings(out)
	return out
}

// declaredDependents returns the ids of plugins in any state that declare a
// dependency on id.
func (r *Registry) declaredDependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for otherID, rec := range r.records {
		if otherID == id {
			continue
		}
		if _, ok := rec.plugin.Manifest.Dependencies[id]; ok {
			out = append(out, otherID)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) publishLifecycle(ctx context.Context, topic string, p *structs.Plugin) {
	if r.bus == nil {
		return
	}
	payload := &structs.PluginLifecycleEvent{
		PluginID:  p.Manifest.ID,
		Version:   p.Manifest.Version,
		Timestamp: r.clock.Now(),
	}
	if _, err := r.bus.Publish(ctx, topic, payload, nil); err != nil {
		r.logger.Error("failed to publish lifecycle event", "topic", topic,
			"plugin_id", p.Manifest.ID, "error", err)
	}
}
