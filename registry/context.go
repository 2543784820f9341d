// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"sync"

	log "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/pluginhost/featureflags"
	"github.com/hashicorp/pluginhost/stream"
	"github.com/hashicorp/pluginhost/structs"
)

// PlatformInfo is the read-only platform snapshot handed to plugins.
type PlatformInfo struct {
	Version     string   `json:"version"`
	Environment string   `json:"environment"`
	Features    []string `json:"features,omitempty"`
}

// PluginContext is the per-activation façade a plugin sees instead of the
// raw host services. Every service it exposes is scoped to the owning
// plugin: events carry a forced source, storage keys are prefixed, UI
// components and routes are tagged for bulk revocation on deactivate.
type PluginContext struct {
	pluginID      string
	pluginVersion string
	storagePrefix string

	logger   log.Logger
	events   *ScopedBus
	storage  *ScopedStorage
	ui       *ScopedUI
	routes   *RouteTable
	flags    *featureflags.Evaluator
	security structs.SecurityService
	platform PlatformInfo

	configMu sync.RWMutex
	config   map[string]any
}

func newPluginContext(r *Registry, plugin *structs.Plugin) *PluginContext {
	id := plugin.Manifest.ID
	pc := &PluginContext{
		pluginID:      id,
		pluginVersion: plugin.Manifest.Version,
		storagePrefix: "plugin:" + id + ":",
		logger:        r.logger.Named("plugin").With("plugin_id", id),
		routes:        r.routes,
		flags:         r.flags,
		security:      r.security,
		platform: PlatformInfo{
			Version:     r.platformVersion.Original(),
			Environment: r.environment,
			Features:    append([]string(nil), r.features...),
		},
		config: make(map[string]any),
	}
	pc.events = &ScopedBus{bus: r.bus, pluginID: id}
	pc.storage = &ScopedStorage{store: r.store, prefix: pc.storagePrefix}
	pc.ui = &ScopedUI{registry: r.ui, pluginID: id}

	for k, v := range plugin.Settings {
		pc.config[k] = v
	}
	return pc
}

// PluginID returns the owning plugin id.
func (pc *PluginContext) PluginID() string { return pc.pluginID }

// PluginVersion returns the owning plugin's concrete version.
func (pc *PluginContext) PluginVersion() string { return pc.pluginVersion }

// Logger returns a logger that carries the plugin id on every line.
func (pc *PluginContext) Logger() log.Logger { return pc.logger }

// Events returns the plugin-scoped bus facade.
func (pc *PluginContext) Events() *ScopedBus { return pc.events }

// Storage returns the plugin-scoped key/value facade.
func (pc *PluginContext) Storage() *ScopedStorage { return pc.storage }

// UI returns the plugin-scoped UI registration facade.
func (pc *PluginContext) UI() *ScopedUI { return pc.ui }

// Flags returns the shared feature flag evaluator.
func (pc *PluginContext) Flags() *featureflags.Evaluator { return pc.flags }

// Security returns the shared security service.
func (pc *PluginContext) Security() structs.SecurityService { return pc.security }

// Platform returns the read-only platform snapshot.
func (pc *PluginContext) Platform() PlatformInfo {
	p := pc.platform
	p.Features = append([]string(nil), pc.platform.Features...)
	return p
}

// RegisterRoute records an API route owned by this plugin.
func (pc *PluginContext) RegisterRoute(method, path, handler string) error {
	return pc.routes.Register(&Route{
		Method:   method,
		Path:     path,
		PluginID: pc.pluginID,
		Handler:  handler,
	})
}

// ConfigGet reads one config value.
func (pc *PluginContext) ConfigGet(key string) (any, bool) {
	pc.configMu.RLock()
	defer pc.configMu.RUnlock()
	v, ok := pc.config[key]
	return v, ok
}

// ConfigSet writes one config value.
func (pc *PluginContext) ConfigSet(key string, value any) {
	pc.configMu.Lock()
	defer pc.configMu.Unlock()
	pc.config[key] = value
}

// ConfigAll returns a copy of the config map.
func (pc *PluginContext) ConfigAll() map[string]any {
	pc.configMu.RLock()
	defer pc.configMu.RUnlock()
	out := make(map[string]any, len(pc.config))
	for k, v := range pc.config {
		out[k] = v
	}
	return out
}

// cleanup revokes the plugin's routes and clears the config map. Bus
// subscriptions are removed by the registry through subscription metadata.
func (pc *PluginContext) cleanup() {
	pc.routes.Revoke(pc.pluginID)

	pc.configMu.Lock()
	pc.config = make(map[string]any)
	pc.configMu.Unlock()
}

// ScopedBus is the plugin-facing event bus. Publications carry a forced
// source of plugin:<id>, subscriptions are tagged with the plugin id so the
// registry can drop them all on deactivation, and host-only operations are
// refused.
type ScopedBus struct {
	bus      *stream.EventBus
	pluginID string
}

// Publish publishes with source plugin:<id> regardless of the caller's
// wishes.
func (sb *ScopedBus) Publish(ctx context.Context, topic string, payload any) (int, error) {
	return sb.bus.Publish(ctx, topic, payload, &stream.PublishOptions{
		Source: "plugin:" + sb.pluginID,
	})
}

// Subscribe registers a handler tagged with the plugin id.
func (sb *ScopedBus) Subscribe(topic string, handler stream.Handler) (string, error) {
	return sb.bus.Subscribe(topic, handler, sb.opts())
}

// SubscribePattern registers a pattern handler tagged with the plugin id.
func (sb *ScopedBus) SubscribePattern(pattern string, handler stream.Handler) (string, error) {
	return sb.bus.SubscribePattern(pattern, handler, sb.opts())
}

// Unsubscribe removes one of this plugin's subscriptions.
func (sb *ScopedBus) Unsubscribe(id string) {
	sb.bus.Unsubscribe(id)
}

// ClearAllSubscriptions is reserved for the host.
func (sb *ScopedBus) ClearAllSubscriptions() error {
	return structs.ErrOperationNotPermitted
}

// Shutdown is reserved for the host.
func (sb *ScopedBus) Shutdown() error {
	return structs.ErrOperationNotPermitted
}

func (sb *ScopedBus) opts() *stream.SubscribeOptions {
	return &stream.SubscribeOptions{
		Metadata: map[string]string{stream.MetadataPluginID: sb.pluginID},
	}
}

// ScopedStorage prefixes every key with plugin:<id>: before delegating to
// the host data store.
type ScopedStorage struct {
	store  structs.DataStore
	prefix string
}

// Get reads a scoped key.
func (ss *ScopedStorage) Get(ctx context.Context, key string) (any, bool, error) {
	return ss.store.Get(ctx, ss.prefix+key)
}

// Set writes a scoped key.
func (ss *ScopedStorage) Set(ctx context.Context, key string, value any) error {
	return ss.store.Set(ctx, ss.prefix+key, value)
}

// Delete removes a scoped key.
func (ss *ScopedStorage) Delete(ctx context.Context, key string) error {
	return ss.store.Delete(ctx, ss.prefix+key)
}

// Clear removes every key under the plugin's prefix.
func (ss *ScopedStorage) Clear(ctx context.Context) error {
	keys, err := ss.store.Keys(ctx, ss.prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := ss.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// ScopedUI tags every component registration with the plugin id.
type ScopedUI struct {
	registry structs.UIRegistry
	pluginID string
}

// RegisterComponent registers the component on behalf of the plugin.
func (su *ScopedUI) RegisterComponent(c *structs.UIComponent) error {
	cc := *c
	cc.PluginID = su.pluginID
	return su.registry.RegisterComponent(&cc)
}

// UnregisterComponent removes a component.
func (su *ScopedUI) UnregisterComponent(id string) error {
	return su.registry.UnregisterComponent(id)
}
