// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// PluginState is the lifecycle state of a plugin record.
type PluginState string

const (
	// PluginStateDiscovered means a valid manifest was found on disk but the
	// plugin has not been installed.
	PluginStateDiscovered PluginState = "discovered"

	// PluginStateInstalled means the entry module was loaded and the install
	// hook ran.
	PluginStateInstalled PluginState = "installed"

	// PluginStateActive means the plugin is running inside a sandbox with its
	// event subscriptions wired.
	PluginStateActive PluginState = "active"

	// PluginStateInactive means the plugin was deactivated and may be
	// activated again.
	PluginStateInactive PluginState = "inactive"

	// PluginStateNeedsUpdate means a superseding manifest was observed for an
	// installed plugin.
	PluginStateNeedsUpdate PluginState = "needs_update"

	// PluginStateErrored means a lifecycle operation failed. The plugin must
	// be recovered before further transitions.
	PluginStateErrored PluginState = "errored"
)

// Plugin is the mutable runtime record owned by the registry, identified by
// Manifest.ID.
type Plugin struct {
	Manifest *PluginManifest
	State    PluginState

	// Path is the absolute plugin directory the manifest was read from.
	Path string

	InstalledAt time.Time
	ActivatedAt time.Time

	// Error holds the last failure message when State is errored.
	Error string

	// Settings is the plugin's mutable settings map.
	Settings map[string]any
}

// Copy returns a copy of the record safe to hand outside the registry.
func (p *Plugin) Copy() *Plugin {
	if p == nil {
		return nil
	}
	np := new(Plugin)
	*np = *p
	np.Manifest = p.Manifest.Copy()
	if p.Settings != nil {
		np.Settings = make(map[string]any, len(p.Settings))
		for k, v := range p.Settings {
			np.Settings[k] = v
		}
	}
	return np
}
