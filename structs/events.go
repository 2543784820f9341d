// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// Bus topics published by the runtime.
const (
	TopicPluginInstalled   = "plugins.installed"
	TopicPluginActivated   = "plugins.activated"
	TopicPluginDeactivated = "plugins.deactivated"
	TopicPluginUninstalled = "plugins.uninstalled"
	TopicPluginUpdated     = "plugins.updated"

	TopicFlagCreated         = "featureFlags.created"
	TopicFlagUpdated         = "featureFlags.updated"
	TopicFlagDeleted         = "featureFlags.deleted"
	TopicFlagOverrideSet     = "featureFlags.overrideSet"
	TopicFlagOverrideRemoved = "featureFlags.overrideRemoved"

	// TopicResourceLimitExceeded is emitted by a sandbox before it tears
	// itself down.
	TopicResourceLimitExceeded = "resource-limit-exceeded"
)

// PluginLifecycleEvent is the payload of the plugins.installed, activated,
// deactivated and uninstalled topics.
type PluginLifecycleEvent struct {
	PluginID  string    `json:"pluginId"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PluginUpdatedEvent is the payload of plugins.updated.
type PluginUpdatedEvent struct {
	PluginID    string    `json:"pluginId"`
	FromVersion string    `json:"fromVersion"`
	ToVersion   string    `json:"toVersion"`
	Timestamp   time.Time `json:"timestamp"`
}

// ResourceViolationEvent is the payload of resource-limit-exceeded.
type ResourceViolationEvent struct {
	PluginID      string   `json:"pluginId"`
	Violations    []string `json:"violations"`
	MemoryUsageMB float64  `json:"memoryUsage"`
	MemoryLeak    bool     `json:"memoryLeak,omitempty"`
}

// FlagChangeEvent is the payload of the featureFlags.* topics.
type FlagChangeEvent struct {
	Key       string    `json:"key"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}
