// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"context"
	"encoding/json"
	"time"
)

// DataStore is the persistent key/value collaborator the runtime consumes.
// Implementations are provided by the host; the runtime only scopes keys.
type DataStore interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// AuthorizationResult is the outcome of a permission check against the host's
// security service.
type AuthorizationResult struct {
	Granted bool
	Reason  string
}

// AuditEntry is a record handed to the host's audit sink.
type AuditEntry struct {
	ID        string            `json:"id"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Subject   string            `json:"subject"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SecurityService is the host's authorization and audit collaborator.
type SecurityService interface {
	HasPermission(subject, permission string) AuthorizationResult
	LogEvent(entry *AuditEntry)

	// ValidatePluginAction is consulted by the sandbox before dispatching a
	// method call into plugin code.
	ValidatePluginAction(pluginID, action string, args []any) error
}

// UIComponent is an opaque UI contribution registered on behalf of a plugin.
type UIComponent struct {
	ID       string          `json:"id"`
	PluginID string          `json:"pluginId,omitempty"`
	Type     string          `json:"type"`
	Name     string          `json:"name,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// UIRegistry is the host's UI shell collaborator.
type UIRegistry interface {
	RegisterComponent(c *UIComponent) error
	UnregisterComponent(id string) error
	ComponentsByType(componentType string) []*UIComponent
}
