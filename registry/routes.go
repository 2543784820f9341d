// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Route is an API route registered on behalf of a plugin. The host's HTTP
// layer consumes the table; the runtime only records and revokes entries.
type Route struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	PluginID string `json:"pluginId"`

	// Handler names the sandbox method dispatched for this route.
	Handler string `json:"handler"`
}

func (r *Route) key() string {
	return strings.ToUpper(r.Method) + " " + r.Path
}

// RouteTable tracks plugin route registrations. Safe for concurrent use.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]*Route
}

// NewRouteTable returns an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]*Route)}
}

// Register records a route. A route with the same method and path owned by
// any plugin is rejected.
func (t *RouteTable) Register(r *Route) error {
	if r.Method == "" || r.Path == "" || r.PluginID == "" {
		return fmt.Errorf("route requires method, path and plugin id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := r.key()
	if existing, ok := t.routes[key]; ok {
		return fmt.Errorf("route %q already registered by plugin %q", key, existing.PluginID)
	}
	rr := *r
	rr.Method = strings.ToUpper(r.Method)
	t.routes[key] = &rr
	return nil
}

// ForPlugin returns the plugin's routes sorted by method and path.
func (t *RouteTable) ForPlugin(pluginID string) []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Route
	for _, r := range t.routes {
		if r.PluginID == pluginID {
			rr := *r
			out = append(out, &rr)
		}
	}
	sortRoutes(out)
	return out
}

// Revoke removes every route owned by the plugin and returns how many were
// removed.
func (t *RouteTable) Revoke(pluginID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key, r := range t.routes {
		if r.PluginID == pluginID {
			delete(t.routes, key)
			n++
		}
	}
	return n
}

// List returns every registered route sorted by method and path.
func (t *RouteTable) List() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Route, 0, len(t.routes))
	for _, r := range t.routes {
		rr := *r
		out = append(out, &rr)
	}
	sortRoutes(out)
	return out
}

func sortRoutes(routes []*Route) {
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})
}
