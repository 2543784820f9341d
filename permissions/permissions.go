// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package permissions implements the capability model plugins are granted
// against. Capabilities are "<category>:<action>" strings drawn from a closed
// category set; the action may be a concrete verb or '*'.
package permissions

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-set/v3"
)

// Superuser is the full-wildcard grant. Admin role only.
const Superuser = "*"

// Categories is the closed set of capability categories.
var Categories = set.From([]string{
	"file", "network", "database", "event", "llm", "ml", "code", "project",
	"template", "analytics", "crypto", "buffer", "system", "plugin", "security",
})

// RiskLevel grades how dangerous a permission is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Score returns the numeric weight used by permission reports.
func (r RiskLevel) Score() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 5
	case RiskHigh:
		return 10
	case RiskCritical:
		return 20
	default:
		return 0
	}
}

// RateLimit bounds how often a permission may be exercised per plugin.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Rule describes one known permission.
type Rule struct {
	Permission       string
	Description      string
	RiskLevel        RiskLevel
	RequiresApproval bool

	// AllowedResources, when set, whitelists the resource prefixes the
	// permission may touch.
	AllowedResources []string

	RateLimit *RateLimit
}

// dangerousCombos flags permission pairs that together enable a class of
// attack a single grant does not.
var dangerousCombos = []struct {
	a, b   string
	reason string
}{
	{"file:write", "network:http", "data exfiltration risk: local writes combined with outbound network"},
	{"database:write", "network:http", "data exfiltration risk: database writes combined with outbound network"},
	{"plugin:communicate", "file:write", "privilege escalation risk: cross-plugin messaging combined with local writes"},
}

// Parse splits a permission string into category and action.
func Parse(permission string) (category, action string, err error) {
	if permission == Superuser {
		return Superuser, Superuser, nil
	}
	category, action, ok := strings.Cut(permission, ":")
	if !ok || category == "" || action == "" {
		return "", "", fmt.Errorf("permission %q is not of the form <category>:<action>", permission)
	}
	if !Categories.Contains(category) {
		return "", "", fmt.Errorf("unknown permission category %q", category)
	}
	return category, action, nil
}

// DefaultRules is the built-in permission rule table.
func DefaultRules() map[string]*Rule {
	rules := []*Rule{
		{
			Permission:  "file:read",
			Description: "Read files inside the plugin directory",
			RiskLevel:   RiskLow,
		},
		{
			Permission:       "file:write",
			Description:      "Write files inside the plugin directory",
			RiskLevel:        RiskHigh,
			AllowedResources: []string{"data/", "tmp/"},
			RateLimit:        &RateLimit{Requests: 600, Window: time.Minute},
		},
		{
			Permission:  "network:http",
			Description: "Make outbound HTTP requests to allow-listed hosts",
			RiskLevel:   RiskMedium,
			RateLimit:   &RateLimit{Requests: 100, Window: time.Minute},
		},
		{
			Permission:  "network:websocket",
			Description: "Open outbound websocket connections",
			RiskLevel:   RiskMedium,
			RateLimit:   &RateLimit{Requests: 20, Window: time.Minute},
		},
		{
			Permission:  "database:read",
			Description: "Read from host collections",
			RiskLevel:   RiskMedium,
		},
		{
			Permission:       "database:write",
			Description:      "Write to host collections",
			RiskLevel:        RiskHigh,
			RequiresApproval: true,
			RateLimit:        &RateLimit{Requests: 300, Window: time.Minute},
		},
		{
			Permission:  "event:publish",
			Description: "Publish events on the host bus",
			RiskLevel:   RiskLow,
			RateLimit:   &RateLimit{Requests: 1000, Window: time.Minute},
		},
		{
			Permission:  "event:subscribe",
			Description: "Subscribe to events on the host bus",
			RiskLevel:   RiskLow,
		},
		{
			Permission:  "llm:invoke",
			Description: "Invoke host language model completions",
			RiskLevel:   RiskMedium,
			RateLimit:   &RateLimit{Requests: 60, Window: time.Minute},
		},
		{
			Permission:  "ml:train",
			Description: "Start model training jobs",
			RiskLevel:   RiskHigh,
		},
		{
			Permission:       "code:execute",
			Description:      "Execute generated code inside the sandbox",
			RiskLevel:        RiskCritical,
			RequiresApproval: true,
		},
		{
			Permission:  "project:read",
			Description: "Read project records",
			RiskLevel:   RiskLow,
		},
		{
			Permission:  "project:write",
			Description: "Modify project records",
			RiskLevel:   RiskMedium,
		},
		{
			Permission:  "template:render",
			Description: "Render host templates",
			RiskLevel:   RiskLow,
		},
		{
			Permission:  "analytics:track",
			Description: "Record analytics events",
			RiskLevel:   RiskLow,
			RateLimit:   &RateLimit{Requests: 2000, Window: time.Minute},
		},
		{
			Permission:  "crypto:encrypt",
			Description: "Encrypt data with host-managed keys",
			RiskLevel:   RiskMedium,
		},
		{
			Permission:       "crypto:decrypt",
			Description:      "Decrypt data with host-managed keys",
			RiskLevel:        RiskHigh,
			RequiresApproval: true,
		},
		{
			Permission:  "buffer:allocate",
			Description: "Allocate shared buffers",
			RiskLevel:   RiskLow,
		},
		{
			Permission:       "system:exec",
			Description:      "Spawn host processes",
			RiskLevel:        RiskCritical,
			RequiresApproval: true,
		},
		{
			Permission:  "system:env",
			Description: "Read whitelisted environment variables",
			RiskLevel:   RiskLow,
		},
		{
			Permission:  "plugin:communicate",
			Description: "Send messages to other plugins",
			RiskLevel:   RiskMedium,
			RateLimit:   &RateLimit{Requests: 500, Window: time.Minute},
		},
		{
			Permission:       "security:audit",
			Description:      "Read the host audit stream",
			RiskLevel:        RiskCritical,
			RequiresApproval: true,
		},
	}

	out := make(map[string]*Rule, len(rules))
	for _, r := range rules {
		out[r.Permission] = r
	}
	return out
}
