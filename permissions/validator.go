// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package permissions

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/hashicorp/go-set/v3"
	"github.com/jonboulle/clockwork"
)

// Config is used to configure a Validator.
type Config struct {
	Logger log.Logger
	Clock  clockwork.Clock

	// Rules overrides the built-in rule table. Defaults to DefaultRules.
	Rules map[string]*Rule
}

// Validator validates permission sets, scores their risk and enforces
// per-plugin rate limits. All methods are safe for concurrent use.
type Validator struct {
	logger log.Logger
	clock  clockwork.Clock
	rules  map[string]*Rule

	// trackers holds the sliding rate-limit windows, keyed per
	// (plugin, permission). Each tracker carries its own lock so plugins do
	// not contend with each other.
	trackers   map[trackerKey]*tracker
	trackersMu sync.Mutex
}

type trackerKey struct {
	pluginID   string
	permission string
}

type tracker struct {
	mu    sync.Mutex
	times []time.Time
}

// NewValidator returns a validator over the given rule table.
func NewValidator(c *Config) *Validator {
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	rules := c.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	return &Validator{
		logger:   c.Logger.Named("permissions"),
		clock:    clock,
		rules:    rules,
		trackers: make(map[trackerKey]*tracker),
	}
}

// ValidationResult is the outcome of validating a permission set.
type ValidationResult struct {
	Valid             bool
	Errors            []string
	Warnings          []string
	RequiredApprovals []string
}

// Validate checks every permission in the set for syntax, known category and
// rule coverage, flags dangerous combinations as errors, and surfaces high
// and critical grants as warnings.
func (v *Validator) Validate(permissions []string) *ValidationResult {
	res := &ValidationResult{}
	granted := set.New[string](len(permissions))

	for _, perm := range permissions {
		category, action, err := Parse(perm)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		granted.Insert(perm)

		if perm == Superuser {
			res.Warnings = append(res.Warnings, "superuser grant '*' bypasses all capability checks")
			res.RequiredApprovals = append(res.RequiredApprovals, perm)
			continue
		}

		if action == "*" {
			// Category wildcard: warn at the highest risk of any rule in the
			// category.
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("wildcard grant %q covers every %s action", perm, category))
			continue
		}

		rule, ok := v.rules[perm]
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("unknown permission %q", perm))
			continue
		}
		if rule.RiskLevel == RiskHigh || rule.RiskLevel == RiskCritical {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("permission %q carries %s risk: %s", perm, rule.RiskLevel, rule.Description))
		}
		if rule.RequiresApproval {
			res.RequiredApprovals = append(res.RequiredApprovals, perm)
		}
	}

	for _, combo := range dangerousCombos {
		if grantCovers(granted, combo.a) && grantCovers(granted, combo.b) {
			res.Errors = append(res.Errors,
				fmt.Sprintf("dangerous combination %q + %q: %s", combo.a, combo.b, combo.reason))
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// grantCovers reports whether the set grants the permission directly or
// through a category wildcard. The superuser grant is handled by its own
// approval path, not the combination scan.
func grantCovers(granted *set.Set[string], permission string) bool {
	if granted.Contains(permission) {
		return true
	}
	category, _, err := Parse(permission)
	if err != nil || category == Superuser {
		return false
	}
	return granted.Contains(category + ":*")
}

// CheckRateLimit reports whether the plugin may exercise the permission now.
// It prunes timestamps older than the rule's window, admits the call if the
// remaining count is under the limit, and records the admission. Permissions
// without a rate limit always pass.
func (v *Validator) CheckRateLimit(pluginID, permission string) bool {
	rule, ok := v.rules[permission]
	if !ok || rule.RateLimit == nil {
		return true
	}

	tr := v.trackerFor(pluginID, permission)
	now := v.clock.Now()
	cutoff := now.Add(-rule.RateLimit.Window)

	tr.mu.Lock()
	defer tr.mu.Unlock()

	kept := tr.times[:0]
	for _, ts := range tr.times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	tr.times = kept

	if len(tr.times) >= rule.RateLimit.Requests {
		v.logger.Warn("permission rate limited", "plugin_id", pluginID,
			"permission", permission, "limit", rule.RateLimit.Requests,
			"window", rule.RateLimit.Window)
		metrics.IncrCounterWithLabels([]string{"permissions", "rate_limited"}, 1,
			[]metrics.Label{{Name: "plugin_id", Value: pluginID}})
		return false
	}

	tr.times = append(tr.times, now)
	return true
}

func (v *Validator) trackerFor(pluginID, permission string) *tracker {
	key := trackerKey{pluginID, permission}

	v.trackersMu.Lock()
	defer v.trackersMu.Unlock()

	tr, ok := v.trackers[key]
	if !ok {
		tr = &tracker{}
		v.trackers[key] = tr
	}
	return tr
}

// ClearRateLimitTrackers drops the rate-limit windows for one plugin, or for
// every plugin when pluginID is empty.
func (v *Validator) ClearRateLimitTrackers(pluginID string) {
	v.trackersMu.Lock()
	defer v.trackersMu.Unlock()

	if pluginID == "" {
		v.trackers = make(map[trackerKey]*tracker)
		return
	}
	for key := range v.trackers {
		if key.pluginID == pluginID {
			delete(v.trackers, key)
		}
	}
}

// ValidateResourceAccess reports whether the permission may touch the given
// resource. When the rule declares no resource whitelist any resource is
// allowed.
func (v *Validator) ValidateResourceAccess(permission, resource string) bool {
	rule, ok := v.rules[permission]
	if !ok || len(rule.AllowedResources) == 0 {
		return true
	}

	cleaned := path.Clean(resource)
	for _, allowed := range rule.AllowedResources {
		prefix := strings.TrimSuffix(allowed, "/")
		if cleaned == prefix || strings.HasPrefix(cleaned, prefix+"/") {
			return true
		}
	}
	return false
}

// Report summarizes a permission set for review.
type Report struct {
	Summary   map[RiskLevel]int
	Details   []*Rule
	Unknown   []string
	RiskScore int
}

// GeneratePermissionReport scores the permission set: low=1, medium=5,
// high=10, critical=20, summed across known permissions.
func (v *Validator) GeneratePermissionReport(permissions []string) *Report {
	report := &Report{Summary: make(map[RiskLevel]int)}

	for _, perm := range permissions {
		rule, ok := v.rules[perm]
		if !ok {
			report.Unknown = append(report.Unknown, perm)
			continue
		}
		report.Summary[rule.RiskLevel]++
		report.Details = append(report.Details, rule)
		report.RiskScore += rule.RiskLevel.Score()
	}

	sort.Slice(report.Details, func(i, j int) bool {
		return report.Details[i].Permission < report.Details[j].Permission
	})
	return report
}
