// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package featureflags

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/hashicorp/go-set/v3"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"github.com/mitchellh/copystructure"
	"github.com/mitchellh/hashstructure"

	"github.com/hashicorp/pluginhost/helper/uuid"
	"github.com/hashicorp/pluginhost/stream"
	"github.com/hashicorp/pluginhost/structs"
)

const (
	defaultCacheSize  = 2048
	defaultCacheTTL   = 60 * time.Second
	defaultAuditLimit = 1000
)

// Config is used to configure an Evaluator.
type Config struct {
	Logger log.Logger
	Clock  clockwork.Clock

	// Bus, when set, receives featureFlags.* change events.
	Bus *stream.EventBus

	CacheSize  int
	CacheTTL   time.Duration
	AuditLimit int
}

// AuditEntry records one flag mutation. State snapshots are deep copies
// taken at mutation time.
type AuditEntry struct {
	ID            string    `json:"id"`
	Key           string    `json:"key"`
	Action        string    `json:"action"`
	PreviousState any       `json:"previousState,omitempty"`
	NewState      any       `json:"newState,omitempty"`
	PerformedBy   string    `json:"performedBy"`
	Timestamp     time.Time `json:"timestamp"`
}

// Evaluator stores feature flags and evaluates them against contexts,
// caching boolean outcomes with a short TTL. All methods are safe for
// concurrent use; mutations invalidate the cache before returning so
// evaluations observe a happens-before edge with every preceding mutation.
type Evaluator struct {
	logger log.Logger
	clock  clockwork.Clock
	bus    *stream.EventBus

	mu        sync.RWMutex
	flags     map[string]*Flag
	overrides map[string][]*Override

	auditMu    sync.Mutex
	audit      []*AuditEntry
	auditLimit int

	cache *expirable.LRU[string, bool]
}

// NewEvaluator returns an empty flag store.
func NewEvaluator(c *Config) *Evaluator {
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	size := c.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := c.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	limit := c.AuditLimit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	return &Evaluator{
		logger:     c.Logger.Named("featureflags"),
		clock:      clock,
		bus:        c.Bus,
		flags:      make(map[string]*Flag),
		overrides:  make(map[string][]*Override),
		auditLimit: limit,
		cache:      expirable.NewLRU[string, bool](size, nil, ttl),
	}
}

// Evaluate resolves a flag against the context: override, then dependencies,
// then rules in order, then the default value.
func (e *Evaluator) Evaluate(key string, evalCtx map[string]any) *Result {
	defer metrics.MeasureSince([]string{"featureflags", "evaluate"}, time.Now())
	return e.evaluate(key, evalCtx, set.New[string](4))
}

func (e *Evaluator) evaluate(key string, evalCtx map[string]any, visiting *set.Set[string]) *Result {
	if visiting.Contains(key) {
		return &Result{
			Value: false, Reason: ReasonError, RuleIndex: -1,
			ErrorMessage: (&structs.CircularDependencyError{Key: key}).Error(),
		}
	}
	visiting.Insert(key)
	defer visiting.Remove(key)

	e.mu.RLock()
	flag, ok := e.flags[key]
	overrides := e.overrides[key]
	e.mu.RUnlock()

	if !ok {
		return &Result{
			Value: false, Reason: ReasonError, RuleIndex: -1,
			ErrorMessage: fmt.Sprintf("feature flag %q not found", key),
		}
	}

	// Most specific non-expired override whose context is a subset of the
	// evaluation context wins; insertion order breaks ties.
	if o := e.selectOverride(overrides, evalCtx); o != nil {
		return &Result{Value: o.Value, Reason: ReasonOverride, RuleIndex: -1}
	}

	for _, dep := range flag.Dependencies {
		res := e.evaluate(dep.Key, evalCtx, visiting)
		if res.Value != dep.Value {
			return &Result{Value: false, Reason: ReasonDependency, RuleIndex: -1}
		}
	}

	for i, rule := range flag.Rules {
		if !rule.Active {
			continue
		}
		if !e.ruleMatches(rule, evalCtx) {
			continue
		}
		return &Result{Value: rule.Value, Reason: ReasonRule, RuleIndex: i}
	}

	return &Result{Value: flag.DefaultValue, Reason: ReasonDefault, RuleIndex: -1}
}

func (e *Evaluator) selectOverride(overrides []*Override, evalCtx map[string]any) *Override {
	now := e.clock.Now()
	var best *Override
	bestSpecificity := -1

	for _, o := range overrides {
		if !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(now) {
			continue
		}
		if !contextSubset(o.Context, evalCtx) {
			continue
		}
		if len(o.Context) > bestSpecificity {
			best = o
			bestSpecificity = len(o.Context)
		}
	}
	return best
}

// contextSubset reports whether every attribute of sub equals the same
// attribute of super.
func contextSubset(sub, super map[string]any) bool {
	for k, v := range sub {
		sv, ok := super[k]
		if !ok || !reflect.DeepEqual(v, sv) {
			return false
		}
	}
	return true
}

func (e *Evaluator) ruleMatches(rule *Rule, evalCtx map[string]any) bool {
	for _, cond := range rule.Conditions {
		if !cond.Matches(evalCtx) {
			return false
		}
	}
	if rule.Percentage != nil {
		return e.rolloutBucket(evalCtx) < *rule.Percentage
	}
	return true
}

// rolloutBucket hashes the context's userId (or the whole context when no
// userId is present) into a stable [0,100) bucket.
func (e *Evaluator) rolloutBucket(evalCtx map[string]any) int {
	var subject any = evalCtx
	if userID, ok := evalCtx["userId"]; ok {
		subject = userID
	}
	h, err := hashstructure.Hash(subject, nil)
	if err != nil {
		e.logger.Error("failed to hash rollout subject", "error", err)
		return 100
	}
	return int(h % 100)
}

// IsEnabled returns the cached boolean outcome of Evaluate, computing and
// caching it on miss. Evaluation errors degrade to false and are not cached.
func (e *Evaluator) IsEnabled(key string, evalCtx map[string]any) bool {
	ck, ok := e.cacheKey(key, evalCtx)
	if ok {
		if v, hit := e.cache.Get(ck); hit {
			return v
		}
	}

	res := e.Evaluate(key, evalCtx)
	if res.Reason == ReasonError {
		e.logger.Warn("flag evaluation degraded to default", "key", key, "error", res.ErrorMessage)
		return false
	}
	if ok {
		e.cache.Add(ck, res.Value)
	}
	return res.Value
}

func (e *Evaluator) cacheKey(key string, evalCtx map[string]any) (string, bool) {
	h, err := hashstructure.Hash(evalCtx, nil)
	if err != nil {
		e.logger.Error("failed to hash evaluation context", "key", key, "error", err)
		return "", false
	}
	return fmt.Sprintf("%s:%x", key, h), true
}

// invalidate drops every cache entry for the flag. Called while holding no
// locks but always before the mutation returns.
func (e *Evaluator) invalidate(key string) {
	prefix := key + ":"
	for _, ck := range e.cache.Keys() {
		if strings.HasPrefix(ck, prefix) {
			e.cache.Remove(ck)
		}
	}
}

// CreateFlag validates and stores a new flag.
func (e *Evaluator) CreateFlag(flag *Flag, actor string) error {
	if err := flag.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.flags[flag.Key]; exists {
		e.mu.Unlock()
		return fmt.Errorf("feature flag %q already exists", flag.Key)
	}
	if err := e.checkDependencyGraphLocked(flag); err != nil {
		e.mu.Unlock()
		return err
	}

	stored := flag.Copy()
	now := e.clock.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	e.flags[stored.Key] = stored
	newState := snapshot(stored)
	e.mu.Unlock()

	e.recordAudit(stored.Key, "created", nil, newState, actor)
	e.invalidate(stored.Key)
	e.publish(structs.TopicFlagCreated, stored.Key, "created", actor)
	return nil
}

// UpdateFlag replaces an existing flag's definition, preserving CreatedAt.
func (e *Evaluator) UpdateFlag(key string, flag *Flag, actor string) error {
	if flag.Key != key {
		return fmt.Errorf("flag key mismatch: %q vs %q", key, flag.Key)
	}
	if err := flag.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	existing, ok := e.flags[key]
	if !ok {
		e.mu.Unlock()
		return structs.ErrFlagNotFound
	}
	if err := e.checkDependencyGraphLocked(flag); err != nil {
		e.mu.Unlock()
		return err
	}

	prevState := snapshot(existing)
	stored := flag.Copy()
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = e.clock.Now()
	e.flags[key] = stored
	newState := snapshot(stored)
	e.mu.Unlock()

	e.recordAudit(key, "updated", prevState, newState, actor)
	e.invalidate(key)
	e.publish(structs.TopicFlagUpdated, key, "updated", actor)
	return nil
}

// DeleteFlag removes a flag and its overrides. Permanent flags are refused.
func (e *Evaluator) DeleteFlag(key, actor string) error {
	e.mu.Lock()
	existing, ok := e.flags[key]
	if !ok {
		e.mu.Unlock()
		return structs.ErrFlagNotFound
	}
	if existing.Permanent {
		e.mu.Unlock()
		return structs.ErrFlagPermanentDelete
	}
	prevState := snapshot(existing)
	delete(e.flags, key)
	delete(e.overrides, key)
	e.mu.Unlock()

	e.recordAudit(key, "deleted", prevState, nil, actor)
	e.invalidate(key)
	e.publish(structs.TopicFlagDeleted, key, "deleted", actor)
	return nil
}

// SetOverride stores an override for the flag. Setting an override whose
// context deep-equals an existing one replaces it in place, so a later
// RemoveOverride with that context leaves nothing behind.
func (e *Evaluator) SetOverride(o *Override) error {
	e.mu.Lock()
	if _, ok := e.flags[o.Key]; !ok {
		e.mu.Unlock()
		return structs.ErrFlagNotFound
	}
	stored := *o
	stored.CreatedAt = e.clock.Now()
	var prevState any
	replaced := false
	for i, existing := range e.overrides[o.Key] {
		if reflect.DeepEqual(existing.Context, o.Context) {
			prevState = snapshot(existing)
			e.overrides[o.Key][i] = &stored
			replaced = true
			break
		}
	}
	if !replaced {
		e.overrides[o.Key] = append(e.overrides[o.Key], &stored)
	}
	newState := snapshot(&stored)
	e.mu.Unlock()

	e.recordAudit(o.Key, "overrideSet", prevState, newState, o.CreatedBy)
	e.invalidate(o.Key)
	e.publish(structs.TopicFlagOverrideSet, o.Key, "overrideSet", o.CreatedBy)
	return nil
}

// RemoveOverride deletes the override whose context deep-equals the given
// one. Removing a non-existent override is a no-op.
func (e *Evaluator) RemoveOverride(key string, overrideCtx map[string]any, actor string) error {
	e.mu.Lock()
	if _, ok := e.flags[key]; !ok {
		e.mu.Unlock()
		return structs.ErrFlagNotFound
	}

	var removed *Override
	kept := e.overrides[key][:0]
	for _, o := range e.overrides[key] {
		if removed == nil && reflect.DeepEqual(o.Context, overrideCtx) {
			removed = o
			continue
		}
		kept = append(kept, o)
	}
	e.overrides[key] = kept
	var prevState any
	if removed != nil {
		prevState = snapshot(removed)
	}
	e.mu.Unlock()

	if removed == nil {
		return nil
	}
	e.recordAudit(key, "overrideRemoved", prevState, nil, actor)
	e.invalidate(key)
	e.publish(structs.TopicFlagOverrideRemoved, key, "overrideRemoved", actor)
	return nil
}

// GetFlag returns a copy of the stored flag.
func (e *Evaluator) GetFlag(key string) (*Flag, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	flag, ok := e.flags[key]
	if !ok {
		return nil, structs.ErrFlagNotFound
	}
	return flag.Copy(), nil
}

// ListFlags returns copies of all flags sorted by key.
func (e *Evaluator) ListFlags() []*Flag {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Flag, 0, len(e.flags))
	for _, f := range e.flags {
		out = append(out, f.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AuditLog returns the audit entries for a flag, or all entries when key is
// empty, oldest first.
func (e *Evaluator) AuditLog(key string) []*AuditEntry {
	e.auditMu.Lock()
	defer e.auditMu.Unlock()

	out := make([]*AuditEntry, 0, len(e.audit))
	for _, entry := range e.audit {
		if key == "" || entry.Key == key {
			out = append(out, entry)
		}
	}
	return out
}

// ShouldActivatePlugin returns true when no flag gates the plugin, otherwise
// true iff every gating flag evaluates true for the context.
func (e *Evaluator) ShouldActivatePlugin(pluginID string, evalCtx map[string]any) bool {
	e.mu.RLock()
	var gating []string
	for key, flag := range e.flags {
		for _, p := range flag.Plugins {
			if p == pluginID {
				gating = append(gating, key)
				break
			}
		}
	}
	e.mu.RUnlock()

	for _, key := range gating {
		if !e.IsEnabled(key, evalCtx) {
			return false
		}
	}
	return true
}

// checkDependencyGraphLocked verifies that every dependency of the candidate
// exists and that inserting it keeps the graph acyclic. Callers hold e.mu.
func (e *Evaluator) checkDependencyGraphLocked(candidate *Flag) error {
	graph := make(map[string][]string, len(e.flags)+1)
	for key, f := range e.flags {
		for _, dep := range f.Dependencies {
			graph[key] = append(graph[key], dep.Key)
		}
	}
	graph[candidate.Key] = nil
	for _, dep := range candidate.Dependencies {
		if _, ok := e.flags[dep.Key]; !ok && dep.Key != candidate.Key {
			return fmt.Errorf("dependency %q does not exist", dep.Key)
		}
		graph[candidate.Key] = append(graph[candidate.Key], dep.Key)
	}

	visited := set.New[string](len(graph))
	visiting := set.New[string](4)

	var dfs func(string) error
	dfs = func(key string) error {
		if visiting.Contains(key) {
			return &structs.CircularDependencyError{Key: key}
		}
		if visited.Contains(key) {
			return nil
		}
		visiting.Insert(key)
		for _, dep := range graph[key] {
			if err := dfs(dep); err != nil {
				return err
			}
		}
		visiting.Remove(key)
		visited.Insert(key)
		return nil
	}
	return dfs(candidate.Key)
}

func (e *Evaluator) recordAudit(key, action string, prev, next any, actor string) {
	entry := &AuditEntry{
		ID:            uuid.Generate(),
		Key:           key,
		Action:        action,
		PreviousState: prev,
		NewState:      next,
		PerformedBy:   actor,
		Timestamp:     e.clock.Now(),
	}

	e.auditMu.Lock()
	e.audit = append(e.audit, entry)
	if len(e.audit) > e.auditLimit {
		e.audit = e.audit[len(e.audit)-e.auditLimit:]
	}
	e.auditMu.Unlock()
}

func (e *Evaluator) publish(topic, key, action, actor string) {
	if e.bus == nil {
		return
	}
	payload := &structs.FlagChangeEvent{
		Key:       key,
		Action:    action,
		Actor:     actor,
		Timestamp: e.clock.Now(),
	}
	if _, err := e.bus.Publish(context.Background(), topic, payload,
		&stream.PublishOptions{Source: "featureflags"}); err != nil {
		e.logger.Error("failed to publish flag change", "topic", topic, "key", key, "error", err)
	}
	metrics.IncrCounterWithLabels([]string{"featureflags", "mutation"}, 1,
		[]metrics.Label{{Name: "action", Value: action}})
}

// snapshot deep-copies a value for audit storage so later mutations do not
// rewrite history.
func snapshot(v any) any {
	c, err := copystructure.Copy(v)
	if err != nil {
		return nil
	}
	return c
}
