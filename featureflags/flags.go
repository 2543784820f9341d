// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package featureflags implements the flag store and evaluator that gates
// plugin activation and other host behavior. Evaluation order is override,
// then dependencies, then rules, then the flag default.
package featureflags

import (
	"fmt"
	"regexp"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-set/v3"
)

// validFlagKey constrains flag keys to lowercase alphanumerics plus '-', '_'
// and '.'.
var validFlagKey = regexp.MustCompile(`^[a-z0-9-_.]+$`)

// Operator is a rule condition comparator.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpMatches     Operator = "matches"
	OpNotMatches  Operator = "not_matches"
)

// Operators is the closed set of condition operators.
var Operators = set.From([]Operator{
	OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte,
	OpContains, OpNotContains, OpIn, OpNotIn, OpMatches, OpNotMatches,
})

// Condition compares one context attribute against a value. Attribute is a
// dotted path into the evaluation context ("attributes.prefers_dark_mode").
type Condition struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
}

// Rule is one targeting rule on a flag. All conditions must hold (AND); when
// Percentage is set the context must additionally fall inside the rollout
// bucket.
type Rule struct {
	Active      bool         `json:"active"`
	Value       bool         `json:"value"`
	Conditions  []*Condition `json:"conditions,omitempty"`
	Percentage  *int         `json:"percentage,omitempty"`
	Description string       `json:"description,omitempty"`
}

// Dependency requires another flag to evaluate to the given value.
type Dependency struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

// Flag is one feature flag.
type Flag struct {
	Key          string        `json:"key"`
	Description  string        `json:"description,omitempty"`
	DefaultValue bool          `json:"defaultValue"`
	Rules        []*Rule       `json:"rules,omitempty"`
	Dependencies []*Dependency `json:"dependencies,omitempty"`

	// Plugins lists plugin ids whose activation this flag gates.
	Plugins []string `json:"plugins,omitempty"`

	// Permanent flags cannot be deleted.
	Permanent bool `json:"permanent,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Override pins a flag's value for evaluation contexts that are supersets of
// Context. An empty context matches every evaluation.
type Override struct {
	Key       string         `json:"key"`
	Value     bool           `json:"value"`
	Context   map[string]any `json:"context,omitempty"`
	ExpiresAt time.Time      `json:"expiresAt,omitempty"`
	CreatedBy string         `json:"createdBy"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Reason explains which stage of evaluation produced a result.
type Reason string

const (
	ReasonOverride   Reason = "OVERRIDE"
	ReasonDependency Reason = "DEPENDENCY"
	ReasonRule       Reason = "RULE"
	ReasonDefault    Reason = "DEFAULT"
	ReasonError      Reason = "ERROR"
)

// Result is the outcome of evaluating a flag against a context.
type Result struct {
	Value        bool
	Reason       Reason
	RuleIndex    int
	ErrorMessage string
}

// validate checks the flag's shape. Dependency existence and acyclicity are
// checked by the evaluator, which owns the flag store.
func (f *Flag) validate() error {
	var mErr *multierror.Error

	if f.Key == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("flag key is required"))
	} else if !validFlagKey.MatchString(f.Key) {
		mErr = multierror.Append(mErr, fmt.Errorf("flag key %q must match %s", f.Key, validFlagKey))
	}

	for i, rule := range f.Rules {
		if rule.Percentage != nil && (*rule.Percentage < 0 || *rule.Percentage > 100) {
			mErr = multierror.Append(mErr, fmt.Errorf("rule %d: percentage %d outside [0,100]", i, *rule.Percentage))
		}
		for j, cond := range rule.Conditions {
			if !Operators.Contains(cond.Operator) {
				mErr = multierror.Append(mErr, fmt.Errorf("rule %d condition %d: unknown operator %q", i, j, cond.Operator))
			}
			if cond.Attribute == "" {
				mErr = multierror.Append(mErr, fmt.Errorf("rule %d condition %d: attribute is required", i, j))
			}
		}
	}

	return mErr.ErrorOrNil()
}

// Copy returns a deep copy of the flag.
func (f *Flag) Copy() *Flag {
	if f == nil {
		return nil
	}
	nf := new(Flag)
	*nf = *f
	if f.Rules != nil {
		nf.Rules = make([]*Rule, len(f.Rules))
		for i, r := range f.Rules {
			rr := *r
			if r.Percentage != nil {
				p := *r.Percentage
				rr.Percentage = &p
			}
			if r.Conditions != nil {
				rr.Conditions = make([]*Condition, len(r.Conditions))
				for j, c := range r.Conditions {
					cc := *c
					rr.Conditions[j] = &cc
				}
			}
			nf.Rules[i] = &rr
		}
	}
	if f.Dependencies != nil {
		nf.Dependencies = make([]*Dependency, len(f.Dependencies))
		for i, d := range f.Dependencies {
			dd := *d
			nf.Dependencies[i] = &dd
		}
	}
	if f.Plugins != nil {
		nf.Plugins = append([]string(nil), f.Plugins...)
	}
	return nf
}
