// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package featureflags

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// lookupAttribute resolves a dotted path against the evaluation context,
// descending through nested maps.
func lookupAttribute(ctx map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = ctx
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Matches reports whether the condition holds against the context. A missing
// attribute only satisfies the negated operators.
func (c *Condition) Matches(ctx map[string]any) bool {
	actual, ok := lookupAttribute(ctx, c.Attribute)
	if !ok {
		switch c.Operator {
		case OpNeq, OpNotContains, OpNotIn, OpNotMatches:
			return true
		default:
			return false
		}
	}

	switch c.Operator {
	case OpEq:
		return valuesEqual(actual, c.Value)
	case OpNeq:
		return !valuesEqual(actual, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return compareOrdered(c.Operator, actual, c.Value)
	case OpContains:
		return containsValue(actual, c.Value)
	case OpNotContains:
		return !containsValue(actual, c.Value)
	case OpIn:
		return inList(actual, c.Value)
	case OpNotIn:
		return !inList(actual, c.Value)
	case OpMatches:
		return matchesPattern(actual, c.Value)
	case OpNotMatches:
		return !matchesPattern(actual, c.Value)
	default:
		return false
	}
}

// valuesEqual compares with numeric normalization so a manifest's JSON
// float64 equals a host-side int.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func compareOrdered(op Operator, actual, expected any) bool {
	af, aok := toFloat(actual)
	bf, bok := toFloat(expected)
	if aok && bok {
		switch op {
		case OpGt:
			return af > bf
		case OpGte:
			return af >= bf
		case OpLt:
			return af < bf
		case OpLte:
			return af <= bf
		}
		return false
	}

	as, aok := actual.(string)
	bs, bok := expected.(string)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpGt:
		return as > bs
	case OpGte:
		return as >= bs
	case OpLt:
		return as < bs
	case OpLte:
		return as <= bs
	}
	return false
}

func containsValue(actual, expected any) bool {
	switch a := actual.(type) {
	case string:
		return strings.Contains(a, fmt.Sprintf("%v", expected))
	case []any:
		for _, item := range a {
			if valuesEqual(item, expected) {
				return true
			}
		}
	case []string:
		for _, item := range a {
			if valuesEqual(item, expected) {
				return true
			}
		}
	}
	return false
}

func inList(actual, expected any) bool {
	switch list := expected.(type) {
	case []any:
		for _, item := range list {
			if valuesEqual(actual, item) {
				return true
			}
		}
	case []string:
		for _, item := range list {
			if valuesEqual(actual, item) {
				return true
			}
		}
	}
	return false
}

func matchesPattern(actual, expected any) bool {
	pattern, ok := expected.(string)
	if !ok {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(fmt.Sprintf("%v", actual))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
