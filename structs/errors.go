// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPluginNotFound is returned by registry operations that reference an
	// unknown plugin id.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrInvalidTopic is returned when subscribing or publishing with an
	// empty topic.
	ErrInvalidTopic = errors.New("topic must not be empty")

	// ErrOperationNotPermitted is returned when a plugin context attempts a
	// bus operation reserved for the host (clearing all subscriptions or
	// shutting the bus down).
	ErrOperationNotPermitted = errors.New("operation not permitted from a plugin context")

	// ErrExecutionTimeout is returned when a sandboxed method call exceeds
	// its max execution time.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrCancelled is the error pending sandbox calls are resolved with when
	// the sandbox is stopped.
	ErrCancelled = errors.New("call cancelled")

	// ErrSandboxAlreadyExists is returned by the sandbox manager when a
	// sandbox for the plugin id already exists.
	ErrSandboxAlreadyExists = errors.New("sandbox already exists")

	// ErrSandboxNotRunning is returned when calling into a stopped sandbox.
	ErrSandboxNotRunning = errors.New("sandbox not running")

	// ErrModuleNotAllowed is returned when a plugin requests a module outside
	// the restricted surface its permissions admit.
	ErrModuleNotAllowed = errors.New("module not allowed")

	// ErrPermissionRateLimited is returned when a guarded operation exceeds
	// the permission's rate limit window.
	ErrPermissionRateLimited = errors.New("permission rate limited")

	// ErrPathTraversal is returned when a plugin's entry file escapes the
	// plugin directory after symlink resolution.
	ErrPathTraversal = errors.New("entry file escapes plugin directory")

	// ErrFlagNotFound is returned for evaluations or mutations of unknown
	// feature flags.
	ErrFlagNotFound = errors.New("feature flag not found")

	// ErrFlagPermanentDelete is returned when deleting a flag marked
	// permanent.
	ErrFlagPermanentDelete = errors.New("cannot delete permanent feature flag")

	// ErrBusShutdown is returned by bus operations after Shutdown.
	ErrBusShutdown = errors.New("event bus is shut down")
)

// IllegalTransitionError is returned when a lifecycle operation is attempted
// from a state that does not permit it.
type IllegalTransitionError struct {
	PluginID string
	From     PluginState
	Op       string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("plugin %q: illegal transition: cannot %s from state %s", e.PluginID, e.Op, e.From)
}

// DependencyUnresolvedError is returned when a manifest declares dependencies
// that are missing or whose versions do not satisfy the declared range.
type DependencyUnresolvedError struct {
	PluginID string
	Missing  []string
}

func (e *DependencyUnresolvedError) Error() string {
	return fmt.Sprintf("plugin %q: unresolved dependencies: %s", e.PluginID, strings.Join(e.Missing, ", "))
}

// DependencyNotActiveError is returned on activation when a declared
// dependency is not in the ACTIVE state.
type DependencyNotActiveError struct {
	PluginID   string
	Dependency string
}

func (e *DependencyNotActiveError) Error() string {
	return fmt.Sprintf("plugin %q: dependency %q is not active", e.PluginID, e.Dependency)
}

// DependentsActiveError is returned on deactivation or uninstall when other
// plugins still depend on the target.
type DependentsActiveError struct {
	PluginID   string
	Dependents []string
}

func (e *DependentsActiveError) Error() string {
	return fmt.Sprintf("plugin %q: depended on by: %s", e.PluginID, strings.Join(e.Dependents, ", "))
}

// IncompatiblePlatformError is returned when the host platform version falls
// outside a manifest's declared range.
type IncompatiblePlatformError struct {
	PluginID string
	Platform string
	Min      string
	Max      string
}

func (e *IncompatiblePlatformError) Error() string {
	if e.Max != "" {
		return fmt.Sprintf("plugin %q requires platform version %s to %s, host is %s", e.PluginID, e.Min, e.Max, e.Platform)
	}
	return fmt.Sprintf("plugin %q requires platform version >= %s, host is %s", e.PluginID, e.Min, e.Platform)
}

// PermissionInvalidError is returned when a manifest's permission set fails
// validation.
type PermissionInvalidError struct {
	PluginID string
	Problems []string
}

func (e *PermissionInvalidError) Error() string {
	return fmt.Sprintf("plugin %q: invalid permissions: %s", e.PluginID, strings.Join(e.Problems, "; "))
}

// ModuleLoadError is returned when the plugin entry module cannot be loaded.
type ModuleLoadError struct {
	PluginID string
	Err      error
}

func (e *ModuleLoadError) Error() string {
	return fmt.Sprintf("plugin %q: module load failed: %v", e.PluginID, e.Err)
}

func (e *ModuleLoadError) Unwrap() error { return e.Err }

// HookFailedError wraps an error returned by a plugin lifecycle hook.
type HookFailedError struct {
	PluginID string
	Stage    string
	Err      error
}

func (e *HookFailedError) Error() string {
	return fmt.Sprintf("plugin %q: %s hook failed: %v", e.PluginID, e.Stage, e.Err)
}

func (e *HookFailedError) Unwrap() error { return e.Err }

// ResourceLimitExceededError is returned when a sandbox detects one or more
// resource violations.
type ResourceLimitExceededError struct {
	PluginID   string
	Violations []string
}

func (e *ResourceLimitExceededError) Error() string {
	return fmt.Sprintf("plugin %q: resource limits exceeded: %s", e.PluginID, strings.Join(e.Violations, ", "))
}

// CircularDependencyError is returned when a feature flag's dependency graph
// contains a cycle reachable from the given key.
type CircularDependencyError struct {
	Key string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("feature flag %q: circular dependency", e.Key)
}

// InvalidManifestError aggregates the validation problems of a manifest.
type InvalidManifestError struct {
	Path string
	Err  error
}

func (e *InvalidManifestError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %v", e.Path, e.Err)
}

func (e *InvalidManifestError) Unwrap() error { return e.Err }
