// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/pluginhost/structs"
)

func TestModules_Require_Gating(t *testing.T) {
	t.Parallel()

	c := testConfig(t, nil)
	c.Dir = t.TempDir()
	c.Permissions = []string{"file:read"}
	sb := New(c)
	defer sb.Stop()

	// Console and process need no grant.
	_, err := sb.Require("console")
	require.NoError(t, err)
	_, err = sb.Require("process")
	require.NoError(t, err)
	_, err = sb.Require("timers")
	require.NoError(t, err)

	// fs is admitted with either file grant.
	_, err = sb.Require("fs")
	require.NoError(t, err)

	// http needs network:http.
	_, err = sb.Require("http")
	require.ErrorIs(t, err, structs.ErrModuleNotAllowed)

	// Anything else is refused.
	_, err = sb.Require("child_process")
	require.ErrorIs(t, err, structs.ErrModuleNotAllowed)
}

func TestModules_Require_Wildcards(t *testing.T) {
	t.Parallel()

	c := testConfig(t, nil)
	c.Dir = t.TempDir()
	c.Permissions = []string{"network:*"}
	sb := New(c)
	defer sb.Stop()

	_, err := sb.Require("http")
	require.NoError(t, err)

	c2 := testConfig(t, nil)
	c2.PluginID = "super"
	c2.Dir = t.TempDir()
	c2.Permissions = []string{"*"}
	sb2 := New(c2)
	defer sb2.Stop()

	_, err = sb2.Require("fs")
	require.NoError(t, err)
	_, err = sb2.Require("http")
	require.NoError(t, err)
}

func TestConsole_Sanitize(t *testing.T) {
	t.Parallel()

	out := sanitize(map[string]any{
		"api_key":  "abc123",
		"password": "hunter2",
		"user":     "alice",
		"authToken": "xyz",
	})

	// Keys are emitted sorted, sensitive values redacted.
	require.Equal(t, []any{
		"api_key", "[REDACTED]",
		"authToken", "[REDACTED]",
		"password", "[REDACTED]",
		"user", "alice",
	}, out)
}

func TestTimers_Bounds(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	timers := &Timers{clock: clock, active: make(map[uint64]clockwork.Timer)}

	fired := make(chan struct{})
	id, err := timers.SetTimeout(2*time.Second, func() { close(fired) })
	require.NoError(t, err)
	require.NotZero(t, id)
	require.Equal(t, 1, timers.ActiveCount())

	clock.Advance(2 * time.Second)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	require.Eventually(t, func() bool {
		return timers.ActiveCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestTimers_DelayClamped(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	timers := &Timers{clock: clock, active: make(map[uint64]clockwork.Timer)}

	fired := make(chan struct{})
	_, err := timers.SetTimeout(10*time.Minute, func() { close(fired) })
	require.NoError(t, err)

	// The delay is clamped to 60s.
	clock.Advance(maxTimerDelay)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("clamped timer did not fire")
	}
}

func TestTimers_ActiveLimit(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	timers := &Timers{clock: clock, active: make(map[uint64]clockwork.Timer)}

	for i := 0; i < maxActiveTimers; i++ {
		_, err := timers.SetTimeout(time.Minute, func() {})
		require.NoError(t, err)
	}

	_, err := timers.SetTimeout(time.Minute, func() {})
	var rerr *structs.ResourceLimitExceededError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, []string{"timers"}, rerr.Violations)

	timers.clearAll()
	require.Zero(t, timers.ActiveCount())
}

func TestTimers_ClearTimeout(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	timers := &Timers{clock: clock, active: make(map[uint64]clockwork.Timer)}

	fired := false
	id, err := timers.SetTimeout(time.Second, func() { fired = true })
	require.NoError(t, err)

	timers.ClearTimeout(id)
	require.Zero(t, timers.ActiveCount())

	clock.Advance(2 * time.Second)
	require.False(t, fired)

	// Unknown ids are a no-op.
	timers.ClearTimeout(9999)
}

func TestScopedFS(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	c := testConfig(t, nil)
	c.Dir = root
	c.Permissions = []string{"file:read", "file:write"}
	sb := New(c)
	defer sb.Stop()

	mod, err := sb.Require("fs")
	require.NoError(t, err)
	fs := mod.(*ScopedFS)

	require.NoError(t, fs.WriteFile("data/out.txt", []byte("hello")))
	got, err := fs.ReadFile("data/out.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	entries, err := fs.ReadDir("data")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Traversal and absolute paths are rejected.
	_, err = fs.ReadFile("../outside.txt")
	require.ErrorIs(t, err, structs.ErrPathTraversal)
	require.ErrorIs(t, fs.WriteFile("../outside.txt", nil), structs.ErrPathTraversal)
	_, err = fs.ReadFile("/etc/passwd")
	require.ErrorIs(t, err, structs.ErrPathTraversal)
}

func TestScopedFS_SymlinkEscape(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	c := testConfig(t, nil)
	c.Dir = root
	c.Permissions = []string{"file:read"}
	sb := New(c)
	defer sb.Stop()

	mod, err := sb.Require("fs")
	require.NoError(t, err)
	fs := mod.(*ScopedFS)

	_, err = fs.ReadFile("link/secret")
	require.ErrorIs(t, err, structs.ErrPathTraversal)
}

func TestScopedFS_PermissionSplit(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "in.txt"), []byte("x"), 0o644))

	c := testConfig(t, nil)
	c.Dir = root
	c.Permissions = []string{"file:read"}
	sb := New(c)
	defer sb.Stop()

	mod, err := sb.Require("fs")
	require.NoError(t, err)
	fs := mod.(*ScopedFS)

	_, err = fs.ReadFile("in.txt")
	require.NoError(t, err)

	// file:read alone does not admit writes.
	require.ErrorIs(t, fs.WriteFile("out.txt", nil), structs.ErrModuleNotAllowed)
}

func TestHTTPClient_HostAllowList(t *testing.T) {
	t.Parallel()

	c := testConfig(t, nil)
	c.Permissions = []string{"network:http"}
	c.AllowedHosts = []string{"api.example.com"}
	sb := New(c)
	defer sb.Stop()

	mod, err := sb.Require("http")
	require.NoError(t, err)
	client := mod.(*HTTPClient)

	_, err = client.Get(context.Background(), "http://evil.example.com/x")
	require.ErrorContains(t, err, "not in the allow list")
}

func TestProcessInfo_EnvWhitelist(t *testing.T) {
	t.Setenv("PLUGINHOST_TEST_VISIBLE", "yes")
	t.Setenv("PLUGINHOST_TEST_HIDDEN", "no")

	c := testConfig(t, nil)
	c.EnvWhitelist = []string{"PLUGINHOST_TEST_VISIBLE"}
	sb := New(c)
	defer sb.Stop()

	mod, err := sb.Require("process")
	require.NoError(t, err)
	proc := mod.(*ProcessInfo)

	env := proc.Env()
	require.Equal(t, "yes", env["PLUGINHOST_TEST_VISIBLE"])
	require.Equal(t, "test-plugin", env["PLUGIN_ID"])
	require.NotContains(t, env, "PLUGINHOST_TEST_HIDDEN")
}
