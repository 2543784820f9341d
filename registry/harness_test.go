// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/pluginhost/featureflags"
	"github.com/hashicorp/pluginhost/helper/testlog"
	"github.com/hashicorp/pluginhost/permissions"
	"github.com/hashicorp/pluginhost/sandbox"
	"github.com/hashicorp/pluginhost/stream"
	"github.com/hashicorp/pluginhost/structs"
)

// harness wires a registry to in-memory collaborators and a temp plugin
// directory.
type harness struct {
	t *testing.T

	dir      string
	bus      *stream.EventBus
	flags    *featureflags.Evaluator
	manager  *sandbox.Manager
	store    *memStore
	ui       *memUI
	registry *Registry

	mu    sync.Mutex
	hooks map[string]*hookSet
	calls map[string][][]any
}

// hookSet injects per-plugin lifecycle hook failures.
type hookSet struct {
	installErr    error
	activateErr   error
	deactivateErr error
	uninstallErr  error
	updateErr     error
}

func newHarness(t *testing.T, clock clockwork.Clock, sampler func() (float64, error)) *harness {
	logger := testlog.HCLogger(t)

	h := &harness{
		t:       t,
		dir:     t.TempDir(),
		bus:     stream.NewEventBus(&stream.Config{Logger: logger, Clock: clock}),
		store:   newMemStore(),
		ui:      newMemUI(),
		hooks:   make(map[string]*hookSet),
		calls:   make(map[string][][]any),
		manager: sandbox.NewManager(&sandbox.ManagerConfig{Logger: logger, Clock: clock}),
	}
	t.Cleanup(h.manager.DestroyAll)

	h.flags = featureflags.NewEvaluator(&featureflags.Config{Logger: logger, Clock: clock})

	if sampler == nil {
		sampler = func() (float64, error) { return 1, nil }
	}

	reg, err := New(&Config{
		Logger:          logger,
		Clock:           clock,
		Bus:             h.bus,
		Flags:           h.flags,
		Validator:       permissions.NewValidator(&permissions.Config{Logger: logger, Clock: clock}),
		Sandboxes:       h.manager,
		Store:           h.store,
		UI:              h.ui,
		Security:        &allowAllSecurity{},
		Factories:       map[string]Factory{"": h.factory},
		PlatformVersion: "1.0.0",
		Environment:     "test",
		SandboxSampler:  sampler,
	})
	require.NoError(t, err)
	h.registry = reg
	return h
}

// factory builds a testInstance whose methods record their invocations on
// the harness.
func (h *harness) factory(m *structs.PluginManifest, entryPath string) (Instance, error) {
	id := m.ID
	methods := map[string]sandbox.Method{
		"greet": func(args []any) (any, error) {
			h.record(id, "greet", args)
			return "hello", nil
		},
	}
	for _, sub := range m.EventSubscriptions {
		handler := sub.Handler
		methods[handler] = func(args []any) (any, error) {
			h.record(id, handler, args)
			return nil, nil
		}
	}
	return &testInstance{h: h, id: id, methods: methods}, nil
}

func (h *harness) record(pluginID, method string, args []any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[pluginID+"."+method] = append(h.calls[pluginID+"."+method], args)
}

func (h *harness) callsTo(pluginID, method string) [][]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[pluginID+"."+method]
}

func (h *harness) hooksFor(pluginID string) *hookSet {
	h.mu.Lock()
	defer h.mu.Unlock()
	hs, ok := h.hooks[pluginID]
	if !ok {
		hs = &hookSet{}
		h.hooks[pluginID] = hs
	}
	return hs
}

// writePlugin lays a plugin directory with its manifest and entry file under
// the harness plugin root.
func (h *harness) writePlugin(m *structs.PluginManifest) {
	h.t.Helper()

	dir := filepath.Join(h.dir, m.ID)
	require.NoError(h.t, os.MkdirAll(dir, 0o755))

	raw, err := json.Marshal(m)
	require.NoError(h.t, err)
	require.NoError(h.t, os.WriteFile(filepath.Join(dir, structs.ManifestFilename), raw, 0o644))
	require.NoError(h.t, os.WriteFile(filepath.Join(dir, m.Main), []byte("export {}\n"), 0o644))
}

// manifest returns a minimal valid manifest for the id.
func testManifest(id string) *structs.PluginManifest {
	return &structs.PluginManifest{
		ID:                 id,
		Version:            "1.0.0",
		MinPlatformVersion: "1.0.0",
		Main:               "index.js",
		Author:             &structs.PluginAuthor{Name: "test"},
	}
}

func (h *harness) discover() []string {
	h.t.Helper()
	ids, err := h.registry.Discover(context.Background(), h.dir)
	require.NoError(h.t, err)
	return ids
}

func (h *harness) mustState(id string, state structs.PluginState) {
	h.t.Helper()
	p, err := h.registry.Get(id)
	require.NoError(h.t, err)
	require.Equal(h.t, state, p.State)
}

// testInstance implements Instance and every optional lifecycle hook,
// delegating failure injection to the harness hook set.
type testInstance struct {
	h  *harness
	id string

	methods map[string]sandbox.Method
}

func (ti *testInstance) Methods() map[string]sandbox.Method { return ti.methods }

func (ti *testInstance) OnInstall(ctx context.Context) error {
	ti.h.record(ti.id, "onInstall", nil)
	return ti.h.hooksFor(ti.id).installErr
}

func (ti *testInstance) OnActivate(ctx context.Context, pctx *PluginContext) error {
	ti.h.record(ti.id, "onActivate", []any{pctx})
	return ti.h.hooksFor(ti.id).activateErr
}

func (ti *testInstance) OnDeactivate(ctx context.Context) error {
	ti.h.record(ti.id, "onDeactivate", nil)
	return ti.h.hooksFor(ti.id).deactivateErr
}

func (ti *testInstance) OnUninstall(ctx context.Context) error {
	ti.h.record(ti.id, "onUninstall", nil)
	return ti.h.hooksFor(ti.id).uninstallErr
}

func (ti *testInstance) OnUpdate(ctx context.Context, from, to string) error {
	ti.h.record(ti.id, "onUpdate", []any{from, to})
	return ti.h.hooksFor(ti.id).updateErr
}

// memStore is an in-memory DataStore.
type memStore struct {
	mu   sync.Mutex
	data map[string]any
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]any)}
}

func (s *memStore) Get(ctx context.Context, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// memUI is an in-memory UIRegistry.
type memUI struct {
	mu         sync.Mutex
	components map[string]*structs.UIComponent
}

func newMemUI() *memUI {
	return &memUI{components: make(map[string]*structs.UIComponent)}
}

func (u *memUI) RegisterComponent(c *structs.UIComponent) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.components[c.ID]; exists {
		return fmt.Errorf("component %q already registered", c.ID)
	}
	cc := *c
	u.components[c.ID] = &cc
	return nil
}

func (u *memUI) UnregisterComponent(id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.components, id)
	return nil
}

func (u *memUI) ComponentsByType(componentType string) []*structs.UIComponent {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []*structs.UIComponent
	for _, c := range u.components {
		if c.Type == componentType {
			cc := *c
			out = append(out, &cc)
		}
	}
	return out
}

func (u *memUI) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.components)
}

// allowAllSecurity admits everything.
type allowAllSecurity struct{}

func (a *allowAllSecurity) HasPermission(subject, permission string) structs.AuthorizationResult {
	return structs.AuthorizationResult{Granted: true}
}

func (a *allowAllSecurity) LogEvent(entry *structs.AuditEntry) {}

func (a *allowAllSecurity) ValidatePluginAction(pluginID, action string, args []any) error {
	return nil
}
