// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/pluginhost/sandbox"
	"github.com/hashicorp/pluginhost/structs"
)

// Instance is a loaded plugin object. Its methods are dispatched through the
// plugin's sandbox once it is active.
type Instance interface {
	Methods() map[string]sandbox.Method
}

// Lifecycle hooks are optional; instances implement the ones they need.
type (
	Installer interface {
		OnInstall(ctx context.Context) error
	}
	Activator interface {
		OnActivate(ctx context.Context, pctx *PluginContext) error
	}
	Deactivator interface {
		OnDeactivate(ctx context.Context) error
	}
	Uninstaller interface {
		OnUninstall(ctx context.Context) error
	}
	Updater interface {
		OnUpdate(ctx context.Context, fromVersion, toVersion string) error
	}
)

// Factory builds a plugin instance from its manifest and resolved entry
// file. Factories are registered per manifest type.
type Factory func(manifest *structs.PluginManifest, entryPath string) (Instance, error)

// loader resolves plugin entry files and instantiates plugin objects.
type loader struct {
	logger    log.Logger
	factories map[string]Factory
}

func newLoader(logger log.Logger, factories map[string]Factory) *loader {
	return &loader{
		logger:    logger.Named("loader"),
		factories: factories,
	}
}

// load resolves the manifest's entry file inside the plugin directory and
// invokes the factory for the manifest type. Load failures are wrapped in
// ModuleLoadError.
func (l *loader) load(plugin *structs.Plugin) (Instance, error) {
	m := plugin.Manifest

	entry, err := resolveEntry(plugin.Path, m.Main)
	if err != nil {
		return nil, &structs.ModuleLoadError{PluginID: m.ID, Err: err}
	}

	factory, ok := l.factories[m.Type]
	if !ok {
		return nil, &structs.ModuleLoadError{
			PluginID: m.ID,
			Err:      fmt.Errorf("no factory registered for plugin type %q", m.Type),
		}
	}

	inst, err := factory(m, entry)
	if err != nil {
		return nil, &structs.ModuleLoadError{PluginID: m.ID, Err: err}
	}

	l.logger.Debug("plugin module loaded", "plugin_id", m.ID, "entry", entry, "type", m.Type)
	return inst, nil
}

// resolveEntry real-paths both the plugin directory and the entry file and
// rejects any entry that escapes the directory. This is the mandatory
// traversal guard on module load.
func resolveEntry(dir, main string) (string, error) {
	if filepath.IsAbs(main) {
		return "", structs.ErrPathTraversal
	}

	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}

	entry := filepath.Join(root, main)
	resolved, err := filepath.EvalSymlinks(entry)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("entry file %q does not exist", main)
		}
		return "", err
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", structs.ErrPathTraversal
	}
	return resolved, nil
}
