// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	multierror "github.com/hashicorp/go-multierror"
	version "github.com/hashicorp/go-version"
)

// ManifestFilename is the file every plugin directory must contain.
const ManifestFilename = "plugin.json"

// validPluginID constrains plugin ids to lowercase alphanumerics plus '-'
// and '_'.
var validPluginID = regexp.MustCompile(`^[a-z0-9_-]+$`)

// PluginManifest is the immutable declaration read from a plugin directory.
// Unknown manifest fields are preserved by callers that re-serialize the
// manifest but are ignored by the runtime.
type PluginManifest struct {
	ID                 string               `json:"id"`
	Name               string               `json:"name,omitempty"`
	Version            string               `json:"version"`
	MinPlatformVersion string               `json:"minPlatformVersion"`
	MaxPlatformVersion string               `json:"maxPlatformVersion,omitempty"`
	Main               string               `json:"main"`
	Author             *PluginAuthor        `json:"author"`
	Dependencies       map[string]string    `json:"dependencies,omitempty"`
	Permissions        []string             `json:"permissions,omitempty"`
	EventSubscriptions []*EventSubscription `json:"eventSubscriptions,omitempty"`
	UIContributions    []*UIComponent       `json:"uiContributions,omitempty"`
	SettingsSchema     json.RawMessage      `json:"settingsSchema,omitempty"`
	Type               string               `json:"type,omitempty"`
	License            string               `json:"license,omitempty"`
	Metadata           map[string]string    `json:"metadata,omitempty"`
}

// PluginAuthor identifies who published the plugin. Only Name is required.
type PluginAuthor struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	URL   string `json:"url,omitempty"`
}

// EventSubscription declares a bus topic the plugin wants delivered to one of
// its advertised handlers.
type EventSubscription struct {
	Topic   string `json:"topic"`
	Handler string `json:"handler"`
}

// Validate checks the manifest's required fields and version syntax. All
// problems are aggregated so a plugin author sees them in one pass.
func (m *PluginManifest) Validate() error {
	var mErr *multierror.Error

	if m.ID == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("missing required field %q", "id"))
	} else if !validPluginID.MatchString(m.ID) {
		mErr = multierror.Append(mErr, fmt.Errorf("id %q must be lowercase alphanumeric, '-' or '_'", m.ID))
	}

	if m.Main == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("missing required field %q", "main"))
	}

	if m.Version == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("missing required field %q", "version"))
	} else if _, err := semver.StrictNewVersion(m.Version); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("version %q is not valid semver: %v", m.Version, err))
	}

	if m.MinPlatformVersion == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("missing required field %q", "minPlatformVersion"))
	} else if _, err := version.NewVersion(m.MinPlatformVersion); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("minPlatformVersion %q is not a valid version: %v", m.MinPlatformVersion, err))
	}

	if m.MaxPlatformVersion != "" {
		if _, err := version.NewVersion(m.MaxPlatformVersion); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("maxPlatformVersion %q is not a valid version: %v", m.MaxPlatformVersion, err))
		}
	}

	if m.Author == nil || m.Author.Name == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("author must declare a name"))
	}

	for dep, rng := range m.Dependencies {
		if !validPluginID.MatchString(dep) {
			mErr = multierror.Append(mErr, fmt.Errorf("dependency id %q is not a valid plugin id", dep))
		}
		if _, err := semver.NewConstraint(rng); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("dependency %q range %q is not a valid semver range: %v", dep, rng, err))
		}
	}

	for i, sub := range m.EventSubscriptions {
		if sub.Topic == "" {
			mErr = multierror.Append(mErr, fmt.Errorf("eventSubscriptions[%d] missing topic", i))
		}
		if sub.Handler == "" {
			mErr = multierror.Append(mErr, fmt.Errorf("eventSubscriptions[%d] missing handler", i))
		}
	}

	return mErr.ErrorOrNil()
}

// SemVer returns the manifest's concrete version. Callers must have validated
// the manifest first.
func (m *PluginManifest) SemVer() (*semver.Version, error) {
	return semver.StrictNewVersion(m.Version)
}

// Copy returns a deep copy of the manifest.
func (m *PluginManifest) Copy() *PluginManifest {
	if m == nil {
		return nil
	}
	nm := new(PluginManifest)
	*nm = *m

	if m.Author != nil {
		author := *m.Author
		nm.Author = &author
	}
	if m.Dependencies != nil {
		nm.Dependencies = make(map[string]string, len(m.Dependencies))
		for k, v := range m.Dependencies {
			nm.Dependencies[k] = v
		}
	}
	if m.Permissions != nil {
		nm.Permissions = append([]string(nil), m.Permissions...)
	}
	if m.EventSubscriptions != nil {
		nm.EventSubscriptions = make([]*EventSubscription, len(m.EventSubscriptions))
		for i, sub := range m.EventSubscriptions {
			s := *sub
			nm.EventSubscriptions[i] = &s
		}
	}
	if m.UIContributions != nil {
		nm.UIContributions = make([]*UIComponent, len(m.UIContributions))
		for i, c := range m.UIContributions {
			cc := *c
			nm.UIContributions[i] = &cc
		}
	}
	if m.Metadata != nil {
		nm.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			nm.Metadata[k] = v
		}
	}
	return nm
}
