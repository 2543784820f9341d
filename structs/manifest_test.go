// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"

	"github.com/shoenig/test/must"
)

func validManifest() *PluginManifest {
	return &PluginManifest{
		ID:                 "analytics",
		Version:            "1.0.0",
		MinPlatformVersion: "1.0.0",
		Main:               "index.js",
		Author:             &PluginAuthor{Name: "dev"},
	}
}

func TestPluginManifest_Validate(t *testing.T) {
	t.Parallel()

	must.NoError(t, validManifest().Validate())
}

func TestPluginManifest_Validate_RequiredFields(t *testing.T) {
	t.Parallel()

	m := &PluginManifest{}
	err := m.Validate()
	must.Error(t, err)
	must.StrContains(t, err.Error(), `missing required field "id"`)
	must.StrContains(t, err.Error(), `missing required field "version"`)
	must.StrContains(t, err.Error(), `missing required field "minPlatformVersion"`)
	must.StrContains(t, err.Error(), `missing required field "main"`)
	must.StrContains(t, err.Error(), "author must declare a name")
}

func TestPluginManifest_Validate_IDFormat(t *testing.T) {
	t.Parallel()

	m := validManifest()
	m.ID = "Not Valid!"
	must.ErrorContains(t, m.Validate(), "must be lowercase alphanumeric")
}

func TestPluginManifest_Validate_Versions(t *testing.T) {
	t.Parallel()

	m := validManifest()
	m.Version = "1.0"
	must.ErrorContains(t, m.Validate(), "is not valid semver")

	m = validManifest()
	m.MaxPlatformVersion = "bogus"
	must.ErrorContains(t, m.Validate(), "maxPlatformVersion")
}

func TestPluginManifest_Validate_DependencyRanges(t *testing.T) {
	t.Parallel()

	m := validManifest()
	m.Dependencies = map[string]string{"base": "^1.0.0"}
	must.NoError(t, m.Validate())

	m.Dependencies = map[string]string{"base": "not-a-range"}
	must.ErrorContains(t, m.Validate(), "is not a valid semver range")
}

func TestPluginManifest_Validate_EventSubscriptions(t *testing.T) {
	t.Parallel()

	m := validManifest()
	m.EventSubscriptions = []*EventSubscription{{Topic: "", Handler: "onPing"}}
	must.ErrorContains(t, m.Validate(), "missing topic")
}

func TestPluginManifest_Copy(t *testing.T) {
	t.Parallel()

	m := validManifest()
	m.Dependencies = map[string]string{"base": "^1.0.0"}
	m.Permissions = []string{"event:publish"}

	c := m.Copy()
	c.Dependencies["base"] = "^2.0.0"
	c.Permissions[0] = "file:read"
	c.Author.Name = "other"

	must.Eq(t, "^1.0.0", m.Dependencies["base"])
	must.Eq(t, "event:publish", m.Permissions[0])
	must.Eq(t, "dev", m.Author.Name)
}
