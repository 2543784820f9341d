// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouteTable_Register(t *testing.T) {
	t.Parallel()
	table := NewRouteTable()

	require.NoError(t, table.Register(&Route{
		Method: "get", Path: "/api/reports", PluginID: "reporting", Handler: "listReports",
	}))

	// Methods are normalized, so the same route cannot be re-registered.
	err := table.Register(&Route{
		Method: "GET", Path: "/api/reports", PluginID: "other", Handler: "x",
	})
	require.ErrorContains(t, err, `already registered by plugin "reporting"`)

	// A different method on the same path is fine.
	require.NoError(t, table.Register(&Route{
		Method: "POST", Path: "/api/reports", PluginID: "reporting", Handler: "createReport",
	}))

	require.ErrorContains(t, table.Register(&Route{Path: "/x"}), "requires method")
}

func TestRouteTable_ForPluginAndRevoke(t *testing.T) {
	t.Parallel()
	table := NewRouteTable()

	require.NoError(t, table.Register(&Route{Method: "GET", Path: "/a", PluginID: "p1", Handler: "h"}))
	require.NoError(t, table.Register(&Route{Method: "GET", Path: "/b", PluginID: "p1", Handler: "h"}))
	require.NoError(t, table.Register(&Route{Method: "GET", Path: "/c", PluginID: "p2", Handler: "h"}))

	routes := table.ForPlugin("p1")
	require.Len(t, routes, 2)
	require.Equal(t, "/a", routes[0].Path)
	require.Equal(t, "/b", routes[1].Path)

	require.Equal(t, 2, table.Revoke("p1"))
	require.Empty(t, table.ForPlugin("p1"))
	require.Len(t, table.List(), 1)

	// Revoking again is a no-op.
	require.Zero(t, table.Revoke("p1"))

	// The freed paths can be registered again.
	require.NoError(t, table.Register(&Route{Method: "GET", Path: "/a", PluginID: "p3", Handler: "h"}))
}
