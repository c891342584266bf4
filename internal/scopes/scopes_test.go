package scopes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntersectIsAlwaysSubsetOfGranted(t *testing.T) {
	granted := []string{"users:read", "tickets:read", "tickets:edit"}

	cases := [][2][]string{
		{nil, nil},
		{nil, {"tickets:read"}},
		{{"tickets:read", "tickets:edit"}, {"users:read", "tickets:read"}},
		{{"events:read"}, {"events:read", "tickets:read"}},
		{nil, {"made:up", "tickets:edit"}},
	}
	for _, tc := range cases {
		eff := Intersect(granted, tc[0], tc[1])
		require.True(t, IsSubset(eff, granted), "stored=%v requested=%v eff=%v", tc[0], tc[1], eff)
	}
}

func TestIntersectNilStoredMeansNoNarrowing(t *testing.T) {
	granted := []string{"users:read", "tickets:read"}
	require.Equal(t, granted, Intersect(granted, nil, nil))
}

func TestIntersectEmptyRequestedMeansEverythingAllowed(t *testing.T) {
	granted := []string{"users:read", "tickets:read", "tickets:edit"}
	stored := []string{"tickets:read", "tickets:edit"}
	require.Equal(t, []string{"tickets:read", "tickets:edit"}, Intersect(granted, stored, nil))
}

func TestIntersectDropsUnknownRequestedScopes(t *testing.T) {
	granted := []string{"tickets:read"}
	eff := Intersect(granted, nil, []string{"tickets:read", "admin:everything"})
	require.Equal(t, []string{"tickets:read"}, eff)
}

func TestIntersectNeverWidensBeyondStored(t *testing.T) {
	granted := []string{"users:read", "tickets:read", "tickets:edit"}
	stored := []string{"tickets:read"}
	eff := Intersect(granted, stored, []string{"tickets:edit", "users:read", "tickets:read"})
	require.Equal(t, []string{"tickets:read"}, eff)
}

func TestSupportedListCoversCatalog(t *testing.T) {
	list := SupportedList()
	require.Len(t, list, len(Supported))
	for _, s := range list {
		require.Contains(t, Supported, s)
	}
}
