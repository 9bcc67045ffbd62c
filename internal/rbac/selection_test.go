package rbac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func catalogOf(ids ...int64) []Permission {
	out := make([]Permission, 0, len(ids))
	for _, id := range ids {
		out = append(out, Permission{ID: id, Key: "k", Module: "m"})
	}
	return out
}

func TestSelectionTracksSelectAll(t *testing.T) {
	s := NewSelection(catalogOf(1, 2, 3), []int64{1, 2, 99})
	require.Equal(t, []int64{1, 2}, s.IDs())
	require.False(t, s.IsSelectAll())

	s.Toggle(3)
	require.True(t, s.IsSelectAll())

	s.Toggle(1)
	require.False(t, s.IsSelectAll())
	require.False(t, s.IsSelected(1))

	s.SelectAll()
	require.True(t, s.IsSelectAll())
	require.Equal(t, 3, s.Len())

	s.Clear()
	require.Zero(t, s.Len())
	require.False(t, s.IsSelectAll())
}

func TestSelectionIgnoresUnknownToggle(t *testing.T) {
	s := NewSelection(catalogOf(1), nil)
	s.Toggle(42)
	require.Zero(t, s.Len())
}

func TestSelectionEmptyCatalogIsSelectAll(t *testing.T) {
	s := NewSelection(nil, []int64{5})
	require.True(t, s.IsSelectAll())
	require.Empty(t, s.IDs())
}
