package contextindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	idx, err := New(Config{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, idx)
}

func TestIndexUIDNamespacesByProject(t *testing.T) {
	require.Equal(t, "ctx-proj-1", indexUID("proj-1"))
	require.NotEqual(t, indexUID("proj-1"), indexUID("proj-2"))
}
