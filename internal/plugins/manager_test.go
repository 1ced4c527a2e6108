package plugins

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstallListRemove(t *testing.T) {
	m, err := New(filepath.Join(t.TempDir(), "plugins"))
	require.NoError(t, err)

	man, err := m.Install([]byte(`{"name":"selector-helper","version":"1.0.0","provides":["restrictions"]}`))
	require.NoError(t, err)
	require.Equal(t, "selector-helper", man.Name)

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "1.0.0", list[0].Version)

	require.NoError(t, m.Remove("selector-helper"))
	list, err = m.List()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestInstallRejectsInvalidManifest(t *testing.T) {
	m, err := New(filepath.Join(t.TempDir(), "plugins"))
	require.NoError(t, err)

	_, err = m.Install([]byte(`not json`))
	require.ErrorIs(t, err, ErrInvalidManifest)

	_, err = m.Install([]byte(`{"version":"1.0.0"}`))
	require.ErrorIs(t, err, ErrInvalidManifest)
}
