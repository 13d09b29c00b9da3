package locations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectoriesHonorXDG(t *testing.T) {
	data := t.TempDir()
	config := t.TempDir()
	t.Setenv("XDG_DATA_HOME", data)
	t.Setenv("XDG_CONFIG_HOME", config)

	d, err := DataDirectory()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(data, "luna"), d)
	st, err := os.Stat(d)
	require.NoError(t, err)
	require.True(t, st.IsDir())

	c, err := ConfigDirectory()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(config, "luna"), c)

	f, err := DatabaseFile()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(data, "luna", "luna.sqlite"), f)
}

func TestDirectoriesDefaultToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_CONFIG_HOME", "")

	d, err := DataDirectory()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".local", "share", "luna"), d)

	c, err := ConfigDirectory()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".config", "luna"), c)
}
