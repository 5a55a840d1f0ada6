package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Inner struct {
		Flag bool `json:"flag"`
	} `json:"inner"`
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.json5")

	_, err := ReadConfig[testConfig](path)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte(`{
		// comments are fine
		name: "base",
		count: 2,
	}`), 0600))
	config, err := ReadConfig[testConfig](path)
	require.NoError(t, err)
	require.Equal(t, "base", config.Name)
	require.Equal(t, 2, config.Count)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.local.json5"), []byte(`{
		count: 5,
		inner: { flag: true },
	}`), 0600))
	config, err = ReadConfig[testConfig](path)
	require.NoError(t, err)
	require.Equal(t, "base", config.Name)
	require.Equal(t, 5, config.Count)
	require.True(t, config.Inner.Flag)

	require.NoError(t, os.WriteFile(path, []byte(`{ name: `), 0600))
	_, err = ReadConfig[testConfig](path)
	require.Error(t, err)
}

func TestReadRecursively(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.json5"), []byte(`{ name: "root" }`), 0600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	t.Cleanup(func() { os.Chdir(wd) })

	config, err := ReadRecursively[testConfig]("app.json5")
	require.NoError(t, err)
	require.Equal(t, "root", config.Name)

	_, err = ReadRecursively[testConfig]("missing.json5")
	require.ErrorIs(t, err, os.ErrNotExist)
}
