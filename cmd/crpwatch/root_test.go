package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd()

	assert.Equal(t, "crpwatch", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Version)

	flag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, flag)
	assert.Equal(t, "v", flag.Shorthand)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "targets")
	assert.Contains(t, names, "watch")
	assert.Contains(t, names, "artefacts")
}

func TestNewRunCmd_Flags(t *testing.T) {
	cmd := NewRunCmd()
	for _, name := range []string{"output", "db", "quiet"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.Error(t, cmd.Args(cmd, nil))
}

func TestTargetsCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.txt")
	require.NoError(t, os.WriteFile(path, []byte("# list\nsite-1\thttps://login.example.com/\n\nhttp://paypa1.example.net\n"), 0o644))

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"targets", path})
	require.NoError(t, cmd.Execute())

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Equal(t, "site-1\thttps://login.example.com/", string(lines[0]))
	assert.Contains(t, string(lines[1]), "\thttp://paypa1.example.net")
}

func TestTargetsCmd_InvalidURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.txt")
	require.NoError(t, os.WriteFile(path, []byte("ftp://example.com\n"), 0o644))

	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"targets", path})
	assert.Error(t, cmd.Execute())
}

func TestTargetsCmd_MissingFile(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetArgs([]string{"targets", filepath.Join(t.TempDir(), "nope.txt")})
	assert.Error(t, cmd.Execute())
}
