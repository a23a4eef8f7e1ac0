package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_MissingDirectory(t *testing.T) {
	t.Parallel()

	err := Validate(&Config{Username: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing-argument")
}

func TestValidate_DirectoryDoesNotExist(t *testing.T) {
	t.Parallel()

	err := Validate(&Config{Directory: "/does/not/exist/hopefully", Username: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-directory")
}

func TestValidate_DirectoryIsAFile(t *testing.T) {
	t.Parallel()

	file := t.TempDir() + "/notadir"
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	err := Validate(&Config{Directory: file, Username: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-directory")
}

func TestValidate_MissingUsername(t *testing.T) {
	t.Parallel()

	err := Validate(&Config{Directory: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing-argument")
}

func TestValidate_Valid(t *testing.T) {
	t.Parallel()

	err := Validate(&Config{Directory: t.TempDir(), Username: "alice"})
	assert.NoError(t, err)
}
