package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractVersion(t *testing.T) {
	cases := []struct {
		out  string
		want string
	}{
		{"Current Version: v2.6.6", "2.6.6"},
		{"[INF] Nuclei Engine Version: v3.3.5\n[INF] Templates loaded", "3.3.5"},
		{"httpx 1.6.10", "1.6.10"},
		{"no version here", ""},
		{"", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, extractVersion(c.out), c.out)
	}
}

func TestVersionSupported(t *testing.T) {
	assert.True(t, versionSupported("2.6.6", "2.6.0"))
	assert.True(t, versionSupported("2.6.0", "2.6.0"))
	assert.False(t, versionSupported("2.5.9", "2.6.0"))
	assert.True(t, versionSupported("v3.0.0", "2.6.0"))

	// Unknown versions never block scanning
	assert.True(t, versionSupported("", "2.6.0"))
	assert.True(t, versionSupported("weird", "2.6.0"))
}

func TestCheckMissingBinary(t *testing.T) {
	c := NewChecker(map[string]string{"subfinder": "/nonexistent/subfinder"})

	s := c.Check(Tool{Name: "subfinder", MinVersion: "2.6.0"})
	assert.False(t, s.Installed)
	assert.False(t, s.Supported)

	assert.Contains(t, c.MissingRequired(), "subfinder")
}

func TestCheckFakeBinary(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "subfinder")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho 'Current Version: v2.7.1'\n"), 0755))

	c := NewChecker(map[string]string{"subfinder": bin})
	s := c.Check(Tool{Name: "subfinder", MinVersion: "2.6.0"})
	assert.True(t, s.Installed)
	assert.Equal(t, "2.7.1", s.Version)
	assert.True(t, s.Supported)
}

func TestCheckAllCoversRequiredTools(t *testing.T) {
	c := NewChecker(nil)
	statuses := c.CheckAll()
	require.Len(t, statuses, len(RequiredTools()))
	names := map[string]bool{}
	for _, s := range statuses {
		names[s.Name] = true
	}
	assert.True(t, names["subfinder"])
	assert.True(t, names["httpx"])
	assert.True(t, names["nuclei"])
}
