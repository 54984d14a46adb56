package version

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	info := Get()

	require.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.True(t, sort.SliceIsSorted(info.Dependencies, func(i, j int) bool {
		return info.Dependencies[i].Path < info.Dependencies[j].Path
	}))
}

func TestInfoString(t *testing.T) {
	t.Run("without revision", func(t *testing.T) {
		info := Info{Version: "v1.2.0", GoVersion: "go1.24.7"}
		assert.Equal(t, "flowd v1.2.0 (go1.24.7)", info.String())
	})

	t.Run("revision truncated and dirty", func(t *testing.T) {
		info := Info{
			Version:   "v1.2.0",
			GoVersion: "go1.24.7",
			Revision:  "0123456789abcdef0123",
			Modified:  true,
		}
		assert.Equal(t, "flowd v1.2.0 (go1.24.7) 0123456789ab+dirty", info.String())
	})
}
