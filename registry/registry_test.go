package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/types"
)

func testConfig() *types.PartitionsConfig {
	return &types.PartitionsConfig{
		Prefix:  "app",
		Core:    types.PartitionConfig{MaxEntries: 50, TTL: time.Hour},
		Runtime: types.PartitionConfig{MaxEntries: 200, TTL: 24 * time.Hour},
		Images:  types.PartitionConfig{MaxEntries: 100, TTL: 7 * 24 * time.Hour},
		API:     types.PartitionConfig{MaxEntries: 50, TTL: 5 * time.Minute},
	}
}

func TestPartitionName(t *testing.T) {
	tests := []struct {
		role    types.PartitionRole
		version string
		want    string
	}{
		{role: types.RoleCore, version: "v2", want: "app-core-v2"},
		{role: types.RoleCore, version: "", want: "app-core"},
		{role: types.RoleRuntime, version: "v2", want: "app-runtime"},
		{role: types.RoleImages, version: "v2", want: "app-images"},
		{role: types.RoleAPI, version: "v2", want: "app-api"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, PartitionName("app", tt.role, tt.version))
		})
	}
}

func TestNew(t *testing.T) {
	r, err := New(testConfig(), "v2")
	require.NoError(t, err)

	assert.Equal(t, []string{"app-core-v2", "app-runtime", "app-images", "app-api"}, r.Names())
	assert.True(t, r.IsCurrent("app-core-v2"))
	assert.False(t, r.IsCurrent("app-core-v1"))
	assert.False(t, r.IsCurrent("stray"))

	spec, err := r.Spec(types.RoleImages)
	require.NoError(t, err)
	assert.Equal(t, 100, spec.MaxEntries)
	assert.Equal(t, 7*24*time.Hour, spec.TTL)
	assert.Equal(t, 5*time.Minute, r.TTL(types.RoleAPI))

	_, err = r.Spec("video")
	assert.ErrorIs(t, err, types.ErrPartitionRoleUnknown)
}

func TestNew_InvalidBounds(t *testing.T) {
	config := testConfig()
	config.API.MaxEntries = 0

	_, err := New(config, "v1")
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, err = New(nil, "v1")
	assert.ErrorIs(t, err, types.ErrConfigIsNil)
}

func TestNames_ReturnsCopy(t *testing.T) {
	r, err := New(testConfig(), "v1")
	require.NoError(t, err)

	names := r.Names()
	names[0] = "mutated"

	assert.Equal(t, "app-core-v1", r.Names()[0])
}
