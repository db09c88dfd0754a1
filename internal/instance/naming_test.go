package instance

import (
	"context"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dockerpkg "github.com/dyluth/fedloop/internal/docker"
)

func TestValidateName(t *testing.T) {
	testCases := []struct {
		name   string
		input  string
		errMsg string
	}{
		{name: "simple", input: "prod"},
		{name: "hyphens and digits", input: "default-123"},
		{name: "single character", input: "a"},
		{name: "max length", input: strings.Repeat("a", MaxNameLength)},
		{name: "empty", input: "", errMsg: "cannot be empty"},
		{name: "uppercase", input: "Prod", errMsg: "must be lowercase"},
		{name: "leading hyphen", input: "-prod", errMsg: "not at start/end"},
		{name: "trailing hyphen", input: "prod-", errMsg: "not at start/end"},
		{name: "underscore", input: "prod_env", errMsg: "must be lowercase alphanumeric"},
		{name: "too long", input: strings.Repeat("a", MaxNameLength+1), errMsg: "too long"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateName(tc.input)
			if tc.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.errMsg)
		})
	}
}

func TestGenerateDefaultName(t *testing.T) {
	ctx := context.Background()

	name, err := GenerateDefaultName(ctx, &fakeLister{})
	require.NoError(t, err)
	assert.Equal(t, "default-1", name)

	lister := &fakeLister{containers: []types.Container{
		fedloopContainer("default-1", dockerpkg.ComponentRedis, "running"),
		fedloopContainer("default-4", dockerpkg.ComponentCoordinator, "exited"),
		fedloopContainer("default-x", dockerpkg.ComponentRedis, "running"),
		fedloopContainer("prod", dockerpkg.ComponentRedis, "running"),
	}}
	name, err = GenerateDefaultName(ctx, lister)
	require.NoError(t, err)
	assert.Equal(t, "default-5", name)

	_, err = GenerateDefaultName(ctx, &fakeLister{err: errDocker})
	assert.ErrorIs(t, err, errDocker)
}

func TestCheckNameCollision(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{containers: []types.Container{
		fedloopContainer("prod", dockerpkg.ComponentRedis, "exited"),
	}}

	collides, err := CheckNameCollision(ctx, lister, "prod")
	require.NoError(t, err)
	assert.True(t, collides, "stopped containers still hold the name")

	collides, err = CheckNameCollision(ctx, lister, "staging")
	require.NoError(t, err)
	assert.False(t, collides)

	_, err = CheckNameCollision(ctx, &fakeLister{err: errDocker}, "prod")
	assert.ErrorIs(t, err, errDocker)
}
