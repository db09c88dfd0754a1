package instance

import (
	"context"
	"net"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allBindable(int) bool { return true }

func TestFindPort(t *testing.T) {
	ctx := context.Background()

	port, err := findPort(ctx, &fakeLister{}, allBindable)
	require.NoError(t, err)
	assert.Equal(t, StartPort, port)

	lister := &fakeLister{containers: []types.Container{
		redisContainer("a", "6379", "running"),
		redisContainer("b", "6380", "exited"),
		redisContainer("c", "not-a-port", "running"),
	}}
	port, err = findPort(ctx, lister, allBindable)
	require.NoError(t, err)
	assert.Equal(t, 6381, port, "ports claimed by labels are skipped even when stopped")

	port, err = findPort(ctx, lister, func(p int) bool { return p > 6390 })
	require.NoError(t, err)
	assert.Equal(t, 6391, port)
}

func TestFindPort_Exhausted(t *testing.T) {
	_, err := findPort(context.Background(), &fakeLister{}, func(int) bool { return false })
	assert.ErrorContains(t, err, "6379-6478 exhausted")

	_, err = findPort(context.Background(), &fakeLister{err: errDocker}, allBindable)
	assert.ErrorIs(t, err, errDocker)
}

func TestIsPortBindable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port

	assert.False(t, isPortBindable(port))
	require.NoError(t, listener.Close())
	assert.True(t, isPortBindable(port))
}
