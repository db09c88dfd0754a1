package docker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBuildLabels(t *testing.T) {
	runID := "test-run-123"
	instanceName := "prod"
	configPath := "/home/user/mnist/fedloop.yml"

	labels := BuildLabels(instanceName, runID, configPath, ComponentRedis)

	assert.Equal(t, "true", labels[LabelProject])
	assert.Equal(t, instanceName, labels[LabelInstanceName])
	assert.Equal(t, runID, labels[LabelInstanceRunID])
	assert.Equal(t, configPath, labels[LabelConfigPath])
	assert.Equal(t, "redis", labels[LabelComponent])
	assert.Len(t, labels, 5)
}

func TestBuildLabels_NoComponent(t *testing.T) {
	labels := BuildLabels("dev", "test-run-456", "/fedloop.yml", "")

	assert.Equal(t, "true", labels[LabelProject])
	assert.Equal(t, "dev", labels[LabelInstanceName])
	assert.NotContains(t, labels, LabelComponent)
	assert.Len(t, labels, 4)
}

func TestGenerateRunID(t *testing.T) {
	runID1 := GenerateRunID()
	runID2 := GenerateRunID()

	_, err1 := uuid.Parse(runID1)
	assert.NoError(t, err1)

	_, err2 := uuid.Parse(runID2)
	assert.NoError(t, err2)

	assert.NotEqual(t, runID1, runID2)
}

func TestResourceNames(t *testing.T) {
	testCases := []struct {
		name     string
		got      string
		expected string
	}{
		{"network", NetworkName("prod"), "fedloop-network-prod"},
		{"redis", RedisContainerName("default-1"), "fedloop-redis-default-1"},
		{"coordinator", CoordinatorContainerName("prod"), "fedloop-coordinator-prod"},
		{"site", SiteContainerName("prod", "hospital-a"), "fedloop-site-prod-hospital-a"},
		{"task", TaskContainerName("prod", "a", "0f8e6b2c-1111-2222-3333-444455556666"), "fedloop-task-prod-a-0f8e6b2c"},
		{"short task id", TaskContainerName("prod", "a", "abc"), "fedloop-task-prod-a-abc"},
		{"redis url", RedisURL("prod"), "redis://fedloop-redis-prod:6379"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.got)
		})
	}
}
