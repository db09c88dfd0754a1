package docker

import (
	"fmt"

	"github.com/google/uuid"
)

// Label keys used for fedloop resources
const (
	LabelProject       = "fedloop.project"
	LabelInstanceName  = "fedloop.instance.name"
	LabelInstanceRunID = "fedloop.instance.run_id"
	LabelConfigPath    = "fedloop.config.path"
	LabelComponent     = "fedloop.component"
	LabelRedisPort     = "fedloop.redis.port"
	LabelSiteID        = "fedloop.site.id"
	LabelTaskID        = "fedloop.task.id"
)

// Component label values
const (
	ComponentRedis       = "redis"
	ComponentCoordinator = "coordinator"
	ComponentSite        = "site"
	ComponentTask        = "task"
)

// BuildLabels creates the standard label set for all fedloop resources.
// All parameters are required except component (which is resource-specific).
func BuildLabels(instanceName, runID, configPath, component string) map[string]string {
	labels := map[string]string{
		LabelProject:       "true",
		LabelInstanceName:  instanceName,
		LabelInstanceRunID: runID,
		LabelConfigPath:    configPath,
	}

	if component != "" {
		labels[LabelComponent] = component
	}

	return labels
}

// GenerateRunID creates a new UUID for an instance run.
// Each invocation of `fedloop up` gets a unique run ID.
func GenerateRunID() string {
	return uuid.New().String()
}

// Resource naming conventions for fedloop components

// NetworkName returns the Docker network name for an instance
func NetworkName(instanceName string) string {
	return fmt.Sprintf("fedloop-network-%s", instanceName)
}

// RedisContainerName returns the Redis container name for an instance
func RedisContainerName(instanceName string) string {
	return fmt.Sprintf("fedloop-redis-%s", instanceName)
}

// CoordinatorContainerName returns the coordinator container name for an instance
func CoordinatorContainerName(instanceName string) string {
	return fmt.Sprintf("fedloop-coordinator-%s", instanceName)
}

// SiteContainerName returns the site agent container name for an instance and site
func SiteContainerName(instanceName, siteID string) string {
	return fmt.Sprintf("fedloop-site-%s-%s", instanceName, siteID)
}

// TaskContainerName returns the name of the ephemeral container running one
// task on a site. Only the first 8 characters of the task ID are used.
func TaskContainerName(instanceName, siteID, taskID string) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("fedloop-task-%s-%s-%s", instanceName, siteID, short)
}

// RedisURL returns the URL containers on the instance network use to reach Redis.
func RedisURL(instanceName string) string {
	return fmt.Sprintf("redis://%s:6379", RedisContainerName(instanceName))
}
