package blackboard

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to enable
// multiple fedloop jobs to safely coexist on a single Redis server.
//
// Key pattern: fedloop:{instance_name}:{entity}:{id}
// Channel pattern: fedloop:{instance_name}:{event_type}_events

// TaskKey returns the Redis key for a task hash.
// Pattern: fedloop:{instance_name}:task:{task_id}
func TaskKey(instanceName, taskID string) string {
	return fmt.Sprintf("fedloop:%s:task:%s", instanceName, taskID)
}

// TaskResultsKey returns the Redis key for a task's results hash (site_id -> result JSON).
// Pattern: fedloop:{instance_name}:task:{task_id}:results
func TaskResultsKey(instanceName, taskID string) string {
	return fmt.Sprintf("fedloop:%s:task:%s:results", instanceName, taskID)
}

// SitesKey returns the Redis key for the site registry hash (site_id -> last seen ms).
// Pattern: fedloop:{instance_name}:sites
func SitesKey(instanceName string) string {
	return fmt.Sprintf("fedloop:%s:sites", instanceName)
}

// ArtifactKey returns the Redis key for a stored artifact.
// Pattern: fedloop:{instance_name}:artifact:{artifact_id}
func ArtifactKey(instanceName, artifactID string) string {
	return fmt.Sprintf("fedloop:%s:artifact:%s", instanceName, artifactID)
}

// ArtifactRoundsKey returns the Redis key for a job's artifact ZSET, scored by round.
// Pattern: fedloop:{instance_name}:job:{job}:artifacts
func ArtifactRoundsKey(instanceName, job string) string {
	return fmt.Sprintf("fedloop:%s:job:%s:artifacts", instanceName, job)
}

// BestArtifactKey returns the Redis key holding the ID of a job's best artifact.
// Pattern: fedloop:{instance_name}:job:{job}:best
func BestArtifactKey(instanceName, job string) string {
	return fmt.Sprintf("fedloop:%s:job:%s:best", instanceName, job)
}

// SiteTasksChannel returns the site-specific channel on which tasks are published.
// Pattern: fedloop:{instance_name}:site:{site_id}:tasks
func SiteTasksChannel(instanceName, siteID string) string {
	return fmt.Sprintf("fedloop:%s:site:%s:tasks", instanceName, siteID)
}

// ResultEventsChannel returns the Pub/Sub channel name for result events.
// Pattern: fedloop:{instance_name}:result_events
func ResultEventsChannel(instanceName string) string {
	return fmt.Sprintf("fedloop:%s:result_events", instanceName)
}
