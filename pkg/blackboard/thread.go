package blackboard

// Artifact round tracking
//
// Every artifact saved for a job is recorded in a ZSET where:
// - Key: fedloop:{instance_name}:job:{job}:artifacts
// - Members: artifact IDs
// - Score: the round the artifact was aggregated in (as float64)
//
// This gives cheap access to the most recent artifact and to the full round history.

// ArtifactVersion represents a single entry in a job's artifact ZSET.
type ArtifactVersion struct {
	ArtifactID string // UUID of the artifact
	Round      int    // Round the artifact was produced in
}

// RoundScore converts a round index to a Redis ZSET score.
func RoundScore(round int) float64 {
	return float64(round)
}

// RoundFromScore converts a Redis ZSET score back to a round index.
func RoundFromScore(score float64) int {
	return int(score)
}
