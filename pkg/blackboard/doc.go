// Package blackboard provides type-safe Go definitions and Redis schema patterns
// for the fedloop blackboard.
//
// # Overview
//
// The blackboard is the shared state through which the coordinator and remote
// site agents cooperate. The coordinator publishes tasks; sites publish results;
// aggregated artifacts are stored per job.
//
// # Core Concepts
//
// Tasks are published once per round to a set of target sites. Each target
// receives the full task JSON on its own channel, and the task hash is kept so
// that late or restarted sites can re-read it.
//
// Results are stored in a per-task hash keyed by site ID, so a site that
// resubmits overwrites its earlier result, and a result event is published so
// the coordinator learns about it without polling. The hash remains the source
// of truth when a Pub/Sub message is missed.
//
// Sites announce themselves with heartbeats; the coordinator treats sites that
// have not been heard from recently as gone.
//
// Artifacts are stored per job in a ZSET scored by round. The best artifact of a
// job is tracked separately.
//
// # Multi-Instance Support
//
// All Redis keys and Pub/Sub channels are namespaced by instance name, so
// several jobs can share one Redis server without interference.
//
// # Usage Example
//
//	client, err := blackboard.NewClient(&redis.Options{Addr: "localhost:6379"}, "mnist")
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	task := &blackboard.Task{
//		ID:      uuid.New().String(),
//		Name:    "train",
//		Payload: `{"params":{"w":[0.1,0.2]}}`,
//		Targets: []string{"site-1", "site-2"},
//		Round:   1,
//	}
//	if err := client.CreateTask(ctx, task); err != nil {
//		return err
//	}
//
// # Redis Key Patterns
//
//	fedloop:{instance}:task:{task_id}              hash   task fields
//	fedloop:{instance}:task:{task_id}:results      hash   site_id -> result JSON
//	fedloop:{instance}:sites                       hash   site_id -> last seen (ms)
//	fedloop:{instance}:artifact:{artifact_id}      hash   artifact fields
//	fedloop:{instance}:job:{job}:artifacts         zset   artifact IDs scored by round
//	fedloop:{instance}:job:{job}:best              string ID of the best artifact
//
// # Pub/Sub Channels
//
//	fedloop:{instance}:site:{site_id}:tasks        task JSON for one site
//	fedloop:{instance}:result_events               result JSON from every site
package blackboard
