package instance

import (
	"github.com/docker/docker/api/types"

	dockerpkg "github.com/dyluth/fedloop/internal/docker"
)

// Status is the health of an instance as seen from its containers.
type Status string

const (
	// StatusRunning indicates all long-lived containers are running
	StatusRunning Status = "Running"

	// StatusDegraded indicates some containers are stopped
	StatusDegraded Status = "Degraded"

	// StatusStopped indicates no container is running
	StatusStopped Status = "Stopped"
)

// DetermineStatus derives the instance status from its containers. Task
// containers are short-lived and ignored.
func DetermineStatus(containers []types.Container) Status {
	total, running := 0, 0
	for _, c := range containers {
		if c.Labels[dockerpkg.LabelComponent] == dockerpkg.ComponentTask {
			continue
		}
		total++
		if c.State == "running" {
			running++
		}
	}

	switch {
	case total == 0 || running == 0:
		return StatusStopped
	case running == total:
		return StatusRunning
	default:
		return StatusDegraded
	}
}

// Info summarises one instance for `fedloop list`.
type Info struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Config    string `json:"config"`
	Sites     int    `json:"sites"`
	RedisPort string `json:"redis_port,omitempty"`
	Uptime    string `json:"uptime"`
}
