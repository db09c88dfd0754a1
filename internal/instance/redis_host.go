package instance

import (
	"fmt"
	"os"
)

// dockerEnvFile exists inside containers started by Docker.
var dockerEnvFile = "/.dockerenv"

// RedisHost returns the host the CLI uses to reach a published Redis port:
// host.docker.internal when the CLI itself runs in a container, otherwise
// localhost.
func RedisHost() string {
	if _, err := os.Stat(dockerEnvFile); err == nil {
		return "host.docker.internal"
	}
	return "localhost"
}

// RedisURL returns the URL of an instance Redis published on port.
func RedisURL(port int) string {
	return fmt.Sprintf("redis://%s:%d", RedisHost(), port)
}
