package instance

import (
	"os"

	"github.com/angelmondragon/bodyscan-backend/pkg/env"
)

// GetID names this process for logs and stream consumer registration.
// WORKER_ID wins over the platform dyno name, then the hostname.
func GetID() string {
	if id := env.First("WORKER_ID", "DYNO"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
