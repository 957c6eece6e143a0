package instance

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GetID returns the worker instance identifier used to stamp delivery leases.
// WORKER_ID wins when set; otherwise the hostname plus a random suffix keeps
// two processes on the same host from sharing a lease owner.
func GetID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
