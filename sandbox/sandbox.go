// Package sandbox provisions and tears down the Azure Container Instances
// container groups tasks execute in. Each task gets one single-container
// Linux group that clones the requested repository, runs the assistant CLI
// against it, and exits.
package sandbox

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a sandbox. creating comes from the
// provisioning state; starting, cloning, and running are set by the
// pipeline as the task moves; terminated and failed come from the
// container's final state.
type Status string

// Sandbox lifecycle states.
const (
	StatusCreating   Status = "creating"
	StatusStarting   Status = "starting"
	StatusCloning    Status = "cloning"
	StatusRunning    Status = "running"
	StatusTerminated Status = "terminated"
	StatusFailed     Status = "failed"
)

// Config describes one sandbox. It is immutable once built; Environment
// values are attached to the container as secure (non-loggable) variables.
type Config struct {
	// Image is the container image carrying git and the assistant CLI.
	Image string

	// CPU is the number of cores requested.
	CPU float64

	// MemoryGB is the memory in gigabytes requested.
	MemoryGB float64

	// Environment holds extra variables, all attached as secure values.
	Environment map[string]string

	// RepositoryURL is the repository the container clones. Empty means
	// the image's default command runs instead of the clone-and-run script.
	RepositoryURL string

	// CredentialToken authenticates private clones. Empty means anonymous.
	CredentialToken string

	// Prompt is the instruction handed to the assistant CLI.
	Prompt string
}

// Sandbox tracks one provisioned container group.
type Sandbox struct {
	TaskID             string
	ContainerGroupName string
	Status             Status
	CreatedAt          time.Time
}

// CreationError reports a sandbox that could not be provisioned.
type CreationError struct {
	TaskID string
	Cause  error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("sandbox: creation failed for task %s: %v", e.TaskID, e.Cause)
}

func (e *CreationError) Unwrap() error {
	return e.Cause
}

// ContainerGroupName derives the container group name for a task:
// "sandbox-" plus the first 8 characters of the task ID.
func ContainerGroupName(taskID string) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return "sandbox-" + short
}
