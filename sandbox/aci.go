package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerinstance/armcontainerinstance/v2"

	"github.com/AltairaLabs/DispatchKit/events"
	"github.com/AltairaLabs/DispatchKit/logger"
)

// ErrSandboxNotFound is returned when an operation references a task with
// no tracked sandbox.
var ErrSandboxNotFound = errors.New("sandbox: sandbox not found")

const (
	defaultPollInterval = 10 * time.Second
	logsTailLines       = 1000

	containerStateTerminated = "Terminated"
)

// startupScript clones the requested repository, using the credential token
// when one is present, and runs the assistant CLI against the checkout.
// Variable values arrive through the container environment, never inline.
const startupScript = `set -e
if [ -n "$CREDENTIAL_TOKEN" ]; then
    REPO_PATH=$(echo "$REPOSITORY_URL" | sed "s|https://github.com/||")
    git clone "https://${CREDENTIAL_TOKEN}@github.com/${REPO_PATH}" /workspace/repo
else
    git clone "$REPOSITORY_URL" /workspace/repo
fi
cd /workspace/repo
claude --dangerously-skip-permissions -p "$PROMPT" 2>&1`

// API is the slice of the container-instance control plane the manager
// drives. The default implementation talks to Azure Resource Manager;
// tests substitute their own.
type API interface {
	CreateGroup(ctx context.Context, name string, group armcontainerinstance.ContainerGroup) (armcontainerinstance.ContainerGroup, error)
	GetGroup(ctx context.Context, name string) (armcontainerinstance.ContainerGroup, error)
	DeleteGroup(ctx context.Context, name string) error
	ContainerLogs(ctx context.Context, groupName, containerName string, tail int32) (string, error)
}

// Manager provisions container groups and tracks the live sandboxes by
// task ID. All methods are safe for concurrent use.
type Manager struct {
	subscriptionID string
	resourceGroup  string
	location       string

	bus          *events.EventBus
	pollInterval time.Duration

	mu     sync.Mutex
	api    API
	active map[string]*Sandbox
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventBus publishes sandbox lifecycle events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithAPI replaces the Azure Resource Manager backend.
func WithAPI(api API) Option {
	return func(m *Manager) { m.api = api }
}

// WithPollInterval sets how often Wait polls the container group.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// NewManager creates a Manager provisioning container groups in the given
// subscription, resource group, and location. The Azure clients are built
// lazily on first use, so a process that never creates a sandbox never
// needs Azure credentials.
func NewManager(subscriptionID, resourceGroup, location string, opts ...Option) *Manager {
	m := &Manager{
		subscriptionID: subscriptionID,
		resourceGroup:  resourceGroup,
		location:       location,
		pollInterval:   defaultPollInterval,
		active:         make(map[string]*Sandbox),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// client returns the ARM-backed API, building it on first use.
func (m *Manager) client() (API, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.api != nil {
		return m.api, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	groups, err := armcontainerinstance.NewContainerGroupsClient(m.subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create container groups client: %w", err)
	}
	containers, err := armcontainerinstance.NewContainersClient(m.subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create containers client: %w", err)
	}

	m.api = &armClient{
		resourceGroup: m.resourceGroup,
		groups:        groups,
		containers:    containers,
	}
	return m.api, nil
}

// Create provisions a container group for the task and starts tracking it.
// The returned sandbox carries the status mapped from the provisioning
// state. Any failure surfaces as a *CreationError and nothing is retained.
func (m *Manager) Create(ctx context.Context, taskID string, cfg Config) (*Sandbox, error) {
	start := time.Now()
	name := ContainerGroupName(taskID)
	logger.SandboxEvent("create", taskID, name, "image", cfg.Image)

	api, err := m.client()
	if err != nil {
		return nil, m.creationFailed(taskID, name, err)
	}

	created, err := api.CreateGroup(ctx, name, buildContainerGroup(m.location, taskID, cfg))
	if err != nil {
		return nil, m.creationFailed(taskID, name, err)
	}

	status := StatusRunning
	if created.Properties != nil && created.Properties.ProvisioningState != nil {
		status = mapProvisioningState(*created.Properties.ProvisioningState)
	}

	sb := &Sandbox{
		TaskID:             taskID,
		ContainerGroupName: name,
		Status:             status,
		CreatedAt:          time.Now(),
	}
	m.mu.Lock()
	m.active[taskID] = sb
	m.mu.Unlock()

	duration := time.Since(start)
	logger.SandboxEvent("created", taskID, name, "status", string(status), "duration", duration)
	m.emit(&events.Event{
		Type:      events.EventSandboxCreated,
		Timestamp: time.Now(),
		TaskID:    taskID,
		Data:      &events.SandboxCreatedData{ContainerGroup: name, Duration: duration},
	})
	return sb, nil
}

func (m *Manager) creationFailed(taskID, name string, cause error) error {
	logger.SandboxEvent("create_failed", taskID, name, "error", cause)
	m.emit(&events.Event{
		Type:      events.EventSandboxCreateFailed,
		Timestamp: time.Now(),
		TaskID:    taskID,
		Data:      &events.SandboxCreateFailedData{ContainerGroup: name, Error: cause},
	})
	return &CreationError{TaskID: taskID, Cause: cause}
}

// Destroy deletes the task's container group and stops tracking it. It is
// idempotent and best-effort: an unknown task is a no-op and delete
// failures are logged, not returned. Destroy never returns an error.
func (m *Manager) Destroy(ctx context.Context, taskID string) error {
	m.mu.Lock()
	sb, ok := m.active[taskID]
	delete(m.active, taskID)
	m.mu.Unlock()
	if !ok {
		logger.Warn("Destroy requested for unknown sandbox", "task_id", taskID)
		return nil
	}

	if api, err := m.client(); err != nil {
		logger.Warn("Sandbox teardown skipped", "task_id", taskID, "error", err)
	} else if err := api.DeleteGroup(ctx, sb.ContainerGroupName); err != nil {
		logger.Warn("Sandbox teardown failed",
			"task_id", taskID, "container_group", sb.ContainerGroupName, "error", err)
	}

	logger.SandboxEvent("destroyed", taskID, sb.ContainerGroupName)
	m.emit(&events.Event{
		Type:      events.EventSandboxDestroyed,
		Timestamp: time.Now(),
		TaskID:    taskID,
		Data:      &events.SandboxDestroyedData{ContainerGroup: sb.ContainerGroupName},
	})
	return nil
}

// GetStatus reports the tracked status for the task's sandbox. Unknown
// tasks report terminated, since a sandbox that is not tracked has either
// been destroyed or never existed.
func (m *Manager) GetStatus(ctx context.Context, taskID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.active[taskID]
	if !ok {
		return StatusTerminated, nil
	}
	return sb.Status, nil
}

// SetStatus records a pipeline-observed phase, such as cloning, which the
// container group API has no notion of. Unknown tasks are ignored.
func (m *Manager) SetStatus(taskID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.active[taskID]; ok {
		sb.Status = status
	}
}

// Wait polls the container group until its container reaches a terminal
// state and reports it: terminated for a zero exit code, failed for
// anything else. An unknown task reports terminated immediately.
func (m *Manager) Wait(ctx context.Context, taskID string) (Status, error) {
	m.mu.Lock()
	sb, ok := m.active[taskID]
	m.mu.Unlock()
	if !ok {
		return StatusTerminated, nil
	}

	api, err := m.client()
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		group, err := api.GetGroup(ctx, sb.ContainerGroupName)
		if err != nil {
			return "", fmt.Errorf("sandbox: poll container group %s: %w", sb.ContainerGroupName, err)
		}
		if status, done := terminalContainerStatus(group); done {
			m.SetStatus(taskID, status)
			return status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Logs fetches the tail of the task container's log.
func (m *Manager) Logs(ctx context.Context, taskID string) (string, error) {
	m.mu.Lock()
	sb, ok := m.active[taskID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: task %s", ErrSandboxNotFound, taskID)
	}

	api, err := m.client()
	if err != nil {
		return "", err
	}
	content, err := api.ContainerLogs(ctx, sb.ContainerGroupName, sb.ContainerGroupName, logsTailLines)
	if err != nil {
		return "", fmt.Errorf("sandbox: fetch logs for %s: %w", sb.ContainerGroupName, err)
	}
	return content, nil
}

func (m *Manager) emit(event *events.Event) {
	if m.bus != nil {
		m.bus.Publish(event)
	}
}

// buildContainerGroup assembles the single-container Linux group for a
// task. The clone-and-run command is attached only when a repository is
// requested; otherwise the image's default command runs.
func buildContainerGroup(location, taskID string, cfg Config) armcontainerinstance.ContainerGroup {
	name := ContainerGroupName(taskID)

	container := &armcontainerinstance.Container{
		Name: to.Ptr(name),
		Properties: &armcontainerinstance.ContainerProperties{
			Image: to.Ptr(cfg.Image),
			Resources: &armcontainerinstance.ResourceRequirements{
				Requests: &armcontainerinstance.ResourceRequests{
					CPU:        to.Ptr(cfg.CPU),
					MemoryInGB: to.Ptr(cfg.MemoryGB),
				},
			},
			EnvironmentVariables: buildEnvironment(taskID, cfg),
		},
	}
	if cfg.RepositoryURL != "" {
		container.Properties.Command = []*string{
			to.Ptr("/bin/bash"),
			to.Ptr("-c"),
			to.Ptr(startupScript),
		}
	}

	return armcontainerinstance.ContainerGroup{
		Location: to.Ptr(location),
		Properties: &armcontainerinstance.ContainerGroupPropertiesProperties{
			Containers:    []*armcontainerinstance.Container{container},
			OSType:        to.Ptr(armcontainerinstance.OperatingSystemTypesLinux),
			RestartPolicy: to.Ptr(armcontainerinstance.ContainerGroupRestartPolicyNever),
		},
	}
}

// buildEnvironment maps the config onto container variables. Caller
// secrets and the credential token ride as secure values; the repository
// URL, prompt, and task ID are plain. TASK_ID is attached only when the
// container has work that reports back, meaning a repository or a
// credential is present.
func buildEnvironment(taskID string, cfg Config) []*armcontainerinstance.EnvironmentVariable {
	var env []*armcontainerinstance.EnvironmentVariable

	keys := make([]string, 0, len(cfg.Environment))
	for k := range cfg.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, &armcontainerinstance.EnvironmentVariable{
			Name:        to.Ptr(k),
			SecureValue: to.Ptr(cfg.Environment[k]),
		})
	}

	if cfg.RepositoryURL != "" {
		env = append(env, &armcontainerinstance.EnvironmentVariable{
			Name:  to.Ptr("REPOSITORY_URL"),
			Value: to.Ptr(cfg.RepositoryURL),
		})
	}
	if cfg.CredentialToken != "" {
		env = append(env, &armcontainerinstance.EnvironmentVariable{
			Name:        to.Ptr("CREDENTIAL_TOKEN"),
			SecureValue: to.Ptr(cfg.CredentialToken),
		})
	}
	if cfg.Prompt != "" {
		env = append(env, &armcontainerinstance.EnvironmentVariable{
			Name:  to.Ptr("PROMPT"),
			Value: to.Ptr(cfg.Prompt),
		})
	}
	if cfg.RepositoryURL != "" || cfg.CredentialToken != "" {
		env = append(env, &armcontainerinstance.EnvironmentVariable{
			Name:  to.Ptr("TASK_ID"),
			Value: to.Ptr(taskID),
		})
	}
	return env
}

// mapProvisioningState folds the ARM provisioning state into a sandbox
// status: Failed maps to failed, Creating and Pending to creating, and
// everything else, including Succeeded, to running.
func mapProvisioningState(state string) Status {
	switch state {
	case "Failed":
		return StatusFailed
	case "Creating", "Pending":
		return StatusCreating
	default:
		return StatusRunning
	}
}

// terminalContainerStatus reports whether every container in the group has
// terminated, and with what outcome. A failed provisioning state is
// terminal regardless of container states.
func terminalContainerStatus(group armcontainerinstance.ContainerGroup) (Status, bool) {
	props := group.Properties
	if props == nil {
		return "", false
	}
	if props.ProvisioningState != nil && mapProvisioningState(*props.ProvisioningState) == StatusFailed {
		return StatusFailed, true
	}
	if len(props.Containers) == 0 {
		return "", false
	}
	for _, c := range props.Containers {
		if c == nil || c.Properties == nil || c.Properties.InstanceView == nil {
			return "", false
		}
		current := c.Properties.InstanceView.CurrentState
		if current == nil || current.State == nil || *current.State != containerStateTerminated {
			return "", false
		}
		if current.ExitCode != nil && *current.ExitCode != 0 {
			return StatusFailed, true
		}
	}
	return StatusTerminated, true
}

// armClient adapts the generated ARM clients to the API interface,
// resolving long-running operations before returning.
type armClient struct {
	resourceGroup string
	groups        *armcontainerinstance.ContainerGroupsClient
	containers    *armcontainerinstance.ContainersClient
}

func (c *armClient) CreateGroup(ctx context.Context, name string, group armcontainerinstance.ContainerGroup) (armcontainerinstance.ContainerGroup, error) {
	poller, err := c.groups.BeginCreateOrUpdate(ctx, c.resourceGroup, name, group, nil)
	if err != nil {
		return armcontainerinstance.ContainerGroup{}, err
	}
	res, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return armcontainerinstance.ContainerGroup{}, err
	}
	return res.ContainerGroup, nil
}

func (c *armClient) GetGroup(ctx context.Context, name string) (armcontainerinstance.ContainerGroup, error) {
	res, err := c.groups.Get(ctx, c.resourceGroup, name, nil)
	if err != nil {
		return armcontainerinstance.ContainerGroup{}, err
	}
	return res.ContainerGroup, nil
}

func (c *armClient) DeleteGroup(ctx context.Context, name string) error {
	poller, err := c.groups.BeginDelete(ctx, c.resourceGroup, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *armClient) ContainerLogs(ctx context.Context, groupName, containerName string, tail int32) (string, error) {
	res, err := c.containers.ListLogs(ctx, c.resourceGroup, groupName, containerName,
		&armcontainerinstance.ContainersClientListLogsOptions{Tail: to.Ptr(tail)})
	if err != nil {
		return "", err
	}
	if res.Content == nil {
		return "", nil
	}
	return *res.Content, nil
}
