// Package fleet implements the instance/group registry and lifecycle state
// machine for locally managed bot processes.
package fleet

import (
	"time"

	fleeterrors "github.com/botherd/botherd/internal/common/errors"
)

// BotType identifies the kind of bot a process runs.
type BotType string

const (
	BotTypeMaiBot   BotType = "MaiBot"
	BotTypeMoFoxBot BotType = "MoFoxBot"
)

// Origin distinguishes instances created by this system from instances
// adopted via takeover of an externally started process.
type Origin string

const (
	OriginManaged Origin = "managed"
	OriginAdopted Origin = "adopted"
)

// Status represents the lifecycle state of a bot instance.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
)

// validTransitions enumerates the legal lifecycle edges. Anything not listed
// here fails with InvalidTransition and leaves the instance unchanged.
var validTransitions = map[Status][]Status{
	StatusStopped:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusError},
	StatusRunning:  {StatusPaused, StatusStopped, StatusError},
	StatusPaused:   {StatusRunning, StatusStopped, StatusError},
	StatusError:    {StatusStopped},
}

func canTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if to == allowed {
			return true
		}
	}
	return false
}

// InstanceConfig holds the on-disk layout and identity of one bot deployment.
type InstanceConfig struct {
	RootDir      string `json:"root_dir"`
	AdapterDir   string `json:"adapter_dir"`
	NapCatDir    string `json:"napcat_dir,omitempty"`
	Account      string `json:"account,omitempty"`
	WebUIEnabled bool   `json:"webui_enabled"`
}

// ResourceUsage is a transient sample of process resource consumption. It is
// refreshed by an external sampler and never persisted.
type ResourceUsage struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	SampledAt  time.Time `json:"sampled_at"`
}

// BotInstance is one bot process under management. All mutations go through
// the owning Manager, which serializes them; BotInstance itself carries no
// lock.
type BotInstance struct {
	InstanceID   string         `json:"instance_id"`
	BotType      BotType        `json:"bot_type"`
	Config       InstanceConfig `json:"config"`
	Status       Status         `json:"status"`
	PID          int            `json:"pid,omitempty"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	Usage        ResourceUsage  `json:"-"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Origin       Origin         `json:"origin"`
	LastUpdate   time.Time      `json:"last_update"`
}

// NewInstance creates a managed instance in the initial Stopped state.
func NewInstance(instanceID string, botType BotType, cfg InstanceConfig) *BotInstance {
	now := time.Now().UTC()
	return &BotInstance{
		InstanceID: instanceID,
		BotType:    botType,
		Config:     cfg,
		Status:     StatusStopped,
		Origin:     OriginManaged,
		LastUpdate: now,
	}
}

// NewAdoptedInstance creates an instance for an externally started process.
// Adopted instances are discovered already running and never pass through
// Starting.
func NewAdoptedInstance(instanceID string, botType BotType, cfg InstanceConfig, pid int) *BotInstance {
	now := time.Now().UTC()
	return &BotInstance{
		InstanceID: instanceID,
		BotType:    botType,
		Config:     cfg,
		Status:     StatusRunning,
		PID:        pid,
		StartedAt:  now,
		Origin:     OriginAdopted,
		LastUpdate: now,
	}
}

// transition moves the instance to the target status, enforcing the lifecycle
// edges and the pid/started_at invariants. Callers hold the Manager lock.
func (i *BotInstance) transition(to Status) error {
	if !canTransition(i.Status, to) {
		return fleeterrors.InvalidTransition(i.InstanceID, string(i.Status), string(to))
	}
	i.Status = to
	i.LastUpdate = time.Now().UTC()

	switch to {
	case StatusStopped:
		i.PID = 0
		i.StartedAt = time.Time{}
		i.ErrorMessage = ""
		i.Usage = ResourceUsage{}
	case StatusStarting:
		i.PID = 0
		i.ErrorMessage = ""
	}
	return nil
}

// markRunning completes a launch: Starting -> Running with the spawned PID.
func (i *BotInstance) markRunning(pid int) error {
	if err := i.transition(StatusRunning); err != nil {
		return err
	}
	i.PID = pid
	if i.StartedAt.IsZero() {
		i.StartedAt = time.Now().UTC()
	}
	return nil
}

// markError records a failure. Fails unless the current state has an Error
// edge (Starting, Running, Paused).
func (i *BotInstance) markError(message string) error {
	if err := i.transition(StatusError); err != nil {
		return err
	}
	i.PID = 0
	i.ErrorMessage = message
	return nil
}

// Uptime returns how long the instance has been up, or zero when it is not
// running.
func (i *BotInstance) Uptime() time.Duration {
	if i.StartedAt.IsZero() {
		return 0
	}
	return time.Since(i.StartedAt)
}

// IsActive reports whether the instance has a live process attached.
func (i *BotInstance) IsActive() bool {
	return i.Status == StatusRunning || i.Status == StatusPaused
}

// clone returns a copy safe to hand out without holding the Manager lock.
func (i *BotInstance) clone() *BotInstance {
	cp := *i
	return &cp
}
