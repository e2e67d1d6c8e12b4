// Package launch drives instance lifecycle transitions by spawning and
// stopping bot processes through an external process-manager collaborator.
package launch

import (
	"context"
	"time"

	"go.uber.org/zap"

	fleeterrors "github.com/botherd/botherd/internal/common/errors"
	"github.com/botherd/botherd/internal/common/logger"
	"github.com/botherd/botherd/internal/fleet"
)

// ProcessManager is the collaborator that owns the actual OS processes.
// Start returns the spawned PID; bounding a stuck spawn is the
// collaborator's responsibility, not the launcher's.
type ProcessManager interface {
	Start(ctx context.Context, command, cwd, title string) (pid int, err error)
	Stop(ctx context.Context, pid int) error
	Kill(ctx context.Context, pid int) error
}

// Spec describes how to start one instance's process.
type Spec struct {
	Command string
	Cwd     string
	Title   string
}

// GroupResult is the per-instance outcome of a group launch or stop.
type GroupResult struct {
	InstanceID string
	PID        int
	Err        error
}

// Launcher performs launch/stop orchestration against the fleet registry.
type Launcher struct {
	manager *fleet.Manager
	procs   ProcessManager
	logger  *logger.Logger
}

// NewLauncher creates a launcher using the given process manager.
func NewLauncher(manager *fleet.Manager, procs ProcessManager, log *logger.Logger) *Launcher {
	if log == nil {
		log = logger.Default()
	}
	return &Launcher{manager: manager, procs: procs, logger: log}
}

// LaunchInstance starts one Stopped instance. The registry moves to Starting
// before the spawn and to Running (with the PID) or Error after it; the
// spawn itself runs outside the registry lock.
func (l *Launcher) LaunchInstance(ctx context.Context, groupName, instanceID string, spec Spec) (int, error) {
	if err := l.manager.MarkStarting(groupName, instanceID); err != nil {
		return 0, err
	}

	pid, err := l.procs.Start(ctx, spec.Command, spec.Cwd, spec.Title)
	if err != nil {
		spawnErr := fleeterrors.ProcessSpawnFailed(spec.Command, err)
		if serr := l.manager.SetError(groupName, instanceID, spawnErr.Error()); serr != nil {
			l.logger.Error("Failed to record spawn error",
				zap.String("group", groupName),
				zap.String("instance", instanceID),
				zap.Error(serr))
		}
		return 0, spawnErr
	}

	if err := l.manager.MarkRunning(groupName, instanceID, pid); err != nil {
		return 0, err
	}

	l.logger.Info("Instance launched",
		zap.String("group", groupName),
		zap.String("instance", instanceID),
		zap.Int("pid", pid))
	return pid, nil
}

// LaunchGroup starts a group's instances in registry insertion order,
// waiting the group's launch interval between consecutive starts. Sibling
// instances write to port files during startup; the interval keeps those
// writes from racing. Cancellation is honored between items, never mid-item.
func (l *Launcher) LaunchGroup(ctx context.Context, groupName string, specs map[string]Spec) ([]GroupResult, error) {
	cfg, err := l.manager.GroupConfigOf(groupName)
	if err != nil {
		return nil, err
	}
	instances, err := l.manager.GroupInstances(groupName)
	if err != nil {
		return nil, err
	}
	interval := time.Duration(cfg.LaunchInterval) * time.Second

	var results []GroupResult
	launched := 0
	for _, inst := range instances {
		spec, ok := specs[inst.InstanceID]
		if !ok {
			l.logger.Warn("No launch spec for instance, skipping",
				zap.String("group", groupName),
				zap.String("instance", inst.InstanceID))
			continue
		}

		if launched > 0 && interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}

		pid, err := l.LaunchInstance(ctx, groupName, inst.InstanceID, spec)
		results = append(results, GroupResult{InstanceID: inst.InstanceID, PID: pid, Err: err})
		launched++
	}
	return results, nil
}

// StopInstance stops a live instance through the collaborator and records
// the Stopped transition. With force the collaborator's kill primitive is
// used instead of graceful termination.
func (l *Launcher) StopInstance(ctx context.Context, groupName, instanceID string, force bool) error {
	inst, err := l.manager.GetInstance(groupName, instanceID)
	if err != nil {
		return err
	}
	if !inst.IsActive() {
		return fleeterrors.InvalidTransition(instanceID, string(inst.Status), string(fleet.StatusStopped))
	}

	if force {
		err = l.procs.Kill(ctx, inst.PID)
	} else {
		err = l.procs.Stop(ctx, inst.PID)
	}
	if err != nil {
		l.logger.Warn("Process stop reported an error",
			zap.String("group", groupName),
			zap.String("instance", instanceID),
			zap.Int("pid", inst.PID),
			zap.Error(err))
	}

	return l.manager.MarkStopped(groupName, instanceID)
}

// StopGroup stops every live instance of a group.
func (l *Launcher) StopGroup(ctx context.Context, groupName string, force bool) ([]GroupResult, error) {
	instances, err := l.manager.GroupInstances(groupName)
	if err != nil {
		return nil, err
	}

	var results []GroupResult
	for _, inst := range instances {
		if !inst.IsActive() {
			continue
		}
		err := l.StopInstance(ctx, groupName, inst.InstanceID, force)
		results = append(results, GroupResult{InstanceID: inst.InstanceID, PID: inst.PID, Err: err})
	}
	return results, nil
}

// RestartInstance is stop-then-launch with the same parameters, not a
// distinct primitive. A not-running instance is simply launched.
func (l *Launcher) RestartInstance(ctx context.Context, groupName, instanceID string, spec Spec) (int, error) {
	inst, err := l.manager.GetInstance(groupName, instanceID)
	if err != nil {
		return 0, err
	}
	if inst.IsActive() {
		if err := l.StopInstance(ctx, groupName, instanceID, false); err != nil {
			return 0, err
		}
	} else if inst.Status == fleet.StatusError {
		if err := l.manager.MarkStopped(groupName, instanceID); err != nil {
			return 0, err
		}
	}
	return l.LaunchInstance(ctx, groupName, instanceID, spec)
}
