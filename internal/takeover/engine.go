// Package takeover adopts externally launched bot processes into the fleet
// registry and monitors their liveness.
package takeover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botherd/botherd/internal/common/logger"
	"github.com/botherd/botherd/internal/detect"
	"github.com/botherd/botherd/internal/fleet"
)

// Scanner lists candidate bot processes. *detect.Detector is the production
// implementation.
type Scanner interface {
	Scan(ctx context.Context) (map[string]detect.DetectedProcess, error)
}

// Result is the per-key outcome of a batch takeover.
type Result struct {
	ProcessKey string
	InstanceID string
	Err        error
}

// Summary aggregates adopted instances by status, bot type and group. It is
// derived from registry state on every call, never stored.
type Summary struct {
	Total    int
	ByStatus map[fleet.Status]int
	ByType   map[fleet.BotType]int
	ByGroup  map[string]int
}

// Engine turns detected processes into adopted registry instances and runs
// the liveness monitor over them.
type Engine struct {
	manager  *fleet.Manager
	scanner  Scanner
	logger   *logger.Logger
	interval time.Duration

	// injectable for tests
	pidExists   func(pid int) bool
	sampleUsage func(pid int) (fleet.ResourceUsage, error)

	detected map[string]detect.DetectedProcess
	mu       sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates a takeover engine polling liveness every interval.
func NewEngine(manager *fleet.Manager, scanner Scanner, interval time.Duration, log *logger.Logger) *Engine {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		manager:     manager,
		scanner:     scanner,
		logger:      log,
		interval:    interval,
		pidExists:   detect.PidExists,
		sampleUsage: detect.SampleUsage,
		detected:    make(map[string]detect.DetectedProcess),
	}
}

// SetLivenessProbe replaces the PID liveness check, for tests.
func (e *Engine) SetLivenessProbe(probe func(pid int) bool) {
	e.pidExists = probe
}

// SetUsageSampler replaces the resource sampler, for tests.
func (e *Engine) SetUsageSampler(sampler func(pid int) (fleet.ResourceUsage, error)) {
	e.sampleUsage = sampler
}

// Refresh runs a scan and replaces the detected-process view.
func (e *Engine) Refresh(ctx context.Context) (map[string]detect.DetectedProcess, error) {
	detected, err := e.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.detected = detected
	e.mu.Unlock()
	return e.Detected(), nil
}

// Detected returns a copy of the last scan's results.
func (e *Engine) Detected() map[string]detect.DetectedProcess {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]detect.DetectedProcess, len(e.detected))
	for key, info := range e.detected {
		out[key] = info
	}
	return out
}

// CreateTakeoverInstance adopts a previously detected process into the named
// group as a Running instance with the discovered PID. The group must exist
// unless the caller opts into auto-creation.
func (e *Engine) CreateTakeoverInstance(processKey, groupName, instanceID string, override *fleet.InstanceConfig, autoCreateGroup bool) (*fleet.BotInstance, error) {
	e.mu.Lock()
	info, ok := e.detected[processKey]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("process %q not detected; run a scan first", processKey)
	}

	cfg := fleet.InstanceConfig{RootDir: info.RootDir}
	if override != nil {
		cfg = *override
		if cfg.RootDir == "" {
			cfg.RootDir = info.RootDir
		}
	}

	inst, err := e.manager.AdoptInstance(groupName, instanceID, info.BotType, cfg, info.PID, autoCreateGroup)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Process taken over",
		zap.String("process_key", processKey),
		zap.String("group", groupName),
		zap.String("instance", instanceID),
		zap.Int("pid", info.PID))
	return inst, nil
}

// BatchTakeover adopts each detected key into the group under generated
// instance ids ("<prefix>_001" onward). Failures are collected per key; the
// batch never aborts early.
func (e *Engine) BatchTakeover(processKeys []string, groupName, instancePrefix string) []Result {
	results := make([]Result, 0, len(processKeys))
	for i, key := range processKeys {
		instanceID := fmt.Sprintf("%s_%03d", instancePrefix, i+1)
		_, err := e.CreateTakeoverInstance(key, groupName, instanceID, nil, false)
		if err != nil {
			e.logger.Warn("Takeover failed",
				zap.String("process_key", key),
				zap.Error(err))
		}
		results = append(results, Result{ProcessKey: key, InstanceID: instanceID, Err: err})
	}
	return results
}

// Start launches the liveness monitor loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.monitorLoop(ctx)
	e.logger.Info("Takeover monitor started", zap.Duration("interval", e.interval))
}

// Stop terminates the monitor loop and waits for it to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("Takeover monitor stopped")
}

func (e *Engine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.MonitorOnce()
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// MonitorOnce polls every adopted instance's PID. A vanished process
// transitions its instance to Stopped (clearing the PID and emitting the
// stopped event); a live one gets a fresh resource sample.
func (e *Engine) MonitorOnce() {
	for _, ref := range e.manager.AdoptedInstances() {
		inst := ref.Instance
		if !inst.IsActive() {
			continue
		}

		if !e.pidExists(inst.PID) {
			if err := e.manager.MarkStopped(ref.Group, inst.InstanceID); err != nil {
				e.logger.Warn("Failed to stop vanished instance",
					zap.String("group", ref.Group),
					zap.String("instance", inst.InstanceID),
					zap.Error(err))
				continue
			}
			e.logger.Info("Adopted process exited",
				zap.String("group", ref.Group),
				zap.String("instance", inst.InstanceID),
				zap.Int("pid", inst.PID))
			continue
		}

		usage, err := e.sampleUsage(inst.PID)
		if err != nil {
			continue
		}
		_ = e.manager.UpdateResourceUsage(ref.Group, inst.InstanceID, usage)
	}
}

// Summarize aggregates the fleet's adopted instances from registry state.
func (e *Engine) Summarize() Summary {
	summary := Summary{
		ByStatus: make(map[fleet.Status]int),
		ByType:   make(map[fleet.BotType]int),
		ByGroup:  make(map[string]int),
	}
	for _, ref := range e.manager.AdoptedInstances() {
		summary.Total++
		summary.ByStatus[ref.Instance.Status]++
		summary.ByType[ref.Instance.BotType]++
		summary.ByGroup[ref.Group]++
	}
	return summary
}
