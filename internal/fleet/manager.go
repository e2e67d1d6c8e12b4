package fleet

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	fleeterrors "github.com/botherd/botherd/internal/common/errors"
	"github.com/botherd/botherd/internal/common/logger"
	"github.com/botherd/botherd/internal/events/bus"
	"github.com/botherd/botherd/internal/ports"
)

// Manager is the fleet façade: it owns the group/instance registry and the
// port allocator, serializes all mutations, and publishes lifecycle events.
// Construct one per process and pass it to collaborators explicitly.
type Manager struct {
	groups     map[string]*BotGroup
	groupOrder []string
	alloc      *ports.Allocator
	bus        bus.EventBus
	logger     *logger.Logger
	mu         sync.RWMutex
}

// InstanceRef pairs an instance copy with the group holding it.
type InstanceRef struct {
	Group    string
	Instance *BotInstance
}

// GroupStatus summarizes one group inside a GlobalStatus.
type GroupStatus struct {
	Instances int `json:"instances"`
	Running   int `json:"running"`
}

// GlobalStatus is a point-in-time aggregate over the whole registry.
type GlobalStatus struct {
	TotalGroups    int                    `json:"total_groups"`
	TotalInstances int                    `json:"total_instances"`
	Running        int                    `json:"running"`
	Stopped        int                    `json:"stopped"`
	Paused         int                    `json:"paused"`
	Errored        int                    `json:"errored"`
	TotalMemoryMB  float64                `json:"total_memory_mb"`
	Groups         map[string]GroupStatus `json:"groups"`
}

// NewManager creates a fleet manager. The event bus may be nil, in which case
// lifecycle events are not published.
func NewManager(alloc *ports.Allocator, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		groups: make(map[string]*BotGroup),
		alloc:  alloc,
		bus:    eventBus,
		logger: log,
	}
}

// Allocator returns the port allocator owned by this manager.
func (m *Manager) Allocator() *ports.Allocator {
	return m.alloc
}

// CreateGroup registers a new group.
func (m *Manager) CreateGroup(name string, cfg GroupConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.groups[name]; exists {
		return fleeterrors.GroupExists(name)
	}
	m.groups[name] = newGroup(name, cfg)
	m.groupOrder = append(m.groupOrder, name)

	m.logger.Info("Group created",
		zap.String("group", name),
		zap.Int("max_instances", cfg.MaxInstances))
	return nil
}

// DeleteGroup removes a group. It refuses while any instance still has a
// live process; stop them first.
func (m *Manager) DeleteGroup(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, exists := m.groups[name]
	if !exists {
		return fleeterrors.GroupNotFound(name)
	}
	if active := group.activeCount(); active > 0 {
		return fleeterrors.GroupNotEmpty(name, active)
	}

	if m.alloc != nil {
		for _, id := range group.order {
			m.alloc.Release(id)
		}
	}
	delete(m.groups, name)
	for i, n := range m.groupOrder {
		if n == name {
			m.groupOrder = append(m.groupOrder[:i], m.groupOrder[i+1:]...)
			break
		}
	}

	m.logger.Info("Group deleted", zap.String("group", name))
	return nil
}

// Groups returns the group names in creation order.
func (m *Manager) Groups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.groupOrder))
	copy(out, m.groupOrder)
	return out
}

// GroupConfigOf returns the configuration of a group.
func (m *Manager) GroupConfigOf(name string) (GroupConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	group, exists := m.groups[name]
	if !exists {
		return GroupConfig{}, fleeterrors.GroupNotFound(name)
	}
	return group.Config, nil
}

// GroupInstances returns copies of a group's instances in insertion order.
func (m *Manager) GroupInstances(name string) ([]*BotInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	group, exists := m.groups[name]
	if !exists {
		return nil, fleeterrors.GroupNotFound(name)
	}
	return group.Instances(), nil
}

// CreateInstance registers a new managed instance in Stopped state.
func (m *Manager) CreateInstance(groupName, instanceID string, botType BotType, cfg InstanceConfig) (*BotInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, exists := m.groups[groupName]
	if !exists {
		return nil, fleeterrors.GroupNotFound(groupName)
	}

	inst := NewInstance(instanceID, botType, cfg)
	if err := group.add(inst); err != nil {
		return nil, err
	}

	m.logger.Info("Instance created",
		zap.String("group", groupName),
		zap.String("instance", instanceID),
		zap.String("bot_type", string(botType)))
	return inst.clone(), nil
}

// DeleteInstance removes an instance from its group and releases its ports.
// An instance with a live process is transitioned to Stopped first.
func (m *Manager) DeleteInstance(groupName, instanceID string) error {
	m.mu.Lock()

	group, exists := m.groups[groupName]
	if !exists {
		m.mu.Unlock()
		return fleeterrors.GroupNotFound(groupName)
	}
	inst, ok := group.get(instanceID)
	if !ok {
		m.mu.Unlock()
		return fleeterrors.InstanceNotFound(groupName, instanceID)
	}

	wasActive := inst.IsActive()
	if wasActive || inst.Status == StatusError {
		if err := inst.transition(StatusStopped); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	if err := group.remove(instanceID); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.alloc != nil {
		m.alloc.Release(instanceID)
	}
	m.mu.Unlock()

	if wasActive {
		m.publishStopped(groupName, instanceID)
	}
	m.logger.Info("Instance deleted",
		zap.String("group", groupName),
		zap.String("instance", instanceID))
	return nil
}

// GetInstance returns a copy of an instance.
func (m *Manager) GetInstance(groupName, instanceID string) (*BotInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, err := m.lookup(groupName, instanceID)
	if err != nil {
		return nil, err
	}
	return inst.clone(), nil
}

// lookup resolves an instance. Callers hold the lock.
func (m *Manager) lookup(groupName, instanceID string) (*BotInstance, error) {
	group, exists := m.groups[groupName]
	if !exists {
		return nil, fleeterrors.GroupNotFound(groupName)
	}
	inst, ok := group.get(instanceID)
	if !ok {
		return nil, fleeterrors.InstanceNotFound(groupName, instanceID)
	}
	return inst, nil
}

// MarkStarting transitions Stopped -> Starting ahead of a process spawn.
func (m *Manager) MarkStarting(groupName, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.lookup(groupName, instanceID)
	if err != nil {
		return err
	}
	return inst.transition(StatusStarting)
}

// MarkRunning completes a launch, recording the spawned PID and publishing
// the started event.
func (m *Manager) MarkRunning(groupName, instanceID string, pid int) error {
	m.mu.Lock()
	inst, err := m.lookup(groupName, instanceID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := inst.markRunning(pid); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.publishStarted(groupName, instanceID, pid)
	m.logger.Info("Instance running",
		zap.String("group", groupName),
		zap.String("instance", instanceID),
		zap.Int("pid", pid))
	return nil
}

// MarkStopped transitions an instance to Stopped, clearing its PID, and
// publishes the stopped event. Also used to reset an Error instance.
func (m *Manager) MarkStopped(groupName, instanceID string) error {
	m.mu.Lock()
	inst, err := m.lookup(groupName, instanceID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	wasActive := inst.IsActive()
	if err := inst.transition(StatusStopped); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if wasActive {
		m.publishStopped(groupName, instanceID)
	}
	m.logger.Info("Instance stopped",
		zap.String("group", groupName),
		zap.String("instance", instanceID))
	return nil
}

// SetError records a runtime failure reported by a caller and publishes the
// errored event.
func (m *Manager) SetError(groupName, instanceID, message string) error {
	m.mu.Lock()
	inst, err := m.lookup(groupName, instanceID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := inst.markError(message); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.publishErrored(groupName, instanceID, message)
	m.logger.Warn("Instance errored",
		zap.String("group", groupName),
		zap.String("instance", instanceID),
		zap.String("message", message))
	return nil
}

// Pause toggles a running instance into the paused management view. The OS
// process is not suspended; the PID stays valid.
func (m *Manager) Pause(groupName, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.lookup(groupName, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != StatusRunning {
		return fleeterrors.InvalidTransition(instanceID, string(inst.Status), string(StatusPaused))
	}
	return inst.transition(StatusPaused)
}

// Resume returns a paused instance to Running.
func (m *Manager) Resume(groupName, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.lookup(groupName, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != StatusPaused {
		return fleeterrors.InvalidTransition(instanceID, string(inst.Status), string(StatusRunning))
	}
	return inst.transition(StatusRunning)
}

// AdoptInstance registers an externally started process as a Running adopted
// instance. With autoCreateGroup the target group is created on demand using
// default group configuration.
func (m *Manager) AdoptInstance(groupName, instanceID string, botType BotType, cfg InstanceConfig, pid int, autoCreateGroup bool) (*BotInstance, error) {
	m.mu.Lock()

	group, exists := m.groups[groupName]
	if !exists {
		if !autoCreateGroup {
			m.mu.Unlock()
			return nil, fleeterrors.GroupNotFound(groupName)
		}
		group = newGroup(groupName, DefaultGroupConfig())
		m.groups[groupName] = group
		m.groupOrder = append(m.groupOrder, groupName)
	}

	inst := NewAdoptedInstance(instanceID, botType, cfg, pid)
	if err := group.add(inst); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	cp := inst.clone()
	m.mu.Unlock()

	m.publishStarted(groupName, instanceID, pid)
	m.logger.Info("Instance adopted",
		zap.String("group", groupName),
		zap.String("instance", instanceID),
		zap.Int("pid", pid))
	return cp, nil
}

// AdoptedInstances returns copies of every adopted instance across the fleet.
func (m *Manager) AdoptedInstances() []InstanceRef {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []InstanceRef
	for _, name := range m.groupOrder {
		group := m.groups[name]
		for _, id := range group.order {
			inst := group.instances[id]
			if inst.Origin == OriginAdopted {
				out = append(out, InstanceRef{Group: name, Instance: inst.clone()})
			}
		}
	}
	return out
}

// UpdateResourceUsage stores a fresh resource sample for an active instance.
func (m *Manager) UpdateResourceUsage(groupName, instanceID string, usage ResourceUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.lookup(groupName, instanceID)
	if err != nil {
		return err
	}
	inst.Usage = usage
	return nil
}

// GlobalStatus aggregates the current registry state.
func (m *Manager) GlobalStatus() GlobalStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := GlobalStatus{
		TotalGroups: len(m.groups),
		Groups:      make(map[string]GroupStatus, len(m.groups)),
	}
	names := make([]string, 0, len(m.groups))
	for name := range m.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		group := m.groups[name]
		gs := GroupStatus{Instances: group.Size()}
		for _, inst := range group.instances {
			switch inst.Status {
			case StatusRunning:
				status.Running++
				gs.Running++
			case StatusStopped:
				status.Stopped++
			case StatusPaused:
				status.Paused++
			case StatusError:
				status.Errored++
			}
			status.TotalMemoryMB += inst.Usage.MemoryMB
		}
		status.TotalInstances += group.Size()
		status.Groups[name] = gs
	}
	return status
}

// OnStart registers a callback for instance started events. The callback
// runs on the bus delivery goroutine; panics are recovered and logged.
func (m *Manager) OnStart(fn func(group, instance string, pid int)) error {
	if m.bus == nil {
		return nil
	}
	_, err := m.bus.Subscribe(bus.SubjectInstanceStarted, func(ctx context.Context, event *bus.Event) error {
		defer m.recoverHandler(bus.SubjectInstanceStarted)
		fn(eventString(event, "group"), eventString(event, "instance"), eventInt(event, "pid"))
		return nil
	})
	return err
}

// OnStop registers a callback for instance stopped events.
func (m *Manager) OnStop(fn func(group, instance string)) error {
	if m.bus == nil {
		return nil
	}
	_, err := m.bus.Subscribe(bus.SubjectInstanceStopped, func(ctx context.Context, event *bus.Event) error {
		defer m.recoverHandler(bus.SubjectInstanceStopped)
		fn(eventString(event, "group"), eventString(event, "instance"))
		return nil
	})
	return err
}

// OnError registers a callback for instance errored events.
func (m *Manager) OnError(fn func(group, instance, message string)) error {
	if m.bus == nil {
		return nil
	}
	_, err := m.bus.Subscribe(bus.SubjectInstanceErrored, func(ctx context.Context, event *bus.Event) error {
		defer m.recoverHandler(bus.SubjectInstanceErrored)
		fn(eventString(event, "group"), eventString(event, "instance"), eventString(event, "message"))
		return nil
	})
	return err
}

func (m *Manager) recoverHandler(subject string) {
	if r := recover(); r != nil {
		m.logger.Error("Event callback panicked",
			zap.String("subject", subject),
			zap.Any("panic", r))
	}
}

func (m *Manager) publishStarted(group, instance string, pid int) {
	m.publish(bus.SubjectInstanceStarted, map[string]interface{}{
		"group":    group,
		"instance": instance,
		"pid":      pid,
	})
}

func (m *Manager) publishStopped(group, instance string) {
	m.publish(bus.SubjectInstanceStopped, map[string]interface{}{
		"group":    group,
		"instance": instance,
	})
}

func (m *Manager) publishErrored(group, instance, message string) {
	m.publish(bus.SubjectInstanceErrored, map[string]interface{}{
		"group":    group,
		"instance": instance,
		"message":  message,
	})
}

func (m *Manager) publish(subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "fleet-manager", data)
	if err := m.bus.Publish(context.Background(), subject, event); err != nil {
		m.logger.Warn("Failed to publish lifecycle event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func eventString(event *bus.Event, key string) string {
	if s, ok := event.Data[key].(string); ok {
		return s
	}
	return ""
}

// eventInt reads an integer payload field. NATS delivery round-trips the
// payload through JSON, which turns numbers into float64.
func eventInt(event *bus.Event, key string) int {
	switch v := event.Data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
