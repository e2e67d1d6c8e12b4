package fleet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	fleeterrors "github.com/botherd/botherd/internal/common/errors"
)

// SnapshotVersion is the persisted snapshot format this build reads and
// writes. Unknown versions are rejected outright on import.
const SnapshotVersion = "1.0"

// InstanceSnapshot is the persisted record of one instance. Live resource
// samples are transient and deliberately absent.
type InstanceSnapshot struct {
	Config       InstanceConfig `json:"config"`
	BotType      BotType        `json:"bot_type"`
	Origin       Origin         `json:"origin"`
	Status       Status         `json:"status"`
	PID          int            `json:"pid,omitempty"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	UptimeSec    int64          `json:"uptime_sec"`
	ErrorMessage string         `json:"error_message,omitempty"`
	LastUpdate   time.Time      `json:"last_update"`
}

// GroupSnapshot is the persisted record of one group.
type GroupSnapshot struct {
	Config    GroupConfig                 `json:"config"`
	Order     []string                    `json:"order"`
	Instances map[string]InstanceSnapshot `json:"instances"`
}

// Snapshot is the persisted configuration document, one per manager lifetime.
type Snapshot struct {
	Version   string                   `json:"version"`
	CreatedAt time.Time                `json:"created_at"`
	Order     []string                 `json:"order"`
	Groups    map[string]GroupSnapshot `json:"groups"`
}

// ImportResult aggregates the outcome of a snapshot import. Malformed groups
// or instances are collected here while the rest of the snapshot imports.
type ImportResult struct {
	GroupsImported    int
	InstancesImported int
	Errors            []string
}

// Export captures the current registry state as a snapshot document.
func (m *Manager) Export() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{
		Version:   SnapshotVersion,
		CreatedAt: time.Now().UTC(),
		Order:     append([]string(nil), m.groupOrder...),
		Groups:    make(map[string]GroupSnapshot, len(m.groups)),
	}
	for _, name := range m.groupOrder {
		group := m.groups[name]
		gs := GroupSnapshot{
			Config:    group.Config,
			Order:     append([]string(nil), group.order...),
			Instances: make(map[string]InstanceSnapshot, len(group.order)),
		}
		for _, id := range group.order {
			inst := group.instances[id]
			gs.Instances[id] = InstanceSnapshot{
				Config:       inst.Config,
				BotType:      inst.BotType,
				Origin:       inst.Origin,
				Status:       inst.Status,
				PID:          inst.PID,
				StartedAt:    inst.StartedAt,
				UptimeSec:    int64(inst.Uptime().Seconds()),
				ErrorMessage: inst.ErrorMessage,
				LastUpdate:   inst.LastUpdate,
			}
		}
		snap.Groups[name] = gs
	}
	return snap
}

// Import loads a snapshot into the registry. An unknown format version is
// rejected outright; malformed groups and instances are skipped and reported
// per-item in the result while the rest import.
func (m *Manager) Import(snap *Snapshot) (*ImportResult, error) {
	if snap.Version != SnapshotVersion {
		return nil, fleeterrors.SnapshotVersion(snap.Version)
	}

	result := &ImportResult{}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range groupOrder(snap) {
		gs := snap.Groups[name]
		if name == "" {
			result.Errors = append(result.Errors, "group with empty name skipped")
			continue
		}
		if _, exists := m.groups[name]; exists {
			result.Errors = append(result.Errors, fmt.Sprintf("group %q already exists, skipped", name))
			continue
		}

		group := newGroup(name, gs.Config)
		for _, id := range instanceOrder(gs) {
			is := gs.Instances[id]
			inst, err := instanceFromSnapshot(id, is)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("group %q instance %q: %v", name, id, err))
				continue
			}
			if err := group.add(inst); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("group %q instance %q: %v", name, id, err))
				continue
			}
			result.InstancesImported++
		}
		m.groups[name] = group
		m.groupOrder = append(m.groupOrder, name)
		result.GroupsImported++
	}

	m.logger.Info("Snapshot imported",
		zap.Int("groups", result.GroupsImported),
		zap.Int("instances", result.InstancesImported),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// groupOrder returns the persisted group creation order, falling back to the
// map keys for snapshots written without one.
func groupOrder(snap *Snapshot) []string {
	if len(snap.Order) > 0 {
		order := make([]string, 0, len(snap.Order))
		for _, name := range snap.Order {
			if _, ok := snap.Groups[name]; ok {
				order = append(order, name)
			}
		}
		return order
	}
	order := make([]string, 0, len(snap.Groups))
	for name := range snap.Groups {
		order = append(order, name)
	}
	return order
}

// instanceOrder returns the persisted insertion order, falling back to the
// map keys for snapshots written without one.
func instanceOrder(gs GroupSnapshot) []string {
	if len(gs.Order) > 0 {
		order := make([]string, 0, len(gs.Order))
		for _, id := range gs.Order {
			if _, ok := gs.Instances[id]; ok {
				order = append(order, id)
			}
		}
		return order
	}
	order := make([]string, 0, len(gs.Instances))
	for id := range gs.Instances {
		order = append(order, id)
	}
	return order
}

func instanceFromSnapshot(id string, is InstanceSnapshot) (*BotInstance, error) {
	if id == "" {
		return nil, fmt.Errorf("empty instance id")
	}
	switch is.BotType {
	case BotTypeMaiBot, BotTypeMoFoxBot:
	default:
		return nil, fmt.Errorf("unknown bot type %q", is.BotType)
	}
	switch is.Status {
	case StatusStopped, StatusStarting, StatusRunning, StatusPaused, StatusError:
	default:
		return nil, fmt.Errorf("unknown status %q", is.Status)
	}
	origin := is.Origin
	if origin == "" {
		origin = OriginManaged
	}

	inst := &BotInstance{
		InstanceID:   id,
		BotType:      is.BotType,
		Config:       is.Config,
		Status:       is.Status,
		StartedAt:    is.StartedAt,
		ErrorMessage: is.ErrorMessage,
		Origin:       origin,
		LastUpdate:   is.LastUpdate,
	}
	// Persisted state can be stale: only honor the recorded PID when the
	// status implies a live process.
	if inst.IsActive() {
		inst.PID = is.PID
	} else {
		inst.StartedAt = time.Time{}
	}
	return inst, nil
}

// SaveFile writes a snapshot document to path as indented JSON, creating the
// parent directory if needed.
func SaveFile(path string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// LoadFile reads a snapshot document from path.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fleeterrors.ConfigNotFound(path)
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fleeterrors.ConfigParseError(path, err)
	}
	return &snap, nil
}
