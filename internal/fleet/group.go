package fleet

import (
	fleeterrors "github.com/botherd/botherd/internal/common/errors"
)

// GroupConfig controls how a group launches and how large it may grow.
type GroupConfig struct {
	// LaunchInterval is the mandatory delay in seconds between consecutive
	// instance starts in a group launch.
	LaunchInterval int `json:"launch_interval"`
	MaxInstances   int `json:"max_instances"`
}

// DefaultGroupConfig matches the defaults applied when a group is created
// without explicit configuration.
func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		LaunchInterval: 5,
		MaxInstances:   10,
	}
}

// BotGroup is a named collection of instances. Iteration order is insertion
// order, which also defines the group launch order.
type BotGroup struct {
	Name      string
	Config    GroupConfig
	order     []string
	instances map[string]*BotInstance
}

func newGroup(name string, cfg GroupConfig) *BotGroup {
	return &BotGroup{
		Name:      name,
		Config:    cfg,
		instances: make(map[string]*BotInstance),
	}
}

// add inserts an instance, enforcing uniqueness and the capacity limit.
// Callers hold the Manager lock.
func (g *BotGroup) add(inst *BotInstance) error {
	if _, exists := g.instances[inst.InstanceID]; exists {
		return fleeterrors.InstanceExists(g.Name, inst.InstanceID)
	}
	if g.Config.MaxInstances > 0 && len(g.order) >= g.Config.MaxInstances {
		return fleeterrors.CapacityExceeded(g.Name, g.Config.MaxInstances)
	}
	g.instances[inst.InstanceID] = inst
	g.order = append(g.order, inst.InstanceID)
	return nil
}

// remove deletes an instance from the group. Callers hold the Manager lock.
func (g *BotGroup) remove(instanceID string) error {
	if _, exists := g.instances[instanceID]; !exists {
		return fleeterrors.InstanceNotFound(g.Name, instanceID)
	}
	delete(g.instances, instanceID)
	for i, id := range g.order {
		if id == instanceID {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return nil
}

func (g *BotGroup) get(instanceID string) (*BotInstance, bool) {
	inst, ok := g.instances[instanceID]
	return inst, ok
}

// Instances returns copies of the group's instances in insertion order.
func (g *BotGroup) Instances() []*BotInstance {
	out := make([]*BotInstance, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.instances[id].clone())
	}
	return out
}

// InstanceIDs returns the instance IDs in insertion order.
func (g *BotGroup) InstanceIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Size returns the number of instances in the group.
func (g *BotGroup) Size() int {
	return len(g.order)
}

// activeCount returns the number of instances with a live process attached.
func (g *BotGroup) activeCount() int {
	n := 0
	for _, inst := range g.instances {
		if inst.IsActive() {
			n++
		}
	}
	return n
}
