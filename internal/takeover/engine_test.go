package takeover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botherd/botherd/internal/common/logger"
	"github.com/botherd/botherd/internal/detect"
	"github.com/botherd/botherd/internal/events/bus"
	"github.com/botherd/botherd/internal/fleet"
	"github.com/botherd/botherd/internal/ports"
)

type fakeScanner struct {
	procs map[string]detect.DetectedProcess
	err   error
}

func (f *fakeScanner) Scan(ctx context.Context) (map[string]detect.DetectedProcess, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.procs, nil
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func newTestManager(t *testing.T) *fleet.Manager {
	t.Helper()
	log := newTestLogger(t)
	alloc := ports.NewAllocator(8000, 9000, log)
	alloc.SetProbe(func(port int) error { return nil })
	return fleet.NewManager(alloc, bus.NewMemoryEventBus(log), log)
}

func maiBotProcess(pid int) detect.DetectedProcess {
	return detect.DetectedProcess{
		ProcessKey: "MaiBot_4321",
		PID:        pid,
		BotType:    fleet.BotTypeMaiBot,
		Name:       "python",
		Exe:        "/usr/bin/python3",
		RootDir:    "/srv/maibot",
		Cmdline:    "python3 main.py",
		MemoryMB:   180,
	}
}

func newTestEngine(t *testing.T, manager *fleet.Manager, scanner Scanner) *Engine {
	t.Helper()
	return NewEngine(manager, scanner, time.Second, newTestLogger(t))
}

func TestEngine_CreateTakeoverInstance(t *testing.T) {
	manager := newTestManager(t)
	scanner := &fakeScanner{procs: map[string]detect.DetectedProcess{
		"MaiBot_4321": maiBotProcess(4321),
	}}
	engine := newTestEngine(t, manager, scanner)

	_, err := engine.Refresh(context.Background())
	require.NoError(t, err)

	// The group must exist unless auto-create is requested.
	_, err = engine.CreateTakeoverInstance("MaiBot_4321", "local_bots", "bot_x", nil, false)
	require.Error(t, err)

	require.NoError(t, manager.CreateGroup("local_bots", fleet.DefaultGroupConfig()))

	inst, err := engine.CreateTakeoverInstance("MaiBot_4321", "local_bots", "bot_x", nil, false)
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusRunning, inst.Status)
	assert.Equal(t, 4321, inst.PID)
	assert.Equal(t, fleet.OriginAdopted, inst.Origin)
	assert.Equal(t, "/srv/maibot", inst.Config.RootDir)
}

func TestEngine_CreateTakeoverInstance_UnknownKey(t *testing.T) {
	manager := newTestManager(t)
	engine := newTestEngine(t, manager, &fakeScanner{})
	require.NoError(t, manager.CreateGroup("local_bots", fleet.DefaultGroupConfig()))

	_, err := engine.CreateTakeoverInstance("MaiBot_9999", "local_bots", "bot_x", nil, false)
	require.Error(t, err)
}

func TestEngine_CreateTakeoverInstance_ConfigOverride(t *testing.T) {
	manager := newTestManager(t)
	scanner := &fakeScanner{procs: map[string]detect.DetectedProcess{
		"MaiBot_4321": maiBotProcess(4321),
	}}
	engine := newTestEngine(t, manager, scanner)
	_, err := engine.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, manager.CreateGroup("local_bots", fleet.DefaultGroupConfig()))

	inst, err := engine.CreateTakeoverInstance("MaiBot_4321", "local_bots", "bot_x", &fleet.InstanceConfig{
		AdapterDir: "/srv/adapter",
		Account:    "10001",
	}, false)
	require.NoError(t, err)
	assert.Equal(t, "/srv/adapter", inst.Config.AdapterDir)
	// The discovered working directory fills a missing root.
	assert.Equal(t, "/srv/maibot", inst.Config.RootDir)
}

func TestEngine_RefreshPropagatesScanFailure(t *testing.T) {
	manager := newTestManager(t)
	engine := newTestEngine(t, manager, &fakeScanner{err: errors.New("proc listing failed")})

	_, err := engine.Refresh(context.Background())
	require.Error(t, err)
}

func TestEngine_BatchTakeover(t *testing.T) {
	manager := newTestManager(t)
	scanner := &fakeScanner{procs: map[string]detect.DetectedProcess{
		"MaiBot_100": {ProcessKey: "MaiBot_100", PID: 100, BotType: fleet.BotTypeMaiBot, RootDir: "/srv/a"},
		"MoFoxBot_200": {ProcessKey: "MoFoxBot_200", PID: 200, BotType: fleet.BotTypeMoFoxBot, RootDir: "/srv/b"},
	}}
	engine := newTestEngine(t, manager, scanner)
	_, err := engine.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, manager.CreateGroup("local_bots", fleet.DefaultGroupConfig()))

	results := engine.BatchTakeover(
		[]string{"MaiBot_100", "MaiBot_404", "MoFoxBot_200"},
		"local_bots", "bot")

	// Partial failure: the unknown key fails, the batch continues.
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "bot_001", results[0].InstanceID)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, "bot_003", results[2].InstanceID)

	instances, err := manager.GroupInstances("local_bots")
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestEngine_MonitorDetectsExit(t *testing.T) {
	manager := newTestManager(t)
	scanner := &fakeScanner{procs: map[string]detect.DetectedProcess{
		"MaiBot_4321": maiBotProcess(4321),
	}}
	engine := newTestEngine(t, manager, scanner)
	_, err := engine.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, manager.CreateGroup("local_bots", fleet.DefaultGroupConfig()))
	_, err = engine.CreateTakeoverInstance("MaiBot_4321", "local_bots", "bot_x", nil, false)
	require.NoError(t, err)

	stopped := make(chan string, 1)
	require.NoError(t, manager.OnStop(func(group, instance string) {
		stopped <- instance
	}))

	alive := true
	engine.SetLivenessProbe(func(pid int) bool { return alive })
	engine.SetUsageSampler(func(pid int) (fleet.ResourceUsage, error) {
		return fleet.ResourceUsage{CPUPercent: 5, MemoryMB: 200, SampledAt: time.Now()}, nil
	})

	// First pass: process alive, usage refreshed.
	engine.MonitorOnce()
	inst, err := manager.GetInstance("local_bots", "bot_x")
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusRunning, inst.Status)
	assert.Equal(t, 200.0, inst.Usage.MemoryMB)

	// Second pass: process gone, instance transitions to Stopped with the
	// PID cleared and the stopped event emitted.
	alive = false
	engine.MonitorOnce()

	inst, err = manager.GetInstance("local_bots", "bot_x")
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusStopped, inst.Status)
	assert.Zero(t, inst.PID)

	select {
	case id := <-stopped:
		assert.Equal(t, "bot_x", id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stopped event")
	}
}

func TestEngine_StartStop(t *testing.T) {
	manager := newTestManager(t)
	engine := NewEngine(manager, &fakeScanner{}, 10*time.Millisecond, newTestLogger(t))
	engine.SetLivenessProbe(func(pid int) bool { return true })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	engine.Start(ctx) // idempotent
	time.Sleep(30 * time.Millisecond)
	engine.Stop()
	engine.Stop() // idempotent
}

func TestEngine_Summarize(t *testing.T) {
	manager := newTestManager(t)
	scanner := &fakeScanner{procs: map[string]detect.DetectedProcess{
		"MaiBot_100":   {ProcessKey: "MaiBot_100", PID: 100, BotType: fleet.BotTypeMaiBot},
		"MoFoxBot_200": {ProcessKey: "MoFoxBot_200", PID: 200, BotType: fleet.BotTypeMoFoxBot},
	}}
	engine := newTestEngine(t, manager, scanner)
	_, err := engine.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, manager.CreateGroup("local_bots", fleet.DefaultGroupConfig()))

	results := engine.BatchTakeover([]string{"MaiBot_100", "MoFoxBot_200"}, "local_bots", "bot")
	require.Len(t, results, 2)

	engine.SetLivenessProbe(func(pid int) bool { return pid == 100 })
	engine.SetUsageSampler(func(pid int) (fleet.ResourceUsage, error) {
		return fleet.ResourceUsage{}, nil
	})
	engine.MonitorOnce()

	summary := engine.Summarize()
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.ByStatus[fleet.StatusRunning])
	assert.Equal(t, 1, summary.ByStatus[fleet.StatusStopped])
	assert.Equal(t, 1, summary.ByType[fleet.BotTypeMaiBot])
	assert.Equal(t, 1, summary.ByType[fleet.BotTypeMoFoxBot])
	assert.Equal(t, 2, summary.ByGroup["local_bots"])
}
