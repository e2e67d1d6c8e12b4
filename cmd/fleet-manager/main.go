package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/botherd/botherd/internal/common/config"
	fleeterrors "github.com/botherd/botherd/internal/common/errors"
	"github.com/botherd/botherd/internal/common/logger"
	"github.com/botherd/botherd/internal/detect"
	"github.com/botherd/botherd/internal/events/bus"
	"github.com/botherd/botherd/internal/fleet"
	"github.com/botherd/botherd/internal/ports"
	"github.com/botherd/botherd/internal/takeover"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting fleet manager...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Pick the event bus: NATS when configured, in-process otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Build the fleet manager around the port allocator
	alloc := ports.NewAllocator(cfg.Ports.BasePort, cfg.Ports.MaxPort, log)
	manager := fleet.NewManager(alloc, eventBus, log)

	// 6. Restore the persisted snapshot, if one exists
	if snap, err := fleet.LoadFile(cfg.Snapshot.Path); err == nil {
		result, err := manager.Import(snap)
		if err != nil {
			log.Fatal("Failed to import snapshot", zap.Error(err))
		}
		for _, msg := range result.Errors {
			log.Warn("Snapshot record skipped", zap.String("reason", msg))
		}
		log.Info("Snapshot restored",
			zap.Int("groups", result.GroupsImported),
			zap.Int("instances", result.InstancesImported))

		// On-disk ports are ground truth after a restart: seed the
		// allocator from the instances' env files before anything can
		// allocate.
		reconcilePorts(manager, alloc, log)
	} else if !fleeterrors.IsConfigNotFound(err) {
		log.Fatal("Failed to load snapshot", zap.Error(err))
	}

	// 7. Start the takeover engine and its liveness monitor
	detector := detect.NewDetector(nil, log)
	engine := takeover.NewEngine(manager, detector, cfg.Detector.MonitorIntervalDuration(), log)
	if _, err := engine.Refresh(ctx); err != nil {
		log.Warn("Initial process scan failed", zap.Error(err))
	}
	engine.Start(ctx)

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down fleet manager...")

	// 9. Graceful shutdown
	cancel()
	engine.Stop()

	if err := fleet.SaveFile(cfg.Snapshot.Path, manager.Export()); err != nil {
		log.Error("Failed to save snapshot", zap.Error(err))
	}

	log.Info("Fleet manager stopped")
}

// reconcilePorts re-reads each instance's on-disk port assignments into the
// allocator and reports any conflicts left behind by manual edits.
func reconcilePorts(manager *fleet.Manager, alloc *ports.Allocator, log *logger.Logger) {
	for _, groupName := range manager.Groups() {
		instances, err := manager.GroupInstances(groupName)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			if inst.Config.RootDir == "" {
				continue
			}
			assigned, err := ports.ReadAssignedPorts(inst.Config.RootDir)
			if err != nil {
				if !fleeterrors.IsConfigNotFound(err) {
					log.Warn("Failed to read on-disk ports",
						zap.String("group", groupName),
						zap.String("instance", inst.InstanceID),
						zap.Error(err))
				}
				continue
			}
			if assigned.Primary > 0 {
				alloc.Import(inst.InstanceID, ports.RolePrimary, assigned.Primary)
			}
			if assigned.WebUI > 0 {
				alloc.Import(inst.InstanceID, ports.RoleWebUI, assigned.WebUI)
			}
			if inst.Config.AdapterDir != "" {
				companion, err := ports.ReadCompanionPort(string(inst.BotType), inst.Config.AdapterDir)
				if err != nil {
					if !fleeterrors.IsConfigNotFound(err) {
						log.Warn("Failed to read adapter companion port",
							zap.String("group", groupName),
							zap.String("instance", inst.InstanceID),
							zap.Error(err))
					}
				} else if companion > 0 {
					alloc.Import(inst.InstanceID, ports.RoleCompanion, companion)
				}
			}
		}
	}

	for port, holders := range alloc.FindConflicts() {
		log.Warn("Port conflict in on-disk assignments",
			zap.Int("port", port),
			zap.Strings("instances", holders))
	}
}
