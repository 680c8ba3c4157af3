package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scrypster/memento/internal/backup"
	"github.com/scrypster/memento/internal/bridge"
	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/engine"
	"github.com/scrypster/memento/internal/eventbus"
	"github.com/scrypster/memento/internal/evolution"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/storage/postgres"
	"github.com/scrypster/memento/internal/storage/sqlite"
	"github.com/scrypster/memento/internal/supervision"
	"github.com/scrypster/memento/pkg/types"
)

// fullStore is every storage capability mnemosyned's components need wired
// into one value, satisfied by both the sqlite and postgres backends.
type fullStore interface {
	storage.MemoryStore
	storage.LinkStore
	storage.SearchProvider
	storage.GraphProvider
	storage.WorkItemStore
	storage.AgentStore
	storage.EventStore
}

// daemon bundles every long-lived component mnemosyned owns, so main() and
// its tests can start and stop the whole thing through one value instead of
// a pile of loose locals.
type daemon struct {
	store     storage.MemoryStore
	engine    *engine.MemoryEngine
	bus       *eventbus.Bus
	mirror    *eventbus.StateMirror
	scheduler *evolution.Scheduler
	sup       *supervision.Supervisor
	bridge    *bridge.Client
	backup    *backup.BackupService
	eventsSrv *http.Server
}

func main() {
	dataPath := flag.String("data", "", "override MEMENTO_DATA_PATH")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dataPath != "" {
		cfg.Storage.DataPath = *dataPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := startDaemon(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start mnemosyned: %v", err)
	}

	log.Println("mnemosyned running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	d.shutdown(ctx)
	cancel()
}

// startDaemon wires storage, the memory engine, the event bus, the evolution
// scheduler, and the supervision tree into a single running daemon. Split
// out of main so tests can exercise the wiring without a signal loop.
func startDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	var store fullStore
	var idlePath string
	switch cfg.Storage.StorageEngine {
	case "postgres":
		pgStore, err := postgres.NewMemoryStore(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		store = pgStore
	default:
		sqliteStore, err := sqlite.NewMemoryStore(cfg.Storage.DataPath + "/mnemosyne.db")
		if err != nil {
			return nil, err
		}
		store = sqliteStore
		idlePath = cfg.Storage.DataPath + "/mnemosyne.db"
	}

	engineCfg := engine.DefaultConfig()
	memoryEngine, err := engine.NewMemoryEngine(store, engineCfg, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := memoryEngine.Start(ctx); err != nil {
		store.Close()
		return nil, err
	}

	bus := eventbus.New()
	go bus.Run()
	mirror := eventbus.NewStateMirror(bus)

	var eventsSrv *http.Server
	if cfg.Features.EnableWebUI {
		observer := eventbus.NewWebSocketObserver(bus, []string{
			fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
			fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		})
		mux := http.NewServeMux()
		mux.Handle("/ws/events", observer)
		eventsSrv = &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), Handler: mux}
		go func() {
			if err := eventsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("event observer server stopped: %v", err)
			}
		}()
	}

	jobs := []evolution.Job{
		&evolution.ImportanceRecalibrationJob{Store: store},
		&evolution.LinkDecayJob{Links: store, PruneThreshold: cfg.Evolution.LinkPruneThreshold},
		&evolution.ArchivalJob{Store: store},
		&evolution.ConsolidationJob{
			Store:               store,
			Search:              store,
			Consolidator:        memoryEngine,
			SimilarityThreshold: cfg.Evolution.ConsolidationSimilarityThreshold,
			ImportanceCeiling:   cfg.Evolution.ConsolidationImportanceCeiling,
			BatchSize:           cfg.Evolution.ConsolidationBatchSize,
		},
	}
	idleThreshold := time.Duration(cfg.Evolution.IdleThresholdSeconds) * time.Second
	var idle *evolution.IdleDetector
	if idlePath != "" {
		idle, err = evolution.NewIdleDetector(idlePath, idleThreshold)
		if err != nil {
			log.Printf("WARNING: idle-triggered evolution disabled: %v", err)
		}
	} else {
		log.Println("idle-triggered evolution disabled: postgres backend has no WAL file to poll")
	}
	scheduler, err := evolution.NewScheduler(jobs, idle, cfg.Evolution.ScheduleCron)
	if err != nil {
		mirror.Close()
		store.Close()
		return nil, err
	}
	scheduler.Start()

	var backupService *backup.BackupService
	if cfg.Backup.BackupEnabled {
		if idlePath == "" {
			log.Println("backups disabled: automated backup only supports the sqlite backend")
		} else {
			interval, err := time.ParseDuration(cfg.Backup.BackupInterval)
			if err != nil {
				log.Printf("WARNING: invalid MEMENTO_BACKUP_INTERVAL %q, disabling backups: %v", cfg.Backup.BackupInterval, err)
			} else {
				backupService, err = backup.NewBackupService(backup.BackupConfig{
					DBPath:        idlePath,
					BackupDir:     cfg.Backup.BackupPath,
					Interval:      interval,
					VerifyBackups: cfg.Backup.BackupVerify,
					Retention: backup.RetentionPolicy{
						Hourly:  cfg.Backup.BackupRetentionHourly,
						Daily:   cfg.Backup.BackupRetentionDaily,
						Weekly:  cfg.Backup.BackupRetentionWeekly,
						Monthly: cfg.Backup.BackupRetentionMonthly,
					},
				})
				if err != nil {
					log.Printf("WARNING: backup service disabled: %v", err)
					backupService = nil
				} else {
					go func() {
						if err := backupService.Start(ctx); err != nil && err != context.Canceled {
							log.Printf("backup service stopped: %v", err)
						}
					}()
				}
			}
		}
	}

	sup := supervision.NewSupervisor(store, store, bus)
	sup.Start(ctx)

	optimizerHandler := func(ctx context.Context, msg *supervision.Message) error {
		if msg.Kind == supervision.MsgConsolidationTick {
			scheduler.Trigger()
		}
		return nil
	}
	if _, err := sup.Spawn("agent:optimizer", types.RoleOptimizer, "", optimizerHandler); err != nil {
		return nil, err
	}

	reviewerHandler := func(ctx context.Context, msg *supervision.Message) error {
		if msg.Kind != supervision.MsgReview {
			return nil
		}
		result, err := memoryEngine.Review(ctx, msg.ArtifactJSON, msg.Policy)
		if err != nil {
			return err
		}
		msg.ReviewResult = result
		return nil
	}
	if _, err := sup.Spawn("agent:reviewer", types.RoleReviewer, "", reviewerHandler); err != nil {
		return nil, err
	}

	orchestratorHandler := func(ctx context.Context, msg *supervision.Message) error {
		return nil
	}
	if _, err := sup.Spawn("agent:orchestrator", types.RoleOrchestrator, "", orchestratorHandler); err != nil {
		return nil, err
	}

	d := &daemon{store: store, engine: memoryEngine, bus: bus, mirror: mirror, scheduler: scheduler, sup: sup, backup: backupService, eventsSrv: eventsSrv}

	if cfg.Bridge.Binary != "" {
		executorID := "agent:executor-1"
		bridgeClient := bridge.NewClient(executorID, cfg.Bridge.Binary, nil, cfg.Bridge.WorkDir, bus)
		if err := bridgeClient.Spawn(ctx, types.RoleExecutor); err != nil {
			log.Printf("WARNING: executor bridge unavailable: %v", err)
		} else {
			d.bridge = bridgeClient
			handler := supervision.NewExecutorHandler(bridgeClient, sup.Queue(), sup.Registry(), bus, executorID)
			if _, err := sup.Spawn(executorID, types.RoleExecutor, "", handler); err != nil {
				return nil, err
			}
		}
	} else {
		log.Println("MEMENTO_BRIDGE_BINARY not set, running without an Executor bridge")
	}

	return d, nil
}

func (d *daemon) shutdown(ctx context.Context) {
	d.sup.Shutdown()
	d.scheduler.Stop()
	if d.backup != nil {
		if err := d.backup.Stop(); err != nil {
			log.Printf("Error stopping backup service: %v", err)
		}
	}
	if d.eventsSrv != nil {
		if err := d.eventsSrv.Shutdown(ctx); err != nil {
			log.Printf("Error stopping event observer server: %v", err)
		}
	}
	if d.bridge != nil {
		d.bridge.Shutdown(ctx)
	}
	d.bus.Stop()
	d.mirror.Close()
	if err := d.engine.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down memory engine: %v", err)
	}
	if err := d.store.Close(); err != nil {
		log.Printf("Error closing storage: %v", err)
	}
}
