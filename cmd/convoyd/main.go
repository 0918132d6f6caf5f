// convoyd is the control-plane daemon for one orchestrator node. It runs
// the cooperating loops — dispatcher, bridge sync, lease renewal, and
// the liveness watchdog — over a single node database, and exposes the
// command gate to decision events flowing through the mesh.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetmind/convoy/pkg/bridge"
	"github.com/fleetmind/convoy/pkg/config"
	"github.com/fleetmind/convoy/pkg/cursor"
	"github.com/fleetmind/convoy/pkg/dag"
	"github.com/fleetmind/convoy/pkg/envelope"
	"github.com/fleetmind/convoy/pkg/eventlog"
	"github.com/fleetmind/convoy/pkg/fence"
	"github.com/fleetmind/convoy/pkg/lease"
	"github.com/fleetmind/convoy/pkg/ledger"
	"github.com/fleetmind/convoy/pkg/mesh"
	"github.com/fleetmind/convoy/pkg/observability"
	"github.com/fleetmind/convoy/pkg/retry"
	"github.com/fleetmind/convoy/pkg/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to convoy.yaml (defaults apply if empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("convoyd exiting", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger = logger.With("node_id", cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "convoyd",
		ServiceVersion: cfg.Bridge.CoreVersion,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.InsecureGRPC,
	})
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := eventlog.Open(filepath.Join(cfg.DataDir, "node.db"))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	log, err := eventlog.NewSQLiteLog(db)
	if err != nil {
		return err
	}
	state, err := cursor.NewSQLiteStore(db, cfg.Mesh.MaxSeenEvents)
	if err != nil {
		return err
	}
	outcomes, err := ledger.NewSQLiteLedger(db, ledger.CommandOutcomes)
	if err != nil {
		return err
	}
	leaseHistory, err := ledger.NewSQLiteLedger(db, ledger.LeaseHistory)
	if err != nil {
		return err
	}
	epochs, err := fence.NewSQLiteEpochStore(db)
	if err != nil {
		return err
	}
	taskStore, err := dag.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	backend, err := buildLeaseBackend(cfg)
	if err != nil {
		return err
	}
	if !backend.Strong() {
		logger.Warn("lease backend is best-effort; do not rely on it for multi-node leadership",
			"backend", cfg.Lease.Backend)
	}
	manager := lease.NewManager(backend, lease.Options{
		CandidateID: cfg.NodeID,
		TTL:         cfg.Lease.TTL,
		Grace:       cfg.Lease.Grace,
		History:     leaseHistory,
		Logger:      logger,
	})

	scheduler := dag.NewScheduler(taskStore, dag.SchedulerOptions{
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		ReclaimGrace: cfg.Scheduler.ReclaimGrace,
		Logger:       logger,
	})

	gate := fence.NewGate(epochs, &loggingActuator{logger: logger}, outcomes, logger)

	registry := mesh.NewRegistry()
	if err := registry.Register("decisions", mesh.AnyType, decisionHandler(manager, gate, logger)); err != nil {
		return err
	}
	registry.Seal()

	m := mesh.New(log, state, registry, mesh.Options{
		NodeID:         cfg.NodeID,
		Source:         "convoyd",
		HandlerTimeout: cfg.Mesh.HandlerTimeout,
		BatchSize:      cfg.Mesh.BatchSize,
		CycleRate:      rateLimit(cfg.Mesh.CyclesPerSecond),
		Logger:         logger,
		Observer:       obs,
	})

	store, err := buildBridgeStore(ctx, cfg)
	if err != nil {
		return err
	}
	exporter := bridge.NewExporter(cfg.NodeID, log, state, store, logger)
	importer := bridge.NewImporter(cfg.NodeID, log, state, store, logger)

	if err := bridge.PublishManifest(ctx, store, &bridge.Manifest{
		NodeID:      cfg.NodeID,
		CoreVersion: cfg.Bridge.CoreVersion,
		Topics:      registry.Topics(),
		GeneratedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	heartbeat := supervisor.NewHeartbeat(filepath.Join(cfg.DataDir, "heartbeat"))

	worker := newLoopWorker(func(workerCtx context.Context) {
		var wg sync.WaitGroup
		wg.Add(4)
		go func() {
			defer wg.Done()
			runDispatch(workerCtx, m, heartbeat, cfg.Mesh.DispatchEvery, cfg.Supervisor.HeartbeatEvery, logger)
		}()
		go func() {
			defer wg.Done()
			manager.Run(workerCtx, cfg.Lease.PollEvery, cfg.Lease.RenewEvery)
		}()
		go func() {
			defer wg.Done()
			runBridgeSync(workerCtx, exporter, importer, cfg.Bridge.SyncEvery, logger)
		}()
		go func() {
			defer wg.Done()
			runSchedulerSync(workerCtx, scheduler, manager, cfg.Lease.PollEvery, logger)
		}()
		wg.Wait()
	})

	watchdog := supervisor.NewWatchdog(heartbeat, worker, supervisor.Options{
		StaleAfter: cfg.Supervisor.StaleAfter,
		Backoff: retry.Policy{
			Base:      cfg.Supervisor.BackoffBase,
			Max:       cfg.Supervisor.BackoffMax,
			MaxJitter: cfg.Supervisor.BackoffBase / 2,
		},
		OnRestart: func(ctx context.Context) error {
			// A restarted worker must not resume emission on a lease
			// that was superseded while it was down.
			_, err := manager.Verify(ctx)
			return err
		},
		Logger: logger,
	})

	logger.Info("convoyd started",
		"lease_backend", cfg.Lease.Backend,
		"bridge_store", cfg.Bridge.Store,
		"data_dir", cfg.DataDir)

	if err := worker.Restart(ctx); err != nil {
		return err
	}
	if err := heartbeat.Beat(); err != nil {
		return err
	}
	go watchdog.Run(ctx, cfg.Supervisor.PollEvery)

	<-ctx.Done()
	logger.Info("shutting down")
	worker.Stop()
	if err := manager.Release(context.Background()); err != nil && !errors.Is(err, lease.ErrNotHeld) {
		logger.Warn("lease release on shutdown failed", "error", err)
	}
	return nil
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func buildLeaseBackend(cfg *config.Config) (lease.Backend, error) {
	switch cfg.Lease.Backend {
	case "file":
		path := cfg.Lease.FilePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "lease.json")
		}
		if err := lease.EnsureDir(path); err != nil {
			return nil, err
		}
		return lease.NewFileBackend(path), nil
	case "redis":
		return lease.NewRedisBackend(cfg.Lease.RedisAddr, "", 0, cfg.Lease.Key), nil
	case "postgres":
		db, err := lease.OpenPostgres(cfg.Lease.PostgresURL)
		if err != nil {
			return nil, err
		}
		return lease.NewPostgresBackend(db, cfg.Lease.Key)
	case "memory":
		return lease.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown lease backend %q", cfg.Lease.Backend)
	}
}

func buildBridgeStore(ctx context.Context, cfg *config.Config) (bridge.Store, error) {
	switch cfg.Bridge.Store {
	case "s3":
		return bridge.NewS3Store(ctx, cfg.Bridge.S3Bucket)
	default:
		dir := cfg.Bridge.Dir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "bridge")
		}
		return bridge.NewDirStore(dir)
	}
}

func rateLimit(cyclesPerSecond float64) rate.Limit {
	if cyclesPerSecond <= 0 {
		return 0
	}
	return rate.Limit(cyclesPerSecond)
}

// decisionHandler turns decision events into epoch-stamped commands when
// this node holds the lease. Followers observe decision events without
// acting on them; the fencing gate rejects anything a superseded leader
// slips through.
func decisionHandler(manager *lease.Manager, gate *fence.Gate, logger *slog.Logger) mesh.Handler {
	return mesh.HandlerFunc(func(ctx context.Context, e *envelope.Event) error {
		if !manager.IsLeader() {
			return nil
		}
		cmd := fence.NewCommand("actuation", manager.Epoch())
		cmd.Payload = e.Payload
		if dagID, ok := e.Payload["execution_dag_id"].(string); ok {
			cmd.ExecutionDAGID = dagID
		}
		if v, ok := e.Payload["decision_table_version"].(string); ok {
			cmd.DecisionTableVersion = v
		}
		cmd.CausalHypothesisID = e.CausationID

		status, err := gate.Submit(ctx, cmd)
		if errors.Is(err, fence.ErrStaleEpoch) {
			// Split-brain attempt was fenced; the event itself is done.
			logger.Warn("own command fenced as stale", "event_id", e.ShortID(), "status", status)
			return nil
		}
		return err
	})
}

// loggingActuator is the end of the line inside this process: real
// actuators live outside the core and subscribe to the outcome ledger.
type loggingActuator struct {
	logger *slog.Logger
}

func (a *loggingActuator) Actuate(ctx context.Context, cmd *fence.Command) error {
	a.logger.Info("command admitted",
		"command_id", cmd.CommandID, "stream", cmd.Stream,
		"leader_epoch", cmd.LeaderEpoch, "execution_dag_id", cmd.ExecutionDAGID)
	return nil
}

func runBridgeSync(ctx context.Context, exporter *bridge.Exporter, importer *bridge.Importer, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exported, err := exporter.Export(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("export cycle failed", "error", err)
			}
			imported, err := importer.Import(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("import cycle failed", "error", err)
			}
			if exported > 0 || imported > 0 {
				logger.Info("bridge sync", "exported", exported, "imported", imported)
			}
		}
	}
}

// runSchedulerSync reclaims abandoned DAG work whenever this node leads.
func runSchedulerSync(ctx context.Context, scheduler *dag.Scheduler, manager *lease.Manager, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !manager.IsLeader() {
				continue
			}
			reclaimed, err := scheduler.Reclaim(ctx, "actuation", manager.Epoch())
			if err != nil {
				logger.Error("reclaim cycle failed", "error", err)
				continue
			}
			if len(reclaimed) > 0 {
				logger.Info("reclaimed abandoned tasks", "count", len(reclaimed))
			}
		}
	}
}

// runDispatch drives dispatch cycles and stamps the liveness heartbeat
// from completed iterations. A dispatcher that stops completing cycles
// goes stale and gets restarted; no independent timer vouches for it.
func runDispatch(ctx context.Context, m *mesh.Mesh, hb *supervisor.Heartbeat, every, beatEvery time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var lastBeat time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := m.Dispatch(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Error("dispatch cycle failed", "error", err)
				}
				continue
			}
			if res.Processed > 0 || res.Failed > 0 {
				logger.Info("dispatch cycle", "processed", res.Processed, "failed", res.Failed)
			}
			if now := time.Now(); now.Sub(lastBeat) >= beatEvery {
				if err := hb.Beat(); err != nil {
					logger.Error("heartbeat write failed", "error", err)
				} else {
					lastBeat = now
				}
			}
		}
	}
}

// loopWorker supervises the daemon's long-lived loops as one unit.
type loopWorker struct {
	start func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	alive  atomic.Bool
}

func newLoopWorker(start func(ctx context.Context)) *loopWorker {
	return &loopWorker{start: start}
}

func (w *loopWorker) Alive() bool { return w.alive.Load() }

// Restart stops any loops still running, then spawns a fresh set. A hung
// set is recovered by canceling its context and waiting it out; a live
// set is never silently kept.
func (w *loopWorker) Restart(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.alive.Store(true)
	go func() {
		defer close(done)
		defer w.alive.Store(false)
		w.start(runCtx)
	}()
	return nil
}

func (w *loopWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *loopWorker) stopLocked() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.cancel = nil
	<-w.done
	w.done = nil
}
