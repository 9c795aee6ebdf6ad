// Package pipeline wires Components A-J into the dataflow spec §2
// describes: H -> C -> D -> E -> F -> G -> (A, I), with the Coordinator
// (J) running alongside it and the Lock Manager (B) consulted wherever two
// flows could touch the same resource. Every component is owned by exactly
// one Pipeline value constructed here; nothing else builds a second
// instance of any store, mirroring the teacher's single
// engine-per-run/single-registry-per-server posture
// (internal/attractor/engine.go, internal/server/registry.go in the
// reference tree).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/danshapiro/poppobuilder/internal/backup"
	"github.com/danshapiro/poppobuilder/internal/bus"
	"github.com/danshapiro/poppobuilder/internal/classifier"
	"github.com/danshapiro/poppobuilder/internal/config"
	"github.com/danshapiro/poppobuilder/internal/coordinator"
	"github.com/danshapiro/poppobuilder/internal/domain"
	"github.com/danshapiro/poppobuilder/internal/grouping"
	"github.com/danshapiro/poppobuilder/internal/learner"
	"github.com/danshapiro/poppobuilder/internal/lockmgr"
	"github.com/danshapiro/poppobuilder/internal/repair"
	"github.com/danshapiro/poppobuilder/internal/stats"
	"github.com/danshapiro/poppobuilder/internal/watcher"
)

// IssueTrackerTaskType is the coordinator task type a configured worker
// agent must declare in its Capabilities to receive post-repair
// issue/PR-creation work (spec §4.G step 7, §1 "issue-tracker REST client"
// kept as an external collaborator whose interface, not internals, we own).
const IssueTrackerTaskType domain.TaskType = "issue_tracker_report"

// Pipeline owns one instance of every component and runs the ingest loop.
type Pipeline struct {
	cfg *config.Config

	watcher     *watcher.Watcher
	classifier  *classifier.Classifier
	grouping    *grouping.Engine
	stats       *stats.Store
	learner     *learner.Store
	backups     *backup.Store
	locks       *lockmgr.Manager
	repair      *repair.Engine
	bus         *bus.Bus
	coordinator *coordinator.Coordinator

	logger *log.Logger

	// RepairEnabled gates whether a grouped event triggers AttemptRepair.
	// Operators may run ingestion/grouping/statistics only (no auto-repair)
	// by leaving this false.
	RepairEnabled bool
	// AutoReport requests an issue-tracker task after a committed repair.
	AutoReport bool
}

// New constructs every owned component from cfg and returns a ready
// Pipeline. It does not start the coordinator's supervised children or the
// scan loop; call Run for that.
func New(cfg *config.Config) (*Pipeline, error) {
	w, err := watcher.New(watcher.Config{
		LogDir:             cfg.Watcher.LogDir,
		Glob:               cfg.Watcher.Glob,
		ProcessedPath:      cfg.StateDir + "/processed-errors.json",
		HeaderMarkers:      cfg.Watcher.HeaderMarkers,
		ContinuationIndent: derefInt(cfg.Watcher.ContinuationIndent, 4),
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: watcher: %w", err)
	}

	groupEngine, err := grouping.New(grouping.Config{
		StorePath: cfg.StateDir + "/error-groups.json",
		Threshold: derefFloat(cfg.Grouping.Threshold, grouping.DefaultThreshold),
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: grouping: %w", err)
	}

	statsStore, err := stats.New(stats.Config{StorePath: cfg.StateDir + "/error-statistics.json"})
	if err != nil {
		return nil, fmt.Errorf("pipeline: stats: %w", err)
	}

	learnerStore, err := learner.New(learner.Config{StorePath: cfg.StateDir + "/learning-data.json"})
	if err != nil {
		return nil, fmt.Errorf("pipeline: learner: %w", err)
	}

	backupStore, err := backup.New(backup.Config{
		Dir:           cfg.Backup.Dir,
		RetentionDays: derefInt(cfg.Backup.RetentionDays, 30),
		MaxBackups:    derefInt(cfg.Backup.MaxBackups, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: backup: %w", err)
	}

	logger := log.New(os.Stderr, "[poppo-pipeline] ", log.LstdFlags)
	locks := lockmgr.New(lockmgr.WithDeadlockObserver(func(ev lockmgr.DeadlockEvent) {
		logger.Printf("deadlock-detected: aborted=%s cycle=%v", ev.AbortedTaskID, ev.Cycle)
	}))

	repairEngine, err := repair.New(repair.Config{
		Locks:           locks,
		Backups:         backupStore,
		Learner:         learnerStore,
		HistoryDir:      cfg.RepairHistoryDir,
		LockTimeout:     config.DurationMS(cfg.Repair.LockTimeoutMS, 10*time.Second),
		TestCommand:     cfg.Repair.TestCommand,
		TestTimeout:     config.DurationMS(cfg.Repair.TestTimeoutMS, 2*time.Minute),
		ConfigWhitelist: cfg.Repair.ConfigWhitelist,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: repair: %w", err)
	}

	msgBus, err := bus.New(bus.Config{Root: cfg.MsgBusRoot})
	if err != nil {
		return nil, fmt.Errorf("pipeline: bus: %w", err)
	}

	agents := make([]coordinator.AgentConfig, 0, len(cfg.Coordinator.Agents))
	for _, a := range cfg.Coordinator.Agents {
		caps := make([]domain.TaskType, 0, len(a.Capabilities))
		for _, c := range a.Capabilities {
			caps = append(caps, domain.TaskType(c))
		}
		agents = append(agents, coordinator.AgentConfig{
			Name: a.Name, Command: a.Command, Args: a.Args,
			Capabilities: caps, MaxConcurrent: a.MaxConcurrent,
		})
	}
	coord, err := coordinator.New(coordinator.Config{
		Bus:              msgBus,
		Agents:           agents,
		AutoRestart:      cfg.Coordinator.AutoRestart,
		RestartCoolOff:   config.DurationMS(cfg.Coordinator.RestartCoolOffMS, 5*time.Second),
		PollingInterval:  config.DurationMS(cfg.Coordinator.PollingIntervalMS, 3*time.Second),
		HeartbeatTimeout: config.DurationMS(cfg.Coordinator.HeartbeatTimeoutMS, 60*time.Second),
		ShutdownTimeout:  config.DurationMS(cfg.Coordinator.ShutdownTimeoutMS, 10*time.Second),
		MaxRetries:       derefInt(cfg.Coordinator.MaxRetries, 3),
		Logger:           log.New(os.Stderr, "[poppo-coordinator] ", log.LstdFlags),
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: coordinator: %w", err)
	}

	return &Pipeline{
		cfg:           cfg,
		watcher:       w,
		classifier:    classifier.New(),
		grouping:      groupEngine,
		stats:         statsStore,
		learner:       learnerStore,
		backups:       backupStore,
		locks:         locks,
		repair:        repairEngine,
		bus:           msgBus,
		coordinator:   coord,
		logger:        logger,
		RepairEnabled: true,
	}, nil
}

// Locks exposes the shared Lock Manager so callers (e.g. the status
// server) can report contention without owning a second instance.
func (p *Pipeline) Locks() *lockmgr.Manager { return p.locks }

// Coordinator exposes the shared Coordinator for status introspection.
func (p *Pipeline) Coordinator() *coordinator.Coordinator { return p.coordinator }

// Stats exposes the shared Statistics store for status introspection.
func (p *Pipeline) Stats() *stats.Store { return p.stats }

// Close stops the lock manager's background detector and the coordinator.
func (p *Pipeline) Close() {
	p.coordinator.Stop()
	p.locks.Close()
}

// RunOnce performs one watcher scan and drives every new entry through
// classify -> group -> record-statistics -> (optionally) attempt-repair,
// in file-order then line-order (spec §5 ordering guarantee). It never
// returns early on a single event's failure: the offending event is
// logged and the next one is processed (spec §7 propagation policy).
func (p *Pipeline) RunOnce(ctx context.Context) error {
	entries, err := p.watcher.Scan()
	if err != nil {
		return fmt.Errorf("pipeline: scan: %w", err)
	}

	for _, raw := range entries {
		p.processEntry(ctx, raw)
	}
	return nil
}

func (p *Pipeline) processEntry(ctx context.Context, raw domain.RawLogEntry) {
	event := p.classifier.Classify(raw)

	// The per-hash lock prevents two concurrent ingest paths (e.g. a
	// replayed scan racing a coordinator-submitted event) from grouping
	// the same hash into two different groups (spec §4 "B is consulted
	// wherever two flows could touch the same resource (same error hash,
	// same source file)").
	handle, lockErr := p.locks.Acquire(ctx, "group:"+event.Hash, lockmgr.AcquireOptions{
		Priority: domain.SeverityToPriority(event.Classification.Severity),
		PID:      os.Getpid(),
		TaskID:   event.Hash,
		TTL:      5 * time.Second,
	}, 5*time.Second)
	if lockErr != nil {
		p.logger.Printf("event %s: could not acquire group lock: %v", event.Hash, lockErr)
		return
	}
	groupResult, err := p.grouping.GroupError(event)
	handle.Release()
	if err != nil {
		p.logger.Printf("event %s: grouping failed: %v", event.Hash, err)
		return
	}

	if err := p.stats.Record(event); err != nil {
		p.logger.Printf("event %s: statistics update failed: %v", event.Hash, err)
	}

	if !p.RepairEnabled || !groupResult.New {
		return
	}

	outcome, err := p.repair.AttemptRepair(ctx, event, repair.Options{})
	if err != nil {
		p.logger.Printf("event %s: repair attempt errored: %v", event.Hash, err)
		return
	}
	switch outcome.Status {
	case repair.StatusCommitted:
		p.logger.Printf("event %s: repair committed (%s)", event.Hash, outcome.Entry.RepairID)
		if p.AutoReport {
			p.requestIssueReport(event, groupResult, outcome)
		}
	case repair.StatusRolledBack:
		p.logger.Printf("event %s: repair rolled back: %s", event.Hash, outcome.Reason)
	case repair.StatusBusy:
		p.logger.Printf("event %s: repair deferred, resource busy: %s", event.Hash, outcome.Reason)
	case repair.StatusNotRepairable:
		// Expected and frequent (unmatched/EP000 events, disabled
		// patterns); not worth a log line per occurrence.
	}
}

// requestIssueReport submits a coordinator task so a worker agent declaring
// IssueTrackerTaskType can file the external ticket (spec §4.G step 7,
// §7 "repair failures produce an externally reported ticket").
func (p *Pipeline) requestIssueReport(event domain.ErrorEvent, group grouping.Result, outcome repair.Outcome) {
	p.coordinator.SubmitTask(domain.Task{
		TaskID: outcome.Entry.RepairID,
		Type:   IssueTrackerTaskType,
		Context: map[string]any{
			"groupId": group.GroupID,
			"pattern": event.Classification.PatternID,
		},
		Payload: map[string]any{
			"errorHash": event.Hash,
			"filePath":  outcome.Result.FilePath,
			"action":    outcome.Result.Action,
		},
		Status:    domain.TaskPending,
		CreatedAt: time.Now(),
		Deadline:  time.Now().Add(time.Hour),
	})
}

// Run starts the coordinator and loops RunOnce at the configured scan
// interval until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.coordinator.Start(); err != nil {
		return fmt.Errorf("pipeline: coordinator start: %w", err)
	}
	go p.coordinator.Run(ctx)

	interval := config.DurationMS(p.cfg.Watcher.ScanIntervalMS, 5*time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Printf("scan error: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func derefInt(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}

func derefFloat(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}
