// Package repair implements Component G: the Repair Engine. It runs one
// pattern-keyed RepairStrategy through the admission -> lock -> dry-run gate
// -> backup -> execute -> validate -> commit state machine (spec §4.G),
// backed by the lock manager (internal/lockmgr), the backup store
// (internal/backup), and the pattern learner (internal/learner). The
// strategy registry is grounded on the teacher's handler registry
// (internal/attractor/engine.HandlerRegistry): a type-keyed map resolved by
// pattern id, with a NewDefaultRegistry-equivalent constructor wiring the
// built-in strategies.
package repair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/poppobuilder/internal/backoff"
	"github.com/danshapiro/poppobuilder/internal/backup"
	"github.com/danshapiro/poppobuilder/internal/domain"
	"github.com/danshapiro/poppobuilder/internal/learner"
	"github.com/danshapiro/poppobuilder/internal/lockmgr"
	"github.com/danshapiro/poppobuilder/internal/poppoerrors"
)

// testCommandMaxAttempts bounds retries of a failing test command before
// the repair is rolled back. A test command can fail transiently (a
// flaky integration test, a momentarily-locked port); validation failures
// from strategy.Validate are never retried, only the external command.
const testCommandMaxAttempts = 3

// Context carries the ambient parameters strategies need beyond the event
// itself: the repo root repair edits are relative to, and the EP004
// whitelist of default-config basenames that may be auto-created.
type Context struct {
	WorkingDir string
	Whitelist  []string
}

// Strategy is a pattern-keyed repair plug-in (spec §4 glossary: Pattern /
// RepairStrategy).
type Strategy interface {
	PatternID() string
	TestRequired() bool
	CanRepair(event domain.ErrorEvent, ctx Context) bool
	Files(event domain.ErrorEvent, ctx Context) []string
	Repair(event domain.ErrorEvent, ctx Context) (domain.RepairResult, error)
	Validate(result domain.RepairResult, ctx Context) (bool, string)
}

// Registry resolves a Strategy by pattern id, first-match semantics mirroring
// the teacher's HandlerRegistry.Resolve.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register installs s under its own PatternID, replacing any prior entry.
func (r *Registry) Register(s Strategy) {
	r.strategies[s.PatternID()] = s
}

// Resolve looks up the strategy registered for patternID.
func (r *Registry) Resolve(patternID string) (Strategy, bool) {
	s, ok := r.strategies[patternID]
	return s, ok
}

// NewDefaultRegistry builds a Registry with the built-in strategies: EP001
// (null/optional access), EP004 (whitelisted default config creation), and
// EP010 (progressive JSON repair).
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&NullAccessStrategy{})
	r.Register(&MissingConfigStrategy{})
	r.Register(&JSONRepairStrategy{})
	return r
}

// Status is the terminal disposition of one AttemptRepair call.
type Status string

const (
	StatusCommitted    Status = "committed"
	StatusRolledBack   Status = "rolledBack"
	StatusNotRepairable Status = "notRepairable"
	StatusBusy         Status = "busy"
	StatusDryRun       Status = "dryRun"
)

// Outcome is what AttemptRepair returns.
type Outcome struct {
	Status Status
	Reason string
	Result domain.RepairResult
	Entry  domain.RepairHistoryEntry
}

// Options parameterizes one attempt.
type Options struct {
	DryRun   bool
	SkipTest bool
}

// Config wires an Engine's dependencies.
type Config struct {
	Locks          *lockmgr.Manager
	Backups        *backup.Store
	Learner        *learner.Store
	Registry       *Registry
	HistoryDir     string
	LockTimeout    time.Duration // default 10s
	TestCommand    []string
	TestTimeout    time.Duration // default 2m
	WorkingDir     string
	ConfigWhitelist []string
}

// Engine orchestrates repair attempts (spec §4.G).
type Engine struct {
	locks       *lockmgr.Manager
	backups     *backup.Store
	learner     *learner.Store
	registry    *Registry
	history     *historyStore
	lockTimeout time.Duration
	testCommand []string
	testTimeout time.Duration
	ctx         Context
	idSource    func() string
	now         func() time.Time
}

// New constructs an Engine from cfg, defaulting LockTimeout/TestTimeout and
// the strategy registry if unset.
func New(cfg Config) (*Engine, error) {
	if cfg.Locks == nil || cfg.Backups == nil || cfg.Learner == nil {
		return nil, fmt.Errorf("%w: repair engine requires locks, backups, and learner", poppoerrors.ErrConfig)
	}
	if cfg.Registry == nil {
		cfg.Registry = NewDefaultRegistry()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = 2 * time.Minute
	}
	return &Engine{
		locks:       cfg.Locks,
		backups:     cfg.Backups,
		learner:     cfg.Learner,
		registry:    cfg.Registry,
		history:     newHistoryStore(cfg.HistoryDir),
		lockTimeout: cfg.LockTimeout,
		testCommand: cfg.TestCommand,
		testTimeout: cfg.TestTimeout,
		ctx:         Context{WorkingDir: cfg.WorkingDir, Whitelist: cfg.ConfigWhitelist},
		idSource:    func() string { return ulid.Make().String() },
		now:         time.Now,
	}, nil
}

// AttemptRepair runs the full admission -> lock -> dry-run gate -> backup ->
// execute -> validate -> commit state machine for event.
func (e *Engine) AttemptRepair(ctx context.Context, event domain.ErrorEvent, opts Options) (Outcome, error) {
	repairID := e.idSource()
	patternID := event.Classification.PatternID

	// 1. Admission.
	if !event.Classification.Matched {
		return Outcome{Status: StatusNotRepairable, Reason: "classification not matched"}, nil
	}
	strategy, ok := e.registry.Resolve(patternID)
	if !ok {
		return Outcome{Status: StatusNotRepairable, Reason: "no strategy registered for " + patternID}, nil
	}
	if e.learner.IsDisabled(patternID) {
		return Outcome{Status: StatusNotRepairable, Reason: "pattern disabled"}, nil
	}
	if st, found := e.learner.Stats(patternID); found && st.Attempts > 10 && st.SuccessRate < 0.3 {
		return Outcome{Status: StatusNotRepairable, Reason: "pattern track record too poor"}, nil
	}
	if !strategy.CanRepair(event, e.ctx) {
		return Outcome{Status: StatusNotRepairable, Reason: "strategy declined"}, nil
	}

	// 2. Lock.
	priority := domain.SeverityToPriority(event.Classification.Severity)
	lockKey := lockKeyFor(event)
	handle, err := e.locks.Acquire(ctx, lockKey, lockmgr.AcquireOptions{
		Priority: priority,
		PID:      os.Getpid(),
		TaskID:   repairID,
		TTL:      e.lockTimeout,
	}, e.lockTimeout)
	if err != nil {
		if errors.Is(err, poppoerrors.ErrAcquireTimeout) || errors.Is(err, poppoerrors.ErrDeadlockAbort) {
			return Outcome{Status: StatusBusy, Reason: err.Error()}, nil
		}
		return Outcome{}, err
	}
	defer handle.Release()

	start := e.now()

	// 3. Dry-run gate.
	if opts.DryRun {
		entry := domain.RepairHistoryEntry{
			RepairID: repairID, Timestamp: e.now(), PatternID: patternID,
			ErrorHash: event.Hash, OK: true, DurationMS: 0, TestResult: "dry-run",
		}
		if err := e.history.Append(entry); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: StatusDryRun, Result: domain.RepairResult{OK: true}, Entry: entry}, nil
	}

	// 4. Backup every file the strategy will touch that already exists.
	result := domain.RepairResult{}
	for _, f := range strategy.Files(event, e.ctx) {
		if _, statErr := os.Stat(f); statErr != nil {
			continue
		}
		b, err := e.backups.CreateBackup(f, backup.Meta{RepairID: repairID, PatternID: patternID})
		if err != nil {
			return Outcome{}, err
		}
		result.BackupRefs = append(result.BackupRefs, b.BackupID)
	}

	// 5. Execute.
	execResult, execErr := strategy.Repair(event, e.ctx)
	execResult.BackupRefs = append(result.BackupRefs, execResult.BackupRefs...)
	if execErr != nil {
		e.backups.Rollback(execResult)
		return e.fail(repairID, patternID, event.Hash, start, execResult, execErr.Error())
	}

	// 6. Validate.
	if ok, reason := strategy.Validate(execResult, e.ctx); !ok {
		e.backups.Rollback(execResult)
		return e.fail(repairID, patternID, event.Hash, start, execResult, "validation failed: "+reason)
	}
	if strategy.TestRequired() && !opts.SkipTest {
		if ok, reason := e.runTests(ctx, execResult.FilePath); !ok {
			e.backups.Rollback(execResult)
			return e.fail(repairID, patternID, event.Hash, start, execResult, reason)
		}
	}

	// 7. Commit.
	duration := e.now().Sub(start).Milliseconds()
	if _, err := e.learner.RecordResult(patternID, true, duration); err != nil {
		return Outcome{}, err
	}
	entry := domain.RepairHistoryEntry{
		RepairID: repairID, Timestamp: e.now(), PatternID: patternID,
		ErrorHash: event.Hash, FilePath: execResult.FilePath, OK: true, DurationMS: duration,
	}
	if err := e.history.Append(entry); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusCommitted, Result: execResult, Entry: entry}, nil
}

func (e *Engine) fail(repairID, patternID, hash string, start time.Time, result domain.RepairResult, reason string) (Outcome, error) {
	duration := e.now().Sub(start).Milliseconds()
	if _, err := e.learner.RecordResult(patternID, false, duration); err != nil {
		return Outcome{}, err
	}
	entry := domain.RepairHistoryEntry{
		RepairID: repairID, Timestamp: e.now(), PatternID: patternID,
		ErrorHash: hash, FilePath: result.FilePath, OK: false,
		DurationMS: duration, ErrorDetails: reason,
	}
	if err := e.history.Append(entry); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusRolledBack, Reason: reason, Result: result, Entry: entry}, nil
}

// runTests executes the configured test command if present, else falls back
// to a minimal per-file validator (spec §4.G step 6). A configured test
// command is retried with backoff before being treated as a repair
// failure, since test-command flakiness (a port still bound from the
// previous run, a momentarily unreachable dependency) is not itself
// evidence the repair was wrong.
func (e *Engine) runTests(ctx context.Context, filePath string) (bool, string) {
	if len(e.testCommand) == 0 {
		return minimalValidate(filePath), "minimal validation failed"
	}
	var lastErr error
	for attempt := 1; attempt <= testCommandMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return false, "test command retry cancelled: " + ctx.Err().Error()
			case <-time.After(backoff.DelayForAttempt(attempt-1, backoff.Default(), filePath)):
			}
		}
		runCtx, cancel := context.WithTimeout(ctx, e.testTimeout)
		cmd := exec.CommandContext(runCtx, e.testCommand[0], e.testCommand[1:]...)
		if e.ctx.WorkingDir != "" {
			cmd.Dir = e.ctx.WorkingDir
		}
		lastErr = cmd.Run()
		cancel()
		if lastErr == nil {
			return true, ""
		}
	}
	return false, "test command failed: " + lastErr.Error()
}

func lockKeyFor(event domain.ErrorEvent) string {
	if event.SourceFile != "" {
		return event.SourceFile
	}
	return "unknown:" + event.Hash
}
