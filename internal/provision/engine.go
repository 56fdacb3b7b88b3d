// Package provision wires change detection, planning, scheduling and
// execution into the operations exposed on the command line.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/schaermu/seedsync/internal/changes"
	"github.com/schaermu/seedsync/internal/config"
	"github.com/schaermu/seedsync/internal/health"
	"github.com/schaermu/seedsync/internal/observability"
	"github.com/schaermu/seedsync/internal/pipeline"
	"github.com/schaermu/seedsync/internal/planner"
	"github.com/schaermu/seedsync/internal/schedule"
	"github.com/schaermu/seedsync/internal/state"
)

// Analysis is the result of comparing current inputs with the baseline
type Analysis struct {
	Changes        *changes.Report        `json:"changes" yaml:"changes"`
	Recommendation planner.Recommendation `json:"recommendation" yaml:"recommendation"`
	Advice         planner.Advice         `json:"advice" yaml:"advice"`
	ConfigDrift    bool                   `json:"config_drift" yaml:"config_drift"`
	Intent         planner.Intent         `json:"intent" yaml:"intent"`

	snapshot *changes.Snapshot
}

// PlanResult is an analysis expanded into a schedule
type PlanResult struct {
	Analysis  `yaml:",inline"`
	Operation state.OperationType `json:"operation" yaml:"operation"`
	Schedule  *schedule.Scheduled `json:"schedule" yaml:"schedule"`
}

// RunResult is the outcome of Run
type RunResult struct {
	Plan     *PlanResult         `json:"plan" yaml:"plan"`
	DryRun   bool                `json:"dry_run" yaml:"dry_run"`
	Success  bool                `json:"success" yaml:"success"`
	Outcome  *pipeline.Outcome   `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	History  *state.HistoryEntry `json:"history,omitempty" yaml:"history,omitempty"`
	Warnings []string            `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Error    string              `json:"error,omitempty" yaml:"error,omitempty"`
}

// Checklist summarises whether the environment is ready for a run
type Checklist struct {
	Ready           bool                                          `json:"ready" yaml:"ready"`
	Lock            *state.Lock                                   `json:"lock,omitempty" yaml:"lock,omitempty"`
	Baseline        bool                                          `json:"baseline" yaml:"baseline"`
	BaselineTime    time.Time                                     `json:"baseline_time,omitempty" yaml:"baseline_time,omitempty"`
	TrackedFiles    int                                           `json:"tracked_files" yaml:"tracked_files"`
	TrackedDirs     int                                           `json:"tracked_directories" yaml:"tracked_directories"`
	HasState        bool                                          `json:"has_state" yaml:"has_state"`
	ConfigDrift     bool                                          `json:"config_drift" yaml:"config_drift"`
	LastOperation   state.OperationType                           `json:"last_operation,omitempty" yaml:"last_operation,omitempty"`
	CurrentScenario string                                        `json:"current_scenario,omitempty" yaml:"current_scenario,omitempty"`
	Operations      map[state.OperationType]state.OperationStatus `json:"operations,omitempty" yaml:"operations,omitempty"`
	Health          *health.Report                                `json:"health,omitempty" yaml:"health,omitempty"`
	HealthError     string                                        `json:"health_error,omitempty" yaml:"health_error,omitempty"`
}

// Engine orchestrates provisioning operations against one environment
type Engine struct {
	cfg      *config.Config
	store    *state.Store
	detector *changes.Detector
	planner  *planner.Planner
	executor *pipeline.Executor
	health   health.Monitor
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewEngine creates a new provisioning engine. metrics may be nil.
func NewEngine(cfg *config.Config, collab pipeline.Collaborators, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	store := state.NewStore(cfg.Paths.StateDir, cfg.Hash(), cfg.History.Limit, logger)
	return &Engine{
		cfg:      cfg,
		store:    store,
		detector: changes.NewDetector(cfg.Paths.StateDir, cfg.TrackedFiles(), cfg.TrackedDirs(), logger),
		planner:  planner.New(cfg.Estimator()),
		executor: pipeline.NewExecutor(collab, store, metrics, logger),
		health:   collab.Health,
		metrics:  metrics,
		logger:   logger,
	}
}

// Store exposes the state store
func (e *Engine) Store() *state.Store {
	return e.store
}

// Analyze detects changes and recommends what to run. Nothing is persisted.
func (e *Engine) Analyze(ctx context.Context, intent planner.Intent) (*Analysis, error) {
	_, span := observability.Tracer().Start(ctx, "provision.analyze")
	defer span.End()

	if err := planner.ValidateScenario(intent.Scenario, e.cfg.Scenarios); err != nil {
		return nil, err
	}

	report, snap, err := e.detector.Detect()
	if err != nil {
		return nil, fmt.Errorf("failed to detect changes: %w", err)
	}

	// Read before any operation starts: starting restamps the record with
	// the current configuration hash.
	rec := e.store.State()
	in := planner.Inputs{
		HasState:        e.store.HasRecord(),
		ConfigDrift:     e.store.ConfigDrift(),
		CurrentScenario: rec.CurrentScenario,
		Counts:          e.detector.Counts(snap),
	}

	recommendation := e.planner.Analyze(report, intent, in)
	full := e.planner.Estimator().Full(in.Counts)

	e.logger.Info("change analysis complete",
		"has_changes", report.HasChanges,
		"baseline", report.Baseline,
		"config_drift", in.ConfigDrift,
		"affected", recommendation.Affected)

	return &Analysis{
		Changes:        report,
		Recommendation: recommendation,
		Advice:         planner.ShouldUseIncremental(recommendation, full),
		ConfigDrift:    in.ConfigDrift,
		Intent:         intent,
		snapshot:       snap,
	}, nil
}

// Plan analyzes and schedules. Cycles and unknown dependencies surface here,
// before any stage runs.
func (e *Engine) Plan(ctx context.Context, intent planner.Intent) (*PlanResult, error) {
	analysis, err := e.Analyze(ctx, intent)
	if err != nil {
		return nil, err
	}

	plan := e.planner.BuildPlan(analysis.Recommendation, e.detector.Counts(analysis.snapshot))
	scheduled, err := schedule.Schedule(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule plan: %w", err)
	}

	return &PlanResult{
		Analysis:  *analysis,
		Operation: planner.OperationType(analysis.Recommendation, intent),
		Schedule:  scheduled,
	}, nil
}

// Run plans and executes one operation under the operation lock. The new
// baseline is committed only when every required stage succeeded.
func (e *Engine) Run(ctx context.Context, intent planner.Intent, dryRun bool) (*RunResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "provision.run")
	defer span.End()

	e.logger.Info("starting run", "intent", intent.Details(), "dry_run", dryRun)

	pr, err := e.Plan(ctx, intent)
	if err != nil {
		return nil, err
	}

	res := &RunResult{Plan: pr, DryRun: dryRun}
	if dryRun {
		e.logger.Info("dry-run complete, nothing executed",
			"operation", pr.Operation,
			"stages", pr.Schedule.ExecutionOrder)
		res.Success = true
		return res, nil
	}

	ctx = observability.WithOperation(ctx, string(pr.Operation))
	details := intent.Details()
	lock, err := e.store.Start(pr.Operation, details)
	if err != nil {
		return nil, err
	}

	outcome, execErr := e.executor.Execute(ctx, pr.Schedule, pipeline.Options{
		Scenario:            intent.Scenario,
		IncludeBusinessData: intent.IncludeBusinessData,
		AllowDegraded:       e.cfg.Health.AllowDegraded,
		Lock:                lock,
	})
	res.Outcome = outcome
	res.Success = execErr == nil

	if res.Success {
		e.commit(pr, &res.Warnings)
	}

	var results state.Results
	if outcome != nil {
		results = outcome.Results
		res.Warnings = append(res.Warnings, outcome.Warnings...)
	}

	endDetails := maps.Clone(details)
	if execErr != nil {
		endDetails["error"] = execErr.Error()
		res.Error = execErr.Error()
	}

	entry, err := e.store.End(lock, res.Success, results, endDetails)
	if err != nil {
		e.logger.Error("failed to record operation outcome", "error", err)
		res.Warnings = append(res.Warnings, err.Error())
	}
	res.History = entry

	e.metrics.ObserveOperation(string(pr.Operation), res.Success, time.Now())
	if err := e.metrics.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
		e.logger.Warn("failed to write metrics", "path", e.cfg.Metrics.Textfile, "error", err)
	}

	if execErr != nil {
		return res, execErr
	}
	e.logger.Info("run completed successfully", "operation", pr.Operation)
	return res, nil
}

// commit advances the baseline for the categories the run covered and, when
// the run dealt with any configuration drift, the applied configuration
func (e *Engine) commit(pr *PlanResult, warnings *[]string) {
	covered := pr.Recommendation.Covered(pr.Intent)
	saved, err := e.detector.Commit(pr.snapshot, covered)
	if err != nil {
		e.logger.Error("failed to commit snapshot, next run will reprocess", "error", err)
		*warnings = append(*warnings, err.Error())
	}
	e.logger.Debug("snapshot committed", "saved", saved, "covered", covered)

	if pr.ConfigDrift && !pr.Recommendation.FullReset {
		e.logger.Warn("configuration drift left pending, the next regular run resets the environment")
		return
	}
	if err := e.store.MarkApplied(); err != nil {
		e.logger.Error("failed to record applied configuration", "error", err)
		*warnings = append(*warnings, err.Error())
	}
}

// Checklist reports lock, baseline, drift and health without changing anything
func (e *Engine) Checklist(ctx context.Context) (*Checklist, error) {
	lock, err := e.store.CurrentLock()
	if err != nil {
		return nil, err
	}
	snap, err := e.detector.Load()
	if err != nil {
		return nil, err
	}
	rec := e.store.State()

	cl := &Checklist{
		Lock:            lock,
		Baseline:        snap != nil,
		HasState:        e.store.HasRecord(),
		ConfigDrift:     e.store.ConfigDrift(),
		LastOperation:   rec.LastOperation,
		CurrentScenario: rec.CurrentScenario,
		Operations:      rec.Operations,
	}
	if snap != nil {
		cl.BaselineTime = snap.Timestamp
	}
	cl.TrackedFiles, cl.TrackedDirs = e.detector.Tracked()

	if e.health != nil {
		report, err := e.health.CheckAllServices(ctx)
		if err != nil {
			cl.HealthError = err.Error()
		}
		cl.Health = report
	}

	healthy := cl.HealthError == "" && (cl.Health == nil || cl.Health.Overall == health.Healthy ||
		(cl.Health.Overall == health.Degraded && e.cfg.Health.AllowDegraded))
	cl.Ready = lock == nil && healthy
	return cl, nil
}

// Unlock force-clears the operation lock
func (e *Engine) Unlock() (*state.Lock, error) {
	return e.store.ForceUnlock()
}

// History returns up to n entries, newest first
func (e *Engine) History(n int) ([]state.HistoryEntry, error) {
	return e.store.History(n)
}
