// Package pipeline runs a scheduled plan against the external collaborators.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/seedsync/internal/health"
	"github.com/schaermu/seedsync/internal/hooks"
	"github.com/schaermu/seedsync/internal/observability"
	"github.com/schaermu/seedsync/internal/planner"
	"github.com/schaermu/seedsync/internal/schedule"
	"github.com/schaermu/seedsync/internal/state"
)

var (
	// ErrStageFailure is matched by every *StageError
	ErrStageFailure = errors.New("stage failure")
	// ErrUnreachable is returned by service-check when the target is down
	ErrUnreachable = errors.New("target environment unreachable")
	// ErrDegraded is returned by service-check when degraded operation is not allowed
	ErrDegraded = errors.New("target environment degraded")
	// ErrNoCollaborator is returned when a stage has nothing to call
	ErrNoCollaborator = errors.New("no collaborator configured")
)

// StageError reports the required stage that aborted a run. A failed
// rollback is attached but never replaces the stage cause.
type StageError struct {
	Stage       string
	Err         error
	RollbackErr error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("stage %q failed: %v", e.Stage, e.Err)
	if e.RollbackErr != nil {
		msg += fmt.Sprintf(" (rollback failed: %v)", e.RollbackErr)
	}
	return msg
}

func (e *StageError) Unwrap() []error {
	return []error{ErrStageFailure, e.Err}
}

// StageStatus is the outcome of one stage
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageResult records one stage of a run
type StageResult struct {
	Name     string        `json:"name" yaml:"name"`
	Status   StageStatus   `json:"status" yaml:"status"`
	Required bool          `json:"required" yaml:"required"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Outcome is everything a run produced, successful or not
type Outcome struct {
	Stages     []StageResult  `json:"stages" yaml:"stages"`
	Results    state.Results  `json:"results" yaml:"results"`
	Health     *health.Report `json:"health,omitempty" yaml:"health,omitempty"`
	Warnings   []string       `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	RolledBack bool           `json:"rolled_back,omitempty" yaml:"rolled_back,omitempty"`
	Duration   time.Duration  `json:"duration" yaml:"duration"`
}

// Collaborators are the external systems stages call into. Validator may be
// nil, in which case validate-data is skipped.
type Collaborators struct {
	Images    hooks.ImageProcessor
	Seeder    hooks.DatabaseSeeder
	Frontend  hooks.FrontendSyncProcessor
	Validator hooks.DataValidator
	Health    health.Monitor
}

// LockGuard tells the executor whether the operation lock is still held
type LockGuard interface {
	Holds(lock *state.Lock) bool
}

// Options carry operator intent through to collaborators
type Options struct {
	Scenario            string
	IncludeBusinessData bool
	AllowDegraded       bool
	Lock                *state.Lock
}

// Executor walks parallel groups in order
type Executor struct {
	collab  Collaborators
	guard   LockGuard
	metrics *observability.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewExecutor creates an executor. guard and metrics may be nil.
func NewExecutor(collab Collaborators, guard LockGuard, metrics *observability.Metrics, logger *slog.Logger) *Executor {
	return &Executor{
		collab:  collab,
		guard:   guard,
		metrics: metrics,
		tracer:  observability.Tracer(),
		logger:  logger,
	}
}

// stageRun is the private result of one stage before it is folded into the
// Outcome
type stageRun struct {
	result  StageResult
	results state.Results
	health  *health.Report
	warning string
	err     error
}

// Execute runs s. Groups run strictly one after another; stages inside a
// group run concurrently and the next group starts only after all of them
// have returned. The first required failure stops the run and triggers a
// rollback of seeded data.
func (e *Executor) Execute(ctx context.Context, s *schedule.Scheduled, opts Options) (*Outcome, error) {
	if err := schedule.Validate(s); err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(attribute.Int("stages", len(s.ExecutionOrder))))
	defer span.End()

	start := time.Now()
	out := &Outcome{Stages: make([]StageResult, 0, len(s.ExecutionOrder))}
	var failure *StageError
	lockLost := false

	for gi, group := range s.ParallelGroups {
		if failure != nil {
			for _, name := range group {
				st, _ := s.Stage(name)
				out.Stages = append(out.Stages, StageResult{Name: name, Status: StageSkipped, Required: st.Required})
			}
			continue
		}

		if !lockLost && e.guard != nil && opts.Lock != nil && !e.guard.Holds(opts.Lock) {
			lockLost = true
			e.logger.WarnContext(ctx, "operation lock was cleared while running, continuing without exclusivity",
				"group", gi)
			out.Warnings = append(out.Warnings, "operation lock was cleared by another process")
		}

		e.logger.DebugContext(ctx, "running stage group", "group", gi, "stages", group)
		runs := e.runGroup(ctx, s, group, opts)

		for _, run := range runs {
			out.Stages = append(out.Stages, run.result)
			out.Results.Merge(run.results)
			if run.health != nil {
				out.Health = run.health
			}
			if run.warning != "" {
				out.Warnings = append(out.Warnings, run.warning)
			}
			if run.err == nil {
				continue
			}
			if run.result.Required {
				if failure == nil {
					failure = &StageError{Stage: run.result.Name, Err: run.err}
				}
				continue
			}
			e.logger.WarnContext(ctx, "optional stage failed", "stage", run.result.Name, "error", run.err)
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %v", run.result.Name, run.err))
		}
	}

	if failure != nil {
		out.RolledBack, failure.RollbackErr = e.rollback(ctx, out)
		out.Duration = time.Since(start)
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		return out, failure
	}

	out.Duration = time.Since(start)
	return out, nil
}

func (e *Executor) runGroup(ctx context.Context, s *schedule.Scheduled, group []string, opts Options) []stageRun {
	runs := make([]stageRun, len(group))

	// Failures are recorded per stage, never returned, so a failing stage
	// does not cancel its siblings.
	var g errgroup.Group
	for i, name := range group {
		st, _ := s.Stage(name)
		g.Go(func() error {
			runs[i] = e.runStage(ctx, st, opts)
			return nil
		})
	}
	_ = g.Wait()

	return runs
}

func (e *Executor) runStage(ctx context.Context, st schedule.Stage, opts Options) stageRun {
	ctx, span := e.tracer.Start(ctx, "stage "+st.Name,
		trace.WithAttributes(attribute.Bool("required", st.Required)))
	defer span.End()

	start := time.Now()
	run, skipped := e.dispatch(ctx, st.Name, opts)
	run.result = StageResult{
		Name:     st.Name,
		Status:   StageSucceeded,
		Required: st.Required,
		Duration: time.Since(start),
	}

	switch {
	case run.err != nil:
		run.result.Status = StageFailed
		run.result.Error = run.err.Error()
		span.RecordError(run.err)
		span.SetStatus(codes.Error, run.err.Error())
		e.logger.ErrorContext(ctx, "stage failed", "stage", st.Name, "duration", run.result.Duration, "error", run.err)
	case skipped:
		run.result.Status = StageSkipped
		e.logger.InfoContext(ctx, "stage skipped", "stage", st.Name, "reason", run.warning)
	default:
		e.logger.InfoContext(ctx, "stage finished", "stage", st.Name, "duration", run.result.Duration)
	}

	e.metrics.ObserveStage(st.Name, string(run.result.Status), run.result.Duration)
	return run
}

// dispatch calls the collaborator behind a stage name
func (e *Executor) dispatch(ctx context.Context, name string, opts Options) (run stageRun, skipped bool) {
	switch name {
	case planner.StageServiceCheck:
		return e.checkServices(ctx, opts)

	case planner.StageResetEnvironment:
		if e.collab.Seeder == nil {
			run.err = fmt.Errorf("database seeder: %w", ErrNoCollaborator)
			return run, false
		}
		res, err := e.collab.Seeder.Clear(ctx)
		run.err = check("clear", res, err)
		return run, false

	case planner.StageProcessImages:
		if e.collab.Images == nil {
			run.err = fmt.Errorf("image processor: %w", ErrNoCollaborator)
			return run, false
		}
		res, err := e.collab.Images.Process(ctx)
		if run.err = check("image processing", res, err); run.err == nil {
			run.results.Images = state.Stats(res.Stats)
		}
		return run, false

	case planner.StageSeedDatabase:
		if e.collab.Seeder == nil {
			run.err = fmt.Errorf("database seeder: %w", ErrNoCollaborator)
			return run, false
		}
		var res *hooks.Result
		var err error
		if opts.Scenario != "" {
			res, err = e.collab.Seeder.SeedScenario(ctx, opts.Scenario)
		} else {
			res, err = e.collab.Seeder.SeedAll(ctx)
		}
		if run.err = check("seeding", res, err); run.err == nil {
			run.results.Database, run.results.Search = splitSearch(res.Stats)
		}
		return run, false

	case planner.StageValidateData:
		if e.collab.Validator == nil {
			run.warning = "validate-data: no validator configured"
			return run, true
		}
		res, err := e.collab.Validator.Validate(ctx)
		if errors.Is(err, hooks.ErrNotConfigured) {
			run.warning = "validate-data: no validator configured"
			return run, true
		}
		run.err = check("validation", res, err)
		return run, false

	case planner.StageSyncFrontend:
		if e.collab.Frontend == nil {
			run.err = fmt.Errorf("frontend sync: %w", ErrNoCollaborator)
			return run, false
		}
		res, err := e.collab.Frontend.Sync(ctx, hooks.FrontendOptions{
			Scenario:            opts.Scenario,
			IncludeBusinessData: opts.IncludeBusinessData,
		})
		switch {
		case err != nil:
			run.err = err
		case res == nil || !res.Success:
			run.err = errors.New("frontend sync reported failure")
		default:
			run.results.Frontend = state.Stats{
				"artist_count":       res.ArtistCount,
				"generation_time_ms": res.GenerationTimeMS,
			}
			if opts.Scenario != "" {
				run.results.Frontend["scenario"] = opts.Scenario
			}
		}
		return run, false
	}

	run.err = fmt.Errorf("no handler for stage %q", name)
	return run, false
}

func (e *Executor) checkServices(ctx context.Context, opts Options) (run stageRun, skipped bool) {
	if e.collab.Health == nil {
		run.warning = "service-check: no health monitor configured"
		return run, true
	}

	report, err := e.collab.Health.CheckAllServices(ctx)
	if err != nil {
		run.err = err
		return run, false
	}
	if report == nil {
		run.err = ErrUnreachable
		return run, false
	}
	run.health = report

	switch report.Overall {
	case health.Unreachable:
		run.err = ErrUnreachable
	case health.Degraded:
		if !opts.AllowDegraded {
			run.err = ErrDegraded
			return run, false
		}
		run.warning = "service-check: target environment degraded, continuing"
	}
	return run, false
}

// rollback clears seeded data when a database-writing stage ran. It uses a
// context detached from cancellation so an interrupted run still cleans up.
func (e *Executor) rollback(ctx context.Context, out *Outcome) (bool, error) {
	if e.collab.Seeder == nil || !touchedDatabase(out.Stages) {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()

	e.logger.WarnContext(ctx, "rolling back seeded data")
	res, err := e.collab.Seeder.Clear(ctx)
	if err = check("rollback", res, err); err != nil {
		e.logger.ErrorContext(ctx, "rollback failed", "error", err)
		return false, err
	}
	return true, nil
}

func touchedDatabase(stages []StageResult) bool {
	for _, st := range stages {
		if st.Status == StageSkipped {
			continue
		}
		if st.Name == planner.StageSeedDatabase || st.Name == planner.StageResetEnvironment {
			return true
		}
	}
	return false
}

func check(what string, res *hooks.Result, err error) error {
	if err != nil {
		return err
	}
	if res == nil || !res.Success {
		return fmt.Errorf("%s reported failure", what)
	}
	return nil
}

// splitSearch moves a nested "search" stats object into its own category
func splitSearch(stats map[string]any) (database, search state.Stats) {
	if len(stats) == 0 {
		return nil, nil
	}
	database = maps.Clone(stats)
	if nested, ok := database["search"].(map[string]any); ok {
		search = state.Stats(nested)
		delete(database, "search")
	}
	return database, search
}
