// Package planner turns a change report and operator intent into a
// recommendation of which processing categories must run, and expands that
// recommendation into a stage plan.
package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/schaermu/seedsync/internal/changes"
	"github.com/schaermu/seedsync/internal/state"
)

// Reasons for the precedence rules
const (
	ReasonFrontendOnly = "frontend-only mode requested"
	ReasonImagesOnly   = "images-only mode requested"
	ReasonForce        = "force flag specified"
	ReasonNoState      = "no previous state found"
	ReasonNoChanges    = "no changes detected"
)

// IncrementalThreshold is the minimum time-savings ratio for which an
// incremental run is preferred over full processing
const IncrementalThreshold = 0.30

// Affected component names
const (
	ComponentImages   = "images"
	ComponentDatabase = "database"
	ComponentSearch   = "search"
	ComponentFrontend = "frontend"
)

// ErrUnknownScenario is matched by errors.Is for *UnknownScenarioError
var ErrUnknownScenario = errors.New("unknown scenario")

// UnknownScenarioError names a scenario that is not configured
type UnknownScenarioError struct {
	Name string
}

func (e *UnknownScenarioError) Error() string {
	return fmt.Sprintf("unknown scenario: %s", e.Name)
}

func (e *UnknownScenarioError) Unwrap() error {
	return ErrUnknownScenario
}

// Intent carries operator overrides
type Intent struct {
	FrontendOnly        bool   `json:"frontend_only,omitempty" yaml:"frontend_only,omitempty"`
	ImagesOnly          bool   `json:"images_only,omitempty" yaml:"images_only,omitempty"`
	Force               bool   `json:"force,omitempty" yaml:"force,omitempty"`
	Scenario            string `json:"scenario,omitempty" yaml:"scenario,omitempty"`
	IncludeBusinessData bool   `json:"include_business_data,omitempty" yaml:"include_business_data,omitempty"`
}

// Details flattens the intent for lock and history records
func (i Intent) Details() map[string]any {
	d := map[string]any{}
	if i.FrontendOnly {
		d["frontend_only"] = true
	}
	if i.ImagesOnly {
		d["images_only"] = true
	}
	if i.Force {
		d["force"] = true
	}
	if i.Scenario != "" {
		d["scenario"] = i.Scenario
	}
	if i.IncludeBusinessData {
		d["include_business_data"] = true
	}
	return d
}

// Inputs is the environment knowledge the planner needs beyond the report
type Inputs struct {
	// HasState is false when no state record has been persisted yet
	HasState bool
	// ConfigDrift is set when the static configuration changed since the
	// state record was written
	ConfigDrift     bool
	CurrentScenario string
	Counts          map[changes.Category]int
}

// Recommendation says which categories must run and why
type Recommendation struct {
	ProcessImages     bool          `json:"process_images" yaml:"process_images"`
	SeedDatabase      bool          `json:"seed_database" yaml:"seed_database"`
	UpdateFrontend    bool          `json:"update_frontend" yaml:"update_frontend"`
	ValidateData      bool          `json:"validate_data" yaml:"validate_data"`
	FullReset         bool          `json:"full_reset" yaml:"full_reset"`
	Reasons           []string      `json:"reasons" yaml:"reasons"`
	Affected          []string      `json:"affected" yaml:"affected"`
	EstimatedDuration time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
}

// Any reports whether the recommendation runs any work besides the
// service check
func (r Recommendation) Any() bool {
	return r.ProcessImages || r.SeedDatabase || r.UpdateFrontend || r.ValidateData || r.FullReset
}

// Covered returns the categories a successful run of r brings up to date.
// Narrowed intents leave whatever they skipped pending.
func (r Recommendation) Covered(intent Intent) changes.Flags {
	var f changes.Flags
	if r.ProcessImages {
		f.Set(changes.Images)
	}
	if r.SeedDatabase {
		f.Set(changes.Data)
	}
	if r.ValidateData || r.FullReset {
		f.Set(changes.Config)
	}
	// script changes never require work of their own
	if !intent.FrontendOnly && !intent.ImagesOnly {
		f.Set(changes.Scripts)
	}
	return f
}

func (r *Recommendation) reason(format string, args ...any) {
	r.Reasons = append(r.Reasons, fmt.Sprintf(format, args...))
}

func (r *Recommendation) affect(components ...string) {
	for _, c := range components {
		found := false
		for _, existing := range r.Affected {
			if existing == c {
				found = true
				break
			}
		}
		if !found {
			r.Affected = append(r.Affected, c)
		}
	}
}

func (r *Recommendation) everything() {
	r.ProcessImages = true
	r.SeedDatabase = true
	r.UpdateFrontend = true
	r.ValidateData = true
	r.affect(ComponentImages, ComponentDatabase, ComponentSearch, ComponentFrontend)
}

// Planner evaluates change reports against operator intent
type Planner struct {
	estimator Estimator
}

// New creates a planner using est for time estimates
func New(est Estimator) *Planner {
	return &Planner{estimator: est}
}

// Estimator returns the heuristics in use
func (p *Planner) Estimator() Estimator {
	return p.estimator
}

// Analyze applies the precedence rules in fixed order; the first matching
// rule decides.
func (p *Planner) Analyze(report *changes.Report, intent Intent, in Inputs) Recommendation {
	rec := Recommendation{Reasons: []string{}, Affected: []string{}}

	switch {
	case intent.FrontendOnly:
		rec.UpdateFrontend = true
		rec.reason(ReasonFrontendOnly)
		rec.affect(ComponentFrontend)

	case intent.ImagesOnly:
		// frontend fixtures embed asset URLs
		rec.ProcessImages = true
		rec.UpdateFrontend = true
		rec.reason(ReasonImagesOnly)
		rec.affect(ComponentImages, ComponentFrontend)

	case intent.Force:
		rec.everything()
		rec.reason(ReasonForce)

	case report == nil || !report.Baseline || !in.HasState:
		rec.everything()
		rec.reason(ReasonNoState)

	default:
		p.fromChanges(&rec, report, intent, in)
	}

	rec.EstimatedDuration = p.estimator.Estimate(rec, in.Counts)
	return rec
}

func (p *Planner) fromChanges(rec *Recommendation, report *changes.Report, intent Intent, in Inputs) {
	cats := report.Categories

	if cats.Images {
		rec.ProcessImages = true
		rec.UpdateFrontend = true
		rec.reason("image assets changed")
		rec.affect(ComponentImages, ComponentFrontend)
	}

	if cats.Data {
		rec.SeedDatabase = true
		rec.UpdateFrontend = true
		rec.reason("seed data changed")
		rec.affect(ComponentDatabase, ComponentSearch, ComponentFrontend)
	}

	switch {
	case report.CriticalConfig || in.ConfigDrift:
		// endpoint or region changes invalidate identifiers cached downstream
		rec.FullReset = true
		rec.everything()
		if in.ConfigDrift {
			rec.reason("configuration fingerprint changed since last run; full reset required")
		} else {
			rec.reason("critical configuration changed; full reset required")
		}
	case cats.Config:
		rec.ValidateData = true
		rec.reason("configuration changed; validating existing data")
		rec.affect(ComponentDatabase)
	}

	if intent.Scenario != "" && intent.Scenario != in.CurrentScenario && !rec.SeedDatabase {
		rec.SeedDatabase = true
		rec.UpdateFrontend = true
		rec.reason("scenario %q requested (current: %q)", intent.Scenario, in.CurrentScenario)
		rec.affect(ComponentDatabase, ComponentSearch, ComponentFrontend)
	}

	if cats.Scripts {
		rec.reason("orchestration scripts changed; no reprocessing required")
	}

	if !rec.Any() && !cats.Scripts {
		rec.reason(ReasonNoChanges)
	}
}

// Advice compares an incremental run against full processing
type Advice struct {
	Beneficial       bool          `json:"beneficial" yaml:"beneficial"`
	TimeSavingsRatio float64       `json:"time_savings_ratio" yaml:"time_savings_ratio"`
	Mode             string        `json:"recommendation" yaml:"recommendation"`
	Incremental      time.Duration `json:"incremental_estimate" yaml:"incremental_estimate"`
	Full             time.Duration `json:"full_estimate" yaml:"full_estimate"`
}

// Advice modes
const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
)

// ShouldUseIncremental recommends full processing whenever the incremental
// run saves less than IncrementalThreshold of the full estimate
func ShouldUseIncremental(rec Recommendation, full time.Duration) Advice {
	advice := Advice{Mode: ModeFull, Incremental: rec.EstimatedDuration, Full: full}
	if full <= 0 {
		return advice
	}

	ratio := float64(full-rec.EstimatedDuration) / float64(full)
	if ratio < 0 {
		ratio = 0
	}
	advice.TimeSavingsRatio = ratio
	if ratio >= IncrementalThreshold {
		advice.Beneficial = true
		advice.Mode = ModeIncremental
	}
	return advice
}

// ValidateScenario checks name against the configured scenarios. An empty
// name is always valid.
func ValidateScenario(name string, known []string) error {
	if name == "" {
		return nil
	}
	for _, k := range known {
		if k == name {
			return nil
		}
	}
	return &UnknownScenarioError{Name: name}
}

// OperationType maps a recommendation onto the operation it represents
func OperationType(rec Recommendation, intent Intent) state.OperationType {
	switch {
	case rec.FullReset:
		return state.OperationReset
	case intent.Scenario != "":
		return state.OperationSeed
	case rec.ValidateData && !rec.ProcessImages && !rec.SeedDatabase && !rec.UpdateFrontend:
		return state.OperationValidate
	default:
		return state.OperationSetup
	}
}
