package planner

import (
	"github.com/schaermu/seedsync/internal/changes"
	"github.com/schaermu/seedsync/internal/schedule"
)

// Stage names. The executor dispatches on exactly these.
const (
	StageServiceCheck     = schedule.ServiceCheck
	StageResetEnvironment = "reset-environment"
	StageProcessImages    = "process-images"
	StageSeedDatabase     = "seed-database"
	StageValidateData     = "validate-data"
	StageSyncFrontend     = "sync-frontend"
)

// BuildPlan expands rec into stages. service-check is always included.
func (p *Planner) BuildPlan(rec Recommendation, counts map[changes.Category]int) schedule.Plan {
	est := p.estimator
	plan := schedule.Plan{SkipReasons: []string{}}

	add := func(s schedule.Stage) {
		plan.Stages = append(plan.Stages, s)
		plan.EstimatedDuration += s.EstimatedDuration
	}
	skip := func(stage, why string) {
		plan.SkipReasons = append(plan.SkipReasons, stage+": "+why)
	}

	add(schedule.Stage{
		Name:              StageServiceCheck,
		Description:       "verify downstream services are reachable",
		EstimatedDuration: est.ServiceCheck,
		Required:          true,
		Dependencies:      []string{},
	})
	base := StageServiceCheck

	if rec.FullReset {
		add(schedule.Stage{
			Name:              StageResetEnvironment,
			Description:       "clear database and search index before reprocessing",
			EstimatedDuration: est.FullReset,
			Required:          true,
			Dependencies:      []string{StageServiceCheck},
		})
		base = StageResetEnvironment
	}

	if rec.ProcessImages {
		add(schedule.Stage{
			Name:              StageProcessImages,
			Description:       "transcode and upload image assets",
			EstimatedDuration: est.Images(counts[changes.Images]),
			Required:          true,
			Parallelizable:    true,
			Dependencies:      []string{base},
		})
	} else {
		skip(StageProcessImages, "image assets unchanged")
	}

	if rec.SeedDatabase {
		add(schedule.Stage{
			Name:              StageSeedDatabase,
			Description:       "seed database and search index",
			EstimatedDuration: est.Data(counts[changes.Data]),
			Required:          true,
			Parallelizable:    true,
			Dependencies:      []string{base},
		})
	} else {
		skip(StageSeedDatabase, "seed data unchanged")
	}

	if rec.ValidateData {
		dep := base
		if rec.SeedDatabase {
			dep = StageSeedDatabase
		}
		add(schedule.Stage{
			Name:              StageValidateData,
			Description:       "validate seeded records",
			EstimatedDuration: est.Validate,
			Parallelizable:    true,
			Dependencies:      []string{dep},
		})
	} else {
		skip(StageValidateData, "configuration unchanged")
	}

	if rec.UpdateFrontend {
		var deps []string
		if rec.ProcessImages {
			deps = append(deps, StageProcessImages)
		}
		if rec.SeedDatabase {
			deps = append(deps, StageSeedDatabase)
		}
		if len(deps) == 0 {
			deps = []string{base}
		}
		add(schedule.Stage{
			Name:              StageSyncFrontend,
			Description:       "regenerate front-end fixtures",
			EstimatedDuration: est.Frontend,
			Required:          true,
			Parallelizable:    true,
			Dependencies:      deps,
		})
	} else {
		skip(StageSyncFrontend, "no upstream changes")
	}

	return plan
}
