package planner

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/seedsync/internal/changes"
	"github.com/schaermu/seedsync/internal/schedule"
	"github.com/schaermu/seedsync/internal/state"
)

func baselineReport(flags changes.Flags) *changes.Report {
	return &changes.Report{
		HasChanges: flags.Any(),
		Categories: flags,
		Baseline:   true,
	}
}

func coldReport() *changes.Report {
	return &changes.Report{
		HasChanges: true,
		Categories: changes.Flags{Images: true, Data: true, Config: true, Scripts: true},
		Details:    changes.Details{Reason: changes.ReasonNoSnapshot},
	}
}

var withState = Inputs{HasState: true}

func TestAnalyze_ColdStart(t *testing.T) {
	p := New(DefaultEstimator())

	rec := p.Analyze(coldReport(), Intent{}, Inputs{})
	assert.True(t, rec.ProcessImages)
	assert.True(t, rec.SeedDatabase)
	assert.True(t, rec.UpdateFrontend)
	assert.True(t, rec.ValidateData)
	assert.False(t, rec.FullReset)
	assert.Contains(t, rec.Reasons[0], "no previous state")
}

func TestAnalyze_MissingStateRecordIsColdStart(t *testing.T) {
	p := New(DefaultEstimator())
	rec := p.Analyze(baselineReport(changes.Flags{}), Intent{}, Inputs{HasState: false})
	assert.Equal(t, []string{ReasonNoState}, rec.Reasons)
	assert.True(t, rec.SeedDatabase)
}

func TestAnalyze_Precedence(t *testing.T) {
	p := New(DefaultEstimator())
	changed := baselineReport(changes.Flags{Images: true, Data: true, Config: true})

	t.Run("frontend only beats everything", func(t *testing.T) {
		rec := p.Analyze(changed, Intent{FrontendOnly: true, ImagesOnly: true, Force: true}, withState)
		assert.Equal(t, []string{ReasonFrontendOnly}, rec.Reasons)
		assert.Equal(t, []string{ComponentFrontend}, rec.Affected)
		assert.True(t, rec.UpdateFrontend)
		assert.False(t, rec.ProcessImages)
		assert.False(t, rec.SeedDatabase)
	})

	t.Run("images only beats force", func(t *testing.T) {
		rec := p.Analyze(changed, Intent{ImagesOnly: true, Force: true}, withState)
		assert.Equal(t, []string{ReasonImagesOnly}, rec.Reasons)
		assert.Equal(t, []string{ComponentImages, ComponentFrontend}, rec.Affected)
		assert.True(t, rec.ProcessImages)
		assert.True(t, rec.UpdateFrontend)
		assert.False(t, rec.SeedDatabase)
	})

	t.Run("force overrides no changes", func(t *testing.T) {
		rec := p.Analyze(baselineReport(changes.Flags{}), Intent{Force: true}, withState)
		assert.Equal(t, []string{ReasonForce}, rec.Reasons)
		assert.True(t, rec.ProcessImages)
		assert.True(t, rec.SeedDatabase)
		assert.True(t, rec.UpdateFrontend)
		assert.True(t, rec.ValidateData)
	})
}

func TestAnalyze_Categories(t *testing.T) {
	p := New(DefaultEstimator())

	for _, tc := range []struct {
		name      string
		report    *changes.Report
		inputs    Inputs
		want      Recommendation
		wantInRea string
	}{
		{
			name:      "images",
			report:    baselineReport(changes.Flags{Images: true}),
			inputs:    withState,
			want:      Recommendation{ProcessImages: true, UpdateFrontend: true},
			wantInRea: "image assets changed",
		},
		{
			name:      "data",
			report:    baselineReport(changes.Flags{Data: true}),
			inputs:    withState,
			want:      Recommendation{SeedDatabase: true, UpdateFrontend: true},
			wantInRea: "seed data changed",
		},
		{
			name:      "non-critical config",
			report:    baselineReport(changes.Flags{Config: true}),
			inputs:    withState,
			want:      Recommendation{ValidateData: true},
			wantInRea: "validating",
		},
		{
			name: "critical config",
			report: func() *changes.Report {
				r := baselineReport(changes.Flags{Config: true})
				r.CriticalConfig = true
				return r
			}(),
			inputs:    withState,
			want:      Recommendation{FullReset: true, ProcessImages: true, SeedDatabase: true, UpdateFrontend: true, ValidateData: true},
			wantInRea: "full reset",
		},
		{
			name:      "configuration drift",
			report:    baselineReport(changes.Flags{}),
			inputs:    Inputs{HasState: true, ConfigDrift: true},
			want:      Recommendation{FullReset: true, ProcessImages: true, SeedDatabase: true, UpdateFrontend: true, ValidateData: true},
			wantInRea: "fingerprint",
		},
		{
			name:      "scripts only",
			report:    baselineReport(changes.Flags{Scripts: true}),
			inputs:    withState,
			want:      Recommendation{},
			wantInRea: "scripts changed",
		},
		{
			name:      "nothing",
			report:    baselineReport(changes.Flags{}),
			inputs:    withState,
			want:      Recommendation{},
			wantInRea: ReasonNoChanges,
		},
		{
			name:      "new scenario",
			report:    baselineReport(changes.Flags{}),
			inputs:    Inputs{HasState: true, CurrentScenario: "empty"},
			want:      Recommendation{SeedDatabase: true, UpdateFrontend: true},
			wantInRea: "scenario",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			intent := Intent{}
			if tc.name == "new scenario" {
				intent.Scenario = "busy-studio"
			}
			rec := p.Analyze(tc.report, intent, tc.inputs)
			assert.Equal(t, tc.want.ProcessImages, rec.ProcessImages, "process images")
			assert.Equal(t, tc.want.SeedDatabase, rec.SeedDatabase, "seed database")
			assert.Equal(t, tc.want.UpdateFrontend, rec.UpdateFrontend, "update frontend")
			assert.Equal(t, tc.want.ValidateData, rec.ValidateData, "validate data")
			assert.Equal(t, tc.want.FullReset, rec.FullReset, "full reset")

			joined := ""
			for _, r := range rec.Reasons {
				joined += r + "\n"
			}
			assert.Contains(t, joined, tc.wantInRea)
		})
	}
}

func TestAnalyze_SameScenarioDoesNotReseed(t *testing.T) {
	p := New(DefaultEstimator())
	rec := p.Analyze(baselineReport(changes.Flags{}), Intent{Scenario: "empty"},
		Inputs{HasState: true, CurrentScenario: "empty"})
	assert.False(t, rec.SeedDatabase)
}

func TestEstimator(t *testing.T) {
	est := DefaultEstimator()

	assert.Equal(t, 10*time.Second, est.Images(0), "floor applies")
	assert.Equal(t, 10*time.Second, est.Images(3))
	assert.Equal(t, 40*time.Second, est.Images(20))
	assert.Equal(t, 5*time.Second, est.Data(1))
	assert.Equal(t, 50*time.Second, est.Data(100))

	counts := map[changes.Category]int{changes.Images: 20, changes.Data: 100}
	full := est.Full(counts)
	assert.Equal(t, time.Second+40*time.Second+50*time.Second+2*time.Second+3*time.Second, full)

	p := New(est)
	rec := p.Analyze(baselineReport(changes.Flags{Images: true}), Intent{}, Inputs{HasState: true, Counts: counts})
	assert.Equal(t, time.Second+40*time.Second+3*time.Second, rec.EstimatedDuration)
}

func TestShouldUseIncremental(t *testing.T) {
	full := 100 * time.Second

	advice := ShouldUseIncremental(Recommendation{EstimatedDuration: 20 * time.Second}, full)
	assert.True(t, advice.Beneficial)
	assert.Equal(t, ModeIncremental, advice.Mode)
	assert.InDelta(t, 0.8, advice.TimeSavingsRatio, 1e-9)

	advice = ShouldUseIncremental(Recommendation{EstimatedDuration: 75 * time.Second}, full)
	assert.False(t, advice.Beneficial)
	assert.Equal(t, ModeFull, advice.Mode)
	assert.InDelta(t, 0.25, advice.TimeSavingsRatio, 1e-9)

	advice = ShouldUseIncremental(Recommendation{EstimatedDuration: 70 * time.Second}, full)
	assert.True(t, advice.Beneficial, "exactly at threshold")

	advice = ShouldUseIncremental(Recommendation{EstimatedDuration: 120 * time.Second}, full)
	assert.Zero(t, advice.TimeSavingsRatio)
	assert.Equal(t, ModeFull, advice.Mode)

	advice = ShouldUseIncremental(Recommendation{}, 0)
	assert.Equal(t, ModeFull, advice.Mode)
}

func TestValidateScenario(t *testing.T) {
	known := []string{"empty", "busy-studio"}
	require.NoError(t, ValidateScenario("", known))
	require.NoError(t, ValidateScenario("busy-studio", known))

	err := ValidateScenario("busy_studio", known)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownScenario))
	assert.Contains(t, err.Error(), "busy_studio")
}

func TestOperationType(t *testing.T) {
	assert.Equal(t, state.OperationReset, OperationType(Recommendation{FullReset: true}, Intent{Scenario: "x"}))
	assert.Equal(t, state.OperationSeed, OperationType(Recommendation{SeedDatabase: true}, Intent{Scenario: "x"}))
	assert.Equal(t, state.OperationValidate, OperationType(Recommendation{ValidateData: true}, Intent{}))
	assert.Equal(t, state.OperationSetup, OperationType(Recommendation{ProcessImages: true}, Intent{}))
}

func TestIntentDetails(t *testing.T) {
	d := Intent{Force: true, Scenario: "empty"}.Details()
	assert.Equal(t, map[string]any{"force": true, "scenario": "empty"}, d)
	assert.Empty(t, Intent{}.Details())
}

func TestBuildPlan(t *testing.T) {
	p := New(DefaultEstimator())

	t.Run("cold start schedules all stages", func(t *testing.T) {
		rec := p.Analyze(coldReport(), Intent{}, Inputs{})
		plan := p.BuildPlan(rec, nil)

		s, err := schedule.Schedule(plan)
		require.NoError(t, err)
		require.NoError(t, schedule.Validate(s))

		assert.Equal(t, [][]string{
			{StageServiceCheck},
			{StageProcessImages, StageSeedDatabase},
			{StageValidateData, StageSyncFrontend},
		}, s.ParallelGroups)
		assert.Empty(t, plan.SkipReasons)
		assert.Equal(t, rec.EstimatedDuration, plan.EstimatedDuration)

		validate, ok := plan.Stage(StageValidateData)
		require.True(t, ok)
		assert.False(t, validate.Required)
	})

	t.Run("full reset precedes processing", func(t *testing.T) {
		rec := p.Analyze(baselineReport(changes.Flags{}), Intent{}, Inputs{HasState: true, ConfigDrift: true})
		s, err := schedule.Schedule(p.BuildPlan(rec, nil))
		require.NoError(t, err)
		assert.Equal(t, []string{StageResetEnvironment}, s.ParallelGroups[1])
	})

	t.Run("frontend only", func(t *testing.T) {
		rec := p.Analyze(baselineReport(changes.Flags{}), Intent{FrontendOnly: true}, withState)
		plan := p.BuildPlan(rec, nil)
		s, err := schedule.Schedule(plan)
		require.NoError(t, err)
		assert.Equal(t, []string{StageServiceCheck, StageSyncFrontend}, s.ExecutionOrder)
		assert.Len(t, plan.SkipReasons, 3)
	})

	t.Run("nothing to do still checks services", func(t *testing.T) {
		rec := p.Analyze(baselineReport(changes.Flags{}), Intent{}, withState)
		plan := p.BuildPlan(rec, nil)
		require.Len(t, plan.Stages, 1)
		assert.Equal(t, StageServiceCheck, plan.Stages[0].Name)
		assert.False(t, plan.Stages[0].Parallelizable)
	})
}
