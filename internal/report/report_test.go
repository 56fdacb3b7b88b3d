package report

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/seedsync/internal/changes"
	"github.com/schaermu/seedsync/internal/health"
	"github.com/schaermu/seedsync/internal/pipeline"
	"github.com/schaermu/seedsync/internal/planner"
	"github.com/schaermu/seedsync/internal/provision"
	"github.com/schaermu/seedsync/internal/schedule"
	"github.com/schaermu/seedsync/internal/state"
)

func TestMain(m *testing.M) {
	SetColor(false)
	os.Exit(m.Run())
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"xml", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func sampleAnalysis() provision.Analysis {
	var flags changes.Flags
	flags.Set(changes.Images)

	return provision.Analysis{
		Changes: &changes.Report{
			HasChanges: true,
			Categories: flags,
			Baseline:   true,
			Details:    changes.Details{ChangedDirectories: []string{"artist-images"}},
		},
		Recommendation: planner.Recommendation{
			ProcessImages:     true,
			Reasons:           []string{"images changed"},
			Affected:          []string{"images"},
			EstimatedDuration: 12 * time.Second,
		},
		Advice: planner.Advice{
			Beneficial:       true,
			TimeSavingsRatio: 0.8,
			Mode:             planner.ModeIncremental,
			Incremental:      12 * time.Second,
			Full:             time.Minute,
		},
	}
}

func samplePlan() *provision.PlanResult {
	return &provision.PlanResult{
		Analysis:  sampleAnalysis(),
		Operation: state.OperationSetup,
		Schedule: &schedule.Scheduled{
			Plan: schedule.Plan{
				Stages: []schedule.Stage{
					{Name: "service-check", Required: true, EstimatedDuration: 2 * time.Second},
					{Name: "process-images", Required: true, EstimatedDuration: 10 * time.Second, Dependencies: []string{"service-check"}},
				},
				EstimatedDuration: 12 * time.Second,
				SkipReasons:       []string{"seed-database: no data changes"},
			},
			ExecutionOrder: []string{"service-check", "process-images"},
			ParallelGroups: [][]string{{"service-check"}, {"process-images"}},
		},
	}
}

func TestAnalysis_Table(t *testing.T) {
	var buf bytes.Buffer
	a := sampleAnalysis()
	require.NoError(t, New(&buf, FormatTable).Analysis(&a))

	out := buf.String()
	assert.Contains(t, out, "images")
	assert.Contains(t, out, "changed directories: artist-images")
	assert.Contains(t, out, "- images changed")
	assert.Contains(t, out, "mode: incremental (saves 80%)")
	assert.NotContains(t, out, "no baseline snapshot")
}

func TestAnalysis_ColdStart(t *testing.T) {
	var buf bytes.Buffer
	a := sampleAnalysis()
	a.Changes.Baseline = false
	a.ConfigDrift = true
	require.NoError(t, New(&buf, FormatTable).Analysis(&a))

	assert.Contains(t, buf.String(), "no baseline snapshot")
	assert.Contains(t, buf.String(), "fingerprint drifted")
}

func TestPlan_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatTable).Plan(samplePlan()))

	out := buf.String()
	assert.Contains(t, out, "Plan (setup)")
	assert.Contains(t, out, "process-images")
	assert.Contains(t, out, "2 stages")
	assert.Contains(t, out, "skip seed-database: no data changes")
}

func TestPlan_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatJSON).Plan(samplePlan()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	assert.Equal(t, "setup", decoded["operation"])
	assert.Contains(t, decoded, "changes")
	assert.Contains(t, decoded, "recommendation")

	sched, ok := decoded["schedule"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"service-check", "process-images"}, sched["execution_order"])
}

func TestRun_YAML(t *testing.T) {
	var buf bytes.Buffer
	res := &provision.RunResult{Plan: samplePlan(), Success: true}
	require.NoError(t, New(&buf, FormatYAML).Run(res))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, true, decoded["success"])

	plan, ok := decoded["plan"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "setup", plan["operation"])
	assert.Contains(t, plan, "changes")
}

func TestRun_TableFailure(t *testing.T) {
	var buf bytes.Buffer
	res := &provision.RunResult{
		Plan: samplePlan(),
		Outcome: &pipeline.Outcome{
			Stages: []pipeline.StageResult{
				{Name: "service-check", Status: pipeline.StageSkipped, Required: true},
				{Name: "process-images", Status: pipeline.StageFailed, Required: true, Error: "exit status 1"},
			},
			RolledBack: true,
		},
		Warnings: []string{"validate-data: no validator configured"},
		Error:    "stage process-images failed",
	}
	require.NoError(t, New(&buf, FormatTable).Run(res))

	out := buf.String()
	assert.Contains(t, out, "exit status 1")
	assert.Contains(t, out, "skipped")
	assert.Contains(t, out, "rolled back")
	assert.Contains(t, out, "warning: validate-data: no validator configured")
	assert.Contains(t, out, "run failed: stage process-images failed")
}

func TestRun_DryRun(t *testing.T) {
	var buf bytes.Buffer
	res := &provision.RunResult{Plan: samplePlan(), DryRun: true, Success: true}
	require.NoError(t, New(&buf, FormatTable).Run(res))

	assert.Contains(t, buf.String(), "dry run: nothing was executed")
	assert.NotContains(t, buf.String(), "run succeeded")
}

func TestChecklist_Table(t *testing.T) {
	var buf bytes.Buffer
	cl := &provision.Checklist{
		Lock: &state.Lock{
			OperationType: state.OperationReset,
			OwnerID:       "host-1234",
			StartedAt:     time.Now().Add(-time.Minute),
		},
		HasState:      true,
		ConfigDrift:   true,
		TrackedFiles:  1200,
		TrackedDirs:   2,
		LastOperation: state.OperationReset,
		Operations: map[state.OperationType]state.OperationStatus{
			state.OperationReset: {Status: state.StatusFailed, LastRun: time.Now().Add(-time.Hour)},
		},
		Health: &health.Report{
			Overall: health.Degraded,
			Services: map[string]health.ServiceStatus{
				"search": {Healthy: false},
				"api":    {Healthy: true},
			},
		},
	}
	require.NoError(t, New(&buf, FormatTable).Checklist(cl))

	out := buf.String()
	assert.Contains(t, out, "held")
	assert.Contains(t, out, "host-1234")
	assert.Contains(t, out, "1,200 files, 2 directories")
	assert.Contains(t, out, "drifted")
	assert.Contains(t, out, "api ok, search down")
	assert.Contains(t, out, "not ready")
}

func TestChecklist_Ready(t *testing.T) {
	var buf bytes.Buffer
	cl := &provision.Checklist{Ready: true, Baseline: true, BaselineTime: time.Now(), HasState: true}
	require.NoError(t, New(&buf, FormatTable).Checklist(cl))

	out := buf.String()
	assert.Contains(t, out, "free")
	assert.Contains(t, out, "unchanged")
	assert.Contains(t, out, "ready")
	assert.NotContains(t, out, "not ready")
}

func TestHistory(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, New(&buf, FormatTable).History(nil))
		assert.Equal(t, "no operations recorded\n", buf.String())
	})

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		entries := []state.HistoryEntry{
			{ID: "0123456789abcdef", Timestamp: time.Now(), Type: state.OperationSeed, Success: true, DurationMS: 1500},
			{ID: "short", Timestamp: time.Now(), Type: state.OperationSetup, Success: false},
		}
		require.NoError(t, New(&buf, FormatTable).History(entries))

		out := buf.String()
		assert.Contains(t, out, "01234567")
		assert.NotContains(t, out, "0123456789abcdef")
		assert.Contains(t, out, "failed")
		assert.Contains(t, out, "2 entries")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		entries := []state.HistoryEntry{{ID: "a", Type: state.OperationSeed, Success: true}}
		require.NoError(t, New(&buf, FormatJSON).History(entries))

		var decoded []state.HistoryEntry
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		require.Len(t, decoded, 1)
		assert.Equal(t, "a", decoded[0].ID)
	})
}

func TestRoundDuration(t *testing.T) {
	assert.Equal(t, "2s", roundDuration(1600*time.Millisecond))
	assert.Equal(t, "250ms", roundDuration(250*time.Millisecond))
	assert.Equal(t, "0s", roundDuration(0))
}
