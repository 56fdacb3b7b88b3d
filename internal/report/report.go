// Package report renders command results for humans (tables) and machines
// (JSON, YAML).
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/seedsync/internal/changes"
	"github.com/schaermu/seedsync/internal/health"
	"github.com/schaermu/seedsync/internal/pipeline"
	"github.com/schaermu/seedsync/internal/provision"
	"github.com/schaermu/seedsync/internal/state"
)

// Format selects the output encoding
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates an --output value
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (must be table, json, or yaml)", s)
}

// SetColor toggles ANSI colours globally
func SetColor(enabled bool) {
	color.NoColor = !enabled
}

var (
	good = color.New(color.FgGreen).SprintFunc()
	warn = color.New(color.FgYellow).SprintFunc()
	bad  = color.New(color.FgRed).SprintFunc()
	bold = color.New(color.Bold).SprintFunc()
)

// Printer writes results in one format
type Printer struct {
	w      io.Writer
	format Format
}

// New creates a printer
func New(w io.Writer, format Format) *Printer {
	return &Printer{w: w, format: format}
}

// encode handles the machine formats. It reports false for table output.
func (p *Printer) encode(v any) (bool, error) {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	}
	return false, nil
}

func newTable() table.Writer {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Format.Footer = text.FormatDefault
	return tbl
}

func (p *Printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format, args...)
}

// Analysis prints the result of analyze
func (p *Printer) Analysis(a *provision.Analysis) error {
	if ok, err := p.encode(a); ok {
		return err
	}
	p.analysis(a)
	return nil
}

func (p *Printer) analysis(a *provision.Analysis) {
	p.printf("%s\n", bold("Changes"))
	if !a.Changes.Baseline {
		p.printf("  %s\n", warn("no baseline snapshot, every category counts as changed"))
	}

	tbl := newTable()
	tbl.AppendHeader(table.Row{"Category", "Changed"})
	for _, c := range changes.AllCategories {
		mark := good("no")
		if a.Changes.Categories.Has(c) {
			mark = warn("yes")
		}
		tbl.AppendRow(table.Row{c.String(), mark})
	}
	p.printf("%s\n", tbl.Render())

	d := a.Changes.Details
	for _, group := range []struct {
		label string
		keys  []string
	}{
		{"changed files", d.ChangedFiles},
		{"new files", d.NewFiles},
		{"deleted files", d.DeletedFiles},
		{"changed directories", d.ChangedDirectories},
	} {
		if len(group.keys) > 0 {
			p.printf("  %s: %s\n", group.label, strings.Join(group.keys, ", "))
		}
	}
	if a.Changes.CriticalConfig {
		p.printf("  %s\n", bad("critical configuration changed"))
	}
	if a.ConfigDrift {
		p.printf("  %s\n", bad("configuration fingerprint drifted since the last run"))
	}

	rec := a.Recommendation
	p.printf("\n%s\n", bold("Recommendation"))
	for _, r := range rec.Reasons {
		p.printf("  - %s\n", r)
	}
	if len(rec.Affected) > 0 {
		p.printf("  affected: %s\n", strings.Join(rec.Affected, ", "))
	}
	if rec.FullReset {
		p.printf("  %s\n", bad("full reset required"))
	}
	p.printf("  estimated: %s (full run %s)\n", roundDuration(rec.EstimatedDuration), roundDuration(a.Advice.Full))

	mode := warn(a.Advice.Mode)
	if a.Advice.Beneficial {
		mode = good(a.Advice.Mode)
	}
	p.printf("  mode: %s (saves %.0f%%)\n", mode, a.Advice.TimeSavingsRatio*100)
}

// Plan prints the result of plan
func (p *Printer) Plan(pr *provision.PlanResult) error {
	if ok, err := p.encode(pr); ok {
		return err
	}
	p.analysis(&pr.Analysis)
	p.plan(pr)
	return nil
}

func (p *Printer) plan(pr *provision.PlanResult) {
	p.printf("\n%s (%s)\n", bold("Plan"), pr.Operation)

	tbl := newTable()
	tbl.AppendHeader(table.Row{"Group", "Stage", "Required", "Estimate", "Depends on"})
	for gi, group := range pr.Schedule.ParallelGroups {
		for _, name := range group {
			st, _ := pr.Schedule.Stage(name)
			required := "no"
			if st.Required {
				required = "yes"
			}
			tbl.AppendRow(table.Row{gi + 1, name, required, roundDuration(st.EstimatedDuration), strings.Join(st.Dependencies, ", ")})
		}
	}
	tbl.AppendFooter(table.Row{"", fmt.Sprintf("%d stages", len(pr.Schedule.ExecutionOrder)), "", roundDuration(pr.Schedule.EstimatedDuration), ""})
	p.printf("%s\n", tbl.Render())

	for _, s := range pr.Schedule.SkipReasons {
		p.printf("  skip %s\n", s)
	}
}

// Run prints the result of run
func (p *Printer) Run(r *provision.RunResult) error {
	if ok, err := p.encode(r); ok {
		return err
	}

	p.plan(r.Plan)
	if r.DryRun {
		p.printf("\n%s\n", warn("dry run: nothing was executed"))
		return nil
	}

	if r.Outcome != nil {
		p.printf("\n%s\n", bold("Stages"))
		tbl := newTable()
		tbl.AppendHeader(table.Row{"Stage", "Status", "Duration", "Error"})
		for _, st := range r.Outcome.Stages {
			tbl.AppendRow(table.Row{st.Name, stageStatus(st.Status), roundDuration(st.Duration), st.Error})
		}
		p.printf("%s\n", tbl.Render())
		if r.Outcome.RolledBack {
			p.printf("  %s\n", warn("seeded data was rolled back"))
		}
	}

	for _, w := range r.Warnings {
		p.printf("  %s %s\n", warn("warning:"), w)
	}

	if r.Success {
		p.printf("\n%s\n", good("run succeeded"))
	} else {
		p.printf("\n%s %s\n", bad("run failed:"), r.Error)
	}
	return nil
}

func stageStatus(s pipeline.StageStatus) string {
	switch s {
	case pipeline.StageSucceeded:
		return good(string(s))
	case pipeline.StageFailed:
		return bad(string(s))
	default:
		return warn(string(s))
	}
}

// Checklist prints the result of checklist
func (p *Printer) Checklist(c *provision.Checklist) error {
	if ok, err := p.encode(c); ok {
		return err
	}

	tbl := newTable()
	tbl.AppendHeader(table.Row{"Check", "Status", "Detail"})

	if c.Lock == nil {
		tbl.AppendRow(table.Row{"operation lock", good("free"), ""})
	} else {
		tbl.AppendRow(table.Row{"operation lock", bad("held"),
			fmt.Sprintf("%s by %s since %s", c.Lock.OperationType, c.Lock.OwnerID, humanize.Time(c.Lock.StartedAt))})
	}

	if c.Baseline {
		tbl.AppendRow(table.Row{"baseline snapshot", good("present"), "taken " + humanize.Time(c.BaselineTime)})
	} else {
		tbl.AppendRow(table.Row{"baseline snapshot", warn("missing"), "next run processes everything"})
	}

	tbl.AppendRow(table.Row{"tracked inputs", "", fmt.Sprintf("%s files, %s directories",
		humanize.Comma(int64(c.TrackedFiles)), humanize.Comma(int64(c.TrackedDirs)))})

	switch {
	case !c.HasState:
		tbl.AppendRow(table.Row{"state record", warn("missing"), ""})
	case c.ConfigDrift:
		tbl.AppendRow(table.Row{"configuration", bad("drifted"), "next run performs a full reset"})
	default:
		tbl.AppendRow(table.Row{"configuration", good("unchanged"), ""})
	}

	if c.LastOperation != "" {
		op := c.Operations[c.LastOperation]
		tbl.AppendRow(table.Row{"last operation", operationStatus(op.Status),
			fmt.Sprintf("%s %s", c.LastOperation, humanize.Time(op.LastRun))})
	}
	if c.CurrentScenario != "" {
		tbl.AppendRow(table.Row{"scenario", c.CurrentScenario, ""})
	}

	switch {
	case c.HealthError != "":
		tbl.AppendRow(table.Row{"services", bad("error"), c.HealthError})
	case c.Health != nil:
		tbl.AppendRow(table.Row{"services", verdict(c.Health.Overall), serviceSummary(c.Health)})
	}

	p.printf("%s\n", tbl.Render())
	if c.Ready {
		p.printf("%s\n", good("ready"))
	} else {
		p.printf("%s\n", bad("not ready"))
	}
	return nil
}

func operationStatus(s state.Status) string {
	switch s {
	case state.StatusCompleted:
		return good(string(s))
	case state.StatusFailed:
		return bad(string(s))
	default:
		return warn(string(s))
	}
}

func verdict(v health.Verdict) string {
	switch v {
	case health.Healthy:
		return good(string(v))
	case health.Degraded:
		return warn(string(v))
	default:
		return bad(string(v))
	}
}

func serviceSummary(r *health.Report) string {
	names := make([]string, 0, len(r.Services))
	for name := range r.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		s := r.Services[name]
		if s.Healthy {
			parts = append(parts, name+" ok")
		} else {
			parts = append(parts, name+" down")
		}
	}
	return strings.Join(parts, ", ")
}

// History prints history entries in the given order
func (p *Printer) History(entries []state.HistoryEntry) error {
	if ok, err := p.encode(entries); ok {
		return err
	}
	if len(entries) == 0 {
		p.printf("no operations recorded\n")
		return nil
	}

	tbl := newTable()
	tbl.AppendHeader(table.Row{"ID", "When", "Operation", "Result", "Duration"})
	for _, e := range entries {
		result := good("ok")
		if !e.Success {
			result = bad("failed")
		}
		tbl.AppendRow(table.Row{shortID(e.ID), humanize.Time(e.Timestamp), e.Type, result, roundDuration(e.Duration())})
	}
	tbl.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d entries", len(entries))})
	p.printf("%s\n", tbl.Render())
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func roundDuration(d time.Duration) string {
	if d >= time.Second {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Millisecond).String()
}
