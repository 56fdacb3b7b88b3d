// Package changes snapshots the tracked inputs of a provisioning run and
// diffs the current snapshot against the last committed baseline.
package changes

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/schaermu/seedsync/internal/checksum"
	"github.com/schaermu/seedsync/internal/fsutil"
)

// SnapshotFile is the baseline file name inside the state directory
const SnapshotFile = "snapshot.json"

// ReasonNoSnapshot is reported when no baseline exists yet
const ReasonNoSnapshot = "no previous snapshot"

// TrackedFile is an individually fingerprinted input file
type TrackedFile struct {
	Key      string
	Path     string
	Category Category
	// Critical config files invalidate downstream identifiers when changed
	Critical bool
}

// TrackedDir is a fingerprinted directory subtree
type TrackedDir struct {
	Key        string
	Path       string
	Category   Category
	Extensions []string
}

// Snapshot is a point-in-time set of fingerprints for all tracked inputs
type Snapshot struct {
	Timestamp   time.Time                     `json:"timestamp"`
	Files       map[string]checksum.Record    `json:"files"`
	Directories map[string]checksum.Directory `json:"directories"`
}

// Details lists the tracked keys behind a Report
type Details struct {
	ChangedFiles       []string `json:"changed_files" yaml:"changed_files"`
	ChangedDirectories []string `json:"changed_directories" yaml:"changed_directories"`
	NewFiles           []string `json:"new_files" yaml:"new_files"`
	DeletedFiles       []string `json:"deleted_files" yaml:"deleted_files"`
	Reason             string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Report is the outcome of comparing two snapshots
type Report struct {
	HasChanges bool    `json:"has_changes" yaml:"has_changes"`
	Categories Flags   `json:"categories" yaml:"categories"`
	Details    Details `json:"details" yaml:"details"`
	// CriticalConfig is set when a changed config key is marked critical
	CriticalConfig bool `json:"critical_config" yaml:"critical_config"`
	// Baseline is false on a cold start
	Baseline bool `json:"baseline" yaml:"baseline"`
}

// Detector fingerprints the configured inputs and persists baselines
type Detector struct {
	files        []TrackedFile
	dirs         []TrackedDir
	snapshotPath string
	logger       *slog.Logger
	now          func() time.Time
}

// NewDetector creates a detector that keeps its baseline in stateDir
func NewDetector(stateDir string, files []TrackedFile, dirs []TrackedDir, logger *slog.Logger) *Detector {
	return &Detector{
		files:        files,
		dirs:         dirs,
		snapshotPath: filepath.Join(stateDir, SnapshotFile),
		logger:       logger,
		now:          time.Now,
	}
}

// Snapshot computes fingerprints for every tracked file and directory.
// Missing inputs are simply absent from the result.
func (d *Detector) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{
		Timestamp:   d.now().UTC(),
		Files:       make(map[string]checksum.Record, len(d.files)),
		Directories: make(map[string]checksum.Directory, len(d.dirs)),
	}

	for _, f := range d.files {
		rec, ok, err := checksum.StatFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint %s (%s): %w", f.Key, f.Path, err)
		}
		if !ok {
			d.logger.Debug("tracked file missing", "key", f.Key, "path", f.Path)
			continue
		}
		snap.Files[f.Key] = rec
	}

	for _, dir := range d.dirs {
		sum, ok, err := checksum.StatDir(dir.Path, dir.Extensions)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint %s (%s): %w", dir.Key, dir.Path, err)
		}
		if !ok {
			d.logger.Debug("tracked directory missing", "key", dir.Key, "path", dir.Path)
			continue
		}
		snap.Directories[dir.Key] = sum
	}

	return snap, nil
}

// Load returns the committed baseline, or nil when there is none.
// An unreadable baseline is treated as absent.
func (d *Detector) Load() (*Snapshot, error) {
	var snap Snapshot
	if err := fsutil.ReadJSON(d.snapshotPath, &snap); err != nil {
		if !errors.Is(err, fsutil.ErrNotFound) {
			d.logger.Warn("failed to load previous snapshot (will treat as cold start)", "error", err)
		}
		return nil, nil
	}

	if snap.Files == nil {
		snap.Files = make(map[string]checksum.Record)
	}
	if snap.Directories == nil {
		snap.Directories = make(map[string]checksum.Directory)
	}
	return &snap, nil
}

// Save commits snap as the new baseline
func (d *Detector) Save(snap *Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	if err := fsutil.WriteJSON(d.snapshotPath, snap); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	d.logger.Debug("snapshot saved", "path", d.snapshotPath,
		"files", len(snap.Files), "directories", len(snap.Directories))
	return nil
}

// Commit saves a baseline that takes cur's fingerprints for the processed
// categories and keeps the previous ones for the rest, so inputs a narrowed
// run skipped are still reported next time. Without a previous baseline only
// a run covering every category commits. It reports whether it saved.
func (d *Detector) Commit(cur *Snapshot, processed Flags) (bool, error) {
	if cur == nil {
		return false, errors.New("nil snapshot")
	}
	if processed == allFlags() {
		return true, d.Save(cur)
	}

	prev, err := d.Load()
	if err != nil {
		return false, err
	}
	if prev == nil {
		d.logger.Debug("partial run without baseline, snapshot not committed")
		return false, nil
	}
	return true, d.Save(d.merge(prev, cur, processed))
}

func (d *Detector) merge(prev, cur *Snapshot, processed Flags) *Snapshot {
	out := &Snapshot{
		Timestamp:   cur.Timestamp,
		Files:       make(map[string]checksum.Record, len(d.files)),
		Directories: make(map[string]checksum.Directory, len(d.dirs)),
	}

	for _, f := range d.files {
		src := prev
		if processed.Has(f.Category) {
			src = cur
		}
		if rec, ok := src.Files[f.Key]; ok {
			out.Files[f.Key] = rec
		}
	}
	for _, dir := range d.dirs {
		src := prev
		if processed.Has(dir.Category) {
			src = cur
		}
		if sum, ok := src.Directories[dir.Key]; ok {
			out.Directories[dir.Key] = sum
		}
	}
	return out
}

// Detect compares the current inputs against the baseline. It returns the
// current snapshot too; committing it is left to the caller.
func (d *Detector) Detect() (*Report, *Snapshot, error) {
	current, err := d.Snapshot()
	if err != nil {
		return nil, nil, err
	}

	prev, err := d.Load()
	if err != nil {
		return nil, nil, err
	}

	return d.Diff(prev, current), current, nil
}

// Diff classifies every tracked key by comparing prev against cur.
// A nil prev yields the cold-start report with every category flagged.
func (d *Detector) Diff(prev, cur *Snapshot) *Report {
	report := &Report{
		Details: Details{
			ChangedFiles:       []string{},
			ChangedDirectories: []string{},
			NewFiles:           []string{},
			DeletedFiles:       []string{},
		},
	}

	if prev == nil {
		report.HasChanges = true
		report.Categories = allFlags()
		report.Details.Reason = ReasonNoSnapshot
		return report
	}
	report.Baseline = true

	for _, f := range d.files {
		before, hadBefore := prev.Files[f.Key]
		after, hasNow := cur.Files[f.Key]

		var changed bool
		switch {
		case !hadBefore && hasNow:
			report.Details.NewFiles = append(report.Details.NewFiles, f.Key)
			changed = true
		case hadBefore && !hasNow:
			report.Details.DeletedFiles = append(report.Details.DeletedFiles, f.Key)
			changed = true
		case hadBefore && hasNow && before.Hash != after.Hash:
			report.Details.ChangedFiles = append(report.Details.ChangedFiles, f.Key)
			changed = true
		}

		if changed {
			report.Categories.Set(f.Category)
			if f.Category == Config && f.Critical {
				report.CriticalConfig = true
			}
		}
	}

	for _, dir := range d.dirs {
		before, hadBefore := prev.Directories[dir.Key]
		after, hasNow := cur.Directories[dir.Key]

		// a vanished directory counts as changed, never as deleted
		if hadBefore != hasNow || (hasNow && before.Hash != after.Hash) {
			report.Details.ChangedDirectories = append(report.Details.ChangedDirectories, dir.Key)
			report.Categories.Set(dir.Category)
		}
	}

	report.HasChanges = len(report.Details.ChangedFiles) > 0 ||
		len(report.Details.ChangedDirectories) > 0 ||
		len(report.Details.NewFiles) > 0 ||
		len(report.Details.DeletedFiles) > 0

	return report
}

// Counts returns the number of tracked files per category in snap, using
// directory file counts for directories. Used for time estimates.
func (d *Detector) Counts(snap *Snapshot) map[Category]int {
	counts := make(map[Category]int, len(AllCategories))
	if snap == nil {
		return counts
	}
	for _, f := range d.files {
		if _, ok := snap.Files[f.Key]; ok {
			counts[f.Category]++
		}
	}
	for _, dir := range d.dirs {
		if sum, ok := snap.Directories[dir.Key]; ok {
			counts[dir.Category] += sum.FileCount
		}
	}
	return counts
}

// Tracked returns the number of tracked files and directories
func (d *Detector) Tracked() (files, dirs int) {
	return len(d.files), len(d.dirs)
}
