package planner

import (
	"time"

	"github.com/schaermu/seedsync/internal/changes"
)

// Estimator holds the static per-item cost heuristics. Floors account for
// fixed connection and setup overhead regardless of item count.
type Estimator struct {
	PerImage     time.Duration
	ImageFloor   time.Duration
	PerDataFile  time.Duration
	DataFloor    time.Duration
	Frontend     time.Duration
	Validate     time.Duration
	FullReset    time.Duration
	ServiceCheck time.Duration
}

// DefaultEstimator returns the built-in heuristics
func DefaultEstimator() Estimator {
	return Estimator{
		PerImage:     2 * time.Second,
		ImageFloor:   10 * time.Second,
		PerDataFile:  500 * time.Millisecond,
		DataFloor:    5 * time.Second,
		Frontend:     3 * time.Second,
		Validate:     2 * time.Second,
		FullReset:    30 * time.Second,
		ServiceCheck: time.Second,
	}
}

// Images estimates processing n image files
func (e Estimator) Images(n int) time.Duration {
	return max(e.ImageFloor, time.Duration(n)*e.PerImage)
}

// Data estimates seeding n data files
func (e Estimator) Data(n int) time.Duration {
	return max(e.DataFloor, time.Duration(n)*e.PerDataFile)
}

// Estimate sums the cost of every stage rec would run
func (e Estimator) Estimate(rec Recommendation, counts map[changes.Category]int) time.Duration {
	total := e.ServiceCheck
	if rec.FullReset {
		total += e.FullReset
	}
	if rec.ProcessImages {
		total += e.Images(counts[changes.Images])
	}
	if rec.SeedDatabase {
		total += e.Data(counts[changes.Data])
	}
	if rec.ValidateData {
		total += e.Validate
	}
	if rec.UpdateFrontend {
		total += e.Frontend
	}
	return total
}

// Full estimates reprocessing every category from scratch
func (e Estimator) Full(counts map[changes.Category]int) time.Duration {
	return e.Estimate(Recommendation{
		ProcessImages:  true,
		SeedDatabase:   true,
		UpdateFrontend: true,
		ValidateData:   true,
	}, counts)
}
