package state

import (
	"fmt"
	"time"
)

// OperationType names a logical provisioning operation
type OperationType string

const (
	OperationSetup    OperationType = "setup"
	OperationReset    OperationType = "reset"
	OperationSeed     OperationType = "seed"
	OperationValidate OperationType = "validate"
)

// ParseOperationType validates an operation type name
func ParseOperationType(s string) (OperationType, error) {
	switch t := OperationType(s); t {
	case OperationSetup, OperationReset, OperationSeed, OperationValidate:
		return t, nil
	default:
		return "", fmt.Errorf("unknown operation type: %s", s)
	}
}

// Status of an operation entry in the state record
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// RecordVersion is the current schema version of state.json
const RecordVersion = 1

// Lock is the durable marker of an in-flight operation
type Lock struct {
	OperationType OperationType  `json:"operation_type" yaml:"operation_type"`
	StartedAt     time.Time      `json:"started_at" yaml:"started_at"`
	OwnerID       string         `json:"owner_id" yaml:"owner_id"`
	Details       map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

// OperationStatus is the last known outcome of one operation type
type OperationStatus struct {
	Status     Status    `json:"status" yaml:"status"`
	LastRun    time.Time `json:"last_run" yaml:"last_run"`
	DurationMS int64     `json:"duration_ms" yaml:"duration_ms"`
}

// Stats carries collaborator statistics for one result category
type Stats map[string]any

// Results holds the cumulative outcome per downstream target
type Results struct {
	Images   Stats `json:"images,omitempty" yaml:"images,omitempty"`
	Database Stats `json:"database,omitempty" yaml:"database,omitempty"`
	Search   Stats `json:"search,omitempty" yaml:"search,omitempty"`
	Frontend Stats `json:"frontend,omitempty" yaml:"frontend,omitempty"`
}

// Merge folds in into r category by category. Keys present in in replace
// the same keys in r; categories and keys absent from in are kept.
func (r *Results) Merge(in Results) {
	r.Images = mergeStats(r.Images, in.Images)
	r.Database = mergeStats(r.Database, in.Database)
	r.Search = mergeStats(r.Search, in.Search)
	r.Frontend = mergeStats(r.Frontend, in.Frontend)
}

// Empty reports whether no category carries any stats
func (r Results) Empty() bool {
	return len(r.Images) == 0 && len(r.Database) == 0 && len(r.Search) == 0 && len(r.Frontend) == 0
}

func mergeStats(dst, src Stats) Stats {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(Stats, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Record is the persisted state of one target environment
type Record struct {
	Version           int                               `json:"version"`
	LastUpdated       time.Time                         `json:"last_updated"`
	LastOperation     OperationType                     `json:"last_operation,omitempty"`
	CurrentScenario   string                            `json:"current_scenario,omitempty"`
	Operations        map[OperationType]OperationStatus `json:"operations"`
	Results           Results                           `json:"results"`
	ConfigurationHash string                            `json:"configuration_hash"`

	// AppliedConfigurationHash only advances once a run has provisioned
	// the environment under that configuration
	AppliedConfigurationHash string `json:"applied_configuration_hash,omitempty"`
}

// HistoryEntry is one completed operation in the history log
type HistoryEntry struct {
	ID         string         `json:"id" yaml:"id"`
	Timestamp  time.Time      `json:"timestamp" yaml:"timestamp"`
	Type       OperationType  `json:"type" yaml:"type"`
	DurationMS int64          `json:"duration_ms" yaml:"duration_ms"`
	Success    bool           `json:"success" yaml:"success"`
	Results    Results        `json:"results" yaml:"results"`
	Details    map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

// Duration returns the entry duration
func (h HistoryEntry) Duration() time.Duration {
	return time.Duration(h.DurationMS) * time.Millisecond
}
