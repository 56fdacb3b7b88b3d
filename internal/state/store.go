// Package state persists the operation lock, the state record and the
// history log of a target environment.
//
// The lock marker is created with O_EXCL, so at most one operation can hold
// it across processes. Read-modify-write cycles on state.json and
// history.json are additionally serialised with an advisory file lock.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/schaermu/seedsync/internal/fsutil"
)

// File names inside the state directory
const (
	LockFile    = "operation.lock"
	StateFile   = "state.json"
	HistoryFile = "history.json"
	flockFile   = "state.flock"
)

// DefaultHistoryLimit bounds history.json when no limit is configured
const DefaultHistoryLimit = 50

var (
	// ErrConcurrencyConflict is matched by errors.Is for *ConflictError
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrNoOperation is returned by End when no operation is in flight
	ErrNoOperation = errors.New("no operation in progress")
	// ErrPersistence wraps failures writing state, history or lock files
	ErrPersistence = errors.New("persistence failure")
)

// ConflictError reports an attempt to start an operation while another one
// holds the lock
type ConflictError struct {
	Requested OperationType
	Running   *Lock
}

func (e *ConflictError) Error() string {
	if e.Running == nil {
		return fmt.Sprintf("cannot start %s: another operation is in progress", e.Requested)
	}
	return fmt.Sprintf("cannot start %s: operation %s already in progress (started %s, owner %s)",
		e.Requested, e.Running.OperationType, e.Running.StartedAt.Format(time.RFC3339), e.Running.OwnerID)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// Store manages the persisted artifacts of one target environment
type Store struct {
	dir          string
	configHash   string
	historyLimit int
	logger       *slog.Logger
	now          func() time.Time
}

// NewStore creates a store rooted at dir. configHash is the fingerprint of
// the current static configuration and is stamped on every saved record.
func NewStore(dir, configHash string, historyLimit int, logger *slog.Logger) *Store {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Store{
		dir:          dir,
		configHash:   configHash,
		historyLimit: historyLimit,
		logger:       logger,
		now:          time.Now,
	}
}

// Dir returns the state directory
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) lockPath() string    { return filepath.Join(s.dir, LockFile) }
func (s *Store) statePath() string   { return filepath.Join(s.dir, StateFile) }
func (s *Store) historyPath() string { return filepath.Join(s.dir, HistoryFile) }

// InProgress reports whether an operation lock exists
func (s *Store) InProgress() bool {
	return fsutil.Exists(s.lockPath())
}

// CurrentLock returns the lock of the in-flight operation, or nil.
// An unreadable lock marker still counts as held.
func (s *Store) CurrentLock() (*Lock, error) {
	var lock Lock
	err := fsutil.ReadJSON(s.lockPath(), &lock)
	if err == nil {
		return &lock, nil
	}
	if errors.Is(err, fsutil.ErrNotFound) {
		return nil, nil
	}

	s.logger.Warn("operation lock is unreadable", "path", s.lockPath(), "error", err)
	return &Lock{OperationType: "unknown"}, nil
}

// Holds reports whether lock is still the current operation lock
func (s *Store) Holds(lock *Lock) bool {
	if lock == nil {
		return false
	}
	current, err := s.CurrentLock()
	if err != nil || current == nil {
		return false
	}
	return current.OwnerID == lock.OwnerID
}

// Start acquires the operation lock. It fails with a *ConflictError if
// another operation holds it; callers must retry or abort.
func (s *Store) Start(typ OperationType, details map[string]any) (*Lock, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create state directory: %v", ErrPersistence, err)
	}

	lock := &Lock{
		OperationType: typ,
		StartedAt:     s.now().UTC(),
		OwnerID:       ownerID(),
		Details:       details,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock: %w", err)
	}

	f, err := os.OpenFile(s.lockPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			running, _ := s.CurrentLock()
			return nil, &ConflictError{Requested: typ, Running: running}
		}
		return nil, fmt.Errorf("%w: failed to create lock: %v", ErrPersistence, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(s.lockPath())
		return nil, fmt.Errorf("%w: failed to write lock: %v", ErrPersistence, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(s.lockPath())
		return nil, fmt.Errorf("%w: failed to write lock: %v", ErrPersistence, err)
	}

	err = s.update(func(rec *Record) {
		rec.LastOperation = typ
		rec.Operations[typ] = OperationStatus{
			Status:  StatusInProgress,
			LastRun: lock.StartedAt,
		}
	})
	if err != nil {
		// the lock is held; a stale record only affects reporting
		s.logger.Warn("failed to record operation start", "operation", typ, "error", err)
	}

	s.logger.Info("operation started", "operation", typ, "owner", lock.OwnerID)
	return lock, nil
}

// End completes the operation identified by owner. Duration is measured from
// the lock's start time, results are merged into the record, a history entry
// is appended and the lock is removed.
//
// When owner's lock was force-cleared meanwhile, the outcome is still
// recorded in history but whatever lock exists now is left alone, as is the
// status of the operation that holds it.
func (s *Store) End(owner *Lock, success bool, results Results, details map[string]any) (*HistoryEntry, error) {
	current, err := s.CurrentLock()
	if err != nil {
		return nil, err
	}

	held := current != nil && (owner == nil || current.OwnerID == owner.OwnerID)
	ref := owner
	if held {
		ref = current
	}
	if ref == nil {
		return nil, ErrNoOperation
	}

	finished := s.now().UTC()
	duration := finished.Sub(ref.StartedAt)
	if duration < 0 {
		duration = 0
	}

	status := StatusFailed
	if success {
		status = StatusCompleted
	}

	var errs []error
	// a newer operation owns the lock and its status entry
	superseded := current != nil && !held
	err = s.update(func(rec *Record) {
		if !superseded {
			rec.LastOperation = ref.OperationType
			rec.Operations[ref.OperationType] = OperationStatus{
				Status:     status,
				LastRun:    finished,
				DurationMS: duration.Milliseconds(),
			}
		}
		rec.Results.Merge(results)
		if scenario, ok := details["scenario"].(string); ok && scenario != "" && success {
			rec.CurrentScenario = scenario
		}
	})
	if err != nil {
		errs = append(errs, err)
	}

	entry := HistoryEntry{
		ID:         uuid.NewString(),
		Timestamp:  finished,
		Type:       ref.OperationType,
		DurationMS: duration.Milliseconds(),
		Success:    success,
		Results:    results,
		Details:    details,
	}
	if err := s.appendHistory(entry); err != nil {
		errs = append(errs, err)
	}

	if held {
		if err := os.Remove(s.lockPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("%w: failed to remove lock: %v", ErrPersistence, err))
		}
	} else {
		s.logger.Warn("operation lock was cleared while the operation was running",
			"operation", ref.OperationType, "owner", ref.OwnerID)
	}

	s.logger.Info("operation finished",
		"operation", ref.OperationType,
		"success", success,
		"duration", duration.Round(time.Millisecond))

	return &entry, errors.Join(errs...)
}

// ForceUnlock removes the lock unconditionally and marks in-progress
// operations as failed. It returns the removed lock, if any. In-flight work
// is not stopped.
func (s *Store) ForceUnlock() (*Lock, error) {
	removed, err := s.CurrentLock()
	if err != nil {
		return nil, err
	}

	if err := os.Remove(s.lockPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: failed to remove lock: %v", ErrPersistence, err)
	}

	err = s.update(func(rec *Record) {
		for typ, op := range rec.Operations {
			if op.Status == StatusInProgress {
				op.Status = StatusFailed
				rec.Operations[typ] = op
			}
		}
	})

	if removed != nil {
		s.logger.Warn("operation lock force-cleared",
			"operation", removed.OperationType,
			"owner", removed.OwnerID,
			"started_at", removed.StartedAt)
	} else {
		s.logger.Warn("force unlock requested but no operation lock was present")
	}

	return removed, err
}

// State returns the persisted record. A missing, corrupt or schema-invalid
// file yields a complete default record.
func (s *Store) State() *Record {
	rec, err := s.readRecord()
	if err != nil {
		s.logger.Warn("state record unusable, using defaults", "path", s.statePath(), "error", err)
		return s.defaultRecord()
	}
	return rec
}

// SaveState persists rec, stamping the current configuration hash
func (s *Store) SaveState(rec *Record) error {
	if rec == nil {
		return errors.New("nil state record")
	}
	return s.withFileLock(func() error {
		return s.writeRecord(rec)
	})
}

// ConfigDrift reports whether the environment was last provisioned under a
// different configuration. Records written before the applied hash existed
// fall back to the stamped hash. A store without a record never drifts.
func (s *Store) ConfigDrift() bool {
	rec, err := s.readRecord()
	if err != nil {
		return false
	}
	applied := rec.AppliedConfigurationHash
	if applied == "" {
		applied = rec.ConfigurationHash
	}
	return applied != "" && applied != s.configHash
}

// MarkApplied records the current configuration as provisioned, clearing
// any drift. Only call it after a run that handled the drift succeeded.
func (s *Store) MarkApplied() error {
	return s.update(func(rec *Record) {
		rec.AppliedConfigurationHash = s.configHash
	})
}

// HasRecord reports whether a state record has been persisted
func (s *Store) HasRecord() bool {
	return fsutil.Exists(s.statePath())
}

// update applies fn to the current record under the advisory file lock
func (s *Store) update(fn func(rec *Record)) error {
	return s.withFileLock(func() error {
		rec := s.State()
		fn(rec)
		return s.writeRecord(rec)
	})
}

func (s *Store) writeRecord(rec *Record) error {
	rec.Version = RecordVersion
	rec.ConfigurationHash = s.configHash
	rec.LastUpdated = s.now().UTC()
	if rec.Operations == nil {
		rec.Operations = make(map[OperationType]OperationStatus)
	}

	if err := fsutil.WriteJSON(s.statePath(), rec); err != nil {
		return fmt.Errorf("%w: failed to save state: %v", ErrPersistence, err)
	}
	return nil
}

func (s *Store) readRecord() (*Record, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.defaultRecord(), nil
		}
		return nil, err
	}

	if err := validateRecord(data); err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("json decode %s: %w", s.statePath(), err)
	}
	if rec.Operations == nil {
		rec.Operations = make(map[OperationType]OperationStatus)
	}
	return &rec, nil
}

func (s *Store) defaultRecord() *Record {
	return &Record{
		Version:           RecordVersion,
		Operations:        make(map[OperationType]OperationStatus),
		ConfigurationHash: s.configHash,
	}
}

func (s *Store) withFileLock(fn func() error) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create state directory: %v", ErrPersistence, err)
	}

	fl := flock.New(filepath.Join(s.dir, flockFile))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("%w: failed to lock state: %v", ErrPersistence, err)
	}
	defer func() {
		_ = fl.Unlock()
	}()

	return fn()
}

// ownerID identifies the process holding a lock
func ownerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString())
}
