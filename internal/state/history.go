package state

import (
	"errors"
	"fmt"

	"github.com/schaermu/seedsync/internal/fsutil"
)

// appendHistory adds entry and trims the log to the newest historyLimit
// entries
func (s *Store) appendHistory(entry HistoryEntry) error {
	return s.withFileLock(func() error {
		entries, err := s.readHistory()
		if err != nil {
			s.logger.Warn("history log unreadable, starting a new one", "path", s.historyPath(), "error", err)
			entries = nil
		}

		entries = append(entries, entry)
		if over := len(entries) - s.historyLimit; over > 0 {
			entries = entries[over:]
		}

		if err := fsutil.WriteJSON(s.historyPath(), entries); err != nil {
			return fmt.Errorf("%w: failed to save history: %v", ErrPersistence, err)
		}
		return nil
	})
}

// History returns up to limit entries, newest first. A limit <= 0 returns
// the whole log.
func (s *Store) History(limit int) ([]HistoryEntry, error) {
	entries, err := s.readHistory()
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	out := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out, nil
}

func (s *Store) readHistory() ([]HistoryEntry, error) {
	var entries []HistoryEntry
	if err := fsutil.ReadJSON(s.historyPath(), &entries); err != nil {
		if errors.Is(err, fsutil.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}
