package persona

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSeenTTL bounds how long a (persona, task, corr_id) triple is
// remembered for duplicate suppression.
const DefaultSeenTTL = 30 * time.Minute

// SeenTable remembers which requests have already been answered so that
// redelivered requests produce a duplicate_response event instead of a
// second execution.
type SeenTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// NewSeenTable creates a table with the given TTL. A zero ttl uses
// DefaultSeenTTL.
func NewSeenTable(ttl time.Duration) *SeenTable {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &SeenTable{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func seenKey(persona, taskID, corrID string) string {
	return persona + "|" + taskID + "|" + corrID
}

// MarkSeen records the triple and reports whether it was already
// present and unexpired.
func (s *SeenTable) MarkSeen(persona, taskID, corrID string) bool {
	key := seenKey(persona, taskID, corrID)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.entries[key]; ok && now.Sub(at) < s.ttl {
		return true
	}
	s.entries[key] = now
	return false
}

// Sweep drops expired entries and returns how many were removed.
func (s *SeenTable) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, at := range s.entries {
		if now.Sub(at) >= s.ttl {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the current entry count.
func (s *SeenTable) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// sweepSeen evicts expired entries on a ticker until ctx is cancelled.
// Started once per table when its owner starts.
func sweepSeen(ctx context.Context, table *SeenTable, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := table.Sweep(); removed > 0 {
				logger.Debug("seen table swept", "removed", removed)
			}
		}
	}
}
