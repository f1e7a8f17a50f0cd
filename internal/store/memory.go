package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hivemesh/fabric/internal/fault"
)

// MemoryStore keeps snapshots in process memory. It backs tests and
// deployments that run without a database.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string][]*Snapshot
	clock     func() time.Time
}

// NewMemoryStore creates an in-memory snapshot store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]*Snapshot),
		clock:     time.Now,
	}
}

// Save appends a snapshot with the next version for its session
func (s *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *snap
	stored.Version = int64(len(s.snapshots[snap.SessionID])) + 1
	stored.TakenAt = s.clock()
	s.snapshots[snap.SessionID] = append(s.snapshots[snap.SessionID], &stored)

	snap.Version = stored.Version
	snap.TakenAt = stored.TakenAt
	return nil
}

// Latest returns the highest-version snapshot for a session
func (s *MemoryStore) Latest(ctx context.Context, sessionID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.snapshots[sessionID]
	if len(history) == 0 {
		return nil, fault.New(fault.KindNotFound, "no snapshot for session %s", sessionID)
	}
	latest := *history[len(history)-1]
	return &latest, nil
}

// ListSummaries returns the latest snapshot summary per session
func (s *MemoryStore) ListSummaries(ctx context.Context) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := make([]Summary, 0, len(s.snapshots))
	for _, history := range s.snapshots {
		latest := history[len(history)-1]
		summaries = append(summaries, Summary{
			SessionID:    latest.SessionID,
			Status:       latest.Status,
			Version:      latest.Version,
			Participants: len(latest.Participants),
			Tasks:        len(latest.Tasks),
			LastActivity: latest.LastActivity,
			TakenAt:      latest.TakenAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].SessionID < summaries[j].SessionID
	})
	return summaries, nil
}
