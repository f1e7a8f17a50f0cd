package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hivemesh/fabric/internal/bus"
)

// RestoreManager rehydrates sessions on startup. It only publishes
// recreate events; the session manager is a pure subscriber, so the
// two packages never import each other.
type RestoreManager struct {
	store SnapshotStore
	bus   *bus.Bus
}

// NewRestoreManager creates a restore manager
func NewRestoreManager(store SnapshotStore, eventBus *bus.Bus) *RestoreManager {
	return &RestoreManager{store: store, bus: eventBus}
}

// restorable statuses survive a process restart
func restorable(status string) bool {
	return status == "active" || status == "paused"
}

// Run lists saved sessions and emits a recreate event for every
// Active or Paused session. Returns the number of sessions announced.
func (r *RestoreManager) Run(ctx context.Context) (int, error) {
	summaries, err := r.store.ListSummaries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list saved sessions: %w", err)
	}

	announced := 0
	for _, sum := range summaries {
		if !restorable(sum.Status) {
			continue
		}

		snap, err := r.store.Latest(ctx, sum.SessionID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sum.SessionID).Msg("Failed to load snapshot for restore")
			continue
		}

		if err := r.bus.Publish(ctx, bus.TopicSessionRecreate, "restore-manager", snap); err != nil {
			log.Warn().Err(err).Str("session_id", sum.SessionID).Msg("Failed to announce session recreate")
			continue
		}

		log.Info().
			Str("session_id", sum.SessionID).
			Str("status", sum.Status).
			Int64("version", snap.Version).
			Msg("Announced session recreate")
		announced++
	}

	return announced, nil
}
