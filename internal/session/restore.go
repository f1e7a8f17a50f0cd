package session

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/hivemesh/fabric/internal/bus"
	"github.com/hivemesh/fabric/internal/store"
)

// SubscribeRecreate rebuilds sessions from recreate events emitted by
// the restore manager at startup. The manager is a pure subscriber
// here; it never calls into the store's restore path directly.
func (m *Manager) SubscribeRecreate() (*bus.Subscription, error) {
	return m.bus.Subscribe(bus.TopicSessionRecreate, func(evt *bus.Event) {
		var snap store.Snapshot
		if err := evt.Decode(&snap); err != nil {
			log.Warn().Err(err).Msg("Malformed session recreate event")
			return
		}
		m.restoreFromSnapshot(context.Background(), &snap)
	})
}

// restoreFromSnapshot rehydrates one session. Participants come back
// Disconnected until they rejoin over signaling. A live session id is
// a no-op; restore is idempotent.
func (m *Manager) restoreFromSnapshot(ctx context.Context, snap *store.Snapshot) {
	m.mu.Lock()
	if _, live := m.sessions[snap.SessionID]; live {
		m.mu.Unlock()
		log.Debug().
			Str("session_id", snap.SessionID).
			Msg("Skipping restore of live session")
		return
	}

	var cfg Config
	if err := json.Unmarshal(snap.Config, &cfg); err != nil {
		m.mu.Unlock()
		log.Warn().Err(err).
			Str("session_id", snap.SessionID).
			Msg("Malformed config in snapshot, skipping restore")
		return
	}

	s := &Session{
		ID:           snap.SessionID,
		HostUserID:   snap.HostUserID,
		Status:       Status(snap.Status),
		Config:       cfg,
		CreatedAt:    snap.CreatedAt,
		LastActivity: snap.LastActivity,
		participants: make(map[string]*Participant, len(snap.Participants)),
		tasks:        make(map[string]*Task, len(snap.Tasks)),
		openVetoes:   make(map[string]string, len(snap.OpenVetoes)),
		handshakes:   make(map[string]string, len(snap.Handshakes)),
		records:      make(map[string]*HandshakeRecord),
	}

	for _, pr := range snap.Participants {
		s.participants[pr.UserID] = &Participant{
			UserID:          pr.UserID,
			AgentID:         pr.AgentID,
			DisplayName:     pr.DisplayName,
			JoinedAt:        pr.JoinedAt,
			IsHost:          pr.IsHost,
			Authenticated:   pr.Authenticated,
			Capabilities:    pr.Capabilities,
			ConnectionState: ConnDisconnected,
			peers:           make(map[string]PeerTransport),
		}
	}
	for _, tr := range snap.Tasks {
		task := &Task{ID: tr.ID, Description: tr.Description, Priority: tr.Priority}
		if len(tr.Payload) > 0 {
			var full Task
			if err := json.Unmarshal(tr.Payload, &full); err == nil {
				task = &full
			}
		}
		s.tasks[task.ID] = task
	}
	for k, v := range snap.OpenVetoes {
		s.openVetoes[k] = v
	}
	for k, v := range snap.Handshakes {
		s.handshakes[k] = v
	}

	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Info().
		Str("session_id", s.ID).
		Str("status", string(s.Status)).
		Int("participants", len(snap.Participants)).
		Int("tasks", len(snap.Tasks)).
		Int64("snapshot_version", snap.Version).
		Msg("Session restored from snapshot")

	m.publish(ctx, bus.TopicSessionRestored, map[string]interface{}{
		"sessionId": s.ID,
		"status":    string(s.Status),
		"version":   snap.Version,
	})
}

// RestoreNow applies a snapshot directly. Used by tests and by callers
// that already hold the snapshot.
func (m *Manager) RestoreNow(ctx context.Context, snap *store.Snapshot) {
	m.restoreFromSnapshot(ctx, snap)
}

// SessionCount returns the number of live sessions
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
