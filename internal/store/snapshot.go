// Package store persists durable session snapshots and rehydrates
// active sessions on startup. Snapshots are append-only per session:
// the latest record fully describes the session minus its live
// transport handles.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// ParticipantRecord is a participant without live transport handles
type ParticipantRecord struct {
	UserID          string    `json:"user_id"`
	AgentID         string    `json:"agent_id,omitempty"`
	DisplayName     string    `json:"display_name"`
	JoinedAt        time.Time `json:"joined_at"`
	IsHost          bool      `json:"is_host"`
	Authenticated   bool      `json:"authenticated"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	ConnectionState string    `json:"connection_state"`
}

// TaskRecord is a persisted task
type TaskRecord struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Priority    string          `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Snapshot fully describes a session's logical state
type Snapshot struct {
	SessionID    string              `json:"session_id"`
	HostUserID   string              `json:"host_user_id"`
	Status       string              `json:"status"`
	Config       json.RawMessage     `json:"config"`
	Participants []ParticipantRecord `json:"participants"`
	Tasks        []TaskRecord        `json:"tasks"`
	OpenVetoes   map[string]string   `json:"open_vetoes,omitempty"` // task id -> voting session id
	Handshakes   map[string]string   `json:"handshakes,omitempty"`  // agent pair -> handshake id
	CreatedAt    time.Time           `json:"created_at"`
	LastActivity time.Time           `json:"last_activity"`
	Version      int64               `json:"version"`
	TakenAt      time.Time           `json:"taken_at"`
}

// Summary is a lightweight view used by the restore manager
type Summary struct {
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status"`
	Version      int64     `json:"version"`
	Participants int       `json:"participants"`
	Tasks        int       `json:"tasks"`
	LastActivity time.Time `json:"last_activity"`
	TakenAt      time.Time `json:"taken_at"`
}

// SnapshotStore is the persistence boundary. Implementations are
// treated as a single logical writer; Save assigns the next version.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Latest(ctx context.Context, sessionID string) (*Snapshot, error)
	ListSummaries(ctx context.Context) ([]Summary, error)
}
