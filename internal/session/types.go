// Package session implements the collaborative session manager: the
// coordinator that owns session state, drives per-peer connection
// establishment, and dispatches data-channel messages.
package session

import (
	"sync"
	"time"
)

// Status of a session
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusClosed       Status = "closed"
)

// ConnState of one participant's transport
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
)

// Task is one unit of session work
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Priority    string     `json:"priority,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Last-writer-wins bookkeeping for state sync conflicts
	UpdatedAtMs int64  `json:"updated_at_ms,omitempty"`
	UpdatedBy   string `json:"updated_by,omitempty"`
}

// Participant is one member of a session. Transport handles are owned
// by the session entry; removal closes them.
type Participant struct {
	UserID          string    `json:"user_id"`
	AgentID         string    `json:"agent_id,omitempty"`
	DisplayName     string    `json:"display_name"`
	JoinedAt        time.Time `json:"joined_at"`
	IsHost          bool      `json:"is_host"`
	Authenticated   bool      `json:"authenticated"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	ConnectionState ConnState `json:"connection_state"`

	channel DataChannel
	peers   map[string]PeerTransport // by remote user id
}

// WebRTCConfig is passed through to the transport layer
type WebRTCConfig struct {
	ICEServers         []string `json:"ice_servers,omitempty"`
	ICETransportPolicy string   `json:"ice_transport_policy,omitempty"`
}

// SignalingSettings selects how connection offers reach peers
type SignalingSettings struct {
	EnableSignaling  bool          `json:"enable_signaling"`
	ServerURL        string        `json:"server_url,omitempty"`
	FallbackToDirect bool          `json:"fallback_to_direct"`
	ConnectTimeout   time.Duration `json:"connect_timeout,omitempty"`
}

// Config is the per-session configuration
type Config struct {
	MaxParticipants int               `json:"max_participants"`
	EnableVetoes    bool              `json:"enable_vetoes"`
	EnableA2A       bool              `json:"enable_a2a"`
	WebRTC          WebRTCConfig      `json:"webrtc,omitempty"`
	Signaling       SignalingSettings `json:"signaling"`
}

// HandshakeState of an agent-to-agent handshake
type HandshakeState string

const (
	HandshakeProposed  HandshakeState = "proposed"
	HandshakeAccepted  HandshakeState = "accepted"
	HandshakeRejected  HandshakeState = "rejected"
	HandshakeCompleted HandshakeState = "completed"
)

// HandshakeRecord tracks one agent-to-agent handshake
type HandshakeRecord struct {
	ID        string         `json:"id"`
	Initiator string         `json:"initiator"`
	Responder string         `json:"responder"`
	Protocol  string         `json:"protocol"`
	State     HandshakeState `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
}

// Session is one collaborative session. All mutations are serialized
// on mu; cross-session state lives only in the snapshot store.
type Session struct {
	ID           string
	HostUserID   string
	Status       Status
	Config       Config
	CreatedAt    time.Time
	LastActivity time.Time

	mu           sync.Mutex
	participants map[string]*Participant
	tasks        map[string]*Task
	openVetoes   map[string]string // task id -> voting session id
	handshakes   map[string]string // ordered agent pair -> handshake id
	records      map[string]*HandshakeRecord
}

// pairKey is the ordered agent-pair key for handshake bookkeeping
func pairKey(initiator, responder string) string {
	return initiator + "->" + responder
}

// ParticipantCount returns the current number of participants
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// GetParticipant returns a participant by user id
func (s *Session) GetParticipant(userID string) (*Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	return p, ok
}

// GetTask returns a task by id
func (s *Session) GetTask(taskID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	return t, ok
}

// TaskCount returns the current number of tasks
func (s *Session) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// OpenVeto returns the voting session id for an open veto on a task
func (s *Session) OpenVeto(taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.openVetoes[taskID]
	return id, ok
}

// Handshake returns the handshake record for an ordered agent pair
func (s *Session) Handshake(initiator, responder string) (*HandshakeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.handshakes[pairKey(initiator, responder)]
	if !ok {
		return nil, false
	}
	rec, ok := s.records[id]
	return rec, ok
}
