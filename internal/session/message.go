package session

import (
	"encoding/json"
	"time"

	"github.com/hivemesh/fabric/internal/fault"
)

// MessageType tags a data-channel message
type MessageType string

const (
	MsgTask      MessageType = "task"
	MsgVeto      MessageType = "veto"
	MsgA2A       MessageType = "a2a"
	MsgState     MessageType = "state"
	MsgHandoff   MessageType = "handoff"
	MsgHeartbeat MessageType = "heartbeat"
)

// Envelope is one data-channel frame. Payload decodes into the exact
// struct for the Type; dispatch over the tag is total.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Sender    string          `json:"sender"`
	SessionID string          `json:"sessionId"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Task actions carried by TaskPayload
const (
	TaskAdded     = "added"
	TaskUpdated   = "updated"
	TaskRemoved   = "removed"
	TaskCompleted = "completed"
)

// TaskPayload applies one task mutation
type TaskPayload struct {
	Action string `json:"action"`
	Task   Task   `json:"task"`
}

// VetoPayload announces a veto vote on a task
type VetoPayload struct {
	TaskID          string `json:"taskId"`
	RequestedBy     string `json:"requestedBy"`
	VotingSessionID string `json:"votingSessionId"`
}

// A2A frame kinds carried by A2APayload
const (
	A2ARequest  = "request"
	A2AResponse = "response"
	A2AComplete = "complete"
)

// A2APayload carries a handshake request or response
type A2APayload struct {
	Kind        string `json:"kind"`
	HandshakeID string `json:"handshakeId"`
	Initiator   string `json:"initiator"`
	Responder   string `json:"responder"`
	Protocol    string `json:"protocol"`
	Accepted    bool   `json:"accepted,omitempty"`
}

// StatePayload syncs session state. Full replaces status and
// lastActivity; incremental merges task deltas last-writer-wins.
type StatePayload struct {
	Full           bool             `json:"full"`
	Status         Status           `json:"status,omitempty"`
	HostUserID     string           `json:"hostUserId,omitempty"`
	LastActivityMs int64            `json:"lastActivityMs,omitempty"`
	Tasks          map[string]*Task `json:"tasks,omitempty"`
	RemovedTasks   []string         `json:"removedTasks,omitempty"`
}

// Handoff actions carried by HandoffPayload
const (
	HandoffInitiate = "initiate"
	HandoffComplete = "complete"
	HandoffCancel   = "cancel"
)

// HandoffPayload drives the handoff manager from the data channel
type HandoffPayload struct {
	Action    string                 `json:"action"`
	HandoffID string                 `json:"handoffId,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Target    string                 `json:"target,omitempty"`
	TaskID    string                 `json:"taskId,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Priority  string                 `json:"priority,omitempty"`
}

// NewEnvelope builds a frame with the current timestamp
func NewEnvelope(msgType MessageType, sender, sessionID string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		Sender:    sender,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "failed to marshal %s payload", msgType)
		}
		env.Payload = raw
	}
	return env, nil
}

// DecodePayload unmarshals the payload into out
func (e *Envelope) DecodePayload(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fault.Wrap(fault.KindInvalidArgument, err, "malformed %s payload", e.Type)
	}
	return nil
}
