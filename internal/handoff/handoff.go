// Package handoff packages and transfers a task's context between
// agents with an explicit acknowledgement.
package handoff

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hivemesh/fabric/internal/bus"
	"github.com/hivemesh/fabric/internal/fault"
)

// State of a handoff record
type State string

const (
	StateProposed  State = "proposed"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Request describes a handoff to initiate
type Request struct {
	Source   string                 `json:"source"`
	Target   string                 `json:"target"`
	TaskID   string                 `json:"task_id"`
	Context  map[string]interface{} `json:"context"`
	Priority string                 `json:"priority,omitempty"`
}

// Result is the outcome of an initiate or complete call
type Result struct {
	HandoffID  string                 `json:"handoff_id"`
	Success    bool                   `json:"success"`
	AcceptedBy string                 `json:"accepted_by,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

type record struct {
	req       Request
	state     State
	createdAt time.Time
	result    *Result // cached Complete result
}

// ContextTTL bounds how long a packaged context waits for acceptance
const ContextTTL = 10 * time.Minute

// Manager coordinates handoff records and their packaged contexts
type Manager struct {
	mu      sync.Mutex
	records map[string]*record
	store   ContextStore
	bus     *bus.Bus
	clock   func() time.Time
}

// NewManager creates a handoff manager. The bus is optional; when nil
// no events are emitted.
func NewManager(store ContextStore, eventBus *bus.Bus) *Manager {
	return &Manager{
		records: make(map[string]*record),
		store:   store,
		bus:     eventBus,
		clock:   time.Now,
	}
}

// Initiate packages the context, places the handoff in Proposed, and
// broadcasts the event.
func (m *Manager) Initiate(ctx context.Context, req Request) (*Result, error) {
	if req.Source == "" || req.Target == "" {
		return nil, fault.New(fault.KindInvalidArgument, "handoff requires source and target agents")
	}
	if req.Source == req.Target {
		return nil, fault.New(fault.KindInvalidArgument, "handoff source and target must differ")
	}

	handoffID := uuid.New().String()

	packaged, err := json.Marshal(req.Context)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to package handoff context")
	}
	if err := m.store.Put(ctx, handoffID, packaged, ContextTTL); err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err, "failed to store handoff context")
	}

	m.mu.Lock()
	m.records[handoffID] = &record{
		req:       req,
		state:     StateProposed,
		createdAt: m.clock(),
	}
	m.mu.Unlock()

	log.Info().
		Str("handoff_id", handoffID).
		Str("source", req.Source).
		Str("target", req.Target).
		Str("task_id", req.TaskID).
		Msg("Handoff initiated")

	m.publish(ctx, bus.TopicHandoffInitiated, map[string]string{
		"handoffId": handoffID,
		"source":    req.Source,
		"target":    req.Target,
		"taskId":    req.TaskID,
	})

	return &Result{HandoffID: handoffID, Success: true}, nil
}

// Complete transitions Proposed -> Completed iff the accepting agent is
// the handoff's target. A repeated Complete returns the cached result.
func (m *Manager) Complete(ctx context.Context, handoffID, acceptingAgentID string) (*Result, error) {
	m.mu.Lock()
	rec, ok := m.records[handoffID]
	if !ok {
		m.mu.Unlock()
		return nil, fault.New(fault.KindNotFound, "handoff %s not found", handoffID)
	}

	if rec.state == StateCompleted {
		cached := rec.result
		m.mu.Unlock()
		return cached, nil
	}
	if rec.state == StateCancelled {
		m.mu.Unlock()
		return nil, fault.New(fault.KindInvalidState, "handoff %s is cancelled", handoffID)
	}
	if acceptingAgentID != rec.req.Target {
		m.mu.Unlock()
		return nil, fault.New(fault.KindInvalidArgument,
			"agent %s is not the handoff target %s", acceptingAgentID, rec.req.Target)
	}
	m.mu.Unlock()

	packaged, err := m.store.Get(ctx, handoffID)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err, "failed to load handoff context")
	}
	var restored map[string]interface{}
	if err := json.Unmarshal(packaged, &restored); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to unpack handoff context")
	}

	result := &Result{
		HandoffID:  handoffID,
		Success:    true,
		AcceptedBy: acceptingAgentID,
		Context:    restored,
	}

	m.mu.Lock()
	// Re-check under the lock; a concurrent Complete may have won.
	if rec.state == StateCompleted {
		cached := rec.result
		m.mu.Unlock()
		return cached, nil
	}
	rec.state = StateCompleted
	rec.result = result
	m.mu.Unlock()

	if err := m.store.Delete(ctx, handoffID); err != nil {
		log.Warn().Err(err).Str("handoff_id", handoffID).Msg("Failed to delete accepted handoff context")
	}

	log.Info().
		Str("handoff_id", handoffID).
		Str("accepted_by", acceptingAgentID).
		Msg("Handoff completed")

	m.publish(ctx, bus.TopicHandoffCompleted, map[string]string{
		"handoffId":  handoffID,
		"acceptedBy": acceptingAgentID,
		"taskId":     rec.req.TaskID,
	})

	return result, nil
}

// Cancel aborts a handoff. Only Proposed handoffs may be cancelled.
func (m *Manager) Cancel(ctx context.Context, handoffID string) error {
	m.mu.Lock()
	rec, ok := m.records[handoffID]
	if !ok {
		m.mu.Unlock()
		return fault.New(fault.KindNotFound, "handoff %s not found", handoffID)
	}
	if rec.state != StateProposed {
		state := rec.state
		m.mu.Unlock()
		return fault.New(fault.KindInvalidState, "handoff %s is %s, only proposed handoffs cancel", handoffID, state)
	}
	rec.state = StateCancelled
	m.mu.Unlock()

	if err := m.store.Delete(ctx, handoffID); err != nil {
		log.Warn().Err(err).Str("handoff_id", handoffID).Msg("Failed to delete cancelled handoff context")
	}

	log.Info().Str("handoff_id", handoffID).Msg("Handoff cancelled")
	return nil
}

// StateOf reports the current state of a handoff
func (m *Manager) StateOf(handoffID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[handoffID]
	if !ok {
		return "", fault.New(fault.KindNotFound, "handoff %s not found", handoffID)
	}
	return rec.state, nil
}

func (m *Manager) publish(ctx context.Context, topic string, payload interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, topic, "handoff-manager", payload); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Failed to publish handoff event")
	}
}
