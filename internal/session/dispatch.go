package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hivemesh/fabric/internal/bus"
	"github.com/hivemesh/fabric/internal/fault"
	"github.com/hivemesh/fabric/internal/handoff"
)

// HandleMessage applies one inbound data-channel frame to session
// state. Dispatch over the type tag is total; every mutation bumps
// lastActivity and snapshots.
func (m *Manager) HandleMessage(ctx context.Context, sessionID string, env *Envelope) error {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	switch env.Type {
	case MsgTask:
		return m.handleTaskMessage(ctx, s, env)
	case MsgVeto:
		return m.handleVetoMessage(ctx, s, env)
	case MsgA2A:
		return m.handleA2AMessage(ctx, s, env)
	case MsgState:
		return m.handleStateMessage(ctx, s, env)
	case MsgHandoff:
		return m.handleHandoffMessage(ctx, s, env)
	case MsgHeartbeat:
		// A sender ahead of the local clock must not move activity
		// backwards; take the later of the two.
		s.mu.Lock()
		last := m.clock()
		if ts := time.UnixMilli(env.Timestamp); ts.After(last) {
			last = ts
		}
		s.LastActivity = last
		snap := s.snapshotLocked()
		s.mu.Unlock()
		m.persist(ctx, snap)
		return nil
	default:
		return fault.New(fault.KindInvalidArgument, "unknown message type %q", env.Type)
	}
}

// newerWrite is the last-writer-wins rule: later timestamp wins, ties
// go to the lexicographically smaller sender.
func newerWrite(tsMs int64, sender string, existing *Task) bool {
	if existing == nil {
		return true
	}
	if tsMs != existing.UpdatedAtMs {
		return tsMs > existing.UpdatedAtMs
	}
	return sender < existing.UpdatedBy
}

func (m *Manager) handleTaskMessage(ctx context.Context, s *Session, env *Envelope) error {
	var payload TaskPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	if payload.Task.ID == "" {
		return fault.New(fault.KindInvalidArgument, "task message requires a task id")
	}

	completed := false

	s.mu.Lock()
	switch payload.Action {
	case TaskAdded, TaskUpdated:
		if existing, ok := s.tasks[payload.Task.ID]; ok && !newerWrite(env.Timestamp, env.Sender, existing) {
			s.mu.Unlock()
			return nil
		}
		t := payload.Task
		t.UpdatedAtMs = env.Timestamp
		t.UpdatedBy = env.Sender
		if t.CreatedAt.IsZero() {
			t.CreatedAt = m.clock()
		}
		s.tasks[t.ID] = &t

	case TaskRemoved:
		delete(s.tasks, payload.Task.ID)

	case TaskCompleted:
		if t, ok := s.tasks[payload.Task.ID]; ok && t.CompletedAt == nil {
			now := m.clock()
			t.CompletedAt = &now
			t.UpdatedAtMs = env.Timestamp
			t.UpdatedBy = env.Sender
			completed = true
		}

	default:
		s.mu.Unlock()
		return fault.New(fault.KindInvalidArgument, "unknown task action %q", payload.Action)
	}
	s.LastActivity = m.clock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if completed {
		m.publish(ctx, bus.TopicTaskCompleted, map[string]string{
			"sessionId":   s.ID,
			"taskId":      payload.Task.ID,
			"completedBy": env.Sender,
		})
	}
	m.persist(ctx, snap)
	return nil
}

// handleVetoMessage records an announced veto. A veto already open for
// the task is silently ignored; the announcement is idempotent.
func (m *Manager) handleVetoMessage(ctx context.Context, s *Session, env *Envelope) error {
	var payload VetoPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	if payload.TaskID == "" || payload.VotingSessionID == "" {
		return fault.New(fault.KindInvalidArgument, "veto message requires task and voting session ids")
	}

	s.mu.Lock()
	if _, open := s.openVetoes[payload.TaskID]; open {
		s.mu.Unlock()
		log.Debug().
			Str("session_id", s.ID).
			Str("task_id", payload.TaskID).
			Msg("Ignoring veto announcement for task with open veto")
		return nil
	}
	s.openVetoes[payload.TaskID] = payload.VotingSessionID
	s.LastActivity = m.clock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	m.persist(ctx, snap)
	return nil
}

// handleA2AMessage matches incoming handshake frames to local records
func (m *Manager) handleA2AMessage(ctx context.Context, s *Session, env *Envelope) error {
	var payload A2APayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	if payload.HandshakeID == "" {
		return fault.New(fault.KindInvalidArgument, "a2a message requires a handshake id")
	}

	resolved := false

	s.mu.Lock()
	switch payload.Kind {
	case A2ARequest:
		if _, known := s.records[payload.HandshakeID]; !known {
			rec := &HandshakeRecord{
				ID:        payload.HandshakeID,
				Initiator: payload.Initiator,
				Responder: payload.Responder,
				Protocol:  payload.Protocol,
				State:     HandshakeProposed,
				CreatedAt: m.clock(),
			}
			s.records[rec.ID] = rec
			s.handshakes[pairKey(rec.Initiator, rec.Responder)] = rec.ID
		}

	case A2AResponse:
		rec, known := s.records[payload.HandshakeID]
		if !known {
			s.mu.Unlock()
			return fault.New(fault.KindNotFound, "handshake %s not found in session %s", payload.HandshakeID, s.ID)
		}
		if rec.State == HandshakeProposed {
			if payload.Accepted {
				rec.State = HandshakeAccepted
			} else {
				rec.State = HandshakeRejected
			}
			resolved = true
		}

	case A2AComplete:
		rec, known := s.records[payload.HandshakeID]
		if !known {
			s.mu.Unlock()
			return fault.New(fault.KindNotFound, "handshake %s not found in session %s", payload.HandshakeID, s.ID)
		}
		if rec.State == HandshakeAccepted {
			rec.State = HandshakeCompleted
		}

	default:
		s.mu.Unlock()
		return fault.New(fault.KindInvalidArgument, "unknown a2a frame kind %q", payload.Kind)
	}
	s.LastActivity = m.clock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if resolved {
		m.publish(ctx, bus.TopicHandshakeResponse, map[string]interface{}{
			"sessionId":   s.ID,
			"handshakeId": payload.HandshakeID,
			"accepted":    payload.Accepted,
		})
	}
	m.persist(ctx, snap)
	return nil
}

// handleStateMessage applies a full or incremental state sync
func (m *Manager) handleStateMessage(ctx context.Context, s *Session, env *Envelope) error {
	var payload StatePayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}

	s.mu.Lock()
	if payload.Full {
		if payload.Status != "" {
			s.Status = payload.Status
		}
		if payload.LastActivityMs > 0 {
			s.LastActivity = time.UnixMilli(payload.LastActivityMs)
		}
	} else {
		if payload.LastActivityMs > 0 {
			incoming := time.UnixMilli(payload.LastActivityMs)
			if incoming.After(s.LastActivity) {
				s.LastActivity = incoming
			}
		}
		for id, t := range payload.Tasks {
			tsMs := t.UpdatedAtMs
			if tsMs == 0 {
				tsMs = env.Timestamp
			}
			if existing, ok := s.tasks[id]; ok && !newerWrite(tsMs, env.Sender, existing) {
				continue
			}
			merged := *t
			merged.ID = id
			merged.UpdatedAtMs = tsMs
			merged.UpdatedBy = env.Sender
			s.tasks[id] = &merged
		}
		for _, id := range payload.RemovedTasks {
			delete(s.tasks, id)
		}
	}
	if payload.HostUserID != "" {
		if p, ok := s.participants[payload.HostUserID]; ok {
			for _, other := range s.participants {
				other.IsHost = false
			}
			p.IsHost = true
			s.HostUserID = payload.HostUserID
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	m.persist(ctx, snap)
	return nil
}

// handleHandoffMessage drives the handoff manager from the data
// channel. The completing agent is the frame's sender.
func (m *Manager) handleHandoffMessage(ctx context.Context, s *Session, env *Envelope) error {
	var payload HandoffPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	if m.handoffs == nil {
		return fault.New(fault.KindUnavailable, "handoff manager not configured")
	}

	var opErr error
	switch payload.Action {
	case HandoffInitiate:
		_, opErr = m.handoffs.Initiate(ctx, handoff.Request{
			Source:   payload.Source,
			Target:   payload.Target,
			TaskID:   payload.TaskID,
			Context:  payload.Context,
			Priority: payload.Priority,
		})
	case HandoffComplete:
		_, opErr = m.handoffs.Complete(ctx, payload.HandoffID, env.Sender)
	case HandoffCancel:
		opErr = m.handoffs.Cancel(ctx, payload.HandoffID)
	default:
		return fault.New(fault.KindInvalidArgument, "unknown handoff action %q", payload.Action)
	}
	if opErr != nil {
		return opErr
	}

	s.mu.Lock()
	s.LastActivity = m.clock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	m.persist(ctx, snap)
	return nil
}
