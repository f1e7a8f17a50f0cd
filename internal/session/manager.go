package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hivemesh/fabric/internal/bus"
	"github.com/hivemesh/fabric/internal/config"
	"github.com/hivemesh/fabric/internal/consensus"
	"github.com/hivemesh/fabric/internal/fault"
	"github.com/hivemesh/fabric/internal/handoff"
	"github.com/hivemesh/fabric/internal/metrics"
	"github.com/hivemesh/fabric/internal/rbac"
	"github.com/hivemesh/fabric/internal/signaling"
	"github.com/hivemesh/fabric/internal/store"
)

const eventSource = "session-manager"

// Veto voting options
const (
	OptionAcceptVeto = "accept-veto"
	OptionRejectVeto = "reject-veto"
)

// VetoPolicy produces a participant's vote on an open veto. ok=false
// abstains. The default policy abstains for every participant; tests
// and deployments inject agent-backed policies.
type VetoPolicy func(p *Participant, task *Task) (optionID string, ok bool)

// AbstainPolicy never votes
func AbstainPolicy(*Participant, *Task) (string, bool) {
	return "", false
}

// VetoResult is the outcome of RequestVeto
type VetoResult struct {
	Accepted        bool              `json:"accepted"`
	VotingSessionID string            `json:"voting_session_id"`
	Result          *consensus.Result `json:"result"`
	Message         string            `json:"message,omitempty"`
}

// SignalSender is the connected signaling client used during join
type SignalSender interface {
	SendOffer(to string, payload json.RawMessage) error
	Close() error
}

// SignalDialer connects to the signaling relay. Swappable in tests.
type SignalDialer func(ctx context.Context, serverURL, sessionID, participantID, authToken string, timeout time.Duration) (SignalSender, error)

func defaultDialer(ctx context.Context, serverURL, sessionID, participantID, authToken string, timeout time.Duration) (SignalSender, error) {
	return signaling.Dial(ctx, serverURL, sessionID, participantID, authToken, timeout)
}

// JoinOptions carries the joiner's identity and credential
type JoinOptions struct {
	DisplayName  string
	AgentID      string
	Capabilities []string
	AuthToken    string
}

// ManagerConfig holds manager-level settings and session defaults
type ManagerConfig struct {
	Defaults       config.SessionDefaults
	SignalingURL   string
	ConnectTimeout time.Duration
}

// Manager owns every live session. All per-session mutations serialize
// on the session's lock; the manager lock only guards the session map.
type Manager struct {
	cfg        ManagerConfig
	guard      rbac.Guard
	engine     *consensus.Engine
	handoffs   *handoff.Manager
	bus        *bus.Bus
	snapshots  store.SnapshotStore
	transports TransportFactory

	dial       SignalDialer
	vetoPolicy VetoPolicy
	mediator   A2AMediator
	clock      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. The bus and snapshot store are
// optional; a nil store disables persistence, a nil bus disables
// events and the direct-fallback path.
func NewManager(
	cfg ManagerConfig,
	guard rbac.Guard,
	engine *consensus.Engine,
	handoffs *handoff.Manager,
	eventBus *bus.Bus,
	snapshots store.SnapshotStore,
	transports TransportFactory,
) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	mediator, _ := NewSemverMediator(SupportedProtocolRange)

	return &Manager{
		cfg:        cfg,
		guard:      guard,
		engine:     engine,
		handoffs:   handoffs,
		bus:        eventBus,
		snapshots:  snapshots,
		transports: transports,
		dial:       defaultDialer,
		vetoPolicy: AbstainPolicy,
		mediator:   mediator,
		clock:      time.Now,
		sessions:   make(map[string]*Session),
	}
}

// WithVetoPolicy overrides the veto policy
func (m *Manager) WithVetoPolicy(policy VetoPolicy) *Manager {
	m.vetoPolicy = policy
	return m
}

// WithMediator overrides the A2A mediator
func (m *Manager) WithMediator(mediator A2AMediator) *Manager {
	m.mediator = mediator
	return m
}

// WithDialer overrides the signaling dialer. Test use.
func (m *Manager) WithDialer(dial SignalDialer) *Manager {
	m.dial = dial
	return m
}

// WithClock overrides the time source. Test use.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// applyDefaults fills unset per-session config fields from the
// manager's defaults
func (m *Manager) applyDefaults(cfg *Config) {
	if cfg.MaxParticipants == 0 {
		cfg.MaxParticipants = m.cfg.Defaults.MaxParticipants
	}
	if cfg.Signaling.ServerURL == "" {
		cfg.Signaling.ServerURL = m.cfg.SignalingURL
	}
	if cfg.Signaling.ConnectTimeout <= 0 {
		cfg.Signaling.ConnectTimeout = m.cfg.ConnectTimeout
	}
}

// CreateSession validates the config, checks RBAC, and activates a new
// session with the host as its first connected participant.
func (m *Manager) CreateSession(ctx context.Context, sessionID, hostUserID string, cfg Config) (*Session, error) {
	if sessionID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "session id must be non-empty")
	}
	if hostUserID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "host user id must be non-empty")
	}
	m.applyDefaults(&cfg)
	if cfg.MaxParticipants < 2 || cfg.MaxParticipants > 50 {
		return nil, fault.New(fault.KindInvalidArgument,
			"max participants must be in [2, 50], got %d", cfg.MaxParticipants)
	}

	decision, err := m.guard.Check(ctx, hostUserID, sessionID, "session", rbac.ActionSessionCreate)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "authorization check failed")
	}
	if !decision.Allowed {
		return nil, fault.New(fault.KindPermissionDenied, "%s", decision.Reason)
	}

	channel, err := m.transports.NewChannel(sessionID, hostUserID)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to allocate host data channel")
	}

	now := m.clock()
	host := &Participant{
		UserID:          hostUserID,
		DisplayName:     hostUserID,
		JoinedAt:        now,
		IsHost:          true,
		Authenticated:   true,
		ConnectionState: ConnConnected,
		channel:         channel,
		peers:           make(map[string]PeerTransport),
	}

	s := &Session{
		ID:           sessionID,
		HostUserID:   hostUserID,
		Status:       StatusInitializing,
		Config:       cfg,
		CreatedAt:    now,
		LastActivity: now,
		participants: map[string]*Participant{hostUserID: host},
		tasks:        make(map[string]*Task),
		openVetoes:   make(map[string]string),
		handshakes:   make(map[string]string),
		records:      make(map[string]*HandshakeRecord),
	}

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		channel.Close()
		return nil, fault.New(fault.KindConflict, "session %s already exists", sessionID)
	}
	if other, member := m.memberOfLocked(hostUserID, sessionID); member {
		m.mu.Unlock()
		channel.Close()
		return nil, fault.New(fault.KindConflict,
			"user %s is already a member of session %s", hostUserID, other)
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	s.mu.Lock()
	s.Status = StatusActive
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("host_user_id", hostUserID).
		Int("max_participants", cfg.MaxParticipants).
		Msg("Session created")

	m.publish(ctx, bus.TopicSessionCreated, map[string]string{
		"sessionId":  sessionID,
		"hostUserId": hostUserID,
	})
	m.persist(ctx, snap)

	return s, nil
}

// GetSession returns a live session
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "session %s not found", sessionID)
	}
	return s, nil
}

// memberOf reports the live session, if any, that already counts
// userID among its participants. A user belongs to at most one session
// at a time; exceptID skips the session being entered so rejoin stays
// idempotent.
func (m *Manager) memberOf(userID, exceptID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memberOfLocked(userID, exceptID)
}

// memberOfLocked is memberOf with m.mu already held
func (m *Manager) memberOfLocked(userID, exceptID string) (string, bool) {
	for id, s := range m.sessions {
		if id == exceptID {
			continue
		}
		s.mu.Lock()
		member := false
		if _, ok := s.participants[userID]; ok && s.Status != StatusClosed {
			member = true
		}
		s.mu.Unlock()
		if member {
			return id, true
		}
	}
	return "", false
}

// JoinSession adds a participant: RBAC, capacity and duplicate checks,
// then per-peer offers over signaling with the configured fallback.
// Rejoining an existing disconnected participant reconnects it;
// rejoining a connected one is an idempotent success. A user may be a
// member of at most one live session; joining while in another session
// conflicts.
func (m *Manager) JoinSession(ctx context.Context, sessionID, userID string, opts JoinOptions) (*Participant, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	decision, err := m.guard.Check(ctx, userID, sessionID, "session", rbac.ActionSessionJoin)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "authorization check failed")
	}
	if !decision.Allowed {
		return nil, fault.New(fault.KindPermissionDenied, "%s", decision.Reason)
	}

	if other, member := m.memberOf(userID, sessionID); member {
		return nil, fault.New(fault.KindConflict,
			"user %s is already a member of session %s", userID, other)
	}

	s.mu.Lock()
	if s.Status != StatusActive {
		status := s.Status
		s.mu.Unlock()
		return nil, fault.New(fault.KindInvalidState, "session %s is %s", sessionID, status)
	}
	if existing, ok := s.participants[userID]; ok {
		if existing.ConnectionState != ConnDisconnected {
			// idempotent rejoin; binds the agent when one is given
			if opts.AgentID != "" {
				existing.AgentID = opts.AgentID
			}
			s.mu.Unlock()
			return existing, nil
		}
		// restored participant reconnecting
	} else if len(s.participants) >= s.Config.MaxParticipants {
		s.mu.Unlock()
		return nil, fault.New(fault.KindResourceExhausted,
			"session %s is full (%d participants)", sessionID, s.Config.MaxParticipants)
	}
	peerIDs := make([]string, 0, len(s.participants))
	for id := range s.participants {
		if id != userID {
			peerIDs = append(peerIDs, id)
		}
	}
	cfg := s.Config
	s.mu.Unlock()

	// Connection establishment runs outside the session lock.
	peers := make(map[string]PeerTransport, len(peerIDs))
	offers := make(map[string]json.RawMessage, len(peerIDs))
	for _, peerID := range peerIDs {
		t, err := m.transports.NewTransport(sessionID, userID, peerID)
		if err != nil {
			closeTransports(peers)
			return nil, fault.Wrap(fault.KindInternal, err, "failed to create transport to %s", peerID)
		}
		offer, err := t.CreateOffer()
		if err != nil {
			t.Close()
			closeTransports(peers)
			return nil, fault.Wrap(fault.KindInternal, err, "failed to create offer for %s", peerID)
		}
		peers[peerID] = t
		offers[peerID] = offer
	}

	if len(offers) > 0 {
		if err := m.deliverOffers(ctx, s, cfg, userID, opts.AuthToken, offers); err != nil {
			closeTransports(peers)
			return nil, err
		}
	}

	channel, err := m.transports.NewChannel(sessionID, userID)
	if err != nil {
		closeTransports(peers)
		return nil, fault.Wrap(fault.KindInternal, err, "failed to allocate data channel")
	}

	now := m.clock()

	// The membership commit happens under the manager lock so two
	// racing joins cannot land the same user in two sessions.
	m.mu.Lock()
	s.mu.Lock()
	if s.Status != StatusActive {
		status := s.Status
		s.mu.Unlock()
		m.mu.Unlock()
		closeTransports(peers)
		return nil, fault.New(fault.KindInvalidState, "session %s is %s", sessionID, status)
	}

	p, rejoin := s.participants[userID]
	if rejoin && p.ConnectionState != ConnDisconnected {
		if opts.AgentID != "" {
			p.AgentID = opts.AgentID
		}
		s.mu.Unlock()
		m.mu.Unlock()
		closeTransports(peers)
		return p, nil
	}
	if !rejoin {
		if len(s.participants) >= s.Config.MaxParticipants {
			s.mu.Unlock()
			m.mu.Unlock()
			closeTransports(peers)
			return nil, fault.New(fault.KindResourceExhausted,
				"session %s is full (%d participants)", sessionID, s.Config.MaxParticipants)
		}
		if other, member := m.memberOfLocked(userID, sessionID); member {
			s.mu.Unlock()
			m.mu.Unlock()
			closeTransports(peers)
			return nil, fault.New(fault.KindConflict,
				"user %s is already a member of session %s", userID, other)
		}
		p = &Participant{
			UserID:       userID,
			DisplayName:  opts.DisplayName,
			JoinedAt:     now,
			Capabilities: opts.Capabilities,
		}
		if p.DisplayName == "" {
			p.DisplayName = userID
		}
		s.participants[userID] = p
	}
	m.mu.Unlock()
	p.AgentID = opts.AgentID
	p.Authenticated = true
	p.channel = channel
	p.peers = peers
	p.ConnectionState = ConnConnecting
	if channel.Open() {
		p.ConnectionState = ConnConnected
	}
	s.LastActivity = now
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Int("peer_offers", len(offers)).
		Bool("rejoin", rejoin).
		Msg("Participant joined session")

	m.publish(ctx, bus.TopicParticipantJoined, map[string]string{
		"sessionId": sessionID,
		"userId":    userID,
	})
	m.persist(ctx, snap)

	return p, nil
}

// deliverOffers sends per-peer offers through the relay, or directly
// over the bus when signaling is disabled or unreachable with fallback
// enabled. An unreachable relay without fallback fails Unavailable; a
// relay that exceeds the connect timeout fails Timeout.
func (m *Manager) deliverOffers(ctx context.Context, s *Session, cfg Config, userID, authToken string, offers map[string]json.RawMessage) error {
	if !cfg.Signaling.EnableSignaling {
		return m.deliverDirect(ctx, s.ID, userID, offers)
	}

	sender, err := m.dial(ctx, cfg.Signaling.ServerURL, s.ID, userID, authToken, cfg.Signaling.ConnectTimeout)
	if err != nil {
		kind := fault.KindOf(err)
		if kind == fault.KindPermissionDenied {
			return err
		}
		if cfg.Signaling.FallbackToDirect && m.bus != nil {
			log.Warn().Err(err).
				Str("session_id", s.ID).
				Str("user_id", userID).
				Msg("Signaling unreachable, falling back to direct emission")
			return m.deliverDirect(ctx, s.ID, userID, offers)
		}
		if kind == fault.KindTimeout {
			return err
		}
		return fault.Wrap(fault.KindUnavailable, err, "signaling unreachable and fallback disabled")
	}
	defer sender.Close()

	for peerID, offer := range offers {
		if err := sender.SendOffer(peerID, offer); err != nil {
			return fault.Wrap(fault.KindUnavailable, err, "failed to send offer to %s", peerID)
		}
	}
	return nil
}

// deliverDirect publishes offers on the event bus
func (m *Manager) deliverDirect(ctx context.Context, sessionID, userID string, offers map[string]json.RawMessage) error {
	if m.bus == nil {
		return fault.New(fault.KindUnavailable, "no signaling and no event bus for direct emission")
	}
	for peerID, offer := range offers {
		payload := map[string]interface{}{
			"sessionId": sessionID,
			"from":      userID,
			"to":        peerID,
			"offer":     offer,
		}
		if err := m.bus.Publish(ctx, bus.TopicSDPOffer, eventSource, payload); err != nil {
			return fault.Wrap(fault.KindUnavailable, err, "failed to emit offer to %s", peerID)
		}
	}
	return nil
}

// LeaveSession removes a participant, transfers the host role when
// needed, and closes the session when it empties.
func (m *Manager) LeaveSession(ctx context.Context, sessionID, userID string) error {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	decision, err := m.guard.Check(ctx, userID, sessionID, "session", rbac.ActionSessionLeave)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "authorization check failed")
	}
	if !decision.Allowed {
		return fault.New(fault.KindPermissionDenied, "%s", decision.Reason)
	}

	s.mu.Lock()
	p, ok := s.participants[userID]
	if !ok {
		s.mu.Unlock()
		return fault.New(fault.KindNotFound, "user %s is not in session %s", userID, sessionID)
	}

	closeParticipant(p)
	delete(s.participants, userID)

	var newHost string
	if p.IsHost && len(s.participants) > 0 {
		newHost = electHost(s.participants)
		s.participants[newHost].IsHost = true
		s.HostUserID = newHost
		m.broadcastLocked(s, MsgState, eventSource, StatePayload{HostUserID: newHost})
	}

	empty := len(s.participants) == 0
	s.LastActivity = m.clock()
	var snap *store.Snapshot
	if !empty {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("new_host", newHost).
		Msg("Participant left session")

	m.publish(ctx, bus.TopicParticipantLeft, map[string]string{
		"sessionId": sessionID,
		"userId":    userID,
	})

	if empty {
		return m.CloseSession(ctx, sessionID)
	}
	m.persist(ctx, snap)
	return nil
}

// electHost picks the earliest-joined participant, lexicographic user
// id breaking ties
func electHost(participants map[string]*Participant) string {
	best := ""
	var bestJoined time.Time
	for id, p := range participants {
		if best == "" ||
			p.JoinedAt.Before(bestJoined) ||
			(p.JoinedAt.Equal(bestJoined) && id < best) {
			best = id
			bestJoined = p.JoinedAt
		}
	}
	return best
}

// CloseSession tears down transports, clears mappings, and marks the
// session Closed. Idempotent.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.Status == StatusClosed {
		s.mu.Unlock()
		return nil
	}
	for _, p := range s.participants {
		closeParticipant(p)
	}
	s.participants = make(map[string]*Participant)
	s.tasks = make(map[string]*Task)
	s.openVetoes = make(map[string]string)
	s.handshakes = make(map[string]string)
	s.records = make(map[string]*HandshakeRecord)
	s.Status = StatusClosed
	s.LastActivity = m.clock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Info().Str("session_id", sessionID).Msg("Session closed")

	m.publish(ctx, bus.TopicSessionClosed, map[string]string{"sessionId": sessionID})
	m.persist(ctx, snap)
	return nil
}

func closeParticipant(p *Participant) {
	if p.channel != nil {
		p.channel.Close()
	}
	for _, t := range p.peers {
		t.Close()
	}
	p.peers = nil
}

func closeTransports(peers map[string]PeerTransport) {
	for _, t := range peers {
		t.Close()
	}
}

// AddTask inserts a task and broadcasts it to every open data channel
func (m *Manager) AddTask(ctx context.Context, sessionID, userID string, task Task) (*Task, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if task.Description == "" {
		return nil, fault.New(fault.KindInvalidArgument, "task description must be non-empty")
	}

	now := m.clock()

	s.mu.Lock()
	if s.Status != StatusActive {
		status := s.Status
		s.mu.Unlock()
		return nil, fault.New(fault.KindInvalidState, "session %s is %s", sessionID, status)
	}
	if _, ok := s.participants[userID]; !ok {
		s.mu.Unlock()
		return nil, fault.New(fault.KindNotFound, "user %s is not in session %s", userID, sessionID)
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	// Re-adding an existing id overwrites it, last write wins. The
	// original creation time survives the overwrite.
	action := TaskAdded
	task.CreatedAt = now
	if existing, ok := s.tasks[task.ID]; ok {
		action = TaskUpdated
		task.CreatedAt = existing.CreatedAt
	}
	task.UpdatedAtMs = now.UnixMilli()
	task.UpdatedBy = userID
	stored := task
	s.tasks[task.ID] = &stored

	m.broadcastLocked(s, MsgTask, userID, TaskPayload{Action: action, Task: stored})
	s.LastActivity = now
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("task_id", stored.ID).
		Str("added_by", userID).
		Msg("Task added")

	m.persist(ctx, snap)
	return &stored, nil
}

// RequestVeto runs the veto flow: create a voting session with
// quorum = ceil(N/2), broadcast the request, collect policy votes from
// every other participant with a known agent, close SimpleMajority.
// The open-veto mapping always clears, accept or reject.
func (m *Manager) RequestVeto(ctx context.Context, sessionID, requesterID, taskID string) (*VetoResult, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.Config.EnableVetoes {
		s.mu.Unlock()
		return nil, fault.New(fault.KindInvalidState, "vetoes are disabled for session %s", sessionID)
	}
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, fault.New(fault.KindNotFound, "task %s not found in session %s", taskID, sessionID)
	}
	if open, exists := s.openVetoes[taskID]; exists {
		s.mu.Unlock()
		return nil, fault.New(fault.KindConflict, "task %s already has open veto %s", taskID, open)
	}
	if _, ok := s.participants[requesterID]; !ok {
		s.mu.Unlock()
		return nil, fault.New(fault.KindNotFound, "user %s is not in session %s", requesterID, sessionID)
	}
	participantCount := len(s.participants)
	taskCopy := *task
	s.mu.Unlock()

	decision, err := m.guard.Check(ctx, requesterID, sessionID, "session", rbac.ActionConsensusVeto)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "authorization check failed")
	}
	if !decision.Allowed {
		return nil, fault.New(fault.KindPermissionDenied, "%s", decision.Reason)
	}

	quorum := (participantCount + 1) / 2
	options := []consensus.Option{
		{ID: OptionAcceptVeto, Label: "Accept veto", Value: true},
		{ID: OptionRejectVeto, Label: "Reject veto", Value: false},
	}
	vsID, err := m.engine.CreateSession(fmt.Sprintf("veto %s in %s", taskID, sessionID), options, quorum)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.openVetoes[taskID]; exists {
		s.mu.Unlock()
		// The freshly created voting session was never announced;
		// close it rather than leave it open in the engine.
		m.engine.CloseSession(vsID, consensus.SimpleMajority, 0)
		return nil, fault.New(fault.KindConflict, "task %s already has an open veto", taskID)
	}
	s.openVetoes[taskID] = vsID
	m.broadcastLocked(s, MsgVeto, requesterID, VetoPayload{
		TaskID:          taskID,
		RequestedBy:     requesterID,
		VotingSessionID: vsID,
	})
	voters := make([]*Participant, 0, len(s.participants))
	for id, p := range s.participants {
		if id != requesterID && p.AgentID != "" {
			voters = append(voters, p)
		}
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.openVetoes, taskID)
		s.LastActivity = m.clock()
		snap := s.snapshotLocked()
		s.mu.Unlock()
		m.persist(ctx, snap)
	}()

	for _, voter := range voters {
		optionID, votes := m.vetoPolicy(voter, &taskCopy)
		if !votes {
			continue
		}
		if err := m.engine.CastVote(vsID, voter.AgentID, optionID, ""); err != nil {
			log.Warn().Err(err).
				Str("voting_session_id", vsID).
				Str("agent_id", voter.AgentID).
				Msg("Veto vote rejected")
		}
	}

	result, err := m.engine.CloseSession(vsID, consensus.SimpleMajority, 0)
	if err != nil {
		return nil, err
	}

	accepted := result.ConsensusReached &&
		result.WinningOption != nil &&
		result.WinningOption.Value == true

	out := &VetoResult{
		Accepted:        accepted,
		VotingSessionID: vsID,
		Result:          result,
	}

	if accepted {
		s.mu.Lock()
		delete(s.tasks, taskID)
		m.broadcastLocked(s, MsgTask, eventSource, TaskPayload{Action: TaskRemoved, Task: taskCopy})
		s.mu.Unlock()

		m.publish(ctx, bus.TopicTaskVetoed, map[string]string{
			"sessionId":       sessionID,
			"taskId":          taskID,
			"requestedBy":     requesterID,
			"votingSessionId": vsID,
		})
		log.Info().
			Str("session_id", sessionID).
			Str("task_id", taskID).
			Msg("Task vetoed")
	} else {
		out.Message = fmt.Sprintf("Veto rejected by consensus: %s", result.Detail)
	}

	return out, nil
}

// InitiateA2AHandshake records a Proposed handshake for an ordered
// agent pair, forwards it through the mediator, and broadcasts both
// the request and the response.
func (m *Manager) InitiateA2AHandshake(ctx context.Context, sessionID, initiatorAgent, responderAgent, protocol string) (*HandshakeRecord, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if initiatorAgent == responderAgent {
		return nil, fault.New(fault.KindInvalidArgument, "handshake agents must differ")
	}

	now := m.clock()

	s.mu.Lock()
	if !s.Config.EnableA2A {
		s.mu.Unlock()
		return nil, fault.New(fault.KindInvalidState, "a2a handshakes are disabled for session %s", sessionID)
	}
	for _, agent := range []string{initiatorAgent, responderAgent} {
		if !memberAgentLocked(s, agent) {
			s.mu.Unlock()
			return nil, fault.New(fault.KindNotFound, "agent %s is not a member of session %s", agent, sessionID)
		}
	}

	rec := &HandshakeRecord{
		ID:        uuid.New().String(),
		Initiator: initiatorAgent,
		Responder: responderAgent,
		Protocol:  protocol,
		State:     HandshakeProposed,
		CreatedAt: now,
	}
	s.records[rec.ID] = rec
	s.handshakes[pairKey(initiatorAgent, responderAgent)] = rec.ID

	m.broadcastLocked(s, MsgA2A, initiatorAgent, A2APayload{
		Kind:        A2ARequest,
		HandshakeID: rec.ID,
		Initiator:   initiatorAgent,
		Responder:   responderAgent,
		Protocol:    protocol,
	})
	s.mu.Unlock()

	accepted, mediatorErr := m.mediator.Handshake(ctx, initiatorAgent, responderAgent, protocol)

	s.mu.Lock()
	if accepted && mediatorErr == nil {
		rec.State = HandshakeAccepted
	} else {
		rec.State = HandshakeRejected
	}
	m.broadcastLocked(s, MsgA2A, responderAgent, A2APayload{
		Kind:        A2AResponse,
		HandshakeID: rec.ID,
		Initiator:   initiatorAgent,
		Responder:   responderAgent,
		Protocol:    protocol,
		Accepted:    rec.State == HandshakeAccepted,
	})
	s.LastActivity = m.clock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	m.publish(ctx, bus.TopicHandshakeResponse, map[string]interface{}{
		"sessionId":   sessionID,
		"handshakeId": rec.ID,
		"initiator":   initiatorAgent,
		"responder":   responderAgent,
		"accepted":    rec.State == HandshakeAccepted,
	})
	m.persist(ctx, snap)

	log.Info().
		Str("session_id", sessionID).
		Str("handshake_id", rec.ID).
		Str("state", string(rec.State)).
		Msg("A2A handshake resolved")

	if mediatorErr != nil {
		return rec, fault.Wrap(fault.KindInvalidArgument, mediatorErr, "handshake mediation failed")
	}
	return rec, nil
}

// CompleteHandshake finalizes an accepted handshake and broadcasts the
// completion. Only Accepted handshakes complete; completing an
// already-completed one is an idempotent success.
func (m *Manager) CompleteHandshake(ctx context.Context, sessionID, handshakeID string) (*HandshakeRecord, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	rec, ok := s.records[handshakeID]
	if !ok {
		s.mu.Unlock()
		return nil, fault.New(fault.KindNotFound, "handshake %s not found in session %s", handshakeID, sessionID)
	}
	if rec.State == HandshakeCompleted {
		s.mu.Unlock()
		return rec, nil
	}
	if rec.State != HandshakeAccepted {
		state := rec.State
		s.mu.Unlock()
		return nil, fault.New(fault.KindInvalidState,
			"handshake %s is %s, only accepted handshakes can complete", handshakeID, state)
	}
	rec.State = HandshakeCompleted
	m.broadcastLocked(s, MsgA2A, rec.Initiator, A2APayload{
		Kind:        A2AComplete,
		HandshakeID: rec.ID,
		Initiator:   rec.Initiator,
		Responder:   rec.Responder,
		Protocol:    rec.Protocol,
		Accepted:    true,
	})
	s.LastActivity = m.clock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("handshake_id", handshakeID).
		Msg("A2A handshake completed")

	m.persist(ctx, snap)
	return rec, nil
}

func memberAgentLocked(s *Session, agentID string) bool {
	for _, p := range s.participants {
		if p.AgentID == agentID {
			return true
		}
	}
	return false
}

// broadcastLocked fans an envelope out to every open data channel.
// Caller holds s.mu. A failed send marks that peer Failed and never
// fails the calling operation.
func (m *Manager) broadcastLocked(s *Session, msgType MessageType, sender string, payload interface{}) {
	env, err := NewEnvelope(msgType, sender, s.ID, payload)
	if err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to build broadcast envelope")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to marshal broadcast envelope")
		return
	}

	for id, p := range s.participants {
		if p.channel == nil || !p.channel.Open() {
			continue
		}
		if err := p.channel.Send(data); err != nil {
			p.ConnectionState = ConnFailed
			log.Warn().Err(err).
				Str("session_id", s.ID).
				Str("user_id", id).
				Msg("Broadcast to peer failed")
		}
	}
}

// Snapshot builds a point-in-time view of the session, the same shape
// the persistence layer stores
func (s *Session) Snapshot() *store.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// snapshotLocked builds a persistence snapshot. Caller holds s.mu.
func (s *Session) snapshotLocked() *store.Snapshot {
	cfgRaw, err := json.Marshal(s.Config)
	if err != nil {
		cfgRaw = json.RawMessage("{}")
	}

	participants := make([]store.ParticipantRecord, 0, len(s.participants))
	for _, p := range s.participants {
		participants = append(participants, store.ParticipantRecord{
			UserID:          p.UserID,
			AgentID:         p.AgentID,
			DisplayName:     p.DisplayName,
			JoinedAt:        p.JoinedAt,
			IsHost:          p.IsHost,
			Authenticated:   p.Authenticated,
			Capabilities:    p.Capabilities,
			ConnectionState: string(p.ConnectionState),
		})
	}

	tasks := make([]store.TaskRecord, 0, len(s.tasks))
	for _, t := range s.tasks {
		payload, _ := json.Marshal(t)
		tasks = append(tasks, store.TaskRecord{
			ID:          t.ID,
			Description: t.Description,
			Priority:    t.Priority,
			Payload:     payload,
		})
	}

	vetoes := make(map[string]string, len(s.openVetoes))
	for k, v := range s.openVetoes {
		vetoes[k] = v
	}
	handshakes := make(map[string]string, len(s.handshakes))
	for k, v := range s.handshakes {
		handshakes[k] = v
	}

	return &store.Snapshot{
		SessionID:    s.ID,
		HostUserID:   s.HostUserID,
		Status:       string(s.Status),
		Config:       cfgRaw,
		Participants: participants,
		Tasks:        tasks,
		OpenVetoes:   vetoes,
		Handshakes:   handshakes,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

func (m *Manager) persist(ctx context.Context, snap *store.Snapshot) {
	if m.snapshots == nil || snap == nil {
		return
	}
	if err := m.snapshots.Save(ctx, snap); err != nil {
		metrics.SnapshotSaves.WithLabelValues(metrics.ResultFailure).Inc()
		log.Warn().Err(err).Str("session_id", snap.SessionID).Msg("Failed to save session snapshot")
		return
	}
	metrics.SnapshotSaves.WithLabelValues(metrics.ResultSuccess).Inc()
}

func (m *Manager) publish(ctx context.Context, topic string, payload interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, topic, eventSource, payload); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Failed to publish session event")
	}
}
