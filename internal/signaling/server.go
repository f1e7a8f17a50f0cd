package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/hivemesh/fabric/internal/metrics"
	"github.com/hivemesh/fabric/internal/rbac"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// SocketState is the lifecycle position of one relay socket
type SocketState int

const (
	StateNew SocketState = iota
	StateAuthenticated
	StateJoined
	StateActive
	StateLeaving
	StateClosed
)

func (s SocketState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config configures the signaling relay
type Config struct {
	HeartbeatInterval         time.Duration
	MaxParticipantsPerSession int
	// Protocol errors per socket are limited to ErrorRate per second
	// with ErrorBurst; a socket that exceeds the budget is closed.
	ErrorRate  rate.Limit
	ErrorBurst int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:         30 * time.Second,
		MaxParticipantsPerSession: 10,
		ErrorRate:                 rate.Limit(1),
		ErrorBurst:                5,
	}
}

// outFrame is one queued wire frame; control distinguishes close
// frames from JSON text frames.
type outFrame struct {
	control bool
	data    []byte
}

type clientSocket struct {
	participantID string
	sessionID     string
	userID        string
	conn          *websocket.Conn
	send          chan outFrame

	mu       sync.Mutex
	state    SocketState
	lastSeen time.Time
	closed   bool

	errLimiter *rate.Limiter
	closeOnce  sync.Once
}

func (s *clientSocket) setState(state SocketState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *clientSocket) currentState() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *clientSocket) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *clientSocket) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// enqueue hands a frame to the write pump. A full buffer drops the
// socket rather than blocking the caller; a closed socket drops the
// frame.
func (s *clientSocket) enqueue(frame outFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// markClosed flags the socket so no further frames are enqueued. The
// send channel may be closed safely afterwards.
func (s *clientSocket) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.state = StateClosed
	s.mu.Unlock()
}

// Server is the session-scoped signaling relay
type Server struct {
	config Config
	guard  rbac.Guard
	tokens rbac.TokenValidator

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[string]*clientSocket
}

// NewServer creates a signaling relay backed by the given guard and
// token validator
func NewServer(config Config, guard rbac.Guard, tokens rbac.TokenValidator) *Server {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.MaxParticipantsPerSession <= 0 {
		config.MaxParticipantsPerSession = 10
	}
	if config.ErrorRate <= 0 {
		config.ErrorRate = rate.Limit(1)
	}
	if config.ErrorBurst <= 0 {
		config.ErrorBurst = 5
	}

	return &Server{
		config: config,
		guard:  guard,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from arbitrary origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[string]*clientSocket),
	}
}

// HandleConnection upgrades an HTTP request to a relay socket. The
// request must carry participantId and sessionId query parameters; the
// first frame must be a Join with an auth token.
func (srv *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participantId")
	sessionID := r.URL.Query().Get("sessionId")
	if participantID == "" || sessionID == "" {
		http.Error(w, "participantId and sessionId are required", http.StatusBadRequest)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sock := &clientSocket{
		participantID: participantID,
		sessionID:     sessionID,
		conn:          conn,
		send:          make(chan outFrame, 64),
		state:         StateNew,
		lastSeen:      time.Now(),
		errLimiter:    rate.NewLimiter(srv.config.ErrorRate, srv.config.ErrorBurst),
	}

	go sock.writePump()
	go srv.readPump(sock)
}

// RoomSize returns the number of members in a session room
func (srv *Server) RoomSize(sessionID string) int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.rooms[sessionID])
}

// Run emits heartbeats and reaps dead sockets until the context ends
func (srv *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(srv.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			srv.closeAll()
			return
		case <-ticker.C:
			srv.heartbeat()
		}
	}
}

func (srv *Server) heartbeat() {
	deadline := time.Now().Add(-2 * srv.config.HeartbeatInterval)

	srv.mu.RLock()
	var open, dead []*clientSocket
	for _, room := range srv.rooms {
		for _, sock := range room {
			if sock.idleSince().Before(deadline) {
				dead = append(dead, sock)
				continue
			}
			open = append(open, sock)
		}
	}
	srv.mu.RUnlock()

	for _, sock := range open {
		srv.sendTo(sock, newServerMessage(MessageTypeHeartbeat, sock.participantID, sock.sessionID, nil))
	}
	for _, sock := range dead {
		log.Info().
			Str("participant_id", sock.participantID).
			Str("session_id", sock.sessionID).
			Msg("Closing dead socket")
		srv.disconnect(sock, websocket.CloseGoingAway, "heartbeat timeout")
	}
}

func (srv *Server) closeAll() {
	srv.mu.RLock()
	var socks []*clientSocket
	for _, room := range srv.rooms {
		for _, sock := range room {
			socks = append(socks, sock)
		}
	}
	srv.mu.RUnlock()

	for _, sock := range socks {
		srv.disconnect(sock, websocket.CloseGoingAway, "server shutting down")
	}
}

func (srv *Server) readPump(sock *clientSocket) {
	defer srv.disconnect(sock, websocket.CloseNormalClosure, "")

	sock.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("participant_id", sock.participantID).Msg("WebSocket read error")
			}
			return
		}
		sock.touch()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			if !srv.protocolError(sock, "malformed frame") {
				return
			}
			continue
		}

		if !srv.handleMessage(sock, &msg) {
			return
		}
	}
}

// handleMessage dispatches one inbound frame. Returns false when the
// socket must be torn down.
func (srv *Server) handleMessage(sock *clientSocket, msg *Message) bool {
	state := sock.currentState()

	switch {
	case msg.Type == MessageTypeJoin && state == StateNew:
		return srv.handleJoin(sock, msg)

	case msg.Type == MessageTypeHeartbeat && state >= StateJoined && state < StateLeaving:
		srv.sendTo(sock, newServerMessage(MessageTypeHeartbeat, sock.participantID, sock.sessionID, nil))
		return true

	case msg.Type == MessageTypeLeave && state >= StateJoined && state < StateLeaving:
		sock.setState(StateLeaving)
		return false

	case msg.Type.relayable() && state >= StateJoined && state < StateLeaving:
		sock.setState(StateActive)
		return srv.relay(sock, msg)

	default:
		return srv.protocolError(sock, fmt.Sprintf("unexpected %s in state %s", msg.Type, state))
	}
}

// handleJoin runs the connection-establishment sequence: token, RBAC,
// capacity, uniqueness, then ack and room broadcast.
func (srv *Server) handleJoin(sock *clientSocket, msg *Message) bool {
	var payload JoinPayload
	if msg.Payload != nil {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			srv.rejectJoin(sock, "malformed join payload", websocket.CloseProtocolError)
			return false
		}
	}

	userID, err := srv.tokens.Validate(payload.AuthToken)
	if err != nil {
		srv.rejectJoin(sock, "Invalid authentication token", websocket.CloseProtocolError)
		return false
	}
	sock.userID = userID
	sock.setState(StateAuthenticated)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	roomExists := srv.RoomSize(sock.sessionID) > 0

	decision, err := srv.guard.Check(ctx, userID, sock.sessionID, "session", rbac.ActionSessionJoin)
	if err != nil || !decision.Allowed {
		srv.rejectJoin(sock, denialReason(decision, err), websocket.ClosePolicyViolation)
		return false
	}
	if !roomExists {
		decision, err = srv.guard.Check(ctx, userID, sock.sessionID, "session", rbac.ActionSessionCreate)
		if err != nil || !decision.Allowed {
			srv.rejectJoin(sock, denialReason(decision, err), websocket.ClosePolicyViolation)
			return false
		}
	}

	srv.mu.Lock()
	room := srv.rooms[sock.sessionID]
	if len(room) >= srv.config.MaxParticipantsPerSession {
		srv.mu.Unlock()
		srv.rejectJoin(sock, "session is full", websocket.ClosePolicyViolation)
		return false
	}
	if _, dup := room[sock.participantID]; dup {
		srv.mu.Unlock()
		srv.rejectJoin(sock, fmt.Sprintf("participant %s already connected", sock.participantID), websocket.ClosePolicyViolation)
		return false
	}
	if room == nil {
		room = make(map[string]*clientSocket)
		srv.rooms[sock.sessionID] = room
	}
	room[sock.participantID] = sock
	srv.mu.Unlock()

	sock.setState(StateJoined)
	metrics.OpenSockets.Inc()

	log.Info().
		Str("participant_id", sock.participantID).
		Str("session_id", sock.sessionID).
		Str("user_id", userID).
		Msg("Participant joined signaling room")

	srv.sendTo(sock, newServerMessage(MessageTypeJoin, sock.participantID, sock.sessionID, JoinAck{Success: true}))
	srv.broadcast(sock.sessionID, sock.participantID,
		newServerMessage(MessageTypeJoin, "", sock.sessionID, JoinAck{Success: true, ParticipantID: sock.participantID}))
	return true
}

func denialReason(decision rbac.Decision, err error) string {
	if err != nil {
		return "authorization check failed"
	}
	return decision.Reason
}

// relay forwards an SDP or ICE frame to its addressee within the same
// room, with From rewritten to the authenticated sender. Frames never
// cross sessions and never route to self.
func (srv *Server) relay(sock *clientSocket, msg *Message) bool {
	if msg.To == "" || msg.To == sock.participantID {
		return srv.protocolError(sock, "invalid relay target")
	}

	srv.mu.RLock()
	target, ok := srv.rooms[sock.sessionID][msg.To]
	srv.mu.RUnlock()
	if !ok {
		return srv.protocolError(sock, fmt.Sprintf("participant %s not in session", msg.To))
	}

	out := *msg
	out.From = sock.participantID
	out.SessionID = sock.sessionID
	srv.sendTo(target, &out)
	metrics.RelayedFrames.WithLabelValues(string(msg.Type)).Inc()

	log.Debug().
		Str("type", string(msg.Type)).
		Str("from", sock.participantID).
		Str("to", msg.To).
		Str("session_id", sock.sessionID).
		Msg("Relayed signaling frame")
	return true
}

// protocolError sends an Error frame. Returns false when the error
// budget is exhausted and the socket should close.
func (srv *Server) protocolError(sock *clientSocket, reason string) bool {
	metrics.SignalingErrors.Inc()
	srv.sendTo(sock, newErrorMessage(sock.participantID, sock.sessionID, reason))
	if !sock.errLimiter.Allow() {
		log.Warn().
			Str("participant_id", sock.participantID).
			Str("session_id", sock.sessionID).
			Msg("Closing socket after repeated protocol errors")
		return false
	}
	return true
}

// rejectJoin sends an Error frame followed by a close frame with the
// given code. Auth failures use 1002.
func (srv *Server) rejectJoin(sock *clientSocket, reason string, closeCode int) {
	srv.sendTo(sock, newErrorMessage(sock.participantID, sock.sessionID, reason))
	sock.enqueue(outFrame{control: true, data: websocket.FormatCloseMessage(closeCode, reason)})
	sock.setState(StateClosed)

	log.Info().
		Str("participant_id", sock.participantID).
		Str("session_id", sock.sessionID).
		Str("reason", reason).
		Msg("Rejected signaling join")
}

func (srv *Server) sendTo(sock *clientSocket, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal signaling frame")
		return
	}
	if !sock.enqueue(outFrame{data: data}) {
		log.Warn().
			Str("participant_id", sock.participantID).
			Msg("Send buffer full, dropping socket")
		srv.disconnect(sock, websocket.CloseGoingAway, "send buffer overflow")
	}
}

func (srv *Server) broadcast(sessionID, except string, msg *Message) {
	srv.mu.RLock()
	var targets []*clientSocket
	for id, member := range srv.rooms[sessionID] {
		if id == except {
			continue
		}
		targets = append(targets, member)
	}
	srv.mu.RUnlock()

	for _, member := range targets {
		out := *msg
		out.To = member.participantID
		srv.sendTo(member, &out)
	}
}

// disconnect removes the socket from its room, broadcasts Leave, and
// destroys the room when it empties
func (srv *Server) disconnect(sock *clientSocket, closeCode int, reason string) {
	sock.closeOnce.Do(func() {
		wasMember := false

		srv.mu.Lock()
		if room, ok := srv.rooms[sock.sessionID]; ok {
			if room[sock.participantID] == sock {
				delete(room, sock.participantID)
				wasMember = true
			}
			if len(room) == 0 {
				delete(srv.rooms, sock.sessionID)
			}
		}
		srv.mu.Unlock()

		if reason != "" {
			sock.enqueue(outFrame{control: true, data: websocket.FormatCloseMessage(closeCode, reason)})
		}
		sock.markClosed()
		close(sock.send)

		if wasMember {
			metrics.OpenSockets.Dec()
			srv.broadcast(sock.sessionID, sock.participantID,
				newServerMessage(MessageTypeLeave, "", sock.sessionID, map[string]string{"participantId": sock.participantID}))
			log.Info().
				Str("participant_id", sock.participantID).
				Str("session_id", sock.sessionID).
				Msg("Participant left signaling room")
		}
	})
}

// writePump drains the send channel onto the wire
func (s *clientSocket) writePump() {
	defer s.conn.Close()

	for frame := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if frame.control {
			s.conn.WriteMessage(websocket.CloseMessage, frame.data)
			return
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
			return
		}
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
