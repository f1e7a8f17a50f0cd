// Package consensus implements the weighted/threshold voting engine
// used for veto decisions and task delegation.
package consensus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hivemesh/fabric/internal/fault"
)

// Algorithm selects how a voting session is resolved
type Algorithm string

const (
	SimpleMajority     Algorithm = "simple-majority"
	WeightedMajority   Algorithm = "weighted-majority"
	Supermajority      Algorithm = "supermajority"
	ConsensusThreshold Algorithm = "consensus-threshold"
)

// DefaultThreshold applies when the caller passes a non-positive
// threshold to CloseSession. Ignored by the majority algorithms.
const DefaultThreshold = 0.67

// Status of a voting session
type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusResolved Status = "resolved"
)

// Option is one choice voters may pick
type Option struct {
	ID    string      `json:"id"`
	Label string      `json:"label"`
	Value interface{} `json:"value"`
}

// Vote records one voter's choice. At most one per voter per session.
type Vote struct {
	VoterID   string    `json:"voter_id"`
	OptionID  string    `json:"option_id"`
	Weight    float64   `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
	Rationale string    `json:"rationale,omitempty"`
}

// Voter describes a registered voter. Weight, when positive, is used
// as-is; otherwise it is derived deterministically from the expertise
// list so identical inputs yield identical weights across processes.
type Voter struct {
	ID        string   `json:"id"`
	Expertise []string `json:"expertise,omitempty"`
	Weight    float64  `json:"weight,omitempty"`
}

// DeriveWeight is the deterministic weight function for a voter:
// max(1, ceil(len(expertise)/2)), unless an explicit weight is set.
func DeriveWeight(v Voter) float64 {
	if v.Weight > 0 {
		return v.Weight
	}
	return math.Max(1, math.Ceil(float64(len(v.Expertise))/2))
}

// Result is the outcome of a closed voting session. Once computed it
// never changes; repeated closes return the same value.
type Result struct {
	SessionID        string             `json:"session_id"`
	WinningOption    *Option            `json:"winning_option,omitempty"`
	Confidence       float64            `json:"confidence"`
	Tally            map[string]float64 `json:"tally"`
	ConsensusReached bool               `json:"consensus_reached"`
	Method           Algorithm          `json:"method"`
	Detail           string             `json:"detail"`
}

// VotingSession holds the options and recorded votes for one decision
type VotingSession struct {
	ID        string           `json:"id"`
	Topic     string           `json:"topic"`
	Options   []Option         `json:"options"`
	Votes     map[string]*Vote `json:"votes"` // by voter id
	Status    Status           `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	ClosedAt  *time.Time       `json:"closed_at,omitempty"`
	Quorum    int              `json:"quorum,omitempty"` // minimum distinct voters

	result *Result
}

// Engine manages voting sessions and the voter registry
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*VotingSession
	voters   map[string]Voter
	clock    func() time.Time
}

// NewEngine creates a voting engine
func NewEngine() *Engine {
	return &Engine{
		sessions: make(map[string]*VotingSession),
		voters:   make(map[string]Voter),
		clock:    time.Now,
	}
}

// WithClock overrides the time source. Test use.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// CreateSession opens a voting session. Options must be non-empty with
// unique ids; quorum <= 0 means no quorum requirement.
func (e *Engine) CreateSession(topic string, options []Option, quorum int) (string, error) {
	if len(options) == 0 {
		return "", fault.New(fault.KindInvalidArgument, "voting session requires at least one option")
	}
	seen := make(map[string]bool, len(options))
	for _, opt := range options {
		if opt.ID == "" {
			return "", fault.New(fault.KindInvalidArgument, "option id must be non-empty")
		}
		if seen[opt.ID] {
			return "", fault.New(fault.KindInvalidArgument, "duplicate option id %q", opt.ID)
		}
		seen[opt.ID] = true
	}

	session := &VotingSession{
		ID:        uuid.New().String(),
		Topic:     topic,
		Options:   append([]Option(nil), options...),
		Votes:     make(map[string]*Vote),
		Status:    StatusOpen,
		CreatedAt: e.clock(),
		Quorum:    quorum,
	}

	e.mu.Lock()
	e.sessions[session.ID] = session
	e.mu.Unlock()

	log.Info().
		Str("voting_session_id", session.ID).
		Str("topic", topic).
		Int("options", len(options)).
		Int("quorum", quorum).
		Msg("Voting session created")

	return session.ID, nil
}

// RegisterVoter adds or replaces a voter in the registry
func (e *Engine) RegisterVoter(v Voter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.voters[v.ID] = v
}

// VoterWeight returns the effective weight for a voter id. Unregistered
// voters weigh 1.
func (e *Engine) VoterWeight(voterID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if v, ok := e.voters[voterID]; ok {
		return DeriveWeight(v)
	}
	return 1
}

// CastVote records a vote weighted from the voter registry. Each voter
// votes at most once per session.
func (e *Engine) CastVote(sessionID, voterID, optionID, rationale string) error {
	return e.castVote(sessionID, voterID, optionID, rationale, 0)
}

// CastWeightedVote records a vote with an explicit weight scoped to
// this session, leaving the voter registry untouched. The weight must
// be positive.
func (e *Engine) CastWeightedVote(sessionID, voterID, optionID, rationale string, weight float64) error {
	if weight <= 0 {
		return fault.New(fault.KindInvalidArgument, "vote weight must be positive, got %g", weight)
	}
	return e.castVote(sessionID, voterID, optionID, rationale, weight)
}

// castVote records a vote. A non-positive weight falls back to the
// registry lookup; unregistered voters weigh 1.
func (e *Engine) castVote(sessionID, voterID, optionID, rationale string, weight float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, ok := e.sessions[sessionID]
	if !ok {
		return fault.New(fault.KindNotFound, "voting session %s not found", sessionID)
	}
	if session.Status != StatusOpen {
		return fault.New(fault.KindInvalidState, "voting session %s is %s", sessionID, session.Status)
	}

	valid := false
	for _, opt := range session.Options {
		if opt.ID == optionID {
			valid = true
			break
		}
	}
	if !valid {
		return fault.New(fault.KindInvalidArgument, "unknown option %q in session %s", optionID, sessionID)
	}

	if _, dup := session.Votes[voterID]; dup {
		return fault.New(fault.KindConflict, "voter %s already voted in session %s", voterID, sessionID)
	}

	if weight <= 0 {
		weight = 1.0
		if v, ok := e.voters[voterID]; ok {
			weight = DeriveWeight(v)
		}
	}

	session.Votes[voterID] = &Vote{
		VoterID:   voterID,
		OptionID:  optionID,
		Weight:    weight,
		Timestamp: e.clock(),
		Rationale: rationale,
	}

	log.Debug().
		Str("voting_session_id", sessionID).
		Str("voter_id", voterID).
		Str("option_id", optionID).
		Float64("weight", weight).
		Msg("Vote recorded")

	return nil
}

// OpenSessions counts voting sessions still accepting votes
func (e *Engine) OpenSessions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	open := 0
	for _, s := range e.sessions {
		if s.Status == StatusOpen {
			open++
		}
	}
	return open
}

// GetSession returns a voting session by id
func (e *Engine) GetSession(sessionID string) (*VotingSession, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	session, ok := e.sessions[sessionID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "voting session %s not found", sessionID)
	}
	return session, nil
}

// CloseSession closes the session and computes its result atomically.
// Closing an already-closed session returns the stored result
// unchanged, regardless of the algorithm passed.
func (e *Engine) CloseSession(sessionID string, algorithm Algorithm, threshold float64) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, ok := e.sessions[sessionID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "voting session %s not found", sessionID)
	}
	if session.Status != StatusOpen {
		return session.result, nil
	}

	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	result := e.resolve(session, algorithm, threshold)
	now := e.clock()
	session.Status = StatusClosed
	session.ClosedAt = &now
	session.result = result

	log.Info().
		Str("voting_session_id", sessionID).
		Str("method", string(algorithm)).
		Bool("consensus_reached", result.ConsensusReached).
		Float64("confidence", result.Confidence).
		Msg("Voting session closed")

	return result, nil
}

// CloseAfter waits for the deadline (or context cancellation) and then
// closes the session. A session with no votes still closes cleanly
// with ConsensusReached=false.
func (e *Engine) CloseAfter(ctx context.Context, sessionID string, deadline time.Duration, algorithm Algorithm, threshold float64) (*Result, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return e.CloseSession(sessionID, algorithm, threshold)
}

// resolve computes the result. Caller holds the write lock.
func (e *Engine) resolve(session *VotingSession, algorithm Algorithm, threshold float64) *Result {
	result := &Result{
		SessionID: session.ID,
		Method:    algorithm,
		Tally:     make(map[string]float64, len(session.Options)),
	}
	for _, opt := range session.Options {
		result.Tally[opt.ID] = 0
	}

	totalVotes := len(session.Votes)
	totalWeight := 0.0
	for _, vote := range session.Votes {
		if algorithm == SimpleMajority {
			result.Tally[vote.OptionID]++
		} else {
			result.Tally[vote.OptionID] += vote.Weight
		}
		totalWeight += vote.Weight
	}

	if totalVotes == 0 {
		result.Detail = "no votes cast"
		return result
	}

	winnerID, winning, tie := topOption(result.Tally)
	var winner *Option
	for i := range session.Options {
		if session.Options[i].ID == winnerID {
			winner = &session.Options[i]
			break
		}
	}

	// Quorum gates the decision but not the reported distribution.
	if session.Quorum > 0 && totalVotes < session.Quorum {
		result.Detail = fmt.Sprintf("quorum not met: %d of %d required voters (%s)",
			totalVotes, session.Quorum, formatTally(result.Tally))
		return result
	}

	switch algorithm {
	case SimpleMajority:
		total := float64(totalVotes)
		result.WinningOption = winner
		result.Confidence = winning / total
		result.ConsensusReached = winning > total/2 && !tie
		result.Detail = fmt.Sprintf("%s leads with %.0f of %.0f votes (%s)",
			winnerID, winning, total, formatTally(result.Tally))

	case WeightedMajority:
		result.WinningOption = winner
		if totalWeight > 0 {
			result.Confidence = winning / totalWeight
		}
		result.ConsensusReached = winning > totalWeight/2 && !tie
		result.Detail = fmt.Sprintf("%s leads with weight %.2f of %.2f (%s)",
			winnerID, winning, totalWeight, formatTally(result.Tally))

	case Supermajority:
		result.WinningOption = winner
		if totalWeight > 0 {
			result.Confidence = winning / totalWeight
		}
		bar := threshold * totalWeight
		if tie {
			result.ConsensusReached = winning > bar
		} else {
			result.ConsensusReached = winning >= bar
		}
		result.Detail = fmt.Sprintf("%s holds weight %.2f against supermajority bar %.2f (%s)",
			winnerID, winning, bar, formatTally(result.Tally))

	case ConsensusThreshold:
		optionsWithVotes := 0
		for _, w := range result.Tally {
			if w > 0 {
				optionsWithVotes++
			}
		}
		registeredWeight := 0.0
		votedAll := true
		for id, v := range e.voters {
			registeredWeight += DeriveWeight(v)
			if _, ok := session.Votes[id]; !ok {
				votedAll = false
			}
		}
		result.WinningOption = winner
		if registeredWeight > 0 {
			result.Confidence = winning / registeredWeight
		}
		result.ConsensusReached = optionsWithVotes == 1 &&
			votedAll &&
			len(e.voters) > 0 &&
			totalWeight >= threshold*registeredWeight
		result.Detail = fmt.Sprintf("unanimity check: %d option(s) voted, cast weight %.2f of registered %.2f (%s)",
			optionsWithVotes, totalWeight, registeredWeight, formatTally(result.Tally))

	default:
		result.Detail = fmt.Sprintf("unknown algorithm %q", algorithm)
	}

	return result
}

// topOption returns the option with the greatest tally. Ties resolve
// to the lexicographically smallest id and are reported to the caller.
func topOption(tally map[string]float64) (string, float64, bool) {
	ids := make([]string, 0, len(tally))
	for id := range tally {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	winnerID := ""
	winning := math.Inf(-1)
	tie := false
	for _, id := range ids {
		w := tally[id]
		switch {
		case w > winning:
			winnerID = id
			winning = w
			tie = false
		case w == winning:
			tie = true
		}
	}
	return winnerID, winning, tie
}

func formatTally(tally map[string]float64) string {
	ids := make([]string, 0, len(tally))
	for id := range tally {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s=%.2f", id, tally[id]))
	}
	return strings.Join(parts, ", ")
}
