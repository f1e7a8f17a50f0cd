// Package delegate routes tasks to the best-fit agent: a local runtime
// first when one is registered, then a weighted consensus vote among
// all registered agents with a context handoff to the winner.
package delegate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/hivemesh/fabric/internal/config"
	"github.com/hivemesh/fabric/internal/consensus"
	"github.com/hivemesh/fabric/internal/fault"
	"github.com/hivemesh/fabric/internal/handoff"
	"github.com/hivemesh/fabric/internal/metrics"
)

// Routes taken by a delegation
const (
	RouteLocal     = "local"
	RouteConsensus = "consensus"
)

// Local runtime circuit breaker thresholds
const (
	runtimeMinRequests  = 3
	runtimeFailureRatio = 0.6
	runtimeOpenTimeout  = 30 * time.Second
)

// Agent is a delegation candidate
type Agent struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities,omitempty"`
	IsLocal      bool     `json:"is_local"`
}

// Task is the unit of work being routed
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
}

// LocalRuntime executes a task in-process. A returned error is a
// negative ack and sends the delegation to the consensus path.
type LocalRuntime interface {
	Execute(ctx context.Context, task Task, taskContext map[string]interface{}) error
}

// Scorer weighs an agent's fit for a task description
type Scorer func(agent Agent, description string) float64

// CapabilityScorer is the default weight heuristic: an agent whose
// capability set intersects the description scores 2, everyone else 1.
// The match is a case-insensitive substring check per capability.
func CapabilityScorer(agent Agent, description string) float64 {
	desc := strings.ToLower(description)
	for _, capability := range agent.Capabilities {
		if capability == "" {
			continue
		}
		if strings.Contains(desc, strings.ToLower(capability)) {
			return 2
		}
	}
	return 1
}

// Result is the outcome of one delegation. DelegateTask never returns
// an error; failures are captured here.
type Result struct {
	Success             bool       `json:"success"`
	Route               string     `json:"route,omitempty"`
	AgentID             string     `json:"agent_id,omitempty"`
	LatencyMs           int64      `json:"latency_ms,omitempty"`
	LatencyWithinTarget bool       `json:"latency_within_target,omitempty"`
	VotingSessionID     string     `json:"voting_session_id,omitempty"`
	ConsensusReached    bool       `json:"consensus_reached,omitempty"`
	Confidence          float64    `json:"confidence,omitempty"`
	HandoffID           string     `json:"handoff_id,omitempty"`
	Error               string     `json:"error,omitempty"`
	ErrorKind           fault.Kind `json:"error_kind,omitempty"`
}

func failure(kind fault.Kind, format string, args ...interface{}) *Result {
	return &Result{
		Success:   false,
		Error:     fmt.Sprintf(format, args...),
		ErrorKind: kind,
	}
}

// handoffSource identifies the delegate as the initiating side of the
// context transfer
const handoffSource = "swarm-delegate"

// Delegate routes tasks. Concurrency is capped by a semaphore sized to
// MaxConcurrentDelegations; the local runtime sits behind a circuit
// breaker so a flapping runtime stops being attempted.
type Delegate struct {
	cfg      config.DelegateConfig
	engine   *consensus.Engine
	handoffs *handoff.Manager
	runtime  LocalRuntime
	breaker  *gobreaker.CircuitBreaker
	inflight *semaphore.Weighted
	scorer   Scorer
	clock    func() time.Time

	mu     sync.RWMutex
	agents map[string]Agent
}

// New creates a delegate. The runtime is optional; without one the
// local path is skipped even when local inference is enabled.
func New(cfg config.DelegateConfig, engine *consensus.Engine, handoffs *handoff.Manager, runtime LocalRuntime) *Delegate {
	if cfg.MaxConcurrentDelegations <= 0 {
		cfg.MaxConcurrentDelegations = 10
	}
	if cfg.LatencyTargetMs < 0 {
		cfg.LatencyTargetMs = 0
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "local-runtime",
		Timeout: runtimeOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= runtimeMinRequests && failureRatio >= runtimeFailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Local runtime circuit breaker state changed")
		},
	})

	return &Delegate{
		cfg:      cfg,
		engine:   engine,
		handoffs: handoffs,
		runtime:  runtime,
		breaker:  breaker,
		inflight: semaphore.NewWeighted(cfg.MaxConcurrentDelegations),
		scorer:   CapabilityScorer,
		clock:    time.Now,
		agents:   make(map[string]Agent),
	}
}

// WithScorer overrides the weight heuristic
func (d *Delegate) WithScorer(scorer Scorer) *Delegate {
	d.scorer = scorer
	return d
}

// WithClock overrides the time source. Test use.
func (d *Delegate) WithClock(clock func() time.Time) *Delegate {
	d.clock = clock
	return d
}

// RegisterAgent adds or replaces a delegation candidate
func (d *Delegate) RegisterAgent(a Agent) error {
	if a.ID == "" {
		return fault.New(fault.KindInvalidArgument, "agent id must be non-empty")
	}
	d.mu.Lock()
	d.agents[a.ID] = a
	d.mu.Unlock()

	log.Info().
		Str("agent_id", a.ID).
		Bool("is_local", a.IsLocal).
		Strs("capabilities", a.Capabilities).
		Msg("Agent registered")
	return nil
}

// UnregisterAgent removes a candidate
func (d *Delegate) UnregisterAgent(agentID string) {
	d.mu.Lock()
	delete(d.agents, agentID)
	d.mu.Unlock()
}

// Agents returns the registered candidates sorted by id
func (d *Delegate) Agents() []Agent {
	d.mu.RLock()
	out := make([]Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, a)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// localAgent returns the first local candidate by id order
func (d *Delegate) localAgent() (Agent, bool) {
	for _, a := range d.Agents() {
		if a.IsLocal {
			return a, true
		}
	}
	return Agent{}, false
}

// DelegateTask routes one task. Local first when enabled, consensus
// fallback when the local attempt fails or is unavailable. Non-throwing:
// every failure comes back as a structured result. The caller's context
// deadline bounds the whole call.
func (d *Delegate) DelegateTask(ctx context.Context, task Task, taskContext map[string]interface{}) *Result {
	if task.Description == "" {
		return failure(fault.KindInvalidArgument, "task description must be non-empty")
	}

	if !d.inflight.TryAcquire(1) {
		return failure(fault.KindResourceExhausted,
			"delegation limit reached (%d in flight)", d.cfg.MaxConcurrentDelegations)
	}
	metrics.DelegationsInFlight.Inc()
	defer func() {
		d.inflight.Release(1)
		metrics.DelegationsInFlight.Dec()
	}()

	result := d.routeTask(ctx, task, taskContext)
	metrics.RecordDelegation(result.Route, result.Success, float64(result.LatencyMs))
	return result
}

// routeTask runs the local-then-consensus routing under a held
// concurrency slot
func (d *Delegate) routeTask(ctx context.Context, task Task, taskContext map[string]interface{}) *Result {
	var localErr error
	if d.cfg.EnableLocalInference && d.runtime != nil {
		if local, ok := d.localAgent(); ok {
			result, err := d.tryLocal(ctx, local, task, taskContext)
			if err == nil {
				return result
			}
			localErr = err
			log.Warn().Err(err).
				Str("task_id", task.ID).
				Str("agent_id", local.ID).
				Msg("Local delegation failed, falling back to consensus")
		}
	}

	if ctx.Err() != nil {
		return failure(fault.KindTimeout, "delegation deadline exceeded: %v", ctx.Err())
	}
	if !d.cfg.EnableConsensusVoting {
		if localErr != nil {
			return failure(fault.KindUnavailable, "local delegation failed and consensus voting disabled: %v", localErr)
		}
		return failure(fault.KindUnavailable, "no delegation path: local inference and consensus voting both unavailable")
	}

	return d.tryConsensus(ctx, task, taskContext)
}

// tryLocal runs the task on the local runtime through the circuit
// breaker and measures wall-clock latency against the target.
func (d *Delegate) tryLocal(ctx context.Context, agent Agent, task Task, taskContext map[string]interface{}) (*Result, error) {
	start := d.clock()
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.runtime.Execute(ctx, task, taskContext)
	})
	elapsed := d.clock().Sub(start)
	if err != nil {
		return nil, err
	}

	elapsedMs := elapsed.Milliseconds()
	return &Result{
		Success:             true,
		Route:               RouteLocal,
		AgentID:             agent.ID,
		LatencyMs:           elapsedMs,
		LatencyWithinTarget: elapsedMs <= d.cfg.LatencyTargetMs,
	}, nil
}

// tryConsensus elects a target agent by weighted self-votes and hands
// the task context off to the winner.
func (d *Delegate) tryConsensus(ctx context.Context, task Task, taskContext map[string]interface{}) *Result {
	agents := d.Agents()
	if len(agents) == 0 {
		return failure(fault.KindNotFound, "no agents registered for consensus delegation")
	}

	options := make([]consensus.Option, 0, len(agents))
	for _, a := range agents {
		options = append(options, consensus.Option{ID: a.ID, Label: a.ID, Value: a.ID})
	}

	vsID, err := d.engine.CreateSession(fmt.Sprintf("delegate %s", task.ID), options, 0)
	if err != nil {
		return failure(fault.KindOf(err), "failed to open delegation vote: %v", err)
	}

	// Task-fit weights are scoped to this vote; the engine's voter
	// registry stays untouched.
	for _, a := range agents {
		weight := d.scorer(a, task.Description)
		if weight <= 0 {
			weight = 1
		}
		if err := d.engine.CastWeightedVote(vsID, a.ID, a.ID, "", weight); err != nil {
			log.Warn().Err(err).
				Str("voting_session_id", vsID).
				Str("agent_id", a.ID).
				Msg("Self-vote rejected")
		}
	}

	vote, err := d.engine.CloseSession(vsID, consensus.WeightedMajority, 0)
	if err != nil {
		return failure(fault.KindOf(err), "failed to close delegation vote: %v", err)
	}
	if vote.WinningOption == nil {
		out := failure(fault.KindUnavailable, "delegation vote produced no winner")
		out.VotingSessionID = vsID
		return out
	}
	winner := vote.WinningOption.ID

	hr, err := d.handoffs.Initiate(ctx, handoff.Request{
		Source:   handoffSource,
		Target:   winner,
		TaskID:   task.ID,
		Context:  taskContext,
		Priority: task.Priority,
	})
	if err != nil {
		out := failure(fault.KindOf(err), "handoff to %s failed: %v", winner, err)
		out.VotingSessionID = vsID
		out.AgentID = winner
		return out
	}

	log.Info().
		Str("task_id", task.ID).
		Str("agent_id", winner).
		Str("voting_session_id", vsID).
		Bool("consensus_reached", vote.ConsensusReached).
		Msg("Task delegated by consensus")

	return &Result{
		Success:          true,
		Route:            RouteConsensus,
		AgentID:          winner,
		VotingSessionID:  vsID,
		ConsensusReached: vote.ConsensusReached,
		Confidence:       vote.Confidence,
		HandoffID:        hr.HandoffID,
	}
}
