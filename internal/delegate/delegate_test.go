package delegate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/fabric/internal/config"
	"github.com/hivemesh/fabric/internal/consensus"
	"github.com/hivemesh/fabric/internal/fault"
	"github.com/hivemesh/fabric/internal/handoff"
)

type stubRuntime struct {
	mu      sync.Mutex
	err     error
	started chan struct{}
	release chan struct{}
	calls   int
}

func (r *stubRuntime) Execute(ctx context.Context, task Task, taskContext map[string]interface{}) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.err
}

func (r *stubRuntime) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type testEnv struct {
	delegate *Delegate
	runtime  *stubRuntime
	handoffs *handoff.Manager
	engine   *consensus.Engine
}

func setupDelegate(t *testing.T, cfg config.DelegateConfig) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &testEnv{
		runtime:  &stubRuntime{},
		engine:   consensus.NewEngine(),
		handoffs: handoff.NewManager(handoff.NewRedisStoreWithClient(client, ""), nil),
	}
	env.delegate = New(cfg, env.engine, env.handoffs, env.runtime)
	return env
}

func defaultCfg() config.DelegateConfig {
	return config.DelegateConfig{
		EnableLocalInference:     true,
		LatencyTargetMs:          2000,
		MaxConcurrentDelegations: 10,
		EnableConsensusVoting:    true,
	}
}

func TestCapabilityScorer(t *testing.T) {
	desc := "write code"
	assert.Equal(t, 2.0, CapabilityScorer(Agent{ID: "A", Capabilities: []string{"code"}}, desc))
	assert.Equal(t, 1.0, CapabilityScorer(Agent{ID: "B"}, desc))
	assert.Equal(t, 2.0, CapabilityScorer(Agent{ID: "C", Capabilities: []string{"code", "test"}}, desc))
	assert.Equal(t, 2.0, CapabilityScorer(Agent{ID: "D", Capabilities: []string{"CODE"}}, desc), "match is case-insensitive")
	assert.Equal(t, 1.0, CapabilityScorer(Agent{ID: "E", Capabilities: []string{""}}, desc), "empty capability never matches")
}

func TestRegisterAgent(t *testing.T) {
	env := setupDelegate(t, defaultCfg())

	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "b"}))
	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "a", IsLocal: true}))

	err := env.delegate.RegisterAgent(Agent{})
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))

	agents := env.delegate.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].ID, "agents sorted by id")

	env.delegate.UnregisterAgent("b")
	assert.Len(t, env.delegate.Agents(), 1)
}

func TestDelegateLocalFastPath(t *testing.T) {
	env := setupDelegate(t, defaultCfg())
	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "local-1", IsLocal: true}))

	result := env.delegate.DelegateTask(context.Background(), Task{ID: "t1", Description: "summarize"}, nil)

	assert.True(t, result.Success)
	assert.Equal(t, RouteLocal, result.Route)
	assert.Equal(t, "local-1", result.AgentID)
	assert.True(t, result.LatencyWithinTarget)
	assert.Empty(t, result.VotingSessionID)
	assert.Equal(t, 1, env.runtime.callCount())
}

func TestDelegateLocalLatencyOverTarget(t *testing.T) {
	env := setupDelegate(t, defaultCfg())
	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "local-1", IsLocal: true}))

	// clock advances 3s between the start and end samples
	base := time.Now()
	ticks := 0
	env.delegate.WithClock(func() time.Time {
		ticks++
		if ticks > 1 {
			return base.Add(3 * time.Second)
		}
		return base
	})

	result := env.delegate.DelegateTask(context.Background(), Task{ID: "t1", Description: "slow work"}, nil)

	assert.True(t, result.Success)
	assert.Equal(t, int64(3000), result.LatencyMs)
	assert.False(t, result.LatencyWithinTarget)
}

func TestDelegateSkipsLocalWithoutLocalAgent(t *testing.T) {
	env := setupDelegate(t, defaultCfg())
	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "remote-1"}))

	result := env.delegate.DelegateTask(context.Background(), Task{ID: "t1", Description: "anything"}, nil)

	assert.True(t, result.Success)
	assert.Equal(t, RouteConsensus, result.Route)
	assert.Equal(t, 0, env.runtime.callCount())
}

func registerVotingPool(t *testing.T, env *testEnv) {
	t.Helper()
	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "A", Capabilities: []string{"code"}}))
	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "B"}))
	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "C", Capabilities: []string{"code", "test"}}))
}

func TestDelegateWeightedConsensus(t *testing.T) {
	cfg := defaultCfg()
	cfg.EnableLocalInference = false
	env := setupDelegate(t, cfg)
	registerVotingPool(t, env)

	taskCtx := map[string]interface{}{"repo": "fabric"}
	result := env.delegate.DelegateTask(context.Background(), Task{ID: "t1", Description: "write code"}, taskCtx)

	require.True(t, result.Success)
	assert.Equal(t, RouteConsensus, result.Route)
	// A and C tie on weight 2; the lexicographically smaller id wins
	// and the tie leaves consensus unreached.
	assert.Equal(t, "A", result.AgentID)
	assert.False(t, result.ConsensusReached)
	assert.InDelta(t, 0.4, result.Confidence, 0.001)
	require.NotEmpty(t, result.HandoffID)

	state, err := env.handoffs.StateOf(result.HandoffID)
	require.NoError(t, err)
	assert.Equal(t, handoff.StateProposed, state)

	// the winner accepts and gets the packaged context back
	hr, err := env.handoffs.Complete(context.Background(), result.HandoffID, "A")
	require.NoError(t, err)
	assert.True(t, hr.Success)
	assert.Equal(t, "fabric", hr.Context["repo"])
}

func TestDelegateConsensusLeavesRegistryUntouched(t *testing.T) {
	cfg := defaultCfg()
	cfg.EnableLocalInference = false
	env := setupDelegate(t, cfg)
	registerVotingPool(t, env)

	// a long-lived registry entry must survive delegation unchanged
	env.engine.RegisterVoter(consensus.Voter{ID: "A", Weight: 9})

	result := env.delegate.DelegateTask(context.Background(), Task{ID: "t1", Description: "write code"}, nil)

	require.True(t, result.Success)
	assert.Equal(t, "A", result.AgentID)
	assert.InDelta(t, 0.4, result.Confidence, 0.001, "task-fit weights decide the vote, not registry weights")
	assert.Equal(t, 9.0, env.engine.VoterWeight("A"))
	assert.Equal(t, 1.0, env.engine.VoterWeight("B"), "delegation must not register voters")
}

func TestDelegateLocalFailureFallsBack(t *testing.T) {
	env := setupDelegate(t, defaultCfg())
	env.runtime.err = assert.AnError
	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "A", Capabilities: []string{"code"}, IsLocal: true}))
	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "B"}))

	result := env.delegate.DelegateTask(context.Background(), Task{ID: "t1", Description: "write code"}, nil)

	require.True(t, result.Success)
	assert.Equal(t, RouteConsensus, result.Route)
	assert.Equal(t, "A", result.AgentID)
	assert.Equal(t, 1, env.runtime.callCount())
}

func TestDelegateConsensusDisabled(t *testing.T) {
	cfg := defaultCfg()
	cfg.EnableConsensusVoting = false
	env := setupDelegate(t, cfg)
	env.runtime.err = assert.AnError
	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "local-1", IsLocal: true}))

	result := env.delegate.DelegateTask(context.Background(), Task{ID: "t1", Description: "anything"}, nil)

	assert.False(t, result.Success)
	assert.Equal(t, fault.KindUnavailable, result.ErrorKind)
	assert.Contains(t, result.Error, "consensus voting disabled")
}

func TestDelegateNoAgents(t *testing.T) {
	cfg := defaultCfg()
	cfg.EnableLocalInference = false
	env := setupDelegate(t, cfg)

	result := env.delegate.DelegateTask(context.Background(), Task{ID: "t1", Description: "anything"}, nil)

	assert.False(t, result.Success)
	assert.Equal(t, fault.KindNotFound, result.ErrorKind)
}

func TestDelegateEmptyDescription(t *testing.T) {
	env := setupDelegate(t, defaultCfg())

	result := env.delegate.DelegateTask(context.Background(), Task{ID: "t1"}, nil)

	assert.False(t, result.Success)
	assert.Equal(t, fault.KindInvalidArgument, result.ErrorKind)
}

func TestDelegateConcurrencyLimit(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxConcurrentDelegations = 1
	env := setupDelegate(t, cfg)
	env.runtime.started = make(chan struct{}, 1)
	env.runtime.release = make(chan struct{})
	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "local-1", IsLocal: true}))

	done := make(chan *Result, 1)
	go func() {
		done <- env.delegate.DelegateTask(context.Background(), Task{ID: "t1", Description: "long"}, nil)
	}()
	<-env.runtime.started

	// the slot is held by the in-flight delegation
	blocked := env.delegate.DelegateTask(context.Background(), Task{ID: "t2", Description: "rejected"}, nil)
	assert.False(t, blocked.Success)
	assert.Equal(t, fault.KindResourceExhausted, blocked.ErrorKind)

	close(env.runtime.release)
	first := <-done
	assert.True(t, first.Success)

	// the slot is free again
	env.runtime.release = nil
	env.runtime.started = nil
	again := env.delegate.DelegateTask(context.Background(), Task{ID: "t3", Description: "after"}, nil)
	assert.True(t, again.Success)
}

func TestDelegateDeadlineExpired(t *testing.T) {
	cfg := defaultCfg()
	cfg.EnableLocalInference = false
	env := setupDelegate(t, cfg)
	registerVotingPool(t, env)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := env.delegate.DelegateTask(ctx, Task{ID: "t1", Description: "too late"}, nil)

	assert.False(t, result.Success)
	assert.Equal(t, fault.KindTimeout, result.ErrorKind)
}

func TestDelegateLocalStallConsumesDeadline(t *testing.T) {
	env := setupDelegate(t, defaultCfg())
	env.runtime.release = make(chan struct{}) // never released; only ctx frees it
	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "A", Capabilities: []string{"code"}, IsLocal: true}))
	require.NoError(t, env.delegate.RegisterAgent(Agent{ID: "B"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	result := env.delegate.DelegateTask(ctx, Task{ID: "t1", Description: "write code"}, nil)
	assert.Less(t, time.Since(start), 5*time.Second, "expiry cancels the in-flight local attempt")

	assert.False(t, result.Success)
	assert.Equal(t, fault.KindTimeout, result.ErrorKind)
}
