package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/fabric/internal/fault"
	"github.com/hivemesh/fabric/internal/store"
)

func taskEnvelope(t *testing.T, sender string, tsMs int64, action string, task Task) *Envelope {
	t.Helper()
	env, err := NewEnvelope(MsgTask, sender, "s1", TaskPayload{Action: action, Task: task})
	require.NoError(t, err)
	env.Timestamp = tsMs
	return env
}

func setupDispatchSession(t *testing.T) *testEnv {
	t.Helper()
	env := setupManager(t, nil)
	ctx := context.Background()

	_, err := env.manager.CreateSession(ctx, "s1", "u1", Config{MaxParticipants: 4, Signaling: signalingOn()})
	require.NoError(t, err)
	_, err = env.manager.JoinSession(ctx, "s1", "u2", JoinOptions{AuthToken: "user-u2"})
	require.NoError(t, err)
	return env
}

func TestHandleMessageUnknownSessionAndType(t *testing.T) {
	env := setupDispatchSession(t)
	ctx := context.Background()

	err := env.manager.HandleMessage(ctx, "missing", taskEnvelope(t, "u1", 1, TaskAdded, Task{ID: "t1", Description: "x"}))
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	bad, err := NewEnvelope(MessageType("bogus"), "u1", "s1", nil)
	require.NoError(t, err)
	err = env.manager.HandleMessage(ctx, "s1", bad)
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
}

func TestHandleTaskMessageLastWriterWins(t *testing.T) {
	env := setupDispatchSession(t)
	ctx := context.Background()

	err := env.manager.HandleMessage(ctx, "s1",
		taskEnvelope(t, "b", 100, TaskAdded, Task{ID: "t1", Description: "first"}))
	require.NoError(t, err)

	// an older write is ignored
	err = env.manager.HandleMessage(ctx, "s1",
		taskEnvelope(t, "a", 50, TaskUpdated, Task{ID: "t1", Description: "stale"}))
	require.NoError(t, err)

	s, _ := env.manager.GetSession("s1")
	got, ok := s.GetTask("t1")
	require.True(t, ok)
	assert.Equal(t, "first", got.Description)

	// equal timestamps resolve to the smaller sender id
	err = env.manager.HandleMessage(ctx, "s1",
		taskEnvelope(t, "a", 100, TaskUpdated, Task{ID: "t1", Description: "tie-break"}))
	require.NoError(t, err)

	got, _ = s.GetTask("t1")
	assert.Equal(t, "tie-break", got.Description)
	assert.Equal(t, "a", got.UpdatedBy)

	// a strictly newer write always replaces
	err = env.manager.HandleMessage(ctx, "s1",
		taskEnvelope(t, "z", 200, TaskUpdated, Task{ID: "t1", Description: "newest"}))
	require.NoError(t, err)

	got, _ = s.GetTask("t1")
	assert.Equal(t, "newest", got.Description)
}

func TestHandleTaskCompletedOnce(t *testing.T) {
	env := setupDispatchSession(t)
	ctx := context.Background()

	require.NoError(t, env.manager.HandleMessage(ctx, "s1",
		taskEnvelope(t, "u1", 100, TaskAdded, Task{ID: "t1", Description: "work"})))
	require.NoError(t, env.manager.HandleMessage(ctx, "s1",
		taskEnvelope(t, "u2", 150, TaskCompleted, Task{ID: "t1"})))

	s, _ := env.manager.GetSession("s1")
	got, _ := s.GetTask("t1")
	require.NotNil(t, got.CompletedAt)
	first := *got.CompletedAt

	// completion is recorded once
	require.NoError(t, env.manager.HandleMessage(ctx, "s1",
		taskEnvelope(t, "u1", 200, TaskCompleted, Task{ID: "t1"})))
	got, _ = s.GetTask("t1")
	assert.Equal(t, first, *got.CompletedAt)
	assert.Equal(t, "u2", got.UpdatedBy)
}

func TestHandleTaskRemoved(t *testing.T) {
	env := setupDispatchSession(t)
	ctx := context.Background()

	require.NoError(t, env.manager.HandleMessage(ctx, "s1",
		taskEnvelope(t, "u1", 100, TaskAdded, Task{ID: "t1", Description: "work"})))
	require.NoError(t, env.manager.HandleMessage(ctx, "s1",
		taskEnvelope(t, "u2", 150, TaskRemoved, Task{ID: "t1"})))

	s, _ := env.manager.GetSession("s1")
	assert.Equal(t, 0, s.TaskCount())
}

func TestHandleStateMessageIncrementalMerge(t *testing.T) {
	env := setupDispatchSession(t)
	ctx := context.Background()

	require.NoError(t, env.manager.HandleMessage(ctx, "s1",
		taskEnvelope(t, "u1", 100, TaskAdded, Task{ID: "t1", Description: "keep"})))
	require.NoError(t, env.manager.HandleMessage(ctx, "s1",
		taskEnvelope(t, "u1", 100, TaskAdded, Task{ID: "t2", Description: "drop"})))

	delta, err := NewEnvelope(MsgState, "u2", "s1", StatePayload{
		Tasks: map[string]*Task{
			"t1": {Description: "stale", UpdatedAtMs: 50},
			"t3": {Description: "merged", UpdatedAtMs: 200},
		},
		RemovedTasks: []string{"t2"},
	})
	require.NoError(t, err)
	require.NoError(t, env.manager.HandleMessage(ctx, "s1", delta))

	s, _ := env.manager.GetSession("s1")
	assert.Equal(t, 2, s.TaskCount())

	kept, _ := s.GetTask("t1")
	assert.Equal(t, "keep", kept.Description, "older incoming task must not overwrite")

	merged, ok := s.GetTask("t3")
	require.True(t, ok)
	assert.Equal(t, "merged", merged.Description)
	assert.Equal(t, "u2", merged.UpdatedBy)

	_, dropped := s.GetTask("t2")
	assert.False(t, dropped)
}

func TestHandleStateMessageFullAndHostReassign(t *testing.T) {
	env := setupDispatchSession(t)
	ctx := context.Background()

	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	full, err := NewEnvelope(MsgState, "u2", "s1", StatePayload{
		Full:           true,
		Status:         StatusPaused,
		HostUserID:     "u2",
		LastActivityMs: at.UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, env.manager.HandleMessage(ctx, "s1", full))

	s, _ := env.manager.GetSession("s1")
	assert.Equal(t, StatusPaused, s.Status)
	assert.Equal(t, at.UnixMilli(), s.LastActivity.UnixMilli())
	assert.Equal(t, "u2", s.HostUserID)

	newHost, _ := s.GetParticipant("u2")
	oldHost, _ := s.GetParticipant("u1")
	assert.True(t, newHost.IsHost)
	assert.False(t, oldHost.IsHost)
}

func TestHandleHeartbeatBumpsActivity(t *testing.T) {
	env := setupDispatchSession(t)
	ctx := context.Background()

	later := time.Now().Add(time.Hour)
	env.manager.WithClock(func() time.Time { return later })

	hb, err := NewEnvelope(MsgHeartbeat, "u2", "s1", nil)
	require.NoError(t, err)
	require.NoError(t, env.manager.HandleMessage(ctx, "s1", hb))

	s, _ := env.manager.GetSession("s1")
	assert.Equal(t, later.UnixMilli(), s.LastActivity.UnixMilli())

	// the snapshot written alongside carries the bumped activity
	snap, err := env.store.Latest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, later.UnixMilli(), snap.LastActivity.UnixMilli())
}

func TestHeartbeatTakesLaterSenderTimestamp(t *testing.T) {
	env := setupDispatchSession(t)
	ctx := context.Background()

	base := time.Now()
	env.manager.WithClock(func() time.Time { return base })

	// a sender ahead of the local clock wins
	hb, err := NewEnvelope(MsgHeartbeat, "u2", "s1", nil)
	require.NoError(t, err)
	hb.Timestamp = base.Add(30 * time.Minute).UnixMilli()
	require.NoError(t, env.manager.HandleMessage(ctx, "s1", hb))

	s, _ := env.manager.GetSession("s1")
	assert.Equal(t, hb.Timestamp, s.LastActivity.UnixMilli())

	// a sender behind it falls back to the local time
	stale, err := NewEnvelope(MsgHeartbeat, "u2", "s1", nil)
	require.NoError(t, err)
	stale.Timestamp = base.Add(-time.Hour).UnixMilli()
	require.NoError(t, env.manager.HandleMessage(ctx, "s1", stale))

	s, _ = env.manager.GetSession("s1")
	assert.Equal(t, base.UnixMilli(), s.LastActivity.UnixMilli())
}

func TestRestoreRoundTrip(t *testing.T) {
	b := setupTestBus(t)
	shared := store.NewMemoryStore()
	ctx := context.Background()

	// first manager builds up state and persists it
	envA := setupManager(t, b)
	envA.manager.snapshots = shared

	_, err := envA.manager.CreateSession(ctx, "s1", "u1", Config{
		MaxParticipants: 4,
		EnableVetoes:    true,
		Signaling:       signalingOn(),
	})
	require.NoError(t, err)
	_, err = envA.manager.JoinSession(ctx, "s1", "u2", JoinOptions{AuthToken: "user-u2", AgentID: "a2"})
	require.NoError(t, err)
	_, err = envA.manager.AddTask(ctx, "s1", "u1", Task{ID: "t1", Description: "survive restart", Priority: "high"})
	require.NoError(t, err)

	// second manager comes up empty and subscribes for recreates
	envB := setupManager(t, b)
	envB.manager.snapshots = shared
	sub, err := envB.manager.SubscribeRecreate()
	require.NoError(t, err)
	defer sub.Unsubscribe()

	announced, err := store.NewRestoreManager(shared, b).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, announced)

	require.Eventually(t, func() bool {
		return envB.manager.SessionCount() == 1
	}, 5*time.Second, 20*time.Millisecond)

	restored, err := envB.manager.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, restored.Status)
	assert.Equal(t, "u1", restored.HostUserID)
	assert.Equal(t, 2, restored.ParticipantCount())
	assert.Equal(t, 1, restored.TaskCount())

	task, ok := restored.GetTask("t1")
	require.True(t, ok)
	assert.Equal(t, "survive restart", task.Description)
	assert.Equal(t, "high", task.Priority)

	// participants come back disconnected until they rejoin
	p2, ok := restored.GetParticipant("u2")
	require.True(t, ok)
	assert.Equal(t, ConnDisconnected, p2.ConnectionState)
	assert.Equal(t, "a2", p2.AgentID)

	// a restored participant reconnects, a fresh one joins normally
	rejoined, err := envB.manager.JoinSession(ctx, "s1", "u2", JoinOptions{AuthToken: "user-u2", AgentID: "a2"})
	require.NoError(t, err)
	assert.Equal(t, ConnConnected, rejoined.ConnectionState)

	_, err = envB.manager.JoinSession(ctx, "s1", "u3", JoinOptions{AuthToken: "user-u3"})
	require.NoError(t, err)
	assert.Equal(t, 3, restored.ParticipantCount())
}

func TestRestoreIdempotentForLiveSession(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	_, err := env.manager.CreateSession(ctx, "s1", "u1", Config{MaxParticipants: 4, Signaling: signalingOn()})
	require.NoError(t, err)
	_, err = env.manager.AddTask(ctx, "s1", "u1", Task{ID: "t1", Description: "live"})
	require.NoError(t, err)

	// a stale snapshot for a live session id must not clobber state
	env.manager.RestoreNow(ctx, &store.Snapshot{
		SessionID:  "s1",
		HostUserID: "ghost",
		Status:     "paused",
		Config:     []byte("{}"),
	})

	s, _ := env.manager.GetSession("s1")
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, "u1", s.HostUserID)
	assert.Equal(t, 1, s.TaskCount())
}
