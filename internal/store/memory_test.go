package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/fabric/internal/fault"
)

func sampleSnapshot(sessionID, status string) *Snapshot {
	return &Snapshot{
		SessionID:  sessionID,
		HostUserID: "u1",
		Status:     status,
		Participants: []ParticipantRecord{
			{UserID: "u1", DisplayName: "Host", IsHost: true, Authenticated: true, ConnectionState: "connected"},
			{UserID: "u2", DisplayName: "Guest", Authenticated: true, ConnectionState: "connected"},
		},
		Tasks: []TaskRecord{
			{ID: "t1", Description: "ping", Priority: "low"},
		},
		CreatedAt:    time.Now().Add(-time.Minute),
		LastActivity: time.Now(),
	}
}

func TestMemoryStoreVersioning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	snap := sampleSnapshot("s1", "active")
	require.NoError(t, s.Save(ctx, snap))
	assert.EqualValues(t, 1, snap.Version)

	require.NoError(t, s.Save(ctx, sampleSnapshot("s1", "paused")))

	latest, err := s.Latest(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, latest.Version)
	assert.Equal(t, "paused", latest.Status)
}

func TestMemoryStoreLatestNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Latest(context.Background(), "missing")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestMemoryStoreListSummaries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleSnapshot("s2", "active")))
	require.NoError(t, s.Save(ctx, sampleSnapshot("s1", "closed")))
	require.NoError(t, s.Save(ctx, sampleSnapshot("s1", "active")))

	summaries, err := s.ListSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "s1", summaries[0].SessionID)
	assert.EqualValues(t, 2, summaries[0].Version)
	assert.Equal(t, "active", summaries[0].Status)
	assert.Equal(t, 2, summaries[0].Participants)
	assert.Equal(t, 1, summaries[0].Tasks)
	assert.Equal(t, "s2", summaries[1].SessionID)
}
