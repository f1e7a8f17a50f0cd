package store

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/fabric/internal/bus"
)

func setupRestoreBus(t *testing.T) *bus.Bus {
	t.Helper()

	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1, // random port
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
	})
	return bus.NewWithConn(nc, "test.fabric.")
}

func TestRestoreManagerAnnouncesLiveSessions(t *testing.T) {
	b := setupRestoreBus(t)
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleSnapshot("s-active", "active")))
	require.NoError(t, s.Save(ctx, sampleSnapshot("s-paused", "paused")))
	require.NoError(t, s.Save(ctx, sampleSnapshot("s-closed", "closed")))

	received := make(chan *bus.Event, 4)
	sub, err := b.Subscribe(bus.TopicSessionRecreate, func(evt *bus.Event) {
		received <- evt
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rm := NewRestoreManager(s, b)
	announced, err := rm.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, announced)

	sessions := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-received:
			assert.Equal(t, "restore-manager", evt.Source)
			var snap Snapshot
			require.NoError(t, evt.Decode(&snap))
			sessions[snap.SessionID] = snap.Status
		case <-time.After(2 * time.Second):
			t.Fatal("expected two recreate events")
		}
	}
	assert.Equal(t, "active", sessions["s-active"])
	assert.Equal(t, "paused", sessions["s-paused"])

	select {
	case evt := <-received:
		t.Fatalf("unexpected recreate event: %s", evt.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRestoreManagerAnnouncesLatestVersion(t *testing.T) {
	b := setupRestoreBus(t)
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleSnapshot("s1", "active")))
	snap2 := sampleSnapshot("s1", "active")
	snap2.Tasks = append(snap2.Tasks, TaskRecord{ID: "t2", Description: "follow-up", Priority: "high"})
	require.NoError(t, s.Save(ctx, snap2))

	received := make(chan *bus.Event, 1)
	sub, err := b.Subscribe(bus.TopicSessionRecreate, func(evt *bus.Event) {
		received <- evt
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rm := NewRestoreManager(s, b)
	announced, err := rm.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, announced)

	select {
	case evt := <-received:
		var got Snapshot
		require.NoError(t, evt.Decode(&got))
		assert.EqualValues(t, 2, got.Version)
		assert.Len(t, got.Tasks, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("recreate event not received")
	}
}

func TestRestoreManagerEmptyStore(t *testing.T) {
	b := setupRestoreBus(t)
	rm := NewRestoreManager(NewMemoryStore(), b)

	announced, err := rm.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, announced)
}
