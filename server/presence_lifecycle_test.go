// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectPlayer(node *PresenceNode, id uuid.UUID, name, ip string) error {
	return node.Lifecycle.Connect(context.Background(), &ConnectRequest{
		ID:              id,
		Name:            name,
		IP:              ip,
		ProtocolVersion: 765,
		ClientBrand:     "vanilla",
	})
}

func requireRejected(t *testing.T, err error, reason RejectReason) *RejectedConnection {
	t.Helper()
	var rejected *RejectedConnection
	require.True(t, errors.As(err, &rejected), "expected a rejection, got %v", err)
	assert.Equal(t, reason, rejected.Reason)
	return rejected
}

// watchEvents collects the peer events node receives.
func watchEvents(node *PresenceNode) <-chan *PresenceEvent {
	events := make(chan *PresenceEvent, 64)
	node.Events.AddListener(func(event *PresenceEvent) { events <- event })
	return events
}

func awaitEvent(t *testing.T, events <-chan *PresenceEvent, kind string, id uuid.UUID) {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case event := <-events:
			if event.Kind == kind && event.ID == id.String() {
				return
			}
		case <-timeout:
			t.Fatalf("no %s event for %s", kind, id)
		}
	}
}

func requireCounts(t *testing.T, node *PresenceNode, global int, nodes map[string]int) {
	t.Helper()
	ctx := context.Background()
	got, err := node.Query.GlobalCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, global, got, "global count")

	sum := 0
	counts, err := node.Repository.NodeCounts(ctx)
	require.NoError(t, err)
	for _, count := range counts {
		sum += count
	}
	assert.Equal(t, global, sum, "sum of node counts")

	for name, want := range nodes {
		got, err := node.Query.NodeCount(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, want, got, "count of node %s", name)
	}
}

// Empty registry, one admit, then a backend switch.
func TestPresenceLifecycleAdmit(t *testing.T) {
	ctx := context.Background()
	n1 := newTestNode(t, NewMemoryStore(), "n1")
	u1 := newID(t)

	require.NoError(t, connectPlayer(n1, u1, "Alice", "10.0.0.1"))
	n1.Pool.Wait()

	requireCounts(t, n1, 1, map[string]int{"n1": 1})

	session, err := n1.Query.Resolve(ctx, u1)
	require.NoError(t, err)
	assert.True(t, session.Online())
	assert.Equal(t, "n1", session.Node)
	assert.Equal(t, "Alice", session.Name)
	assert.Equal(t, "10.0.0.1", session.IP)
	assert.Empty(t, session.Server, "server stays absent until a backend switch")

	n1.Lifecycle.SwitchServer(u1, "lobby")
	n1.Pool.Wait()

	session, err = n1.Query.Resolve(ctx, u1)
	require.NoError(t, err)
	assert.Equal(t, "lobby", session.Server)

	local, found := n1.Lifecycle.LocalSession(u1)
	require.True(t, found)
	assert.Equal(t, "lobby", local.Server)
}

// A player reconnecting through another node is counted once, on the new node.
func TestPresenceLifecycleReconnectOnAnotherNode(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	n1 := newTestNode(t, store, "n1")
	n2 := newTestNode(t, store, "n2")
	seen := watchEvents(n2)
	u1 := newID(t)

	require.NoError(t, connectPlayer(n1, u1, "Alice", "10.0.0.1"))
	n1.Pool.Wait()
	awaitEvent(t, seen, EventPostLogin, u1)
	require.NoError(t, connectPlayer(n2, u1, "Alice", "10.0.0.2"))
	n2.Pool.Wait()

	node, found, err := n1.Repository.NodeOf(ctx, u1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "n2", node)

	requireCounts(t, n1, 1, map[string]int{"n1": 0, "n2": 1})

	// n1 learns about the login and releases its stale local session.
	require.Eventually(t, func() bool {
		n1.Pool.Wait()
		_, held := n1.Lifecycle.LocalSession(u1)
		return !held
	}, time.Second, 10*time.Millisecond)

	// The late transport close on n1 leaves n2's record alone.
	n1.Lifecycle.Disconnect(u1)
	n1.Pool.Wait()
	node, found, err = n1.Repository.NodeOf(ctx, u1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "n2", node)
	requireCounts(t, n1, 1, map[string]int{"n1": 0, "n2": 1})
}

func TestPresenceLifecycleSingleSession(t *testing.T) {
	store := NewMemoryStore()
	n1 := newTestNode(t, store, "n1", func(cfg *config) { cfg.Presence.SingleSession = true })
	n2 := newTestNode(t, store, "n2")
	seen := watchEvents(n2)
	kicks := newRecordingDisconnector()
	n1.Lifecycle.SetDisconnector(kicks)
	u1 := newID(t)

	require.NoError(t, connectPlayer(n1, u1, "Alice", "10.0.0.1"))
	n1.Pool.Wait()
	awaitEvent(t, seen, EventPostLogin, u1)
	require.NoError(t, connectPlayer(n2, u1, "Alice", "10.0.0.2"))
	n2.Pool.Wait()

	require.Eventually(t, func() bool {
		_, kicked := kicks.message(u1)
		return kicked
	}, time.Second, 10*time.Millisecond)

	message, _ := kicks.message(u1)
	assert.Equal(t, n1.config.GetMessages().SingleSession, message)
}

// A blacklisted player is rejected, never mapped, and the attempt's IP is recorded.
func TestPresenceLifecycleBlacklisted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	n1 := newTestNode(t, store, "n1")
	u2 := newID(t)
	require.NoError(t, n1.Repository.TouchBlacklist(ctx, u2, "10.0.0.1"))

	rejected := requireRejected(t, connectPlayer(n1, u2, "Mallory", "10.0.0.66"), RejectBlacklisted)
	assert.Equal(t, n1.config.GetMessages().Blacklisted, rejected.Message)
	n1.Pool.Wait()

	_, online, err := n1.Repository.NodeOf(ctx, u2)
	require.NoError(t, err)
	assert.False(t, online)

	ip, found, err := n1.Repository.BlacklistIP(ctx, u2)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "10.0.0.66", ip)

	_, held := n1.Lifecycle.LocalSession(u2)
	assert.False(t, held)
}

// A ban landing between the synchronous check and the admit job still keeps the player offline.
func TestPresenceLifecycleBlacklistedWhileQueued(t *testing.T) {
	ctx := context.Background()
	n1 := newTestNode(t, NewMemoryStore(), "n1")
	kicks := newRecordingDisconnector()
	n1.Lifecycle.SetDisconnector(kicks)
	u2 := newID(t)

	release := make(chan struct{})
	require.True(t, n1.Pool.Submit(u2, "block", func(ctx context.Context) { <-release }))

	require.NoError(t, connectPlayer(n1, u2, "Mallory", "10.0.0.66"))
	require.NoError(t, n1.Repository.TouchBlacklist(ctx, u2, "10.0.0.66"))
	close(release)
	n1.Pool.Wait()

	_, online, err := n1.Repository.NodeOf(ctx, u2)
	require.NoError(t, err)
	assert.False(t, online)

	message, kicked := kicks.message(u2)
	assert.True(t, kicked)
	assert.Equal(t, n1.config.GetMessages().Blacklisted, message)
	_, held := n1.Lifecycle.LocalSession(u2)
	assert.False(t, held)
	requireCounts(t, n1, 0, nil)
}

// A blacklist hit on one node disconnects the player where it is still connected.
func TestPresenceLifecyclePeerBlacklistHit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	n1 := newTestNode(t, store, "n1")
	n2 := newTestNode(t, store, "n2")
	kicks := newRecordingDisconnector()
	n1.Lifecycle.SetDisconnector(kicks)
	u1 := newID(t)

	require.NoError(t, connectPlayer(n1, u1, "Mallory", "10.0.0.66"))
	n1.Pool.Wait()

	require.NoError(t, n2.Repository.TouchBlacklist(ctx, u1, "10.0.0.66"))
	requireRejected(t, connectPlayer(n2, u1, "Mallory", "10.0.0.67"), RejectBlacklisted)

	require.Eventually(t, func() bool {
		n1.Pool.Wait()
		_, online, err := n1.Repository.NodeOf(ctx, u1)
		return err == nil && !online
	}, time.Second, 10*time.Millisecond)

	_, kicked := kicks.message(u1)
	assert.True(t, kicked)
	requireCounts(t, n1, 0, map[string]int{"n1": 0})
}

// While the gate is set nothing reaches the store; after clearing, admits resume.
func TestPresenceLifecycleBootGate(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore()
	require.NoError(t, newTestRepository(t, memory).SetBootGate(ctx))

	counting := newCountingStore(memory)
	n1 := newTestNode(t, counting, "n1")

	for i := 0; i < 3; i++ {
		rejected := requireRejected(t, connectPlayer(n1, newID(t), "Alice", "10.0.0.1"), RejectClusterInitializing)
		assert.Equal(t, "Proxy is booting up, please wait...", rejected.Message)
	}
	n1.Pool.Wait()
	assert.Zero(t, counting.writes.Load())
	assert.Zero(t, counting.publishes.Load())
	assert.Zero(t, n1.Lifecycle.LocalCount())

	require.NoError(t, n1.Gate.Clear(ctx))
	u1 := newID(t)
	require.NoError(t, connectPlayer(n1, u1, "Alice", "10.0.0.1"))
	n1.Pool.Wait()

	_, online, err := n1.Repository.NodeOf(ctx, u1)
	require.NoError(t, err)
	assert.True(t, online)
}

func TestPresenceLifecycleWarmUpGate(t *testing.T) {
	counting := newCountingStore(NewMemoryStore())
	n1 := newTestNode(t, counting, "n1")

	n1.Gate.BeginWarmUp()
	requireRejected(t, connectPlayer(n1, newID(t), "Alice", "10.0.0.1"), RejectClusterInitializing)
	n1.Pool.Wait()
	assert.Zero(t, counting.writes.Load())

	n1.Gate.EndWarmUp()
	require.NoError(t, connectPlayer(n1, newID(t), "Alice", "10.0.0.1"))
}

func TestPresenceLifecycleVersionPolicy(t *testing.T) {
	n1 := newTestNode(t, NewMemoryStore(), "n1", func(cfg *config) {
		cfg.VersionControl.Enabled = true
		cfg.VersionControl.AllowedVersions = []int{765, 766}
	})

	for _, tc := range []struct {
		name     string
		version  int
		bypass   bool
		rejected bool
	}{
		{"allowed", 765, false, false},
		{"other allowed", 766, false, false},
		{"not allowed", 47, false, true},
		{"bypass", 47, true, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := n1.Lifecycle.Connect(context.Background(), &ConnectRequest{
				ID:                 newID(t),
				Name:               "Alice",
				IP:                 "10.0.0.1",
				ProtocolVersion:    tc.version,
				BypassVersionCheck: tc.bypass,
			})
			if !tc.rejected {
				assert.NoError(t, err)
				return
			}
			rejected := requireRejected(t, err, RejectUnsupportedVersion)
			assert.Equal(t, n1.config.GetVersionControl().KickMessage, rejected.Message)
		})
	}
}

func TestPresenceLifecycleDisconnect(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	n1 := newTestNode(t, store, "n1")
	n2 := newTestNode(t, store, "n2")
	u1 := newID(t)

	events := watchEvents(n2)

	require.NoError(t, connectPlayer(n1, u1, "Alice", "10.0.0.1"))
	n1.Lifecycle.SwitchServer(u1, "lobby")
	before := time.Now().Add(-time.Second)
	n1.Lifecycle.Disconnect(u1)
	n1.Pool.Wait()

	session, err := n1.Query.Resolve(ctx, u1)
	require.NoError(t, err)
	assert.False(t, session.Online())
	assert.Equal(t, "Alice", session.Name, "name is kept after logout")
	assert.Empty(t, session.IP)
	assert.Empty(t, session.Server)
	assert.True(t, session.LastSeen.After(before))
	assert.Zero(t, n1.Lifecycle.LocalCount())
	requireCounts(t, n1, 0, map[string]int{"n1": 0})

	kinds := []string{}
	require.Eventually(t, func() bool {
		for {
			select {
			case event := <-events:
				kinds = append(kinds, event.Kind)
			default:
				return len(kinds) == 3
			}
		}
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{EventPostLogin, EventServerSwitch, EventDisconnect}, kinds)
}

func TestPresenceLifecycleDisconnectAfterQueuedSwitch(t *testing.T) {
	ctx := context.Background()
	n1 := newTestNode(t, NewMemoryStore(), "n1")
	u1 := newID(t)

	require.NoError(t, connectPlayer(n1, u1, "Alice", "10.0.0.1"))
	n1.Pool.Wait()

	// Hold the player's worker so the switch and the disconnect queue up behind it.
	release := make(chan struct{})
	require.True(t, n1.Pool.Submit(u1, "hold", func(ctx context.Context) { <-release }))
	n1.Lifecycle.SwitchServer(u1, "lobby")
	n1.Lifecycle.Disconnect(u1)
	close(release)
	n1.Pool.Wait()

	_, held := n1.Lifecycle.LocalSession(u1)
	assert.False(t, held)
	_, mapped, err := n1.Repository.NodeOf(ctx, u1)
	require.NoError(t, err)
	assert.False(t, mapped)

	require.NoError(t, n1.Lifecycle.Sweep(ctx))
	_, mapped, err = n1.Repository.NodeOf(ctx, u1)
	require.NoError(t, err)
	assert.False(t, mapped)
	requireCounts(t, n1, 0, map[string]int{"n1": 0})
}

func TestPresenceLifecycleSweepOrderedWithConnect(t *testing.T) {
	ctx := context.Background()
	n1 := newTestNode(t, NewMemoryStore(), "n1")
	u1 := newID(t)

	// A mapping left by a previous run, for a player about to reconnect here.
	require.NoError(t, n1.Repository.SetNode(ctx, u1, "n1"))

	started, release := make(chan struct{}), make(chan struct{})
	require.True(t, n1.Pool.Submit(u1, "hold", func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	swept := make(chan error, 1)
	go func() { swept <- n1.Lifecycle.Sweep(ctx) }()
	require.Eventually(t, func() bool {
		return n1.Pool.queued.Load() == 1
	}, time.Second, time.Millisecond, "repair should queue behind the held job")

	require.NoError(t, connectPlayer(n1, u1, "Alice", "10.0.0.1"))
	close(release)
	require.NoError(t, <-swept)
	n1.Pool.Wait()

	node, mapped, err := n1.Repository.NodeOf(ctx, u1)
	require.NoError(t, err)
	assert.True(t, mapped)
	assert.Equal(t, "n1", node)
	_, held := n1.Lifecycle.LocalSession(u1)
	assert.True(t, held)
	requireCounts(t, n1, 1, map[string]int{"n1": 1})
}

// After any mix of admits and removes settles, online equals mapped and the counters match.
func TestPresenceLifecycleCountsAtQuiescence(t *testing.T) {
	ctx := context.Background()
	n1 := newTestNode(t, NewMemoryStore(), "n1", func(cfg *config) { cfg.Presence.Workers = 1 })

	online := make(map[uuid.UUID]bool)
	ids := make([]uuid.UUID, 0, 10)
	for i := 0; i < 10; i++ {
		id := newID(t)
		ids = append(ids, id)
		require.NoError(t, connectPlayer(n1, id, "player", "10.0.0.1"))
		online[id] = true
	}
	for _, id := range ids[:4] {
		n1.Lifecycle.Disconnect(id)
		online[id] = false
	}
	// Reconnect one of the removed players.
	require.NoError(t, connectPlayer(n1, ids[0], "player", "10.0.0.1"))
	online[ids[0]] = true
	n1.Pool.Wait()

	mappings, err := n1.Repository.NodeMappings(ctx)
	require.NoError(t, err)
	for _, id := range ids {
		session, err := n1.Query.Resolve(ctx, id)
		require.NoError(t, err)
		_, mapped := mappings[id]
		assert.Equal(t, online[id], mapped)
		assert.Equal(t, mapped, session.Online())
	}

	requireCounts(t, n1, 7, map[string]int{"n1": 7})
}

func TestPresenceLifecycleCountsAcrossNodes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	nodes := []*PresenceNode{newTestNode(t, store, "n1"), newTestNode(t, store, "n2"), newTestNode(t, store, "n3")}

	for i, node := range nodes {
		for j := 0; j < 5+i; j++ {
			id := newID(t)
			require.NoError(t, connectPlayer(node, id, "player", "10.0.0.1"))
			if j%2 == 0 {
				node.Lifecycle.Disconnect(id)
			}
		}
	}
	for _, node := range nodes {
		node.Pool.Wait()
	}

	// Concurrent passes may leave a stale counter behind; the next pass fixes it.
	require.NoError(t, nodes[0].Lifecycle.Sweep(ctx))
	requireCounts(t, nodes[0], 2+3+3, map[string]int{"n1": 2, "n2": 3, "n3": 3})
}

func TestPresenceLifecycleSweep(t *testing.T) {
	ctx := context.Background()
	n1 := newTestNode(t, NewMemoryStore(), "n1")
	kicks := newRecordingDisconnector()
	n1.Lifecycle.SetDisconnector(kicks)

	lost, ghost, banned, elsewhere := newID(t), newID(t), newID(t), newID(t)
	require.NoError(t, connectPlayer(n1, lost, "Lost", "10.0.0.1"))
	require.NoError(t, connectPlayer(n1, banned, "Banned", "10.0.0.2"))
	n1.Pool.Wait()

	// A write that never happened, a crashed previous run and a ban applied out of band.
	require.NoError(t, n1.Repository.ClearNode(ctx, lost))
	require.NoError(t, n1.Repository.SetNode(ctx, ghost, "n1"))
	require.NoError(t, n1.Repository.SetNode(ctx, elsewhere, "n2"))
	require.NoError(t, n1.Repository.TouchBlacklist(ctx, banned, "10.0.0.2"))

	require.NoError(t, n1.Lifecycle.Sweep(ctx))

	mappings, err := n1.Repository.NodeMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]string{lost: "n1", elsewhere: "n2"}, mappings)

	_, kicked := kicks.message(banned)
	assert.True(t, kicked)
	_, held := n1.Lifecycle.LocalSession(banned)
	assert.False(t, held)

	requireCounts(t, n1, 2, map[string]int{"n1": 1, "n2": 1})
}

func TestPresenceLifecycleStoreFailureDoesNotReject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n1 := newTestNode(t, NewMemoryStore(), "n1")

	// Every store read fails on the canceled context; the player is still admitted.
	err := n1.Lifecycle.Connect(ctx, &ConnectRequest{ID: newID(t), Name: "Alice", IP: "10.0.0.1"})
	assert.NoError(t, err)
	n1.Pool.Wait()
	assert.Equal(t, 1, n1.Lifecycle.LocalCount())
}
