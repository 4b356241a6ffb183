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

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingNodeWrites refuses every node mapping write.
type failingNodeWrites struct {
	Store
}

func (s *failingNodeWrites) HSet(ctx context.Context, hash, field, value string) error {
	if hash == "rv-"+hashPlayersNode {
		return storeError("hset", errors.New("connection reset"))
	}
	return s.Store.HSet(ctx, hash, field, value)
}

func TestPresenceRebuild(t *testing.T) {
	ctx := context.Background()
	n1 := newTestNode(t, NewMemoryStore(), "n1")
	kicks := newRecordingDisconnector()
	n1.Lifecycle.SetDisconnector(kicks)

	alice, bob, banned, ghost, peer := newID(t), newID(t), newID(t), newID(t), newID(t)

	// Left over from a previous run of n1, plus a record another node wrote for bob.
	require.NoError(t, n1.Repository.SetNode(ctx, ghost, "n1"))
	require.NoError(t, n1.Repository.SetNode(ctx, bob, "n2"))
	require.NoError(t, n1.Repository.SetNode(ctx, peer, "n2"))
	require.NoError(t, n1.Repository.SetNodeCount(ctx, "n1", 40))
	require.NoError(t, n1.Repository.TouchBlacklist(ctx, banned, "10.0.0.9"))

	err := n1.Lifecycle.Rebuild(ctx, []*LiveSession{
		{ID: alice, Name: "Alice", IP: "10.0.0.1", Server: "lobby"},
		{ID: bob, Name: "Bob", IP: "10.0.0.2"},
		{ID: banned, Name: "Mallory", IP: "10.0.0.9"},
	})
	require.NoError(t, err)

	mappings, err := n1.Repository.NodeMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]string{alice: "n1", bob: "n1", peer: "n2"}, mappings)

	session, err := n1.Query.Resolve(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "lobby", session.Server)
	assert.Equal(t, "10.0.0.1", session.IP)

	_, kicked := kicks.message(banned)
	assert.True(t, kicked)
	assert.Equal(t, 2, n1.Lifecycle.LocalCount())

	requireCounts(t, n1, 3, map[string]int{"n1": 2, "n2": 1})

	local, shared, err := n1.Gate.Status(ctx)
	require.NoError(t, err)
	assert.False(t, local)
	assert.False(t, shared)
}

func TestPresenceRebuildReplacesLocalState(t *testing.T) {
	ctx := context.Background()
	n1 := newTestNode(t, NewMemoryStore(), "n1")

	gone := newID(t)
	require.NoError(t, connectPlayer(n1, gone, "Gone", "10.0.0.1"))

	stays := newID(t)
	require.NoError(t, n1.Lifecycle.Rebuild(ctx, []*LiveSession{{ID: stays, Name: "Stays", IP: "10.0.0.2"}}))

	_, held := n1.Lifecycle.LocalSession(gone)
	assert.False(t, held)
	_, online, err := n1.Repository.NodeOf(ctx, gone)
	require.NoError(t, err)
	assert.False(t, online)
	requireCounts(t, n1, 1, map[string]int{"n1": 1})
}

func TestPresenceRebuildFailureKeepsGateSet(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore()
	n1 := newTestNode(t, &failingNodeWrites{Store: memory}, "n1")

	err := n1.Lifecycle.Rebuild(ctx, []*LiveSession{{ID: newID(t), Name: "Alice", IP: "10.0.0.1"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))

	local, shared, err := n1.Gate.Status(ctx)
	require.NoError(t, err)
	assert.False(t, local, "warm-up ends even when the rebuild fails")
	assert.True(t, shared)

	requireRejected(t, connectPlayer(n1, newID(t), "Bob", "10.0.0.2"), RejectClusterInitializing)
}
