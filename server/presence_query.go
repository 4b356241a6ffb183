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
	"sort"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var ErrPlayerNotFound = errors.New("player not found")

// NodeStatus is one entry of ListNodes.
type NodeStatus struct {
	ID            string    `json:"id"`
	Count         int       `json:"count"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

// OnlinePlayer is one entry of ListOnline.
type OnlinePlayer struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	Node string    `json:"node"`
}

// PresenceQuery answers operator and UI queries synchronously against the registry.
// Answers reflect the store at call time and may trail a connect still being written.
type PresenceQuery struct {
	logger *zap.Logger
	repo   *PresenceRepository
}

func NewPresenceQuery(logger *zap.Logger, repo *PresenceRepository) *PresenceQuery {
	return &PresenceQuery{
		logger: logger,
		repo:   repo,
	}
}

func (q *PresenceQuery) ResolveID(ctx context.Context, name string) (uuid.UUID, error) {
	id, found, err := q.repo.IDByName(ctx, name)
	if err != nil {
		return uuid.Nil, err
	}
	if !found {
		return uuid.Nil, ErrPlayerNotFound
	}
	return id, nil
}

func (q *PresenceQuery) Resolve(ctx context.Context, id uuid.UUID) (*PlayerSession, error) {
	session, err := q.repo.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrPlayerNotFound
	}
	return session, nil
}

// ListNodes returns every node known from leases or counters, sorted by id.
func (q *PresenceQuery) ListNodes(ctx context.Context) ([]*NodeStatus, error) {
	counts, err := q.repo.NodeCounts(ctx)
	if err != nil {
		return nil, err
	}
	leases, err := q.repo.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	ids := lo.Uniq(append(lo.Keys(counts), lo.Keys(leases)...))
	sort.Strings(ids)

	return lo.Map(ids, func(id string, _ int) *NodeStatus {
		return &NodeStatus{ID: id, Count: counts[id], LastHeartbeat: leases[id]}
	}), nil
}

// ListOnline returns the online players sorted by name, optionally only those on node.
func (q *PresenceQuery) ListOnline(ctx context.Context, node string) ([]*OnlinePlayer, error) {
	mappings, err := q.repo.NodeMappings(ctx)
	if err != nil {
		return nil, err
	}
	names, err := q.repo.Names(ctx)
	if err != nil {
		return nil, err
	}

	players := make([]*OnlinePlayer, 0, len(mappings))
	for id, owner := range mappings {
		if node != "" && owner != node {
			continue
		}
		players = append(players, &OnlinePlayer{ID: id, Name: names[id], Node: owner})
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].Name != players[j].Name {
			return players[i].Name < players[j].Name
		}
		return players[i].ID.String() < players[j].ID.String()
	})
	return players, nil
}

// GlobalCount returns the cached cluster-wide count. An absent counter reads as zero until the next scan.
func (q *PresenceQuery) GlobalCount(ctx context.Context) (int, error) {
	count, _, err := q.repo.GlobalCount(ctx)
	return count, err
}

func (q *PresenceQuery) NodeCount(ctx context.Context, node string) (int, error) {
	count, _, err := q.repo.NodeCount(ctx, node)
	return count, err
}
