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
	"time"

	"go.uber.org/zap"
)

// NodeLease keeps this node's heartbeat alive and removes nodes whose heartbeat expired.
type NodeLease struct {
	logger     *zap.Logger
	metrics    Metrics
	repo       *PresenceRepository
	reconciler *PresenceReconciler
	nodeName   string
	timeout    time.Duration
}

func NewNodeLease(logger *zap.Logger, metrics Metrics, repo *PresenceRepository, reconciler *PresenceReconciler, nodeName string, timeout time.Duration) *NodeLease {
	return &NodeLease{
		logger:     logger,
		metrics:    metrics,
		repo:       repo,
		reconciler: reconciler,
		nodeName:   nodeName,
		timeout:    timeout,
	}
}

func (n *NodeLease) Beat(ctx context.Context) error {
	if err := n.repo.Heartbeat(ctx, n.nodeName, time.Now()); err != nil {
		n.metrics.CountStoreError("heartbeat")
		return err
	}
	return nil
}

// SweepStale forgets every other node whose heartbeat is older than the timeout, along with
// the players it still claims, and returns the removed node ids.
func (n *NodeLease) SweepStale(ctx context.Context, now time.Time) ([]string, error) {
	leases, err := n.repo.Nodes(ctx)
	if err != nil {
		n.metrics.CountStoreError("sweep_nodes")
		return nil, err
	}

	stale := make(map[string]struct{})
	for node, heartbeat := range leases {
		if node != n.nodeName && now.Sub(heartbeat) > n.timeout {
			stale[node] = struct{}{}
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	if err := n.removePlayers(ctx, stale); err != nil {
		return nil, err
	}

	removed := make([]string, 0, len(stale))
	for node := range stale {
		if err := n.repo.ForgetNode(ctx, node); err != nil {
			n.metrics.CountStoreError("sweep_nodes")
			return removed, err
		}
		n.metrics.CountStaleNode()
		n.logger.Warn("Removed stale node", zap.String("stale_node", node), zap.Time("last_heartbeat", leases[node]))
		removed = append(removed, node)
	}

	if _, err := n.reconciler.Reconcile(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}

// Leave removes this node's players and lease. Called on graceful shutdown.
func (n *NodeLease) Leave(ctx context.Context) error {
	if err := n.removePlayers(ctx, map[string]struct{}{n.nodeName: {}}); err != nil {
		return err
	}
	if err := n.repo.ForgetNode(ctx, n.nodeName); err != nil {
		n.metrics.CountStoreError("leave")
		return err
	}
	if _, err := n.reconciler.Reconcile(ctx); err != nil {
		return err
	}
	n.logger.Info("Node left the cluster")
	return nil
}

func (n *NodeLease) removePlayers(ctx context.Context, nodes map[string]struct{}) error {
	mappings, err := n.repo.NodeMappings(ctx)
	if err != nil {
		n.metrics.CountStoreError("sweep_nodes")
		return err
	}
	now := time.Now()
	for id, node := range mappings {
		if _, found := nodes[node]; !found {
			continue
		}
		if err := n.repo.ClearNode(ctx, id); err != nil {
			n.metrics.CountStoreError("sweep_nodes")
			return err
		}
		if err := n.repo.ClearIP(ctx, id); err != nil {
			n.metrics.CountStoreError("sweep_nodes")
			return err
		}
		if err := n.repo.ClearServer(ctx, id); err != nil {
			n.metrics.CountStoreError("sweep_nodes")
			return err
		}
		if err := n.repo.SetLastSeen(ctx, id, now); err != nil {
			n.metrics.CountStoreError("sweep_nodes")
			return err
		}
	}
	return nil
}
