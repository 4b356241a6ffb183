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

// ReconcileResult is the snapshot a full scan derived its counters from.
type ReconcileResult struct {
	NodeCounts map[string]int
	Global     int
}

// PresenceReconciler derives the per-node and global online counters from the node mappings.
//
// Every pass scans the whole node mapping hash, so the cost grows with the cluster-wide
// number of online players. The counters are never incremented in place; concurrent passes
// may interleave, and the last one to write wins with a value that was correct for its snapshot.
type PresenceReconciler struct {
	logger   *zap.Logger
	metrics  Metrics
	repo     *PresenceRepository
	nodeName string
}

func NewPresenceReconciler(logger *zap.Logger, metrics Metrics, repo *PresenceRepository, nodeName string) *PresenceReconciler {
	return &PresenceReconciler{
		logger:   logger,
		metrics:  metrics,
		repo:     repo,
		nodeName: nodeName,
	}
}

// Reconcile recomputes every counter from one scan of the node mappings. Nodes known only from
// the counter or lease tables are written as zero, so a node that stopped scanning still converges.
func (r *PresenceReconciler) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	start := time.Now()

	mappings, err := r.repo.NodeMappings(ctx)
	if err != nil {
		r.metrics.CountStoreError("reconcile")
		return nil, err
	}

	counts := make(map[string]int)
	for _, node := range mappings {
		counts[node]++
	}

	stored, err := r.repo.NodeCounts(ctx)
	if err != nil {
		r.metrics.CountStoreError("reconcile")
		return nil, err
	}
	leases, err := r.repo.Nodes(ctx)
	if err != nil {
		r.metrics.CountStoreError("reconcile")
		return nil, err
	}
	for node := range stored {
		if _, found := counts[node]; !found {
			counts[node] = 0
		}
	}
	for node := range leases {
		if _, found := counts[node]; !found {
			counts[node] = 0
		}
	}

	for node, count := range counts {
		if current, found := stored[node]; found && current == count {
			continue
		}
		if err := r.repo.SetNodeCount(ctx, node, count); err != nil {
			r.metrics.CountStoreError("reconcile")
			return nil, err
		}
	}

	global := len(mappings)
	if current, found, err := r.repo.GlobalCount(ctx); err != nil {
		r.metrics.CountStoreError("reconcile")
		return nil, err
	} else if !found || current != global {
		if err := r.repo.SetGlobalCount(ctx, global); err != nil {
			r.metrics.CountStoreError("reconcile")
			return nil, err
		}
	}

	elapsed := time.Since(start)
	r.metrics.Reconcile(elapsed)
	r.metrics.GaugeOnline(float64(counts[r.nodeName]), float64(global))
	r.logger.Debug("Reconciled online counters", zap.Int("local", counts[r.nodeName]), zap.Int("global", global), zap.Duration("elapsed", elapsed))

	return &ReconcileResult{NodeCounts: counts, Global: global}, nil
}
