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
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NewStore connects to Redis when cluster mode is enabled, and otherwise returns an in-process store.
func NewStore(logger, startupLogger *zap.Logger, config Config) (Store, error) {
	clusterConfig := config.GetCluster()
	if clusterConfig == nil || !clusterConfig.Enabled {
		startupLogger.Info("Cluster mode disabled, using in-process store")
		return NewMemoryStore(), nil
	}

	startupLogger.Info("Initializing cluster mode",
		zap.String("redis_address", clusterConfig.RedisAddress),
		zap.String("node", config.GetName()))

	store, err := NewRedisStore(logger, clusterConfig)
	if err != nil {
		return nil, err
	}

	startupLogger.Info("Connected to Redis", zap.String("address", clusterConfig.RedisAddress))
	return store, nil
}

// PresenceNode holds every presence component of one proxy node.
type PresenceNode struct {
	logger  *zap.Logger
	config  Config
	metrics Metrics

	Store      Store
	Repository *PresenceRepository
	Events     *PresenceEventBus
	Reconciler *PresenceReconciler
	Gate       *BootGate
	Pool       *PresenceWorkerPool
	Lifecycle  *PresenceLifecycle
	Query      *PresenceQuery
	Lease      *NodeLease

	loops       sync.WaitGroup
	loopsStopFn context.CancelFunc
	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

// NewPresenceNode wires the presence components on top of store. Nothing runs until Start.
func NewPresenceNode(ctx context.Context, logger *zap.Logger, config Config, metrics Metrics, store Store) *PresenceNode {
	ctx, ctxCancelFn := context.WithCancel(ctx)

	clusterConfig := config.GetCluster()
	presenceConfig := config.GetPresence()
	name := config.GetName()

	repo := NewPresenceRepository(logger, store, clusterConfig.KeyPrefix)
	events := NewPresenceEventBus(ctx, logger, metrics, store, name, clusterConfig.Channel)
	reconciler := NewPresenceReconciler(logger, metrics, repo, name)
	gate := NewBootGate(logger, repo)
	pool := NewPresenceWorkerPool(ctx, logger, metrics, presenceConfig.Workers, presenceConfig.QueueSize)

	return &PresenceNode{
		logger:  logger,
		config:  config,
		metrics: metrics,

		Store:      store,
		Repository: repo,
		Events:     events,
		Reconciler: reconciler,
		Gate:       gate,
		Pool:       pool,
		Lifecycle:  NewPresenceLifecycle(logger, metrics, config, repo, reconciler, gate, events, pool),
		Query:      NewPresenceQuery(logger, repo),
		Lease:      NewNodeLease(logger, metrics, repo, reconciler, name, clusterConfig.GetHeartbeatTimeout()),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}
}

// Start subscribes to peer events, registers the node lease, optionally rebuilds the registry
// from live, and starts the heartbeat and sweep loops.
func (n *PresenceNode) Start(live []*LiveSession) error {
	if err := n.Events.Start(); err != nil {
		return fmt.Errorf("failed to subscribe to presence events: %w", err)
	}
	if err := n.Lease.Beat(n.ctx); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	if n.config.GetPresence().RebuildOnStart {
		if err := n.Lifecycle.Rebuild(n.ctx, live); err != nil {
			return err
		}
	} else if _, err := n.Reconciler.Reconcile(n.ctx); err != nil {
		n.logger.Warn("Initial reconciliation failed", zap.Error(err))
	}

	clusterConfig := n.config.GetCluster()
	loopsCtx, loopsStopFn := context.WithCancel(n.ctx)
	n.loopsStopFn = loopsStopFn
	n.loops.Add(2)
	go n.every(loopsCtx, clusterConfig.GetHeartbeatInterval(), n.heartbeat)
	go n.every(loopsCtx, clusterConfig.GetReconcileInterval(), n.sweep)

	n.logger.Info("Presence node started", zap.Int("local_sessions", n.Lifecycle.LocalCount()))
	return nil
}

func (n *PresenceNode) every(ctx context.Context, interval time.Duration, fn func()) {
	defer n.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (n *PresenceNode) heartbeat() {
	if err := n.Lease.Beat(n.ctx); err != nil {
		n.logger.Warn("Failed to write heartbeat", zap.Error(err))
		return
	}
	if _, err := n.Lease.SweepStale(n.ctx, time.Now()); err != nil {
		n.logger.Warn("Failed to sweep stale nodes", zap.Error(err))
	}
}

func (n *PresenceNode) sweep() {
	if err := n.Lifecycle.Sweep(n.ctx); err != nil {
		n.logger.Warn("Presence sweep failed", zap.Error(err))
	}
}

// Stop drains pending writes, removes this node from the registry and closes the store.
func (n *PresenceNode) Stop() {
	if n.loopsStopFn != nil {
		n.loopsStopFn()
	}
	n.loops.Wait()
	n.Pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*n.config.GetCluster().GetOperationTimeout())
	defer cancel()
	n.Lifecycle.forgetLocal()
	if err := n.Lease.Leave(ctx); err != nil {
		n.logger.Warn("Failed to leave the cluster cleanly", zap.Error(err))
	}

	n.ctxCancelFn()
	n.Events.Stop()

	if err := n.Store.Close(); err != nil {
		n.logger.Warn("Failed to close store", zap.Error(err))
	}
}

// ValidateClusterConfig validates the cluster configuration
func ValidateClusterConfig(logger *zap.Logger, config Config) {
	clusterConfig := config.GetCluster()
	if clusterConfig == nil || !clusterConfig.Enabled {
		return
	}

	if clusterConfig.RedisAddress == "" {
		logger.Fatal("Cluster mode enabled but Redis address not set", zap.String("param", "cluster.redis_address"))
	}

	if clusterConfig.ReconnectMaxDelayMs < clusterConfig.ReconnectMinDelayMs {
		logger.Fatal("Cluster reconnect max delay must be >= min delay",
			zap.Int("cluster.reconnect_min_delay_ms", clusterConfig.ReconnectMinDelayMs),
			zap.Int("cluster.reconnect_max_delay_ms", clusterConfig.ReconnectMaxDelayMs))
	}

	if clusterConfig.HeartbeatTimeoutSec <= clusterConfig.HeartbeatIntervalSec {
		logger.Fatal("Cluster heartbeat timeout must be greater than heartbeat interval",
			zap.Int("cluster.heartbeat_timeout_sec", clusterConfig.HeartbeatTimeoutSec),
			zap.Int("cluster.heartbeat_interval_sec", clusterConfig.HeartbeatIntervalSec))
	}

	logger.Info("Cluster mode enabled",
		zap.String("redis_address", clusterConfig.RedisAddress),
		zap.String("key_prefix", clusterConfig.KeyPrefix),
		zap.String("channel", clusterConfig.Channel))
}
