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
	"time"
)

// ClusterConfig is configuration relevant to the shared store every proxy node writes to.
type ClusterConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" usage:"Use Redis as the shared store. When false an in-process store is used and the node runs standalone. Default false."`

	// Redis configuration for distributed state
	RedisAddress  string `yaml:"redis_address" json:"redis_address" usage:"Redis server address (host:port). Required when cluster is enabled."`
	RedisPassword string `yaml:"redis_password" json:"redis_password" usage:"Redis server password. Optional."`
	RedisDB       int    `yaml:"redis_db" json:"redis_db" usage:"Redis database number. Default 0." validate:"min=0"`
	RedisTLS      bool   `yaml:"redis_tls" json:"redis_tls" usage:"Use TLS for Redis connection. Default false."`
	RedisPoolSize int    `yaml:"redis_pool_size" json:"redis_pool_size" usage:"Maximum number of Redis connections. Default 10." validate:"min=1"`

	// Schema and pub/sub configuration
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" usage:"Prefix of every registry key. All nodes must agree. Default 'rv'." validate:"required"`
	Channel   string `yaml:"channel" json:"channel" usage:"Pub/sub channel session events are published on. Default 'global'." validate:"required"`

	// Timeouts
	OperationTimeoutMs  int `yaml:"operation_timeout_ms" json:"operation_timeout_ms" usage:"Timeout in milliseconds of a single shared store call. Default 2000." validate:"min=1"`
	ReconnectMinDelayMs int `yaml:"reconnect_min_delay_ms" json:"reconnect_min_delay_ms" usage:"Smallest Redis retry backoff in milliseconds, also used between pub/sub reconnect attempts. Default 500." validate:"min=1"`
	ReconnectMaxDelayMs int `yaml:"reconnect_max_delay_ms" json:"reconnect_max_delay_ms" usage:"Largest Redis retry backoff in milliseconds. Default 30000." validate:"min=1"`

	// Heartbeat configuration
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec" json:"heartbeat_interval_sec" usage:"Interval in seconds between node heartbeats. Default 5." validate:"min=1"`
	HeartbeatTimeoutSec  int `yaml:"heartbeat_timeout_sec" json:"heartbeat_timeout_sec" usage:"Timeout in seconds before a node is considered dead and its players are removed. Default 30." validate:"min=1"`

	// Reconciliation
	ReconcileIntervalSec int `yaml:"reconcile_interval_sec" json:"reconcile_interval_sec" usage:"Interval in seconds between full reconciliation sweeps. Default 30." validate:"min=1"`
}

func (cfg *ClusterConfig) Clone() *ClusterConfig {
	if cfg == nil {
		return nil
	}
	cfgCopy := *cfg
	return &cfgCopy
}

func NewClusterConfig() *ClusterConfig {
	return &ClusterConfig{
		Enabled:              false,
		RedisAddress:         "localhost:6379",
		RedisPassword:        "",
		RedisDB:              0,
		RedisTLS:             false,
		RedisPoolSize:        10,
		KeyPrefix:            "rv",
		Channel:              "global",
		OperationTimeoutMs:   2000,
		ReconnectMinDelayMs:  500,
		ReconnectMaxDelayMs:  30_000,
		HeartbeatIntervalSec: 5,
		HeartbeatTimeoutSec:  30,
		ReconcileIntervalSec: 30,
	}
}

// GetOperationTimeout returns the per-call shared store timeout as a time.Duration
func (cfg *ClusterConfig) GetOperationTimeout() time.Duration {
	return time.Duration(cfg.OperationTimeoutMs) * time.Millisecond
}

// GetReconnectDelays returns the smallest and the largest Redis retry backoff
func (cfg *ClusterConfig) GetReconnectDelays() (time.Duration, time.Duration) {
	return time.Duration(cfg.ReconnectMinDelayMs) * time.Millisecond, time.Duration(cfg.ReconnectMaxDelayMs) * time.Millisecond
}

// GetHeartbeatInterval returns the heartbeat interval as a time.Duration
func (cfg *ClusterConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(cfg.HeartbeatIntervalSec) * time.Second
}

// GetHeartbeatTimeout returns the heartbeat timeout as a time.Duration
func (cfg *ClusterConfig) GetHeartbeatTimeout() time.Duration {
	return time.Duration(cfg.HeartbeatTimeoutSec) * time.Second
}

// GetReconcileInterval returns the reconciliation sweep interval as a time.Duration
func (cfg *ClusterConfig) GetReconcileInterval() time.Duration {
	return time.Duration(cfg.ReconcileIntervalSec) * time.Second
}
