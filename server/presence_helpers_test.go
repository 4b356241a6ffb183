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
	"os"
	"sync"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func loggerForTest(t *testing.T) *zap.Logger {
	return NewJSONLogger(os.Stdout, zapcore.ErrorLevel, JSONFormat)
}

func newTestConfig(name string) *config {
	cfg := NewConfig(zap.NewNop())
	cfg.Name = name
	cfg.Presence.RebuildOnStart = false
	return cfg
}

// newTestNode builds a node on store with its event consumer running. Loops and leases
// are left to the test.
func newTestNode(t *testing.T, store Store, name string, opts ...func(*config)) *PresenceNode {
	cfg := newTestConfig(name)
	for _, opt := range opts {
		opt(cfg)
	}
	node := NewPresenceNode(context.Background(), loggerForTest(t), cfg, NewNoopMetrics(), store)
	require.NoError(t, node.Events.Start())
	t.Cleanup(func() {
		node.Pool.Stop()
		node.Events.Stop()
		node.ctxCancelFn()
	})
	return node
}

func newTestRepository(t *testing.T, store Store) *PresenceRepository {
	return NewPresenceRepository(loggerForTest(t), store, "rv")
}

func newID(t *testing.T) uuid.UUID {
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return id
}

// countingStore counts the writes that reach the wrapped store.
type countingStore struct {
	Store
	writes    *atomic.Int64
	publishes *atomic.Int64
}

func newCountingStore(store Store) *countingStore {
	return &countingStore{
		Store:     store,
		writes:    atomic.NewInt64(0),
		publishes: atomic.NewInt64(0),
	}
}

func (s *countingStore) Set(ctx context.Context, key, value string) error {
	s.writes.Inc()
	return s.Store.Set(ctx, key, value)
}

func (s *countingStore) Del(ctx context.Context, key string) error {
	s.writes.Inc()
	return s.Store.Del(ctx, key)
}

func (s *countingStore) HSet(ctx context.Context, hash, field, value string) error {
	s.writes.Inc()
	return s.Store.HSet(ctx, hash, field, value)
}

func (s *countingStore) HDel(ctx context.Context, hash, field string) error {
	s.writes.Inc()
	return s.Store.HDel(ctx, hash, field)
}

func (s *countingStore) Publish(ctx context.Context, channel, payload string) error {
	s.publishes.Inc()
	return s.Store.Publish(ctx, channel, payload)
}

// recordingDisconnector remembers the last message sent to each player.
type recordingDisconnector struct {
	sync.Mutex
	messages map[uuid.UUID]string
}

func newRecordingDisconnector() *recordingDisconnector {
	return &recordingDisconnector{messages: make(map[uuid.UUID]string)}
}

func (d *recordingDisconnector) Disconnect(id uuid.UUID, message string) {
	d.Lock()
	d.messages[id] = message
	d.Unlock()
}

func (d *recordingDisconnector) message(id uuid.UUID) (string, bool) {
	d.Lock()
	defer d.Unlock()
	message, found := d.messages[id]
	return message, found
}
