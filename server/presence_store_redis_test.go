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

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	clusterConfig := NewClusterConfig()
	clusterConfig.Enabled = true
	clusterConfig.RedisAddress = mr.Addr()
	clusterConfig.OperationTimeoutMs = 500

	store, err := NewRedisStore(loggerForTest(t), clusterConfig)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreStringsAndHashes(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	_, found, err := store.Get(ctx, "rv-global-playercount")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "rv-global-playercount", "3"))
	value, found, err := store.Get(ctx, "rv-global-playercount")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "3", value)

	require.NoError(t, store.HSet(ctx, "rv-players-proxy", "id-1", "n1"))
	require.NoError(t, store.HSet(ctx, "rv-players-proxy", "id-2", "n2"))
	assert.Equal(t, "n1", mr.HGet("rv-players-proxy", "id-1"))

	_, found, err = store.HGet(ctx, "rv-players-proxy", "id-3")
	require.NoError(t, err)
	assert.False(t, found)

	pairs, err := store.HGetAll(ctx, "rv-players-proxy")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"id-1": "n1", "id-2": "n2"}, pairs)

	keys, err := store.HKeys(ctx, "rv-players-proxy")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id-1", "id-2"}, keys)

	values, err := store.HVals(ctx, "rv-players-proxy")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"n1", "n2"}, values)

	require.NoError(t, store.HDel(ctx, "rv-players-proxy", "id-1"))
	_, found, err = store.HGet(ctx, "rv-players-proxy", "id-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Del(ctx, "rv-global-playercount"))
	assert.False(t, mr.Exists("rv-global-playercount"))
}

func TestRedisStorePubSub(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := store.Subscribe(ctx, "global")
	require.NoError(t, err)

	require.NoError(t, store.Publish(context.Background(), "global", `{"kind":"postLogin"}`))

	select {
	case msg := <-messages:
		assert.Equal(t, `{"kind":"postLogin"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRedisStorePubSubSurvivesRestart(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	opts := store.redisClient.Options()
	assert.Equal(t, 500*time.Millisecond, opts.MinRetryBackoff)
	assert.Equal(t, 30*time.Second, opts.MaxRetryBackoff)

	messages, err := store.Subscribe(ctx, "global")
	require.NoError(t, err)

	mr.Close()
	require.NoError(t, mr.Restart())

	require.Eventually(t, func() bool {
		_ = store.Publish(context.Background(), "global", "after-restart")
		select {
		case msg := <-messages:
			return msg == "after-restart"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-messages:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, mr := newTestRedisStore(t)
	mr.Close()

	_, _, err := store.Get(context.Background(), "key")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))

	err = store.HSet(context.Background(), "hash", "field", "value")
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestNewRedisStoreConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	clusterConfig := NewClusterConfig()
	clusterConfig.RedisAddress = addr
	clusterConfig.OperationTimeoutMs = 200

	_, err := NewRedisStore(loggerForTest(t), clusterConfig)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestRedisStoreCanceledContext(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Set(ctx, "key", "value")
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}
