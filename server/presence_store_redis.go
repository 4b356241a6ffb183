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
	"crypto/tls"
	"fmt"

	"github.com/go-redis/redis"
	"go.uber.org/zap"
)

var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on a Redis server shared by every node.
type RedisStore struct {
	logger      *zap.Logger
	redisClient *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(logger *zap.Logger, clusterConfig *ClusterConfig) (*RedisStore, error) {
	timeout := clusterConfig.GetOperationTimeout()
	minDelay, maxDelay := clusterConfig.GetReconnectDelays()
	redisOpts := &redis.Options{
		Addr:         clusterConfig.RedisAddress,
		Password:     clusterConfig.RedisPassword,
		DB:           clusterConfig.RedisDB,
		PoolSize:     clusterConfig.RedisPoolSize,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolTimeout:  timeout,

		// Also paces the pub/sub receive loop, which go-redis redials on its own.
		MinRetryBackoff: minDelay,
		MaxRetryBackoff: maxDelay,
	}

	if clusterConfig.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	redisClient := redis.NewClient(redisOpts)

	// Test Redis connection
	if err := redisClient.Ping().Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", storeError("ping", err))
	}

	return &RedisStore{
		logger:      logger,
		redisClient: redisClient,
	}, nil
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func (s *RedisStore) client(ctx context.Context) (*redis.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.redisClient.WithContext(ctx), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	c, err := s.client(ctx)
	if err != nil {
		return "", false, storeError("get", err)
	}
	value, err := c.Get(key).Result()
	switch err {
	case nil:
		return value, true, nil
	case redis.Nil:
		return "", false, nil
	default:
		return "", false, storeError("get "+key, err)
	}
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	c, err := s.client(ctx)
	if err != nil {
		return storeError("set", err)
	}
	if err := c.Set(key, value, 0).Err(); err != nil {
		return storeError("set "+key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	c, err := s.client(ctx)
	if err != nil {
		return storeError("del", err)
	}
	if err := c.Del(key).Err(); err != nil {
		return storeError("del "+key, err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, hash, field string) (string, bool, error) {
	c, err := s.client(ctx)
	if err != nil {
		return "", false, storeError("hget", err)
	}
	value, err := c.HGet(hash, field).Result()
	switch err {
	case nil:
		return value, true, nil
	case redis.Nil:
		return "", false, nil
	default:
		return "", false, storeError("hget "+hash, err)
	}
}

func (s *RedisStore) HSet(ctx context.Context, hash, field, value string) error {
	c, err := s.client(ctx)
	if err != nil {
		return storeError("hset", err)
	}
	if err := c.HSet(hash, field, value).Err(); err != nil {
		return storeError("hset "+hash, err)
	}
	return nil
}

func (s *RedisStore) HDel(ctx context.Context, hash, field string) error {
	c, err := s.client(ctx)
	if err != nil {
		return storeError("hdel", err)
	}
	if err := c.HDel(hash, field).Err(); err != nil {
		return storeError("hdel "+hash, err)
	}
	return nil
}

func (s *RedisStore) HKeys(ctx context.Context, hash string) ([]string, error) {
	c, err := s.client(ctx)
	if err != nil {
		return nil, storeError("hkeys", err)
	}
	keys, err := c.HKeys(hash).Result()
	if err != nil {
		return nil, storeError("hkeys "+hash, err)
	}
	return keys, nil
}

func (s *RedisStore) HVals(ctx context.Context, hash string) ([]string, error) {
	c, err := s.client(ctx)
	if err != nil {
		return nil, storeError("hvals", err)
	}
	values, err := c.HVals(hash).Result()
	if err != nil {
		return nil, storeError("hvals "+hash, err)
	}
	return values, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, hash string) (map[string]string, error) {
	c, err := s.client(ctx)
	if err != nil {
		return nil, storeError("hgetall", err)
	}
	pairs, err := c.HGetAll(hash).Result()
	if err != nil {
		return nil, storeError("hgetall "+hash, err)
	}
	return pairs, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	c, err := s.client(ctx)
	if err != nil {
		return storeError("publish", err)
	}
	if err := c.Publish(channel, payload).Err(); err != nil {
		return storeError("publish "+channel, err)
	}
	return nil
}

// Subscribe confirms the subscription before returning. The client redials a dropped
// connection itself; the returned channel closes when ctx is done.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	pubsub := s.redisClient.Subscribe(channel)
	if _, err := pubsub.Receive(); err != nil {
		pubsub.Close()
		return nil, storeError("subscribe "+channel, err)
	}
	s.logger.Debug("Subscribed to session events channel", zap.String("channel", channel))

	out := make(chan string, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *RedisStore) Close() error {
	return s.redisClient.Close()
}
