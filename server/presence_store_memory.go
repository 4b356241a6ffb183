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
	"sync"

	"github.com/samber/lo"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store used when the node runs without a cluster.
// Several registries sharing one MemoryStore behave like nodes sharing one Redis.
type MemoryStore struct {
	sync.RWMutex
	strings map[string]string
	hashes  map[string]map[string]string

	subsMutex   sync.RWMutex
	subscribers map[string]map[chan string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings:     make(map[string]string),
		hashes:      make(map[string]map[string]string),
		subscribers: make(map[string]map[chan string]struct{}),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, storeError("get", err)
	}
	s.RLock()
	defer s.RUnlock()
	value, found := s.strings[key]
	return value, found, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return storeError("set", err)
	}
	s.Lock()
	s.strings[key] = value
	s.Unlock()
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return storeError("del", err)
	}
	s.Lock()
	delete(s.strings, key)
	delete(s.hashes, key)
	s.Unlock()
	return nil
}

func (s *MemoryStore) HGet(ctx context.Context, hash, field string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, storeError("hget", err)
	}
	s.RLock()
	defer s.RUnlock()
	value, found := s.hashes[hash][field]
	return value, found, nil
}

func (s *MemoryStore) HSet(ctx context.Context, hash, field, value string) error {
	if err := ctx.Err(); err != nil {
		return storeError("hset", err)
	}
	s.Lock()
	h, found := s.hashes[hash]
	if !found {
		h = make(map[string]string)
		s.hashes[hash] = h
	}
	h[field] = value
	s.Unlock()
	return nil
}

func (s *MemoryStore) HDel(ctx context.Context, hash, field string) error {
	if err := ctx.Err(); err != nil {
		return storeError("hdel", err)
	}
	s.Lock()
	if h, found := s.hashes[hash]; found {
		delete(h, field)
		if len(h) == 0 {
			delete(s.hashes, hash)
		}
	}
	s.Unlock()
	return nil
}

func (s *MemoryStore) HKeys(ctx context.Context, hash string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("hkeys", err)
	}
	s.RLock()
	defer s.RUnlock()
	return lo.Keys(s.hashes[hash]), nil
}

func (s *MemoryStore) HVals(ctx context.Context, hash string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("hvals", err)
	}
	s.RLock()
	defer s.RUnlock()
	return lo.Values(s.hashes[hash]), nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, hash string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("hgetall", err)
	}
	s.RLock()
	defer s.RUnlock()
	return lo.Assign(s.hashes[hash]), nil
}

// Publish never blocks: a subscriber whose buffer is full misses the message.
func (s *MemoryStore) Publish(ctx context.Context, channel, payload string) error {
	if err := ctx.Err(); err != nil {
		return storeError("publish", err)
	}
	s.subsMutex.RLock()
	defer s.subsMutex.RUnlock()
	for ch := range s.subscribers[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("subscribe", err)
	}
	ch := make(chan string, 256)

	s.subsMutex.Lock()
	subs, found := s.subscribers[channel]
	if !found {
		subs = make(map[chan string]struct{})
		s.subscribers[channel] = subs
	}
	subs[ch] = struct{}{}
	s.subsMutex.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMutex.Lock()
		delete(s.subscribers[channel], ch)
		if len(s.subscribers[channel]) == 0 {
			delete(s.subscribers, channel)
		}
		close(ch)
		s.subsMutex.Unlock()
	}()

	return ch, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
