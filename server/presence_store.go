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
)

var (
	// ErrStoreUnavailable wraps every transport or timeout failure of the shared store.
	ErrStoreUnavailable = errors.New("shared store unavailable")
	// ErrMalformedRecord marks a stored value that does not parse as its expected type.
	ErrMalformedRecord = errors.New("malformed registry record")
)

// Store is the shared key-value store every node of the cluster reads and writes.
// Each write touches exactly one field; there are no multi-field transactions.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error

	HGet(ctx context.Context, hash, field string) (string, bool, error)
	HSet(ctx context.Context, hash, field, value string) error
	HDel(ctx context.Context, hash, field string) error
	HKeys(ctx context.Context, hash string) ([]string, error)
	HVals(ctx context.Context, hash string) ([]string, error)
	HGetAll(ctx context.Context, hash string) (map[string]string, error)

	Publish(ctx context.Context, channel, payload string) error
	// Subscribe delivers payloads published on channel until ctx is done, then closes the returned channel.
	// Delivery is best effort: messages published while the subscription is down are lost.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)

	Close() error
}
