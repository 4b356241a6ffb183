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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Session event kinds published on the cluster channel.
const (
	EventPostLogin    = "postLogin"
	EventDisconnect   = "disconnect"
	EventServerSwitch = "serverSwitch"
	EventBlacklistHit = "blacklistHit"
)

// PresenceEvent is the message every node publishes when a session changes.
type PresenceEvent struct {
	Kind           string `json:"kind"`
	OriginNode     string `json:"originNode"`
	DisplayName    string `json:"displayName,omitempty"`
	ID             string `json:"id"`
	IP             string `json:"ip,omitempty"`
	ClientBrand    string `json:"clientBrand,omitempty"`
	Server         string `json:"server,omitempty"`
	PreviousServer string `json:"previousServer,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// PresenceEventListener receives events published by other nodes. Listeners run on the
// consumer goroutine and must not block.
type PresenceEventListener func(event *PresenceEvent)

// PresenceEventBus publishes session events and fans peer events out to listeners.
type PresenceEventBus struct {
	logger   *zap.Logger
	metrics  Metrics
	store    Store
	nodeName string
	channel  string

	listenersMutex sync.RWMutex
	listeners      []PresenceEventListener

	ctx         context.Context
	ctxCancelFn context.CancelFunc
	started     *atomic.Bool
	stopped     chan struct{}
}

func NewPresenceEventBus(ctx context.Context, logger *zap.Logger, metrics Metrics, store Store, nodeName, channel string) *PresenceEventBus {
	ctx, ctxCancelFn := context.WithCancel(ctx)
	return &PresenceEventBus{
		logger:   logger,
		metrics:  metrics,
		store:    store,
		nodeName: nodeName,
		channel:  channel,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
		started:     atomic.NewBool(false),
		stopped:     make(chan struct{}),
	}
}

// AddListener registers a listener for peer events. Listeners added after Start still receive
// subsequent events.
func (b *PresenceEventBus) AddListener(listener PresenceEventListener) {
	b.listenersMutex.Lock()
	b.listeners = append(b.listeners, listener)
	b.listenersMutex.Unlock()
}

// Start subscribes to the channel and begins consuming. It fails only if the first
// subscription cannot be established.
func (b *PresenceEventBus) Start() error {
	messages, err := b.store.Subscribe(b.ctx, b.channel)
	if err != nil {
		return err
	}

	b.started.Store(true)
	go b.consume(messages)

	b.logger.Info("Presence event bus started", zap.String("channel", b.channel))
	return nil
}

func (b *PresenceEventBus) consume(messages <-chan string) {
	defer close(b.stopped)
	for payload := range messages {
		var event PresenceEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			b.logger.Warn("Failed to unmarshal presence event", zap.Error(err))
			continue
		}
		if event.OriginNode == b.nodeName {
			continue
		}
		b.metrics.CountEvent(event.Kind, true)

		b.listenersMutex.RLock()
		listeners := b.listeners
		b.listenersMutex.RUnlock()
		for _, listener := range listeners {
			listener(&event)
		}
	}
}

// Publish stamps the event with this node and the current time and sends it.
// Delivery is at most once.
func (b *PresenceEventBus) Publish(ctx context.Context, event *PresenceEvent) error {
	event.OriginNode = b.nodeName
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal presence event: %w", err)
	}
	if err := b.store.Publish(ctx, b.channel, string(payload)); err != nil {
		return err
	}
	b.metrics.CountEvent(event.Kind, false)
	return nil
}

// Stop cancels the subscription and waits for the consumer to exit.
func (b *PresenceEventBus) Stop() {
	b.ctxCancelFn()
	if b.started.Load() {
		<-b.stopped
	}
}
