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
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// LiveSession is a connection the proxy holds, as reported by the connection layer for a rebuild.
type LiveSession struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	IP          string    `json:"ip"`
	Server      string    `json:"server"`
	ClientBrand string    `json:"client_brand"`
}

// Rebuild replaces this node's part of the registry with the given live sessions. The shared
// boot gate is held for the duration, so no node admits new players while counts are rebuilt.
// Pending jobs are drained first so none of them lands on top of the rebuilt state.
func (l *PresenceLifecycle) Rebuild(ctx context.Context, live []*LiveSession) error {
	start := time.Now()

	l.gate.BeginWarmUp()
	defer l.gate.EndWarmUp()

	if err := l.gate.Set(ctx); err != nil {
		l.metrics.CountStoreError("boot_gate")
		return fmt.Errorf("failed to set boot gate: %w", err)
	}

	l.pool.Wait()
	l.forgetLocal()

	if err := l.rebuild(ctx, live); err != nil {
		// Leave the shared gate set: a half rebuilt registry must not admit players.
		// The next successful rebuild, or an operator, clears it.
		return err
	}

	if err := l.gate.Clear(ctx); err != nil {
		l.metrics.CountStoreError("boot_gate")
		return fmt.Errorf("failed to clear boot gate: %w", err)
	}

	l.logger.Info("Rebuilt presence registry", zap.Int("sessions", len(live)), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (l *PresenceLifecycle) rebuild(ctx context.Context, live []*LiveSession) error {
	now := time.Now().UTC()
	for _, s := range live {
		session := &LocalSession{
			ID:          s.ID,
			Name:        s.Name,
			IP:          s.IP,
			Server:      s.Server,
			ClientBrand: s.ClientBrand,
			ConnectedAt: now,
		}
		l.storeLocal(session)

		if err := l.repo.SetNode(ctx, s.ID, l.nodeName); err != nil {
			return fmt.Errorf("failed to rebuild presence registry: %w", err)
		}
		if err := l.repo.SetName(ctx, s.ID, s.Name); err != nil {
			return fmt.Errorf("failed to rebuild presence registry: %w", err)
		}
		if err := l.repo.SetIP(ctx, s.ID, s.IP); err != nil {
			return fmt.Errorf("failed to rebuild presence registry: %w", err)
		}
		if s.Server != "" {
			if err := l.repo.SetServer(ctx, s.ID, s.Server); err != nil {
				return fmt.Errorf("failed to rebuild presence registry: %w", err)
			}
		}
	}

	// Sweep disconnects blacklisted sessions, removes mappings left over from a previous
	// run of this node, then reconciles.
	if err := l.Sweep(ctx); err != nil {
		return fmt.Errorf("failed to rebuild presence registry: %w", err)
	}
	return nil
}
