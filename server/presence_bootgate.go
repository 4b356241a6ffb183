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

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// BootGate refuses new sessions while the cluster is rebuilding. The shared flag gates
// every node; the warm-up flag gates only this node until its own rebuild is done.
type BootGate struct {
	logger  *zap.Logger
	repo    *PresenceRepository
	warming *atomic.Bool
}

func NewBootGate(logger *zap.Logger, repo *PresenceRepository) *BootGate {
	return &BootGate{
		logger:  logger,
		repo:    repo,
		warming: atomic.NewBool(false),
	}
}

// Closed reports whether new sessions must be refused. The local flag is checked first so a
// warming node never touches the store.
func (g *BootGate) Closed(ctx context.Context) (bool, error) {
	if g.warming.Load() {
		return true, nil
	}
	return g.repo.BootGate(ctx)
}

// Status returns the local and shared flags separately.
func (g *BootGate) Status(ctx context.Context) (local bool, shared bool, err error) {
	shared, err = g.repo.BootGate(ctx)
	return g.warming.Load(), shared, err
}

func (g *BootGate) Set(ctx context.Context) error {
	if err := g.repo.SetBootGate(ctx); err != nil {
		return err
	}
	g.logger.Info("Cluster boot gate set")
	return nil
}

func (g *BootGate) Clear(ctx context.Context) error {
	if err := g.repo.ClearBootGate(ctx); err != nil {
		return err
	}
	g.logger.Info("Cluster boot gate cleared")
	return nil
}

func (g *BootGate) BeginWarmUp() {
	g.warming.Store(true)
}

func (g *BootGate) EndWarmUp() {
	g.warming.Store(false)
}
