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

	"github.com/gofrs/uuid/v5"
	"github.com/twmb/murmur3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type presenceJob struct {
	name string
	id   uuid.UUID
	fn   func(ctx context.Context)
}

// PresenceWorkerPool runs registry writes off the connection path. Jobs for the same player
// always land on the same worker, so they run in submission order.
type PresenceWorkerPool struct {
	sync.RWMutex
	logger  *zap.Logger
	metrics Metrics

	queues  []chan *presenceJob
	queued  *atomic.Int64
	workers sync.WaitGroup
	stopped bool

	// Jobs may be submitted while another goroutine waits, which a WaitGroup does not allow.
	pendingMutex sync.Mutex
	pendingCond  *sync.Cond
	pending      int

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func NewPresenceWorkerPool(ctx context.Context, logger *zap.Logger, metrics Metrics, workers, queueSize int) *PresenceWorkerPool {
	ctx, ctxCancelFn := context.WithCancel(ctx)
	if workers < 1 {
		workers = 1
	}

	p := &PresenceWorkerPool{
		logger:  logger,
		metrics: metrics,
		queues:  make([]chan *presenceJob, workers),
		queued:  atomic.NewInt64(0),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}
	p.pendingCond = sync.NewCond(&p.pendingMutex)

	for i := range p.queues {
		p.queues[i] = make(chan *presenceJob, queueSize)
		p.workers.Add(1)
		go p.run(p.queues[i])
	}

	return p
}

func (p *PresenceWorkerPool) run(queue <-chan *presenceJob) {
	defer p.workers.Done()
	for {
		select {
		case <-p.ctx.Done():
			p.discard(queue)
			return
		case job := <-queue:
			p.metrics.GaugeWorkerQueue(float64(p.queued.Dec()))
			p.execute(job)
		}
	}
}

// discard releases jobs still queued after the pool context ended.
func (p *PresenceWorkerPool) discard(queue <-chan *presenceJob) {
	for {
		select {
		case job := <-queue:
			p.queued.Dec()
			p.logger.Debug("Discarding presence job", zap.String("job", job.name), zap.Stringer("id", job.id))
			p.done()
		default:
			return
		}
	}
}

func (p *PresenceWorkerPool) execute(job *presenceJob) {
	defer p.done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Presence job panicked", zap.String("job", job.name), zap.Stringer("id", job.id), zap.Any("panic", r))
		}
	}()
	job.fn(p.ctx)
}

// Submit queues fn on the worker owning id. It never blocks: when that worker's queue is
// full, or the pool is stopped, the job is dropped and false is returned.
func (p *PresenceWorkerPool) Submit(id uuid.UUID, name string, fn func(ctx context.Context)) bool {
	p.RLock()
	defer p.RUnlock()
	if p.stopped || p.ctx.Err() != nil {
		return false
	}

	queue := p.queues[murmur3.Sum32(id.Bytes())%uint32(len(p.queues))]
	p.pendingMutex.Lock()
	p.pending++
	p.pendingMutex.Unlock()
	queued := p.queued.Inc()
	select {
	case queue <- &presenceJob{name: name, id: id, fn: fn}:
		p.metrics.GaugeWorkerQueue(float64(queued))
		return true
	default:
		p.queued.Dec()
		p.done()
		p.metrics.CountDroppedJob()
		p.logger.Error("Presence worker queue full, dropping job", zap.String("job", name), zap.Stringer("id", id))
		return false
	}
}

func (p *PresenceWorkerPool) done() {
	p.pendingMutex.Lock()
	if p.pending--; p.pending == 0 {
		p.pendingCond.Broadcast()
	}
	p.pendingMutex.Unlock()
}

// Wait blocks until no submitted job is left to run.
func (p *PresenceWorkerPool) Wait() {
	p.pendingMutex.Lock()
	for p.pending > 0 {
		p.pendingCond.Wait()
	}
	p.pendingMutex.Unlock()
}

// Stop refuses new jobs, drains the queued ones and stops the workers.
func (p *PresenceWorkerPool) Stop() {
	p.Lock()
	if p.stopped {
		p.Unlock()
		return
	}
	p.stopped = true
	p.Unlock()

	p.Wait()
	p.ctxCancelFn()
	p.workers.Wait()
}
