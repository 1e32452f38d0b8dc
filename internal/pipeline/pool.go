// Package pipeline runs elastic pools of stateless workers over a queue.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abcretail/order-pipeline/internal/config"
	"github.com/abcretail/order-pipeline/internal/obs"
	"github.com/abcretail/order-pipeline/internal/queue"
)

// Outcome tells the pool what to do with a handled message.
type Outcome int

const (
	// Ack deletes the message; it will never be delivered again.
	Ack Outcome = iota
	// Release hands the message back for immediate redelivery (transient
	// failure; the queue's delivery cap bounds the retries).
	Release
)

// Handler processes one message and decides its fate.
type Handler func(ctx context.Context, msg queue.Message) Outcome

// Pool coordinates workers consuming one queue and scales them between the
// configured bounds: up when the backlog exceeds the per-worker threshold,
// down after enough idle scaler ticks.
type Pool struct {
	name   string
	cfg    config.PoolConfig
	q      *queue.Queue
	handle Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	workerCancels []context.CancelFunc
}

// NewPool constructs a Pool for the given queue and handler.
func NewPool(name string, cfg config.PoolConfig, q *queue.Queue, h Handler) *Pool {
	return &Pool{name: name, cfg: cfg, q: q, handle: h}
}

// Start begins processing and autoscaling in the background.
func (p *Pool) Start(parent context.Context) {
	p.ctx, p.cancel = context.WithCancel(parent)
	p.addWorkers(p.cfg.InitialWorkerCount)
	go p.scaler()
}

// Stop cancels background routines and stops workers.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	for _, c := range p.workerCancels {
		c()
	}
	p.workerCancels = nil
	p.mu.Unlock()
}

func (p *Pool) scaler() {
	t := time.NewTicker(p.cfg.ScaleInterval)
	defer t.Stop()
	idleTicks := 0
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
			backlog := p.q.BacklogSize()
			wc := p.WorkerCount()
			if backlog > wc*p.cfg.ScaleUpBacklogPerWorker && wc < p.cfg.WorkerMax {
				p.addWorkers(1)
				idleTicks = 0
				continue
			}
			if backlog == 0 {
				idleTicks++
				if idleTicks >= p.cfg.ScaleDownIdleTicks && wc > p.cfg.WorkerMin {
					p.removeWorkers(1)
					idleTicks = 0
				}
			} else {
				idleTicks = 0
			}
		}
	}
}

func (p *Pool) addWorkers(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		wctx, cancel := context.WithCancel(p.ctx)
		p.workerCancels = append(p.workerCancels, cancel)
		go p.worker(wctx)
	}
	obs.Logger.Info("workers scaled",
		zap.String("pool", p.name),
		zap.Int("worker_count", len(p.workerCancels)),
	)
}

func (p *Pool) removeWorkers(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.workerCancels) {
		n = len(p.workerCancels)
	}
	for i := 0; i < n; i++ {
		c := p.workerCancels[len(p.workerCancels)-1]
		p.workerCancels = p.workerCancels[:len(p.workerCancels)-1]
		c()
	}
	obs.Logger.Info("workers scaled",
		zap.String("pool", p.name),
		zap.Int("worker_count", len(p.workerCancels)),
	)
}

// worker leases messages and applies the handler's verdict. A lease whose ack
// fails (visibility lapsed while handling) is left alone: the queue already
// owns the message again.
func (p *Pool) worker(ctx context.Context) {
	for {
		msg, ok := p.q.Receive(ctx)
		if !ok {
			return
		}
		switch p.handle(ctx, msg) {
		case Release:
			p.q.Release(msg.ID)
		default:
			if !p.q.Delete(msg.ID) {
				obs.Logger.Warn("ack after lease expiry; message will be redelivered",
					zap.String("pool", p.name),
					zap.String("message_id", msg.ID),
				)
			}
		}
	}
}

// WorkerCount returns the current number of workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workerCancels)
}

// DrainUntil blocks until the pool's queue is fully drained (every sent
// message acked or dead-lettered) or the context is done.
func (p *Pool) DrainUntil(ctx context.Context) bool {
	for {
		sent, acked, dead, backlog, leased := p.q.Metrics()
		if backlog == 0 && leased == 0 && sent == acked+dead {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}
