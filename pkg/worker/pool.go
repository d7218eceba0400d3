package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/queue"
)

// Claimer is how workers obtain commands; the REST Client implements it, and
// tests substitute the queue directly.
type Claimer interface {
	Claim(ctx context.Context, req queue.ClaimRequest) ([]*model.Command, error)
}

// Capabilities is what a pool advertises on claim.
type Capabilities struct {
	Pool     string            `json:"pool"`
	Runtime  string            `json:"runtime,omitempty"`
	Capacity int               `json:"capacity"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	// WorkerIDPrefix prefixes per-worker ids; typically the pod or host name.
	WorkerIDPrefix string
	Capabilities   Capabilities
	// PollInterval is the claim cadence when the queue is empty.
	PollInterval time.Duration
	// PollJitter desynchronizes workers hitting the same queue.
	PollJitter time.Duration
	// Lease is the initial ownership window requested per claim.
	Lease time.Duration
}

func (c *PoolConfig) withDefaults() {
	if c.Capabilities.Capacity < 1 {
		c.Capabilities.Capacity = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollJitter <= 0 || c.PollJitter >= c.PollInterval {
		c.PollJitter = c.PollInterval / 4
	}
	if c.Lease <= 0 {
		c.Lease = queue.DefaultLease
	}
}

// WorkerStatus is one worker's health snapshot.
type WorkerStatus struct {
	WorkerID  string     `json:"worker_id"`
	Busy      bool       `json:"busy"`
	Processed int64      `json:"processed"`
	Failed    int64      `json:"failed"`
	LastClaim *time.Time `json:"last_claim,omitempty"`
}

// PoolHealth is the pool's aggregate health surface.
type PoolHealth struct {
	Pool    string         `json:"pool"`
	Workers []WorkerStatus `json:"workers"`
}

// Pool runs a fixed set of workers, each an independent claim loop.
type Pool struct {
	claimer Claimer
	runner  *Runner
	cfg     PoolConfig
	logger  *slog.Logger

	mu      sync.Mutex
	status  map[string]*WorkerStatus
	wg      sync.WaitGroup
	started bool
}

// NewPool wires a pool.
func NewPool(claimer Claimer, runner *Runner, cfg PoolConfig, logger *slog.Logger) *Pool {
	cfg.withDefaults()
	return &Pool{
		claimer: claimer,
		runner:  runner,
		cfg:     cfg,
		logger:  logger.With("component", "worker_pool", "pool", cfg.Capabilities.Pool),
		status:  make(map[string]*WorkerStatus),
	}
}

// Start launches the workers. Stop by cancelling ctx, then Wait.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	p.started = true

	for i := 0; i < p.cfg.Capabilities.Capacity; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerIDPrefix, i)
		p.status[workerID] = &WorkerStatus{WorkerID: workerID}
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}
	p.logger.Info("Worker pool started",
		"capacity", p.cfg.Capabilities.Capacity,
		"runtime", p.cfg.Capabilities.Runtime)
	return nil
}

// Wait blocks until every worker has drained after ctx cancellation.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Health reports the pool snapshot.
func (p *Pool) Health() PoolHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := PoolHealth{Pool: p.cfg.Capabilities.Pool}
	for _, s := range p.status {
		h.Workers = append(h.Workers, *s)
	}
	return h
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	logger := p.logger.With("worker_id", workerID)
	logger.Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Worker stopped")
			return
		default:
		}

		commands, err := p.claimer.Claim(ctx, queue.ClaimRequest{
			WorkerID: workerID,
			Pool:     p.cfg.Capabilities.Pool,
			Runtime:  p.cfg.Capabilities.Runtime,
			MaxItems: 1,
			Lease:    p.cfg.Lease,
		})
		switch {
		case errors.Is(err, queue.ErrNoCommands):
			p.sleep(ctx)
			continue
		case err != nil:
			if ctx.Err() == nil {
				logger.Error("Claim failed", "error", err)
			}
			p.sleep(ctx)
			continue
		}

		p.setBusy(workerID, true)
		for _, cmd := range commands {
			ok := p.runner.Process(ctx, workerID, cmd)
			p.bump(workerID, ok)
		}
		p.setBusy(workerID, false)
	}
}

// sleep waits one jittered poll interval or until shutdown.
func (p *Pool) sleep(ctx context.Context) {
	j := int64(p.cfg.PollJitter)
	d := p.cfg.PollInterval - p.cfg.PollJitter + time.Duration(rand.Int64N(2*j))
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pool) setBusy(workerID string, busy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.status[workerID]
	s.Busy = busy
	if busy {
		t := time.Now().UTC()
		s.LastClaim = &t
	}
}

func (p *Pool) bump(workerID string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.status[workerID]
	s.Processed++
	if !ok {
		s.Failed++
	}
}
