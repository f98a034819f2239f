// Package workers runs background work (embedding calls, index rebuilds,
// reindex-after-mutation) on a fixed set of goroutines fed by a bounded
// queue.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned by TrySubmit when the queue is at capacity.
	ErrQueueFull = errors.New("worker queue full")

	// ErrStopped is returned when submitting to a stopped pool.
	ErrStopped = errors.New("worker pool stopped")
)

// Task is one unit of background work.
type Task struct {
	// Name labels the task in logs and metrics.
	Name string
	// Key coalesces submissions: while a task with the same non-empty key
	// is queued, further submissions with that key are dropped.
	Key string
	Run func(ctx context.Context) error
}

// Config configures a Pool.
type Config struct {
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Pool is a bounded background worker pool.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	queue  chan Task

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// closeMu keeps Stop from closing the queue under a sender.
	closeMu sync.RWMutex

	mu       sync.Mutex
	started  bool
	stopped  bool
	queued   map[string]struct{}
	inflight int
	idle     chan struct{}
}

// New creates a pool. Call Start before submitting.
func New(cfg Config) *Pool {
	cfg.ApplyDefaults()
	idle := make(chan struct{})
	close(idle)
	return &Pool{
		cfg:    cfg,
		logger: cfg.Logger,
		queue:  make(chan Task, cfg.QueueSize),
		queued: make(map[string]struct{}),
		idle:   idle,
	}
}

// Start launches the workers. Tasks run with a context derived from ctx
// that is cancelled by Stop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.group = &errgroup.Group{}
	for i := 0; i < p.cfg.Workers; i++ {
		p.group.Go(func() error {
			p.work()
			return nil
		})
	}
	p.logger.Info("workers: started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

func (p *Pool) work() {
	for t := range p.queue {
		p.mu.Lock()
		if t.Key != "" {
			delete(p.queued, t.Key)
		}
		p.mu.Unlock()
		queueDepth.Set(float64(len(p.queue)))

		p.run(t)
		p.done()
	}
}

func (p *Pool) run(t Task) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.logger.Error("workers: task panicked",
					zap.String("task", t.Name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		return t.Run(p.ctx)
	}()
	taskDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		tasksTotal.WithLabelValues(t.Name, "error").Inc()
		p.logger.Warn("workers: task failed", zap.String("task", t.Name), zap.Error(err))
		return
	}
	tasksTotal.WithLabelValues(t.Name, "success").Inc()
}

// admit records a queued task. It reports false when the task should be
// dropped as a duplicate.
func (p *Pool) admit(t Task) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return false, ErrStopped
	}
	if t.Key != "" {
		if _, dup := p.queued[t.Key]; dup {
			tasksTotal.WithLabelValues(t.Name, "coalesced").Inc()
			return false, nil
		}
		p.queued[t.Key] = struct{}{}
	}
	if p.inflight == 0 {
		p.idle = make(chan struct{})
	}
	p.inflight++
	return true, nil
}

// unadmit reverses admit for a task that never reached the queue.
func (p *Pool) unadmit(t Task) {
	p.mu.Lock()
	if t.Key != "" {
		delete(p.queued, t.Key)
	}
	p.mu.Unlock()
	p.done()
}

func (p *Pool) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight--
	if p.inflight == 0 {
		close(p.idle)
	}
}

// TrySubmit queues t without blocking. It returns ErrQueueFull when the
// queue is at capacity.
func (p *Pool) TrySubmit(t Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	ok, err := p.admit(t)
	if err != nil || !ok {
		return err
	}
	select {
	case p.queue <- t:
		queueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		p.unadmit(t)
		tasksTotal.WithLabelValues(t.Name, "rejected").Inc()
		p.logger.Warn("workers: queue full, rejecting task", zap.String("task", t.Name))
		return ErrQueueFull
	}
}

// Submit queues t, blocking while the queue is full until ctx is done.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	ok, err := p.admit(t)
	if err != nil || !ok {
		return err
	}
	select {
	case p.queue <- t:
		queueDepth.Set(float64(len(p.queue)))
		return nil
	case <-ctx.Done():
		p.unadmit(t)
		return ctx.Err()
	case <-p.ctx.Done():
		p.unadmit(t)
		return ErrStopped
	}
}

// Flush waits until every submitted task has finished.
func (p *Pool) Flush(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting work, lets queued tasks finish and waits for the
// workers. If ctx ends first, running tasks are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("workers: stopping")
	p.closeMu.Lock()
	close(p.queue)
	p.closeMu.Unlock()
	finished := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		p.cancel()
		<-finished
	}
	p.cancel()
	p.logger.Info("workers: stopped")
	return nil
}
