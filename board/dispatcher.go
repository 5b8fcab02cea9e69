package board

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Job is a remote mutation run off the caller's goroutine.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// DispatchConfig sizes the worker pool. Zero workers runs every job inline.
type DispatchConfig struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

// Dispatcher runs drop mutations fire-and-forget. Jobs carry no ordering
// between each other; when the queue stays full past the handoff timeout
// the job runs inline instead.
type Dispatcher struct {
	jobs    chan Job
	timeout time.Duration
	handoff time.Duration
	log     *log.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

// NewDispatcher starts the workers.
func NewDispatcher(cfg DispatchConfig, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	d := &Dispatcher{timeout: cfg.Timeout, handoff: cfg.HandoffTimeout, log: logger}
	if cfg.Workers <= 0 {
		return d
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	d.jobs = make(chan Job, cfg.Buffer)
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Infof("dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.HandoffTimeout)
	return d
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for j := range d.jobs {
		d.run(j, id)
	}
}

func (d *Dispatcher) run(j Job, worker int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := j.Run(ctx); err != nil {
		d.log.Errorf("dispatch failed, job: %s, worker: %d, err: %v", j.Name, worker, err)
	}
}

// Submit hands j to a worker, or runs it inline when the pool is absent,
// closed or saturated.
func (d *Dispatcher) Submit(j Job) {
	if !d.tryEnqueue(j) {
		d.run(j, -1)
	}
}

func (d *Dispatcher) tryEnqueue(j Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.jobs == nil || d.closed {
		return false
	}

	select {
	case d.jobs <- j:
		return true
	default:
	}

	if d.handoff <= 0 {
		return false
	}
	timer := time.NewTimer(d.handoff)
	defer timer.Stop()
	select {
	case d.jobs <- j:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed || d.jobs == nil {
		d.closed = true
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}
