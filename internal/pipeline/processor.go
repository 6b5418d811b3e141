// Package pipeline hands finalized datasets off to the external AI
// processing pipeline. The handoff is fire-and-forget: job submission never
// blocks an upload completion beyond constructing the job reference, and
// downstream delivery is at-least-once with idempotent job IDs.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Job is one unit of downstream work for a finalized dataset.
type Job struct {
	ID        string            `json:"id"`
	Purpose   Purpose           `json:"purpose"`
	FinalPath string            `json:"final_path"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retries   int               `json:"retries"`
	CreatedAt time.Time         `json:"created_at"`
}

// JobHandler delivers one job to the downstream pipeline.
type JobHandler func(ctx context.Context, job *Job) error

// ProcessorConfig holds worker pool configuration.
type ProcessorConfig struct {
	Workers        int
	QueueSize      int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Processor runs the background delivery workers.
type Processor struct {
	handlers  map[Purpose]JobHandler
	queue     chan *Job
	workers   int
	maxRetry  int
	baseDelay time.Duration

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewProcessor creates a new pipeline processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}

	return &Processor{
		handlers:  make(map[Purpose]JobHandler),
		queue:     make(chan *Job, cfg.QueueSize),
		workers:   cfg.Workers,
		maxRetry:  cfg.MaxRetries,
		baseDelay: cfg.RetryBaseDelay,
	}
}

// RegisterHandler registers the delivery handler for a purpose.
func (p *Processor) RegisterHandler(purpose Purpose, handler JobHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[purpose] = handler
}

// Enqueue queues a job without blocking. A full queue fails fast; the
// caller treats that as a logged, swallowed error.
func (p *Processor) Enqueue(job *Job) error {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()

	if !running {
		return ErrProcessorNotRunning
	}

	select {
	case p.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start starts the delivery workers.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrProcessorAlreadyRunning
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return nil
}

// Stop stops the workers and waits for in-flight jobs.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// QueueDepth returns the current queue depth.
func (p *Processor) QueueDepth() int {
	return len(p.queue)
}

func (p *Processor) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.queue:
			p.deliver(job)
		}
	}
}

func (p *Processor) deliver(job *Job) {
	p.mu.RLock()
	handler, exists := p.handlers[job.Purpose]
	if !exists {
		handler = p.handlers[PurposeDefault]
	}
	p.mu.RUnlock()

	if handler == nil {
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Minute)
	defer cancel()

	if err := handler(ctx, job); err != nil {
		job.Retries++
		if job.Retries >= p.maxRetry {
			return
		}

		delay := p.baseDelay
		for i := 1; i < job.Retries; i++ {
			delay *= 2
		}
		if delay > 5*time.Minute {
			delay = 5 * time.Minute
		}

		select {
		case <-p.ctx.Done():
		case <-time.After(delay):
			select {
			case p.queue <- job:
			default:
				// Queue full on requeue, job dropped; delivery is
				// at-least-once only while the process lives.
			}
		}
	}
}

// Errors
var (
	ErrProcessorNotRunning     = &ProcessorError{Code: "NOT_RUNNING", Message: "pipeline processor not running"}
	ErrProcessorAlreadyRunning = &ProcessorError{Code: "ALREADY_RUNNING", Message: "pipeline processor already running"}
	ErrQueueFull               = &ProcessorError{Code: "QUEUE_FULL", Message: "pipeline queue is full"}
)

// ProcessorError represents a processor error.
type ProcessorError struct {
	Code    string
	Message string
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
