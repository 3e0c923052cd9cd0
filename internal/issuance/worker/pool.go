// Package worker consumes chunk jobs from the queue and reports their outcomes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"credmint/internal/issuance/metrics"
	"credmint/internal/issuance/models"
	"credmint/internal/issuance/queue"
	dErrors "credmint/pkg/domain-errors"
)

// Consumer is the worker's view of the queue broker.
type Consumer interface {
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	Report(ctx context.Context, d *queue.Delivery, outcome models.ChunkOutcome) error
}

// Reclaimer is implemented by brokers that can hand jobs of a dead worker to
// another one.
type Reclaimer interface {
	RequeueStale(ctx context.Context) (int, error)
}

// JobStamper processes one chunk job.
type JobStamper interface {
	Stamp(ctx context.Context, job models.ChunkJob) ([]models.StampResult, error)
}

// Pool runs a fixed number of consumers sharing one broker and stamper.
type Pool struct {
	broker       Consumer
	stamper      JobStamper
	size         int
	errorBackoff time.Duration
	reclaimEvery time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

type Option func(*Pool)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithErrorBackoff sets the pause after a broker error before dequeuing again.
func WithErrorBackoff(d time.Duration) Option {
	return func(p *Pool) { p.errorBackoff = d }
}

// WithReclaimInterval makes Run requeue stale jobs at this interval when the
// broker is a Reclaimer. Zero disables it.
func WithReclaimInterval(d time.Duration) Option {
	return func(p *Pool) { p.reclaimEvery = d }
}

func NewPool(broker Consumer, stamper JobStamper, size int, opts ...Option) (*Pool, error) {
	if broker == nil {
		return nil, errors.New("queue broker is required")
	}
	if stamper == nil {
		return nil, errors.New("stamper is required")
	}
	if size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", size)
	}
	p := &Pool{
		broker:       broker,
		stamper:      stamper,
		size:         size,
		errorBackoff: time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run blocks until ctx is cancelled. A job already taken when ctx ends is
// still finished and reported.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "worker pool started", "workers", p.size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.size {
		g.Go(func() error {
			return p.loop(gctx, i)
		})
	}
	if r, ok := p.broker.(Reclaimer); ok && p.reclaimEvery > 0 {
		g.Go(func() error {
			p.reclaim(gctx, r)
			return nil
		})
	}
	err := g.Wait()
	p.logger.InfoContext(ctx, "worker pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, id int) error {
	for {
		d, err := p.broker.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.ErrorContext(ctx, "dequeue failed", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.errorBackoff):
			}
			continue
		}

		// Jobs run to completion once taken, even during shutdown.
		jobCtx := context.WithoutCancel(ctx)
		outcome := p.Process(jobCtx, d.Job)
		if err := p.broker.Report(jobCtx, d, outcome); err != nil {
			p.logger.ErrorContext(ctx, "failed to report chunk outcome",
				"worker", id,
				"batch_id", d.Job.QueueID,
				"chunk_index", d.Job.ChunkIndex,
				"error", err,
			)
		}
	}
}

// reclaim runs once at start so jobs stranded by a previous crash are picked
// up, then on every tick until ctx ends.
func (p *Pool) reclaim(ctx context.Context, r Reclaimer) {
	ticker := time.NewTicker(p.reclaimEvery)
	defer ticker.Stop()
	for {
		if n, err := r.RequeueStale(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WarnContext(ctx, "requeue of stale chunk jobs failed", "error", err)
		} else if n > 0 {
			p.logger.InfoContext(ctx, "requeued stale chunk jobs", "jobs", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Process stamps one job and converts the result, an error or a panic into
// the outcome reported back to the tracker.
func (p *Pool) Process(ctx context.Context, job models.ChunkJob) (outcome models.ChunkOutcome) {
	start := time.Now()
	outcome = models.ChunkOutcome{QueueID: job.QueueID, ChunkIndex: job.ChunkIndex}

	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "panic while stamping chunk",
				"batch_id", job.QueueID,
				"chunk_index", job.ChunkIndex,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			outcome = models.ChunkOutcome{
				QueueID:    job.QueueID,
				ChunkIndex: job.ChunkIndex,
				Error:      fmt.Sprintf("worker panic: %v", r),
			}
		}
		status := "succeeded"
		if !outcome.Succeeded {
			status = "failed"
		}
		p.metrics.ObserveChunk(status, time.Since(start))
	}()

	results, err := p.stamper.Stamp(ctx, job)
	if err != nil {
		p.logger.WarnContext(ctx, "chunk failed",
			"batch_id", job.QueueID,
			"chunk_index", job.ChunkIndex,
			"records", len(job.Records),
			"error", err,
		)
		outcome.Error = err.Error()
		outcome.Details = dErrors.DetailsOf(err)
		return outcome
	}

	outcome.Succeeded = true
	outcome.Results = results
	p.logger.InfoContext(ctx, "chunk stamped",
		"batch_id", job.QueueID,
		"chunk_index", job.ChunkIndex,
		"records", len(results),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return outcome
}
