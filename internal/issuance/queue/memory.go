package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"credmint/internal/issuance/models"
)

// mailbox is an unbounded FIFO with a blocking take.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

func (m *mailbox[T]) put(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.notify()
}

func (m *mailbox[T]) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) take(ctx context.Context) (T, error) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			m.items = m.items[1:]
			more := len(m.items) > 0
			m.mu.Unlock()
			if more {
				m.notify()
			}
			return v, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-m.signal:
		}
	}
}

func (m *mailbox[T]) removeIf(drop func(T) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	for _, v := range m.items {
		if !drop(v) {
			kept = append(kept, v)
		}
	}
	m.items = kept
}

func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type memoryQueue struct {
	jobs map[int]string
	done *mailbox[models.ChunkOutcome]
}

// MemoryBroker is the in-process Broker used by tests and single-node runs.
// Jobs still round-trip through their JSON encoding.
type MemoryBroker struct {
	mu         sync.Mutex
	pending    *mailbox[string]
	processing int
	queues     map[string]*memoryQueue
	logger     *slog.Logger
}

func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		pending: newMailbox[string](),
		queues:  make(map[string]*memoryQueue),
		logger:  logger,
	}
}

func (b *MemoryBroker) queue(id string, create bool) *memoryQueue {
	q, ok := b.queues[id]
	if !ok && create {
		q = &memoryQueue{jobs: make(map[int]string), done: newMailbox[models.ChunkOutcome]()}
		b.queues[id] = q
	}
	return q
}

func (b *MemoryBroker) Enqueue(_ context.Context, job models.ChunkJob) error {
	raw, err := EncodeJob(job)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.queue(job.QueueID, true).jobs[job.ChunkIndex] = jobPending
	b.mu.Unlock()
	b.pending.put(raw)
	return nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		raw, err := b.pending.take(ctx)
		if err != nil {
			return nil, err
		}
		job, err := DecodeJob(raw)
		if err != nil {
			b.logger.ErrorContext(ctx, "dropping malformed chunk job", "error", err, "queue_id", job.QueueID)
			if job.QueueID != "" {
				_ = b.report(job.QueueID, malformedOutcome(job, err))
			}
			continue
		}
		b.mu.Lock()
		b.processing++
		b.mu.Unlock()
		return &Delivery{Job: job, raw: raw}, nil
	}
}

func (b *MemoryBroker) Report(_ context.Context, d *Delivery, outcome models.ChunkOutcome) error {
	b.mu.Lock()
	if b.processing > 0 {
		b.processing--
	}
	b.mu.Unlock()
	return b.report(d.Job.QueueID, outcome)
}

func (b *MemoryBroker) report(queueID string, outcome models.ChunkOutcome) error {
	b.mu.Lock()
	q := b.queue(queueID, false)
	if q == nil {
		b.mu.Unlock()
		return nil
	}
	q.jobs[outcome.ChunkIndex] = outcomeStatus(outcome)
	b.mu.Unlock()
	q.done.put(outcome)
	return nil
}

func (b *MemoryBroker) Await(ctx context.Context, queueID string) (models.ChunkOutcome, error) {
	b.mu.Lock()
	q := b.queue(queueID, true)
	b.mu.Unlock()
	return q.done.take(ctx)
}

func (b *MemoryBroker) Purge(_ context.Context, queueID string) error {
	b.mu.Lock()
	delete(b.queues, queueID)
	b.mu.Unlock()
	b.pending.removeIf(func(raw string) bool {
		job, _ := DecodeJob(raw)
		return job.QueueID == queueID
	})
	return nil
}

func (b *MemoryBroker) Stats(context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Pending:    int64(b.pending.len()),
		Processing: int64(b.processing),
		Queues:     int64(len(b.queues)),
	}, nil
}

func (b *MemoryBroker) Queues(context.Context) ([]QueueInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]QueueInfo, 0, len(b.queues))
	for id, q := range b.queues {
		out = append(out, summarise(id, q.jobs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueID < out[j].QueueID })
	return out, nil
}

func summarise(queueID string, jobs map[int]string) QueueInfo {
	info := QueueInfo{QueueID: queueID, Jobs: len(jobs)}
	for _, status := range jobs {
		switch status {
		case jobSucceeded:
			info.Succeeded++
		case jobFailed:
			info.Failed++
		default:
			info.Pending++
		}
	}
	return info
}
