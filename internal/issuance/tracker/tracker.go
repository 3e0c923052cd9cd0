// Package tracker waits for every chunk of a batch and merges their results.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"credmint/internal/issuance/models"
	"credmint/internal/issuance/scheduler"
	dErrors "credmint/pkg/domain-errors"
)

// Awaiter is the part of the queue broker the tracker uses.
type Awaiter interface {
	Await(ctx context.Context, queueID string) (models.ChunkOutcome, error)
}

// Tracker is a completion barrier over one batch queue.
type Tracker struct {
	broker Awaiter
	logger *slog.Logger
}

type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func New(broker Awaiter, opts ...Option) (*Tracker, error) {
	if broker == nil {
		return nil, errors.New("queue broker is required")
	}
	t := &Tracker{broker: broker, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Wait blocks until an outcome has arrived for every handle. Outcomes for
// unknown or already-reported chunks are ignored. If any chunk failed, the
// failure of the lowest chunk index is returned; otherwise the results are
// concatenated in chunk order, which is original record order.
//
// The scope is closed before Wait returns, whatever the result.
func (t *Tracker) Wait(ctx context.Context, queueID string, handles []scheduler.JobHandle, scope *Scope) (results []models.StampResult, err error) {
	defer func() {
		if cerr := scope.Close(context.WithoutCancel(ctx)); cerr != nil {
			t.logger.WarnContext(ctx, "batch cleanup failed", "batch_id", queueID, "error", cerr)
		}
	}()

	expected := make(map[int]scheduler.JobHandle, len(handles))
	for _, h := range handles {
		expected[h.ChunkIndex] = h
	}
	outcomes := make(map[int]models.ChunkOutcome, len(handles))

	for len(outcomes) < len(expected) {
		o, err := t.broker.Await(ctx, queueID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, dErrors.Wrap(ctxErr, dErrors.CodeTimeout, "batch did not complete in time").
					WithReason("timeout").
					WithDetails(pending(expected, outcomes)...)
			}
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "waiting for chunk outcomes")
		}
		if _, ok := expected[o.ChunkIndex]; !ok || o.QueueID != queueID {
			t.logger.WarnContext(ctx, "ignoring outcome for unknown chunk",
				"batch_id", queueID, "chunk_index", o.ChunkIndex, "outcome_queue", o.QueueID)
			continue
		}
		if _, dup := outcomes[o.ChunkIndex]; dup {
			t.logger.WarnContext(ctx, "ignoring duplicate chunk outcome", "batch_id", queueID, "chunk_index", o.ChunkIndex)
			continue
		}
		outcomes[o.ChunkIndex] = o
		t.logger.DebugContext(ctx, "chunk outcome received",
			"batch_id", queueID,
			"chunk_index", o.ChunkIndex,
			"succeeded", o.Succeeded,
			"remaining", len(expected)-len(outcomes),
		)
	}

	order := make([]int, 0, len(expected))
	for idx := range expected {
		order = append(order, idx)
	}
	sort.Ints(order)

	for _, idx := range order {
		o := outcomes[idx]
		if !o.Succeeded {
			details := append([]string{fmt.Sprintf("chunk %d: %s", idx, o.Error)}, o.Details...)
			return nil, dErrors.New(dErrors.CodeBatchFailed, "certificate stamping failed").
				WithReason("chunk_failed").
				WithDetails(details...)
		}
	}

	for _, idx := range order {
		o := outcomes[idx]
		if len(o.Results) != expected[idx].Size {
			return nil, dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("chunk %d returned %d results for %d records", idx, len(o.Results), expected[idx].Size))
		}
		results = append(results, o.Results...)
	}
	return results, nil
}

func pending(expected map[int]scheduler.JobHandle, got map[int]models.ChunkOutcome) []string {
	var missing []int
	for idx := range expected {
		if _, ok := got[idx]; !ok {
			missing = append(missing, idx)
		}
	}
	sort.Ints(missing)
	out := make([]string, len(missing))
	for i, idx := range missing {
		out[i] = fmt.Sprintf("chunk %d pending", idx)
	}
	return out
}

// Scope collects the teardown steps of one batch and runs them exactly once.
// A nil Scope is valid and does nothing.
type Scope struct {
	mu    sync.Mutex
	steps []func(context.Context) error
	once  sync.Once
	err   error
}

func NewScope() *Scope {
	return &Scope{}
}

// Add registers a step. Steps run in reverse order of registration.
func (s *Scope) Add(step func(context.Context) error) {
	if s == nil || step == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// Close runs every step once; later calls return the first call's error.
func (s *Scope) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.mu.Lock()
		steps := s.steps
		s.mu.Unlock()
		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			errs = append(errs, steps[i](ctx))
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}
