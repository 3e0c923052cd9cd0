package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"credmint/internal/issuance/models"
	"credmint/internal/issuance/scheduler"
	dErrors "credmint/pkg/domain-errors"
)

// =============================================================================
// Tracker Test Suite
// =============================================================================
// Justification: the barrier must neither return early nor trust outcomes it
// did not dispatch, and cleanup must run exactly once on every exit path.

type scriptedAwaiter struct {
	outcomes chan models.ChunkOutcome
	err      error
}

func (s *scriptedAwaiter) Await(ctx context.Context, _ string) (models.ChunkOutcome, error) {
	if s.err != nil {
		return models.ChunkOutcome{}, s.err
	}
	select {
	case o := <-s.outcomes:
		return o, nil
	case <-ctx.Done():
		return models.ChunkOutcome{}, ctx.Err()
	}
}

type TrackerSuite struct {
	suite.Suite
	awaiter *scriptedAwaiter
	tracker *Tracker
	handles []scheduler.JobHandle
	cleaned int
	scope   *Scope
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(TrackerSuite))
}

func (s *TrackerSuite) SetupTest() {
	s.awaiter = &scriptedAwaiter{outcomes: make(chan models.ChunkOutcome, 16)}
	tr, err := New(s.awaiter)
	s.Require().NoError(err)
	s.tracker = tr
	s.handles = []scheduler.JobHandle{
		{QueueID: "q", ChunkIndex: 0, Size: 2},
		{QueueID: "q", ChunkIndex: 1, Size: 1},
	}
	s.cleaned = 0
	s.scope = NewScope()
	s.scope.Add(func(context.Context) error { s.cleaned++; return nil })
}

func (s *TrackerSuite) send(o models.ChunkOutcome) {
	s.awaiter.outcomes <- o
}

func result(idx int) models.StampResult {
	return models.StampResult{CertificateNumber: string(rune('A' + idx)), Index: idx}
}

func (s *TrackerSuite) TestMergesInChunkOrder() {
	s.send(models.ChunkOutcome{QueueID: "q", ChunkIndex: 1, Succeeded: true, Results: []models.StampResult{result(2)}})
	s.send(models.ChunkOutcome{QueueID: "q", ChunkIndex: 0, Succeeded: true, Results: []models.StampResult{result(0), result(1)}})

	got, err := s.tracker.Wait(context.Background(), "q", s.handles, s.scope)
	s.Require().NoError(err)
	s.Equal([]int{0, 1, 2}, []int{got[0].Index, got[1].Index, got[2].Index})
	s.Equal(1, s.cleaned)
}

func (s *TrackerSuite) TestIgnoresUnknownAndDuplicateOutcomes() {
	s.send(models.ChunkOutcome{QueueID: "q", ChunkIndex: 7, Succeeded: false, Error: "bogus"})
	s.send(models.ChunkOutcome{QueueID: "other", ChunkIndex: 0, Succeeded: false})
	s.send(models.ChunkOutcome{QueueID: "q", ChunkIndex: 0, Succeeded: true, Results: []models.StampResult{result(0), result(1)}})
	s.send(models.ChunkOutcome{QueueID: "q", ChunkIndex: 0, Succeeded: false, Error: "late duplicate"})
	s.send(models.ChunkOutcome{QueueID: "q", ChunkIndex: 1, Succeeded: true, Results: []models.StampResult{result(2)}})

	got, err := s.tracker.Wait(context.Background(), "q", s.handles, s.scope)
	s.Require().NoError(err)
	s.Len(got, 3)
}

func (s *TrackerSuite) TestWaitsForAllBeforeReportingFailure() {
	s.send(models.ChunkOutcome{QueueID: "q", ChunkIndex: 1, Succeeded: false, Error: "render failed", Details: []string{"C2: boom"}})

	done := make(chan error, 1)
	go func() {
		_, err := s.tracker.Wait(context.Background(), "q", s.handles, s.scope)
		done <- err
	}()

	select {
	case <-done:
		s.FailNow("returned before every chunk reported")
	case <-time.After(50 * time.Millisecond):
	}

	s.send(models.ChunkOutcome{QueueID: "q", ChunkIndex: 0, Succeeded: false, Error: "template missing"})
	err := <-done
	s.True(dErrors.HasCode(err, dErrors.CodeBatchFailed))
	s.Equal("chunk_failed", dErrors.ReasonOf(err))
	s.Equal([]string{"chunk 0: template missing"}, dErrors.DetailsOf(err), "lowest failed chunk wins")
	s.Equal(1, s.cleaned)
}

func (s *TrackerSuite) TestTimeoutListsPendingChunks() {
	s.send(models.ChunkOutcome{QueueID: "q", ChunkIndex: 0, Succeeded: true, Results: []models.StampResult{result(0), result(1)}})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := s.tracker.Wait(ctx, "q", s.handles, s.scope)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	s.Equal([]string{"chunk 1 pending"}, dErrors.DetailsOf(err))
	s.Equal(1, s.cleaned)
}

func (s *TrackerSuite) TestBrokerFailure() {
	s.awaiter.err = errors.New("connection refused")
	_, err := s.tracker.Wait(context.Background(), "q", s.handles, s.scope)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	s.Equal(1, s.cleaned)
}

func (s *TrackerSuite) TestShortChunkIsInvariantViolation() {
	s.send(models.ChunkOutcome{QueueID: "q", ChunkIndex: 0, Succeeded: true, Results: []models.StampResult{result(0)}})
	s.send(models.ChunkOutcome{QueueID: "q", ChunkIndex: 1, Succeeded: true, Results: []models.StampResult{result(2)}})

	_, err := s.tracker.Wait(context.Background(), "q", s.handles, s.scope)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func TestScopeRunsOnceInReverse(t *testing.T) {
	var order []string
	scope := NewScope()
	scope.Add(func(context.Context) error { order = append(order, "workdir"); return nil })
	scope.Add(func(context.Context) error { order = append(order, "purge"); return errors.New("purge failed") })

	err := scope.Close(context.Background())
	require.ErrorContains(t, err, "purge failed")
	assert.Equal(t, []string{"purge", "workdir"}, order)

	assert.ErrorContains(t, scope.Close(context.Background()), "purge failed")
	assert.Len(t, order, 2)

	var nilScope *Scope
	assert.NoError(t, nilScope.Close(context.Background()))
}
