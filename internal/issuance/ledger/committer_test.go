package ledger_test

//go:generate mockgen -source=ledger.go -destination=mocks/mocks.go -package=mocks Client,SequenceStore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"credmint/internal/issuance/ledger"
	"credmint/internal/issuance/ledger/mocks"
	"credmint/internal/issuance/merkle"
	"credmint/pkg/requestcontext"
)

// =============================================================================
// Committer Test Suite
// =============================================================================
// Justification for unit tests: the retry loop is a state machine whose
// branches (fatal, fixed delay, fee escalation, exhaustion) depend on exact
// error classification and call ordering that integration tests cannot force.

type CommitterSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	client    *mocks.MockClient
	sequences *mocks.MockSequenceStore
	committer *ledger.Committer
	root      merkle.Digest
	batchID   uuid.UUID
}

func TestCommitterSuite(t *testing.T) {
	suite.Run(t, new(CommitterSuite))
}

func (s *CommitterSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.client = mocks.NewMockClient(s.ctrl)
	s.sequences = mocks.NewMockSequenceStore(s.ctrl)
	s.root = merkle.Sum([]byte("root"))
	s.batchID = uuid.New()
	var err error
	s.committer, err = ledger.NewCommitter(s.client, s.sequences,
		ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		ledger.WithMaxAttempts(3),
		ledger.WithRetryDelay(time.Millisecond),
		ledger.WithFeeBump(10),
	)
	s.Require().NoError(err)
}

func (s *CommitterSuite) TearDownTest() {
	s.ctrl.Finish()
}

// =============================================================================
// Constructor Tests
// =============================================================================

func (s *CommitterSuite) TestNew() {
	s.Run("nil client returns error", func() {
		_, err := ledger.NewCommitter(nil, s.sequences)
		s.ErrorContains(err, "ledger client is required")
	})

	s.Run("nil sequence store returns error", func() {
		_, err := ledger.NewCommitter(s.client, nil)
		s.ErrorContains(err, "sequence store is required")
	})
}

// =============================================================================
// Commit Tests
// =============================================================================

func (s *CommitterSuite) TestCommitSuccess() {
	ctx := context.Background()
	gomock.InOrder(
		s.sequences.EXPECT().NextBatchSequence(ctx, "acme").Return(int64(7), nil),
		s.client.EXPECT().SubmitBatchRoot(ctx, s.root, int64(0), ledger.DefaultBid).Return("0xtx", nil),
		s.client.EXPECT().EstimateFee(ctx, "0xtx").Return(big.NewInt(1234), nil),
	)

	commit, err := s.committer.Commit(ctx, "acme", s.batchID, s.root, 5)
	s.Require().NoError(err)
	s.Equal(int64(7), commit.BatchSequence)
	s.Equal("0xtx", commit.TxReference)
	s.Equal("1234", commit.TxFee.String())
	s.Equal(s.root, commit.Root)
	s.Equal(5, commit.RecordCount)
}

func (s *CommitterSuite) TestSequenceConsumedBeforeNetwork() {
	s.Run("sequence failure never reaches the ledger", func() {
		s.sequences.EXPECT().NextBatchSequence(gomock.Any(), "acme").Return(int64(0), errors.New("db down"))

		_, err := s.committer.Commit(context.Background(), "acme", s.batchID, s.root, 1)
		var ce *ledger.CommitError
		s.Require().ErrorAs(err, &ce)
		s.Equal(ledger.ReasonSequence, ce.Reason)
		s.Equal(0, ce.Attempts)
	})
}

func (s *CommitterSuite) TestFatalErrorNoRetry() {
	s.sequences.EXPECT().NextBatchSequence(gomock.Any(), "acme").Return(int64(1), nil)
	s.client.EXPECT().SubmitBatchRoot(gomock.Any(), s.root, gomock.Any(), gomock.Any()).
		Return("", errors.New("insufficient funds for gas * price + value")).Times(1)

	_, err := s.committer.Commit(context.Background(), "acme", s.batchID, s.root, 1)
	var ce *ledger.CommitError
	s.Require().ErrorAs(err, &ce)
	s.Equal(ledger.ReasonInsufficientFunds, ce.Reason)
	s.Equal(1, ce.Attempts)
}

func (s *CommitterSuite) TestTransientThenSuccess() {
	s.sequences.EXPECT().NextBatchSequence(gomock.Any(), "acme").Return(int64(2), nil)
	gomock.InOrder(
		s.client.EXPECT().SubmitBatchRoot(gomock.Any(), s.root, gomock.Any(), ledger.DefaultBid).
			Return("", context.DeadlineExceeded),
		s.client.EXPECT().SubmitBatchRoot(gomock.Any(), s.root, gomock.Any(), ledger.DefaultBid).
			Return("0xok", nil),
	)
	s.client.EXPECT().EstimateFee(gomock.Any(), "0xok").Return(big.NewInt(1), nil)

	commit, err := s.committer.Commit(context.Background(), "acme", s.batchID, s.root, 1)
	s.Require().NoError(err)
	s.Equal("0xok", commit.TxReference)
}

func (s *CommitterSuite) TestRetryBoundOnExhaustion() {
	s.sequences.EXPECT().NextBatchSequence(gomock.Any(), "acme").Return(int64(3), nil)
	s.client.EXPECT().SubmitBatchRoot(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return("", errors.New("connection refused")).Times(3)

	commit, err := s.committer.Commit(context.Background(), "acme", s.batchID, s.root, 1)
	s.Nil(commit)
	var ce *ledger.CommitError
	s.Require().ErrorAs(err, &ce)
	s.Equal(ledger.ReasonRetriesExhausted, ce.Reason)
	s.Equal(3, ce.Attempts)
	s.ErrorContains(err, "connection refused")
}

func (s *CommitterSuite) TestUnderpricedEscalatesBid() {
	s.sequences.EXPECT().NextBatchSequence(gomock.Any(), "acme").Return(int64(4), nil)
	gomock.InOrder(
		s.client.EXPECT().SubmitBatchRoot(gomock.Any(), s.root, gomock.Any(), ledger.FeeBid{Percent: 100}).
			Return("", errors.New("replacement transaction underpriced")),
		s.client.EXPECT().SubmitBatchRoot(gomock.Any(), s.root, gomock.Any(), ledger.FeeBid{Percent: 110}).
			Return("", errors.New("transaction underpriced")),
		s.client.EXPECT().SubmitBatchRoot(gomock.Any(), s.root, gomock.Any(), ledger.FeeBid{Percent: 121}).
			Return("0xbumped", nil),
	)
	s.client.EXPECT().EstimateFee(gomock.Any(), "0xbumped").Return(big.NewInt(9), nil)

	commit, err := s.committer.Commit(context.Background(), "acme", s.batchID, s.root, 1)
	s.Require().NoError(err)
	s.Equal("0xbumped", commit.TxReference)
}

func (s *CommitterSuite) TestFeeEstimateFailureRecordsZero() {
	s.sequences.EXPECT().NextBatchSequence(gomock.Any(), "acme").Return(int64(5), nil)
	s.client.EXPECT().SubmitBatchRoot(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("0xtx", nil)
	s.client.EXPECT().EstimateFee(gomock.Any(), "0xtx").Return(nil, errors.New("receipt missing"))

	commit, err := s.committer.Commit(context.Background(), "acme", s.batchID, s.root, 1)
	s.Require().NoError(err)
	s.Equal(int64(0), commit.TxFee.Int64())
}

func (s *CommitterSuite) TestExpirationEpoch() {
	committer, err := ledger.NewCommitter(s.client, s.sequences, ledger.WithExpirationYears(2))
	s.Require().NoError(err)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), now)
	want := now.AddDate(2, 0, 0).Unix()

	s.sequences.EXPECT().NextBatchSequence(ctx, "acme").Return(int64(6), nil)
	s.client.EXPECT().SubmitBatchRoot(ctx, s.root, want, ledger.DefaultBid).Return("0xtx", nil)
	s.client.EXPECT().EstimateFee(ctx, "0xtx").Return(big.NewInt(1), nil)

	commit, err := committer.Commit(ctx, "acme", s.batchID, s.root, 1)
	s.Require().NoError(err)
	s.Equal(want, commit.ExpirationEpoch)
}

func (s *CommitterSuite) TestCancelledContextStops() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.sequences.EXPECT().NextBatchSequence(ctx, "acme").Return(int64(8), nil)

	_, err := s.committer.Commit(ctx, "acme", s.batchID, s.root, 1)
	var ce *ledger.CommitError
	s.Require().ErrorAs(err, &ce)
	s.Equal(ledger.ReasonCancelled, ce.Reason)
}
