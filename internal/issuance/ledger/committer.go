package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"credmint/internal/issuance/merkle"
	"credmint/internal/issuance/metrics"
	"credmint/internal/issuance/models"
	"credmint/pkg/requestcontext"
)

// Committer submits one batch root with bounded retries.
type Committer struct {
	client          Client
	sequences       SequenceStore
	maxAttempts     int
	retryDelay      time.Duration
	feeBumpPercent  int
	expirationYears int
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

// Option configures a Committer.
type Option func(*Committer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Committer) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Committer) { c.metrics = m }
}

// WithMaxAttempts bounds total submissions, including the first.
func WithMaxAttempts(n int) Option {
	return func(c *Committer) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the wait between transient retries.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Committer) { c.retryDelay = d }
}

// WithFeeBump sets the bid increase applied on underpriced errors.
func WithFeeBump(percent int) Option {
	return func(c *Committer) { c.feeBumpPercent = percent }
}

// WithExpirationYears sets how long anchored roots stay valid. Zero never expires.
func WithExpirationYears(years int) Option {
	return func(c *Committer) { c.expirationYears = years }
}

func NewCommitter(client Client, sequences SequenceStore, opts ...Option) (*Committer, error) {
	if client == nil {
		return nil, errors.New("ledger client is required")
	}
	if sequences == nil {
		return nil, errors.New("sequence store is required")
	}
	c := &Committer{
		client:         client,
		sequences:      sequences,
		maxAttempts:    3,
		retryDelay:     5 * time.Second,
		feeBumpPercent: 15,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Commit reserves the issuer's next batch sequence and anchors root.
//
// The sequence is consumed before the first network call, so a crash or a
// failed commit leaves a gap rather than a reused number. The returned error
// is always a *CommitError.
func (c *Committer) Commit(ctx context.Context, issuerID string, batchID uuid.UUID, root merkle.Digest, recordCount int) (*models.BatchCommit, error) {
	seq, err := c.sequences.NextBatchSequence(ctx, issuerID)
	if err != nil {
		return nil, &CommitError{Reason: ReasonSequence, Err: err}
	}

	now := requestcontext.Now(ctx)
	expiration := c.expirationEpoch(now)
	bid := DefaultBid
	log := c.logger.With("issuer_id", issuerID, "batch_id", batchID.String(), "batch_sequence", seq)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &CommitError{Reason: ReasonCancelled, Attempts: attempt - 1, Err: err}
		}

		tx, err := c.client.SubmitBatchRoot(ctx, root, expiration, bid)
		if err == nil {
			c.metrics.IncrementLedgerAttempt("success")
			log.InfoContext(ctx, "batch root committed",
				"tx_reference", tx,
				"attempt", attempt,
				"fee_bid_percent", bid.Percent,
			)
			return &models.BatchCommit{
				BatchID:         batchID,
				IssuerID:        issuerID,
				BatchSequence:   seq,
				Root:            root,
				ExpirationEpoch: expiration,
				TxReference:     tx,
				TxFee:           c.fee(ctx, log, tx),
				RecordCount:     recordCount,
				CreatedAt:       now,
			}, nil
		}

		lastErr = err
		action, reason := Classify(err)
		c.metrics.IncrementLedgerAttempt(action.String())
		log.WarnContext(ctx, "batch root submission failed",
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"action", action.String(),
			"reason", string(reason),
			"error", err,
		)

		switch action {
		case ActionFatal:
			return nil, &CommitError{Reason: reason, Attempts: attempt, Err: err}
		case ActionRetryEscalated:
			bid = bid.Escalate(c.feeBumpPercent)
		case ActionRetryFixed:
			if attempt < c.maxAttempts {
				if err := sleep(ctx, c.retryDelay); err != nil {
					return nil, &CommitError{Reason: ReasonCancelled, Attempts: attempt, Err: err}
				}
			}
		}
	}
	return nil, &CommitError{Reason: ReasonRetriesExhausted, Attempts: c.maxAttempts, Err: lastErr}
}

// fee never fails the commit: the root is already anchored.
func (c *Committer) fee(ctx context.Context, log *slog.Logger, tx string) *big.Int {
	fee, err := c.client.EstimateFee(ctx, tx)
	if err != nil || fee == nil {
		log.WarnContext(ctx, "fee estimate unavailable, recording zero", "tx_reference", tx, "error", err)
		return new(big.Int)
	}
	return fee
}

func (c *Committer) expirationEpoch(now time.Time) int64 {
	if c.expirationYears <= 0 {
		return 0
	}
	return now.AddDate(c.expirationYears, 0, 0).Unix()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
