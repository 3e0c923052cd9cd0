// Package persistence writes a completed batch in one transaction.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"credmint/internal/issuance/models"
	dErrors "credmint/pkg/domain-errors"
	"credmint/pkg/platform/sentinel"
	"credmint/pkg/requestcontext"
)

// IssuanceStore receives the batch rows.
type IssuanceStore interface {
	SaveBatch(ctx context.Context, commit models.BatchCommit, records []models.IssuanceRecord, logs []models.StatusLog) error
}

// IssuerCounters updates an issuer's running totals.
type IssuerCounters interface {
	AddTotals(ctx context.Context, issuerID string, certificates int, fee *big.Int) error
	ConsumeCredits(ctx context.Context, issuerID string, n int) error
}

// TxRunner scopes a set of store calls to one transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Writer struct {
	issuances IssuanceStore
	issuers   IssuerCounters
	tx        TxRunner
	logger    *slog.Logger
}

type Option func(*Writer)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

func NewWriter(issuances IssuanceStore, issuers IssuerCounters, tx TxRunner, opts ...Option) (*Writer, error) {
	if issuances == nil {
		return nil, errors.New("issuance store is required")
	}
	if issuers == nil {
		return nil, errors.New("issuer store is required")
	}
	if tx == nil {
		return nil, errors.New("tx runner is required")
	}
	w := &Writer{issuances: issuances, issuers: issuers, tx: tx, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Persist turns stamp results into issuance rows and writes them together
// with one status log row each, the issuer's totals and its credit usage.
// results must line up with records.
func (w *Writer) Persist(ctx context.Context, commit models.BatchCommit, records []models.CertificateRecord, results []models.StampResult) ([]models.IssuanceRecord, error) {
	rows, logs, err := BuildRows(commit, records, results, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}

	err = w.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := w.issuers.ConsumeCredits(ctx, commit.IssuerID, len(rows)); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "issuer has insufficient service credits").
					WithReason("insufficient_credits")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to consume service credits")
		}
		if err := w.issuances.SaveBatch(ctx, commit, rows, logs); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.Wrap(err, dErrors.CodeConflict, "certificate already issued").
					WithReason("duplicate_certificate")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save batch")
		}
		if err := w.issuers.AddTotals(ctx, commit.IssuerID, len(rows), commit.FeeOrZero()); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update issuer totals")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "batch persisted",
		"batch_id", commit.BatchID,
		"issuer_id", commit.IssuerID,
		"batch_sequence", commit.BatchSequence,
		"records", len(rows),
	)
	return rows, nil
}

// BuildRows pairs each record with its stamp result.
func BuildRows(commit models.BatchCommit, records []models.CertificateRecord, results []models.StampResult, now time.Time) ([]models.IssuanceRecord, []models.StatusLog, error) {
	if len(records) != len(results) {
		return nil, nil, dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("have %d stamp results for %d records", len(results), len(records)))
	}
	rows := make([]models.IssuanceRecord, len(records))
	logs := make([]models.StatusLog, len(records))
	for i, rec := range records {
		res := results[i]
		if res.Index != rec.Index || res.CertificateNumber != rec.DocumentID {
			return nil, nil, dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("stamp result %d is for %s/%d, expected %s/%d", i, res.CertificateNumber, res.Index, rec.DocumentID, rec.Index))
		}
		rows[i] = models.IssuanceRecord{
			CertificateNumber: rec.DocumentID,
			BatchID:           commit.BatchID,
			IssuerID:          commit.IssuerID,
			Index:             rec.Index,
			Name:              rec.Name,
			Fields:            rec.Fields,
			LeafHash:          res.LeafHash,
			Proof:             res.Proof,
			CombinedHash:      res.CombinedHash,
			ArtifactURL:       res.ArtifactURL,
			Status:            models.StatusIssued,
			IssuedAt:          now,
		}
		logs[i] = models.StatusLog{
			BatchID:           commit.BatchID,
			CertificateNumber: rec.DocumentID,
			Status:            models.StatusIssued,
			Note:              fmt.Sprintf("batch %d", commit.BatchSequence),
			CreatedAt:         now,
		}
	}
	return rows, logs, nil
}
