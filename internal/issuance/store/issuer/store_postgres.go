package issuer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"credmint/internal/issuance/models"
	"credmint/internal/issuance/store"
	"credmint/pkg/platform/sentinel"
	"credmint/pkg/requestcontext"

	"github.com/lib/pq"
)

// PostgresStore persists issuers in PostgreSQL. Counter updates are single
// statements so concurrent batches from one issuer cannot lose increments.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, issuer *models.Issuer) error {
	if issuer == nil {
		return fmt.Errorf("issuer is required")
	}
	fee := "0"
	if issuer.TransactionFee != nil {
		fee = issuer.TransactionFee.String()
	}
	now := requestcontext.Now(ctx)
	_, err := store.ConnFrom(ctx, s.db).ExecContext(ctx, `
		INSERT INTO issuers (id, name, batch_sequence, certificates_issued, transaction_fee, service_credits, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $7)
	`, issuer.ID, issuer.Name, issuer.BatchSequence, issuer.CertificatesIssued, fee, issuer.ServiceCredits, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create issuer: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*models.Issuer, error) {
	var (
		issuer models.Issuer
		fee    string
	)
	err := store.ConnFrom(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, name, batch_sequence, certificates_issued, transaction_fee::text, service_credits, created_at, updated_at
		FROM issuers
		WHERE id = $1
	`, id).Scan(
		&issuer.ID,
		&issuer.Name,
		&issuer.BatchSequence,
		&issuer.CertificatesIssued,
		&fee,
		&issuer.ServiceCredits,
		&issuer.CreatedAt,
		&issuer.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find issuer: %w", err)
	}
	parsed, ok := new(big.Int).SetString(fee, 10)
	if !ok {
		return nil, fmt.Errorf("find issuer: malformed transaction fee %q", fee)
	}
	issuer.TransactionFee = parsed
	return &issuer, nil
}

// NextBatchSequence increments and returns the issuer's batch sequence in one
// statement.
func (s *PostgresStore) NextBatchSequence(ctx context.Context, id string) (int64, error) {
	var seq int64
	err := store.ConnFrom(ctx, s.db).QueryRowContext(ctx, `
		UPDATE issuers
		SET batch_sequence = batch_sequence + 1, updated_at = $2
		WHERE id = $1
		RETURNING batch_sequence
	`, id, requestcontext.Now(ctx)).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, sentinel.ErrNotFound
		}
		return 0, fmt.Errorf("next batch sequence: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) AddTotals(ctx context.Context, id string, certificates int, fee *big.Int) error {
	amount := "0"
	if fee != nil {
		amount = fee.String()
	}
	res, err := store.ConnFrom(ctx, s.db).ExecContext(ctx, `
		UPDATE issuers
		SET certificates_issued = certificates_issued + $2,
			transaction_fee = transaction_fee + $3::numeric,
			updated_at = $4
		WHERE id = $1
	`, id, certificates, amount, requestcontext.Now(ctx))
	if err != nil {
		return fmt.Errorf("add issuer totals: %w", err)
	}
	return requireRow(res)
}

// ConsumeCredits decrements service credits if enough remain. Issuers with
// negative credits are unlimited and left untouched.
func (s *PostgresStore) ConsumeCredits(ctx context.Context, id string, n int) error {
	conn := store.ConnFrom(ctx, s.db)
	res, err := conn.ExecContext(ctx, `
		UPDATE issuers
		SET service_credits = CASE WHEN service_credits < 0 THEN service_credits ELSE service_credits - $2 END,
			updated_at = $3
		WHERE id = $1 AND (service_credits < 0 OR service_credits >= $2)
	`, id, n, requestcontext.Now(ctx))
	if err != nil {
		return fmt.Errorf("consume service credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume service credits: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := conn.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM issuers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("consume service credits: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrConflict
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
