package issuance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"credmint/internal/issuance/merkle"
	"credmint/internal/issuance/models"
	"credmint/internal/issuance/store"
	"credmint/pkg/platform/sentinel"
	txcontext "credmint/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore writes through database/sql so batch writes join the caller's
// transaction, and reads through a pgx pool when one is configured.
type PostgresStore struct {
	db   *sql.DB
	pool *pgxpool.Pool
}

// NewPostgres constructs the store. pool may be nil, in which case reads use db.
func NewPostgres(db *sql.DB, pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, pool: pool}
}

// SaveBatch inserts the commit row, then bulk-copies every issuance and status
// log row, all in one transaction. The transaction on ctx is used when present.
func (s *PostgresStore) SaveBatch(ctx context.Context, commit models.BatchCommit, records []models.IssuanceRecord, logs []models.StatusLog) error {
	if tx, ok := txcontext.From(ctx); ok {
		return s.saveBatch(ctx, tx, commit, records, logs)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op
	if err := s.saveBatch(ctx, tx, commit, records, logs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) saveBatch(ctx context.Context, tx *sql.Tx, commit models.BatchCommit, records []models.IssuanceRecord, logs []models.StatusLog) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO batch_commits (batch_id, issuer_id, batch_sequence, root, expiration_epoch, tx_reference, tx_fee, record_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9)
	`,
		commit.BatchID,
		commit.IssuerID,
		commit.BatchSequence,
		commit.Root.String(),
		commit.ExpirationEpoch,
		commit.TxReference,
		commit.FeeOrZero().String(),
		commit.RecordCount,
		commit.CreatedAt,
	)
	if err != nil {
		return translate("insert batch commit", err)
	}

	err = copyRows(ctx, tx, "issuances", []string{
		"certificate_number", "batch_id", "issuer_id", "record_index", "name", "fields",
		"leaf_hash", "proof", "combined_hash", "artifact_url", "status", "issued_at",
	}, len(records), func(i int) ([]any, error) {
		r := records[i]
		fields, err := json.Marshal(nonNilFields(r.Fields))
		if err != nil {
			return nil, fmt.Errorf("marshal fields of %s: %w", r.CertificateNumber, err)
		}
		proof, err := json.Marshal(r.Proof)
		if err != nil {
			return nil, fmt.Errorf("marshal proof of %s: %w", r.CertificateNumber, err)
		}
		return []any{
			r.CertificateNumber, r.BatchID.String(), r.IssuerID, r.Index, r.Name, string(fields),
			r.LeafHash.String(), string(proof), r.CombinedHash.String(), r.ArtifactURL, string(r.Status), r.IssuedAt,
		}, nil
	})
	if err != nil {
		return translate("copy issuances", err)
	}

	err = copyRows(ctx, tx, "issuance_status_logs", []string{
		"batch_id", "certificate_number", "status", "note", "created_at",
	}, len(logs), func(i int) ([]any, error) {
		l := logs[i]
		return []any{l.BatchID.String(), l.CertificateNumber, string(l.Status), l.Note, l.CreatedAt}, nil
	})
	if err != nil {
		return translate("copy status logs", err)
	}
	return nil
}

// copyRows streams n rows into table with COPY FROM STDIN.
func copyRows(ctx context.Context, tx *sql.Tx, table string, columns []string, n int, row func(int) ([]any, error)) error {
	if n == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return err
	}
	for i := range n {
		args, err := row(i)
		if err != nil {
			_ = stmt.Close()
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = stmt.Close()
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return err
	}
	return stmt.Close()
}

func translate(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, sentinel.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nonNilFields(f map[string]string) map[string]string {
	if f == nil {
		return map[string]string{}
	}
	return f
}

const selectView = `
	SELECT i.certificate_number, i.batch_id::text, i.issuer_id, i.record_index, i.name, i.fields,
		i.leaf_hash, i.proof, i.combined_hash, i.artifact_url, i.status, i.issued_at,
		b.root, b.tx_reference, b.batch_sequence
	FROM issuances i
	JOIN batch_commits b ON b.batch_id = i.batch_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) FindByCertificateNumber(ctx context.Context, certificateNumber string) (*models.IssuanceView, error) {
	query := selectView + ` WHERE i.certificate_number = $1`
	var row rowScanner
	if s.pool != nil {
		row = s.pool.QueryRow(ctx, query, certificateNumber)
	} else {
		row = store.ConnFrom(ctx, s.db).QueryRowContext(ctx, query, certificateNumber)
	}
	view, err := scanView(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find issuance: %w", err)
	}
	return view, nil
}

// ListByBatch returns a batch's certificates in record order.
func (s *PostgresStore) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]models.IssuanceRecord, error) {
	rows, err := store.ConnFrom(ctx, s.db).QueryContext(ctx, selectView+` WHERE i.batch_id = $1 ORDER BY i.record_index`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list issuances: %w", err)
	}
	defer rows.Close()

	var out []models.IssuanceRecord
	for rows.Next() {
		view, err := scanView(rows)
		if err != nil {
			return nil, fmt.Errorf("list issuances: %w", err)
		}
		out = append(out, view.Record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list issuances: %w", err)
	}
	if len(out) == 0 {
		var exists bool
		err := store.ConnFrom(ctx, s.db).QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM batch_commits WHERE batch_id = $1)`, batchID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("list issuances: %w", err)
		}
		if !exists {
			return nil, sentinel.ErrNotFound
		}
	}
	return out, nil
}

// StatusLogs returns the log rows written for a batch in insertion order.
func (s *PostgresStore) StatusLogs(ctx context.Context, batchID uuid.UUID) ([]models.StatusLog, error) {
	rows, err := store.ConnFrom(ctx, s.db).QueryContext(ctx, `
		SELECT batch_id::text, certificate_number, status, note, created_at
		FROM issuance_status_logs
		WHERE batch_id = $1
		ORDER BY id
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list status logs: %w", err)
	}
	defer rows.Close()

	var out []models.StatusLog
	for rows.Next() {
		var (
			l      models.StatusLog
			batch  string
			status string
		)
		if err := rows.Scan(&batch, &l.CertificateNumber, &status, &l.Note, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("list status logs: %w", err)
		}
		if l.BatchID, err = uuid.Parse(batch); err != nil {
			return nil, fmt.Errorf("list status logs: batch id: %w", err)
		}
		l.Status = models.IssuanceStatus(status)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list status logs: %w", err)
	}
	return out, nil
}

func scanView(row rowScanner) (*models.IssuanceView, error) {
	var (
		view                 models.IssuanceView
		batchID, status      string
		fields, proof        []byte
		leaf, combined, root string
	)
	r := &view.Record
	err := row.Scan(
		&r.CertificateNumber, &batchID, &r.IssuerID, &r.Index, &r.Name, &fields,
		&leaf, &proof, &combined, &r.ArtifactURL, &status, &r.IssuedAt,
		&root, &view.TxReference, &view.BatchSequence,
	)
	if err != nil {
		return nil, err
	}

	if r.BatchID, err = uuid.Parse(batchID); err != nil {
		return nil, fmt.Errorf("batch id: %w", err)
	}
	r.Status = models.IssuanceStatus(status)
	if err := json.Unmarshal(fields, &r.Fields); err != nil {
		return nil, fmt.Errorf("fields: %w", err)
	}
	if err := json.Unmarshal(proof, &r.Proof); err != nil {
		return nil, fmt.Errorf("proof: %w", err)
	}
	for _, d := range []struct {
		dst *merkle.Digest
		src string
	}{{&r.LeafHash, leaf}, {&r.CombinedHash, combined}, {&view.Root, root}} {
		if *d.dst, err = merkle.ParseDigest(d.src); err != nil {
			return nil, err
		}
	}
	return &view, nil
}
