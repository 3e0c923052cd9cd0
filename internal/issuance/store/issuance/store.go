package issuance

import (
	"context"

	"github.com/google/uuid"

	"credmint/internal/issuance/models"
)

// Store is the full issuance store surface both backends provide.
type Store interface {
	SaveBatch(ctx context.Context, commit models.BatchCommit, records []models.IssuanceRecord, logs []models.StatusLog) error
	FindByCertificateNumber(ctx context.Context, certificateNumber string) (*models.IssuanceView, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]models.IssuanceRecord, error)
	StatusLogs(ctx context.Context, batchID uuid.UUID) ([]models.StatusLog, error)
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
