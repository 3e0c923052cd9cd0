// Package issuance stores batch commits and the certificates issued under them.
package issuance

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"credmint/internal/issuance/models"
	"credmint/pkg/platform/sentinel"
)

// InMemoryStore keeps issuance rows in process memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	commits map[uuid.UUID]models.BatchCommit
	records map[string]models.IssuanceRecord
	logs    []models.StatusLog
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		commits: make(map[uuid.UUID]models.BatchCommit),
		records: make(map[string]models.IssuanceRecord),
	}
}

// SaveBatch writes everything or nothing: a duplicate batch id or certificate
// number rejects the whole batch.
func (s *InMemoryStore) SaveBatch(ctx context.Context, commit models.BatchCommit, records []models.IssuanceRecord, logs []models.StatusLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.commits[commit.BatchID]; exists {
		return sentinel.ErrConflict
	}
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, exists := s.records[r.CertificateNumber]; exists {
			return sentinel.ErrConflict
		}
		if _, dup := seen[r.CertificateNumber]; dup {
			return sentinel.ErrConflict
		}
		seen[r.CertificateNumber] = struct{}{}
	}

	s.commits[commit.BatchID] = commit
	for _, r := range records {
		s.records[r.CertificateNumber] = r
	}
	s.logs = append(s.logs, logs...)
	return nil
}

func (s *InMemoryStore) FindByCertificateNumber(_ context.Context, certificateNumber string) (*models.IssuanceView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[certificateNumber]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := s.commits[r.BatchID]
	return &models.IssuanceView{
		Record:        r,
		Root:          c.Root,
		TxReference:   c.TxReference,
		BatchSequence: c.BatchSequence,
	}, nil
}

// ListByBatch returns a batch's certificates in record order.
func (s *InMemoryStore) ListByBatch(_ context.Context, batchID uuid.UUID) ([]models.IssuanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.commits[batchID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	var out []models.IssuanceRecord
	for _, r := range s.records {
		if r.BatchID == batchID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// StatusLogs returns the log rows written for a batch.
func (s *InMemoryStore) StatusLogs(_ context.Context, batchID uuid.UUID) ([]models.StatusLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StatusLog
	for _, l := range s.logs {
		if l.BatchID == batchID {
			out = append(out, l)
		}
	}
	return out, nil
}
